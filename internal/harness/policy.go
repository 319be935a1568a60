package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/search"
	"github.com/roach88/keel/internal/worlds"
)

// PolicySchemaVersion is the policy_snapshot.json version.
const PolicySchemaVersion = "policy.v1"

// Budgets cap what a single run may produce.
type Budgets struct {
	MaxArtifactBytesTotal uint64 `yaml:"max_artifact_bytes_total" json:"max_artifact_bytes_total" validate:"gte=1"`
	MaxSteps              uint64 `yaml:"max_steps" json:"max_steps" validate:"gte=1"`
	MaxTraceBytes         uint64 `yaml:"max_trace_bytes" json:"max_trace_bytes" validate:"gte=1"`
}

// DefaultBudgets returns the stock run budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxArtifactBytesTotal: 1 << 20,
		MaxSteps:              10,
		MaxTraceBytes:         64 << 10,
	}
}

// DeterminismContract records what the runner promises not to do.
type DeterminismContract struct {
	FixedEpoch bool `json:"fixed_epoch"`
	NoEnvReads bool `json:"no_env_reads"`
	NoWallTime bool `json:"no_wall_time"`
}

// AllowedOp is one allowlist entry.
type AllowedOp struct {
	OpCodeHex string `json:"op_code_hex"`
}

// PolicySnapshot is policy_snapshot.json. SearchPolicy holds the canonical
// search policy in search mode and is absent otherwise.
type PolicySnapshot struct {
	AllowedOps          []AllowedOp         `json:"allowed_ops"`
	Budgets             Budgets             `json:"budgets"`
	DeterminismContract DeterminismContract `json:"determinism_contract"`
	SchemaVersion       string              `json:"schema_version"`
	SearchPolicy        json.RawMessage     `json:"search_policy,omitempty"`
	WorldID             string              `json:"world_id"`
}

// NewPolicySnapshot allows exactly the world's registered operators. A nil
// policy produces a linear-mode snapshot.
func NewPolicySnapshot(def *worlds.Definition, budgets Budgets, policy *search.Policy) (PolicySnapshot, error) {
	snap := PolicySnapshot{
		Budgets:             budgets,
		DeterminismContract: DeterminismContract{FixedEpoch: true, NoEnvReads: true, NoWallTime: true},
		SchemaVersion:       PolicySchemaVersion,
		WorldID:             def.Name,
	}
	for _, sig := range def.Operators.Signatures() {
		snap.AllowedOps = append(snap.AllowedOps, AllowedOp{OpCodeHex: sig.OpCode.Hex()})
	}
	slices.SortFunc(snap.AllowedOps, func(a, b AllowedOp) int {
		switch {
		case a.OpCodeHex < b.OpCodeHex:
			return -1
		case a.OpCodeHex > b.OpCodeHex:
			return 1
		}
		return 0
	})
	if snap.AllowedOps == nil {
		snap.AllowedOps = []AllowedOp{}
	}
	if policy != nil {
		data, err := policy.CanonicalBytes()
		if err != nil {
			return PolicySnapshot{}, fmt.Errorf("policy snapshot: %w", err)
		}
		snap.SearchPolicy = data
	}
	return snap, nil
}

// CanonicalBytes renders policy_snapshot.json.
func (p PolicySnapshot) CanonicalBytes() ([]byte, error) {
	data, err := ir.MarshalCanonical(p)
	if err != nil {
		return nil, fmt.Errorf("policy snapshot: %w", err)
	}
	return data, nil
}

func (p PolicySnapshot) allows(op carrier.Code32) bool {
	hexCode := op.Hex()
	return slices.ContainsFunc(p.AllowedOps, func(a AllowedOp) bool { return a.OpCodeHex == hexCode })
}

// ViolationCode categorizes policy violations.
type ViolationCode string

const (
	ViolationOpNotAllowed  ViolationCode = "OP_NOT_ALLOWED"
	ViolationStepBudget    ViolationCode = "STEP_BUDGET_EXCEEDED"
	ViolationTraceBytes    ViolationCode = "TRACE_BYTES_EXCEEDED"
	ViolationArtifactBytes ViolationCode = "ARTIFACT_BYTES_EXCEEDED"
)

// PolicyViolation is returned when a run breaks its policy snapshot. No
// bundle is produced.
type PolicyViolation struct {
	Code    ViolationCode
	Message string
	Details map[string]string
}

// Error implements the error interface.
func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func violation(code ViolationCode, details map[string]string, format string, args ...any) *PolicyViolation {
	return &PolicyViolation{Code: code, Message: fmt.Sprintf(format, args...), Details: details}
}

// IsPolicyViolation returns true if err is a PolicyViolation with the given
// code.
func IsPolicyViolation(err error, code ViolationCode) bool {
	var pv *PolicyViolation
	return errors.As(err, &pv) && pv.Code == code
}

// ViolationOf extracts the violation code from err.
func ViolationOf(err error) (ViolationCode, bool) {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv.Code, true
	}
	return "", false
}

// checkProgram enforces the allowlist and the step budget. Frame 0 counts
// as a step.
func (p PolicySnapshot) checkProgram(program []worlds.Step) error {
	for i, step := range program {
		if !p.allows(step.Op) {
			return violation(ViolationOpNotAllowed,
				map[string]string{"step": fmt.Sprint(i), "op_code_hex": step.Op.Hex()},
				"program step %d uses %s which is not in allowed_ops", i, step.Op)
		}
	}
	if frames := uint64(len(program)) + 1; frames > p.Budgets.MaxSteps {
		return violation(ViolationStepBudget,
			map[string]string{"frames": fmt.Sprint(frames), "max_steps": fmt.Sprint(p.Budgets.MaxSteps)},
			"program needs %d frames, budget is %d", frames, p.Budgets.MaxSteps)
	}
	return nil
}

func (p PolicySnapshot) checkTrace(size int) error {
	if uint64(size) > p.Budgets.MaxTraceBytes {
		return violation(ViolationTraceBytes,
			map[string]string{"bytes": fmt.Sprint(size), "max_trace_bytes": fmt.Sprint(p.Budgets.MaxTraceBytes)},
			"trace is %d bytes, budget is %d", size, p.Budgets.MaxTraceBytes)
	}
	return nil
}

func (p PolicySnapshot) checkArtifacts(inputs []bundle.Input) error {
	var total uint64
	for _, in := range inputs {
		total += uint64(len(in.Content))
	}
	if total > p.Budgets.MaxArtifactBytesTotal {
		return violation(ViolationArtifactBytes,
			map[string]string{"bytes": fmt.Sprint(total), "max_artifact_bytes_total": fmt.Sprint(p.Budgets.MaxArtifactBytesTotal)},
			"artifacts total %d bytes, budget is %d", total, p.Budgets.MaxArtifactBytesTotal)
	}
	return nil
}
