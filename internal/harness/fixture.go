package harness

import (
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/worlds"
)

// Artifact schema versions written by the harness.
const (
	FixtureSchemaVersion  = "fixture.v1"
	CodebookSchemaVersion = "codebook_hash_basis.v1"
)

// Fixture is fixture.json: everything needed to recompile the initial state
// and rerun the program.
type Fixture struct {
	Dimensions          Dimensions    `json:"dimensions"`
	EvidenceObligations []string      `json:"evidence_obligations"`
	InitialPayloadHex   string        `json:"initial_payload_hex"`
	Program             []ProgramStep `json:"program"`
	SchemaVersion       string        `json:"schema_version"`
	WorldID             string        `json:"world_id"`
}

// Dimensions is the state shape plus the widest operator argument list.
type Dimensions struct {
	ArgSlotCount int `json:"arg_slot_count"`
	LayerCount   int `json:"layer_count"`
	SlotCount    int `json:"slot_count"`
}

// ProgramStep is one program instruction in hex.
type ProgramStep struct {
	OpArgsHex string `json:"op_args_hex"`
	OpCodeHex string `json:"op_code_hex"`
}

// NewFixture describes def.
func NewFixture(def *worlds.Definition) (Fixture, error) {
	payload, err := def.InitialPayload()
	if err != nil {
		return Fixture{}, fmt.Errorf("fixture: %w", err)
	}
	fx := Fixture{
		Dimensions: Dimensions{
			ArgSlotCount: def.ArgSlotCount(),
			LayerCount:   def.Schema.LayerCount,
			SlotCount:    def.Schema.SlotCount,
		},
		EvidenceObligations: slices.Sorted(slices.Values(def.Obligations)),
		InitialPayloadHex:   hex.EncodeToString(payload),
		Program:             make([]ProgramStep, 0, len(def.Program)),
		SchemaVersion:       FixtureSchemaVersion,
		WorldID:             def.Name,
	}
	if fx.EvidenceObligations == nil {
		fx.EvidenceObligations = []string{}
	}
	for _, step := range def.Program {
		fx.Program = append(fx.Program, ProgramStep{
			OpArgsHex: hex.EncodeToString(step.Args),
			OpCodeHex: step.Op.Hex(),
		})
	}
	return fx, nil
}

// CanonicalBytes renders fixture.json.
func (f Fixture) CanonicalBytes() ([]byte, error) {
	data, err := ir.MarshalCanonical(f)
	if err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}
	return data, nil
}

// Hash is the fixture identity bound into trace headers.
func (f Fixture) Hash() (ir.ContentHash, error) {
	data, err := f.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return ir.CanonicalHash(ir.DomainFixture, data), nil
}

type codebookEntry struct {
	ArgSlotCount int    `json:"arg_slot_count"`
	OpCodeHex    string `json:"op_code_hex"`
}

type codebookBasis struct {
	Operators     []codebookEntry `json:"operators"`
	SchemaVersion string          `json:"schema_version"`
}

// CodebookHash commits to the world's operator codes and argument widths.
// Names and effects are left out; the operator registry digest covers them.
func CodebookHash(def *worlds.Definition) (ir.ContentHash, error) {
	sigs := def.Operators.Signatures()
	slices.SortFunc(sigs, func(a, b operator.Signature) int { return a.OpCode.Compare(b.OpCode) })
	basis := codebookBasis{
		Operators:     make([]codebookEntry, 0, len(sigs)),
		SchemaVersion: CodebookSchemaVersion,
	}
	for _, sig := range sigs {
		basis.Operators = append(basis.Operators, codebookEntry{
			ArgSlotCount: sig.ArgByteCount() / carrier.CodeSize,
			OpCodeHex:    sig.OpCode.Hex(),
		})
	}
	h, _, err := ir.HashCanonical(ir.DomainCodebook, basis)
	if err != nil {
		return "", fmt.Errorf("codebook: %w", err)
	}
	return h, nil
}

// SuiteIdentity names the evidence suite a trace belongs to.
func SuiteIdentity(worldID string) ir.ContentHash {
	return ir.CanonicalHash(ir.DomainSuiteIdentity, []byte(worldID))
}
