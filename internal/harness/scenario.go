package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/search"
)

// Scenario defines a conformance test scenario: one world, one mode, and
// assertions about the run and its bundle.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name" validate:"required"`

	// Description explains what this scenario validates.
	Description string `yaml:"description" validate:"required"`

	// World names a built-in world, or the world to pick from WorldFile.
	World string `yaml:"world" validate:"required"`

	// WorldFile is an optional CUE file or directory, relative to the
	// scenario file.
	WorldFile string `yaml:"world_file,omitempty"`

	// Mode is "linear" or "search".
	Mode bundle.Mode `yaml:"mode" validate:"required,oneof=linear search"`

	// Policy overrides search.DefaultPolicy field by field.
	Policy search.Policy `yaml:"policy"`

	// Budgets overrides DefaultBudgets field by field.
	Budgets Budgets `yaml:"budgets"`

	// Scorer lists table scorer bonuses. Empty means uniform scoring.
	Scorer []ScorerEntry `yaml:"scorer,omitempty" validate:"dive"`

	// Profile is the verification profile; strict unless stated.
	Profile bundle.Profile `yaml:"profile" validate:"oneof=lenient strict"`

	// Assertions validate the run, its final state and its bundle.
	Assertions []Assertion `yaml:"assertions" validate:"required,min=1,dive"`
}

// ScorerEntry gives one move a score bonus.
type ScorerEntry struct {
	Op    string `yaml:"op" validate:"required"`
	Layer int    `yaml:"layer" validate:"gte=0"`
	Slot  int    `yaml:"slot" validate:"gte=0"`
	Value string `yaml:"value,omitempty"`
	Bonus int64  `yaml:"bonus"`
}

// Assertion validates one aspect of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "termination": search termination kind equals Expect
	// - "verdict": linear replay verdict equals Expect
	// - "verify": bundle verification result equals Expect ("pass" or a code)
	// - "violation": the run was refused with policy violation Expect
	// - "trace_contains": Op appears among the steps
	// - "trace_order": Ops appear in order
	// - "trace_count": Op appears exactly Count times
	// - "final_state": slot (Layer, Slot) holds Value with Status
	// - "path_length": exactly Count steps were taken
	Type string `yaml:"type" validate:"required"`

	Expect string   `yaml:"expect,omitempty"`
	Op     string   `yaml:"op,omitempty"`
	Ops    []string `yaml:"ops,omitempty"`
	Count  int      `yaml:"count,omitempty"`
	Layer  int      `yaml:"layer,omitempty"`
	Slot   int      `yaml:"slot,omitempty"`
	Value  string   `yaml:"value,omitempty"`
	Status string   `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertTermination   = "termination"
	AssertVerdict       = "verdict"
	AssertVerify        = "verify"
	AssertViolation     = "violation"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertPathLength    = "path_length"
)

var terminationKinds = map[string]bool{
	string(search.TermGoalReached):                true,
	string(search.TermFrontierExhausted):          true,
	string(search.TermExpansionBudgetExceeded):    true,
	string(search.TermDepthBudgetExceeded):        true,
	string(search.TermWorldContractViolation):     true,
	string(search.TermScorerContractViolation):    true,
	string(search.TermInternalPanic):              true,
	string(search.TermFrontierInvariantViolation): true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// WorldFile is resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.WorldFile != "" && !filepath.IsAbs(scenario.WorldFile) {
		scenario.WorldFile = filepath.Join(filepath.Dir(path), scenario.WorldFile)
	}
	if scenario.WorldFile != "" {
		if _, err := os.Stat(scenario.WorldFile); err != nil {
			return nil, fmt.Errorf("invalid scenario: world file not found: %s", scenario.WorldFile)
		}
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML. Absent policy, budget and profile
// fields keep their defaults.
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := Scenario{
		Policy:  search.DefaultPolicy(),
		Budgets: DefaultBudgets(),
		Profile: bundle.Strict,
	}
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks struct tags, then the per-type assertion fields.
func validateScenario(s *Scenario) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, s.Mode); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, mode bundle.Mode) error {
	switch a.Type {
	case AssertTermination:
		if mode != bundle.ModeSearch {
			return fmt.Errorf("assertions[%d]: termination applies to search mode only", index)
		}
		if !terminationKinds[a.Expect] {
			return fmt.Errorf("assertions[%d]: unknown termination kind %q", index, a.Expect)
		}
	case AssertVerdict:
		if mode != bundle.ModeLinear {
			return fmt.Errorf("assertions[%d]: verdict applies to linear mode only", index)
		}
		if a.Expect == "" {
			return fmt.Errorf("assertions[%d]: expect is required for verdict", index)
		}
	case AssertVerify, AssertViolation:
		if a.Expect == "" {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Value == "" {
			return fmt.Errorf("assertions[%d]: value is required for final_state", index)
		}
		if a.Status != "provisional" && a.Status != "committed" {
			return fmt.Errorf("assertions[%d]: status must be provisional or committed, got %q", index, a.Status)
		}
	case AssertPathLength:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for path_length", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
