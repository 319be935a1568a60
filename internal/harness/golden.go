package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/keel/internal/ir"
)

// Snapshot is the hash-free view of a scenario result stored in golden
// files. Digests are left out so a golden file survives hash-domain
// changes; determinism is covered by CheckDeterminism instead.
type Snapshot struct {
	Mode         string       `json:"mode"`
	ScenarioName string       `json:"scenario_name"`
	State        []SlotView   `json:"state"`
	Termination  string       `json:"termination,omitempty"`
	Trace        []TraceEvent `json:"trace"`
	Verdict      string       `json:"verdict,omitempty"`
	Verify       string       `json:"verify,omitempty"`
	Violation    string       `json:"violation,omitempty"`
}

// SnapshotOf builds the golden view of a result.
func SnapshotOf(name string, r *Result) Snapshot {
	return Snapshot{
		Mode:         string(r.Mode),
		ScenarioName: name,
		State:        r.State,
		Termination:  r.Termination,
		Trace:        r.Trace,
		Verdict:      r.Verdict,
		Verify:       r.Verify,
		Violation:    r.Violation,
	}
}

// GoldenBytes renders the golden file content for a result: the canonical
// JSON of its snapshot, without a trailing newline.
func GoldenBytes(scenarioName string, r *Result) ([]byte, error) {
	return ir.MarshalCanonical(SnapshotOf(scenarioName, r))
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := GoldenBytes(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
