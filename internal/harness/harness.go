package harness

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/compiler"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/search"
	"github.com/roach88/keel/internal/worlds"
)

// ResolveWorld returns the scenario's world: a built-in, or the world named
// s.World inside s.WorldFile.
func ResolveWorld(s *Scenario) (*worlds.Definition, error) {
	if s.WorldFile == "" {
		return worlds.Lookup(s.World)
	}
	defs, err := compiler.LoadWorlds(s.WorldFile)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Name == s.World {
			return def, nil
		}
	}
	return nil, fmt.Errorf("world %q not defined in %s", s.World, s.WorldFile)
}

// TableScorer builds a table scorer from scenario entries. Operator and
// value names are resolved against def. No entries means nil (uniform).
func TableScorer(def *worlds.Definition, entries []ScorerEntry) (*search.TableScorer, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	byName := make(map[string]operator.Signature)
	for _, sig := range def.Operators.Signatures() {
		byName[sig.Name] = sig
	}
	table := make(map[ir.ContentHash]int64, len(entries))
	for i, e := range entries {
		sig, ok := byName[e.Op]
		if !ok {
			return nil, fmt.Errorf("scorer[%d]: operator %q is not registered by %s", i, e.Op, def.Name)
		}
		args := operator.LayerArgs(e.Layer)
		if sig.Args == operator.ArgsLayerSlotValue {
			value, ok := def.Concepts.CodeOf(e.Value)
			if !ok {
				return nil, fmt.Errorf("scorer[%d]: concept %q is not registered by %s", i, e.Value, def.Name)
			}
			args = operator.SlotArgs(e.Layer, e.Slot, value)
		}
		table[search.NewCandidate(sig.OpCode, args).Hash] = e.Bonus
	}
	return search.NewTableScorer(table)
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Resolve the world (built-in or CUE file)
// 2. Run it in the scenario's mode under its budgets and policy
// 3. Verify the bundle under the scenario's profile
// 4. Evaluate assertions
//
// Logs are discarded unless opts supply a logger. A policy violation is a
// result, not an error, so scenarios can assert on it.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	def, err := ResolveWorld(s)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve world: %w", err)
	}
	base := []Option{
		WithBudgets(s.Budgets),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	runner := New(append(base, opts...)...)

	result := NewResult()
	result.Mode = s.Mode

	var run *RunOutput
	switch s.Mode {
	case bundle.ModeLinear:
		run, err = runner.RunProgram(def)
	case bundle.ModeSearch:
		scorer, serr := TableScorer(def, s.Scorer)
		if serr != nil {
			return nil, serr
		}
		if scorer != nil {
			run, err = runner.RunSearch(def, s.Policy, scorer)
		} else {
			run, err = runner.RunSearch(def, s.Policy, nil)
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", s.Mode)
	}
	if code, ok := ViolationOf(err); ok {
		result.Violation = string(code)
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run scenario %s: %w", s.Name, err)
	}

	if run != nil {
		result.Run = run
		result.BundleDigest = run.Bundle.Digest
		result.Trace = DescribeSteps(def, run.Steps)
		result.State = DescribeState(def, run.Final)
		result.Verdict = run.Report.ReplayVerdict
		if run.Outcome != nil {
			result.Termination = string(run.Outcome.Termination().Type)
		}
		result.Verify = VerifyPass
		if verr := bundle.Verify(run.Bundle, s.Profile); verr != nil {
			code, ok := bundle.VerifyCodeOf(verr)
			if !ok {
				return nil, fmt.Errorf("failed to verify scenario %s: %w", s.Name, verr)
			}
			result.Verify = string(code)
		}
	}

	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}
