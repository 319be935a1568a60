// Package harness runs worlds end to end and packages the result as an
// evidence bundle.
//
// A Runner drives one world in one of two modes:
//
//   - RunProgram executes the world's linear program, records a BST1
//     state-replay log, replays it, and bundles the trace with the
//     fixture, compilation manifest, registries and report.
//   - RunSearch runs best-first search from the compiled root, streams the
//     search into a STAP tape, and bundles the graph and tape with the same
//     supporting artifacts.
//
// Every run is checked against a policy snapshot (allowed operators, step,
// trace and artifact budgets) before its bundle is built. Nothing is
// written to disk here; use bundle.WriteDir for that.
//
// # Scenario Format
//
// Scenarios are YAML files that pick a world and a mode and assert on the
// outcome:
//
//	name: lattice_search
//	description: "Search reaches B in slot 1"
//	world: lattice
//	mode: search
//	policy:
//	  max_expansions: 50
//	profile: strict
//	assertions:
//	  - type: termination
//	    expect: goal_reached
//	  - type: verify
//	    expect: pass
//	  - type: final_state
//	    layer: 0
//	    slot: 1
//	    value: lattice.b
//	    status: provisional
//
// A scenario may load its world from a CUE file instead of a built-in:
//
//	world: grid
//	world_file: ../worlds/grid.cue
//
// # Assertion Types
//
//   - termination: search termination kind
//   - verdict: linear replay verdict ("Match")
//   - verify: bundle verification under the scenario profile; "pass" or a
//     verify error code
//   - violation: the policy violation code the run is expected to hit
//   - trace_contains: an operator appears among the executed steps
//   - trace_order: operators appear in order (gaps allowed)
//   - trace_count: an operator appears exactly N times
//   - final_state: a slot holds a concept with a status
//   - path_length: number of steps taken
//
// # Deterministic Testing
//
// Runs use the fixed envelope source unless told otherwise, so bundle
// digests are a pure function of the world and the policy. RunWithGolden
// snapshots a hash-free view of a scenario under testdata/golden.
package harness
