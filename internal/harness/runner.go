package harness

import (
	"fmt"
	"log/slog"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/search"
	"github.com/roach88/keel/internal/tape"
	"github.com/roach88/keel/internal/trace"
	"github.com/roach88/keel/internal/worlds"
)

// ReplayVerdictMatch is the report's replay_verdict for a clean replay.
const ReplayVerdictMatch = "Match"

// Planes a linear replay compares.
var planesVerified = []string{"identity", "status"}

// Runner executes worlds and bundles the evidence.
//
// Thread-safety: a Runner holds no per-run state; concurrent runs are safe
// as long as the envelope source is.
type Runner struct {
	budgets   Budgets
	envelopes envelope.Source
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBudgets overrides DefaultBudgets.
func WithBudgets(b Budgets) Option {
	return func(r *Runner) { r.budgets = b }
}

// WithEnvelopes sets the envelope source for trace.bst1. The search tape is
// normative and always carries a fixed envelope.
func WithEnvelopes(src envelope.Source) Option {
	return func(r *Runner) { r.envelopes = src }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a runner with fixed envelopes and default budgets.
func New(opts ...Option) *Runner {
	r := &Runner{
		budgets:   DefaultBudgets(),
		envelopes: envelope.NewFixed(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOutput is a finished run and its bundle.
type RunOutput struct {
	World  *worlds.Definition
	Mode   bundle.Mode
	Bundle *bundle.Bundle
	Report bundle.Report

	// Final is the last program state (linear) or the goal state (search).
	// It is nil when a search ends without reaching the goal.
	Final *carrier.State

	// Steps lists the operators applied to reach Final, in order.
	Steps []worlds.Step

	Trace   *trace.Trace
	Outcome *search.Outcome
}

// Verdict is the replay verdict of a linear run or the termination kind of
// a search.
func (r *RunOutput) Verdict() string {
	if r.Mode == bundle.ModeSearch && r.Outcome != nil {
		return string(r.Outcome.Termination().Type)
	}
	return r.Report.ReplayVerdict
}

// common holds the artifacts both modes share.
type common struct {
	compiled     *carrier.CompilationResult
	fixture      Fixture
	fixtureBytes []byte
	codebook     ir.ContentHash
	snapshot     PolicySnapshot
	snapBytes    []byte
}

func (r *Runner) prepare(def *worlds.Definition, policy *search.Policy) (*common, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	compiled, err := def.Compile()
	if err != nil {
		return nil, fmt.Errorf("harness: compile %s: %w", def.Name, err)
	}
	fx, err := NewFixture(def)
	if err != nil {
		return nil, err
	}
	fxBytes, err := fx.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	codebook, err := CodebookHash(def)
	if err != nil {
		return nil, err
	}
	snap, err := NewPolicySnapshot(def, r.budgets, policy)
	if err != nil {
		return nil, err
	}
	snapBytes, err := snap.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	return &common{
		compiled:     compiled,
		fixture:      fx,
		fixtureBytes: fxBytes,
		codebook:     codebook,
		snapshot:     snap,
		snapBytes:    snapBytes,
	}, nil
}

func (c *common) inputs(def *worlds.Definition, report []byte) []bundle.Input {
	return []bundle.Input{
		{Name: bundle.NameFixture, Content: c.fixtureBytes, Normative: true},
		{Name: bundle.NameCompilationManifest, Content: c.compiled.ManifestBytes, Normative: true},
		{Name: bundle.NamePolicySnapshot, Content: c.snapBytes, Normative: true},
		{Name: bundle.NameReport, Content: report, Normative: true},
		{Name: bundle.NameOperatorRegistry, Content: def.Operators.CanonicalBytes(), Normative: true},
		{Name: bundle.NameConceptRegistry, Content: def.Concepts.CanonicalBytes(), Normative: true},
	}
}

func (c *common) seal(inputs []bundle.Input) (*bundle.Bundle, error) {
	if err := c.snapshot.checkArtifacts(inputs); err != nil {
		return nil, err
	}
	b, err := bundle.Build(inputs)
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	return b, nil
}

// RunProgram executes the world's linear program from the compiled initial
// state, replays the recorded trace, and bundles it.
func (r *Runner) RunProgram(def *worlds.Definition) (*RunOutput, error) {
	c, err := r.prepare(def, nil)
	if err != nil {
		return nil, err
	}
	if err := c.snapshot.checkProgram(def.Program); err != nil {
		return nil, err
	}
	fixtureHash := ir.CanonicalHash(ir.DomainFixture, c.fixtureBytes)

	initial := c.compiled.State
	b, err := trace.NewBuilder(trace.Header{
		ArgSlotCount:  int64(def.ArgSlotCount()),
		CodebookHash:  c.codebook,
		FixtureHash:   fixtureHash,
		LayerCount:    int64(def.Schema.LayerCount),
		RegistryEpoch: def.Concepts.Epoch(),
		RegistryHash:  def.Concepts.Digest(),
		SchemaID:      def.Schema.ID,
		SchemaVersion: def.Schema.Version,
		SlotCount:     int64(def.Schema.SlotCount),
	}, initial)
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	st := initial
	for i, step := range def.Program {
		next, err := operator.Apply(st, step.Op, step.Args, def.Operators)
		if err != nil {
			return nil, fmt.Errorf("harness: %s program step %d: %w", def.Name, i, err)
		}
		if err := b.Append(step.Op, step.Args, next); err != nil {
			return nil, fmt.Errorf("harness: %w", err)
		}
		st = next
	}
	tr, err := b.Finish(trace.Footer{SuiteIdentity: SuiteIdentity(def.Name)})
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}

	verdict := trace.ReplayVerify(tr, def.Operators, trace.WithInitialState(initial))
	if !verdict.Matched() {
		return nil, fmt.Errorf("harness: %s replay diverged at frame %d: %s", def.Name, verdict.FrameIndex, verdict.Detail)
	}
	traceBytes, err := trace.Encode(tr, r.envelopes.Envelope(def.Name))
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	if err := c.snapshot.checkTrace(len(traceBytes)); err != nil {
		return nil, err
	}

	steps := uint64(len(def.Program))
	chainLen := uint64(len(tr.StepChain()))
	report := bundle.Report{
		CodebookHash:      c.codebook,
		FixtureDigest:     bundle.ArtifactHash(c.fixtureBytes),
		Mode:              bundle.ModeLinear,
		OperatorSetDigest: def.Operators.Digest(),
		PayloadHash:       tr.PayloadHash(),
		PlanesVerified:    planesVerified,
		PolicyDigest:      bundle.ArtifactHash(c.snapBytes),
		ReplayVerdict:     ReplayVerdictMatch,
		SchemaVersion:     bundle.ReportSchemaVersion,
		StepChainDigest:   tr.StepChainDigest(),
		StepChainLength:   &chainLen,
		StepCount:         &steps,
		WorldID:           def.Name,
	}
	reportBytes, err := report.CanonicalBytes()
	if err != nil {
		return nil, err
	}

	inputs := append(c.inputs(def, reportBytes),
		bundle.Input{Name: bundle.NameTrace, Content: traceBytes, Normative: false})
	bnd, err := c.seal(inputs)
	if err != nil {
		return nil, err
	}

	r.logger.Info("program run complete",
		"world", def.Name,
		"steps", steps,
		"bundle_digest", bnd.Digest)

	return &RunOutput{
		World:  def,
		Mode:   bundle.ModeLinear,
		Bundle: bnd,
		Report: report,
		Final:  st,
		Steps:  def.Program,
		Trace:  tr,
	}, nil
}

// artifactScorer is a scorer that ships as scorer.json.
type artifactScorer interface {
	search.DigestScorer
	CanonicalBytes() []byte
}

// RunSearch searches from the compiled root under policy and bundles the
// graph and tape. A nil scorer means uniform scoring. Scorers that can be
// serialized (search.TableScorer) ship as scorer.json; other scorers are
// accepted but leave no scorer artifact.
func (r *Runner) RunSearch(def *worlds.Definition, policy search.Policy, scorer search.Scorer) (*RunOutput, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	c, err := r.prepare(def, &policy)
	if err != nil {
		return nil, err
	}

	var scorerBytes []byte
	bindings := search.Bindings{
		WorldID:              def.Name,
		SchemaDescriptor:     def.Schema.String(),
		RegistryDigest:       def.Concepts.Digest().Hex(),
		PolicySnapshotDigest: bundle.ArtifactHash(c.snapBytes).Hex(),
		OperatorSetDigest:    def.Operators.Digest().Hex(),
		FixtureDigest:        bundle.ArtifactHash(c.fixtureBytes).Hex(),
		RootIdentityDigest:   c.compiled.Manifest.IdentityDigest.Hex(),
		RootEvidenceDigest:   c.compiled.Manifest.EvidenceDigest.Hex(),
	}
	if as, ok := scorer.(artifactScorer); ok {
		scorerBytes = as.CanonicalBytes()
		bindings.ScorerDigest = bundle.ArtifactHash(scorerBytes).Hex()
	}

	w := tape.NewWriter(envelope.NewFixed().Envelope(def.Name))
	out, err := search.Run(def, policy, scorer,
		search.WithRoot(c.compiled.State),
		search.WithOperators(def.Operators),
		search.WithBindings(bindings),
		search.WithRecorder(w),
		search.WithLogger(r.logger))
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	tp, err := w.Finish()
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	graphBytes, err := out.Graph.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}

	report := bundle.Report{
		CodebookHash:      c.codebook,
		Diagnostics:       &bundle.Diagnostics{HealthMetrics: out.Graph.Health()},
		FixtureDigest:     bundle.ArtifactHash(c.fixtureBytes),
		Mode:              bundle.ModeSearch,
		OperatorSetDigest: def.Operators.Digest(),
		PolicyDigest:      bundle.ArtifactHash(c.snapBytes),
		SchemaVersion:     bundle.ReportSchemaVersion,
		SearchGraphDigest: bundle.ArtifactHash(graphBytes),
		TapeDigest:        tp.FinalChainHash,
		WorldID:           def.Name,
	}
	if scorerBytes != nil {
		report.ScorerDigest = bundle.ArtifactHash(scorerBytes)
	}
	reportBytes, err := report.CanonicalBytes()
	if err != nil {
		return nil, err
	}

	inputs := append(c.inputs(def, reportBytes),
		bundle.Input{Name: bundle.NameSearchGraph, Content: graphBytes, Normative: true},
		bundle.Input{Name: bundle.NameSearchTape, Content: tp.Bytes, Normative: true},
	)
	if scorerBytes != nil {
		inputs = append(inputs, bundle.Input{Name: bundle.NameScorer, Content: scorerBytes, Normative: true})
	}
	bnd, err := c.seal(inputs)
	if err != nil {
		return nil, err
	}

	run := &RunOutput{
		World:   def,
		Mode:    bundle.ModeSearch,
		Bundle:  bnd,
		Report:  report,
		Outcome: out,
	}
	if out.Goal != nil {
		run.Final = out.Goal.State
		run.Steps = pathSteps(out)
	}

	r.logger.Info("search run complete",
		"world", def.Name,
		"termination", out.Termination().Type,
		"expansions", out.Graph.Metadata.TotalExpansions,
		"bundle_digest", bnd.Digest)

	return run, nil
}

// pathSteps lists the actions from the root to the goal.
func pathSteps(out *search.Outcome) []worlds.Step {
	var steps []worlds.Step
	for _, id := range out.Path() {
		if id >= uint64(len(out.Nodes)) {
			break
		}
		if a := out.Nodes[id].Action; a != nil {
			steps = append(steps, worlds.Step{Op: a.OpCode, Args: a.Args})
		}
	}
	return steps
}
