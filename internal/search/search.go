package search

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
)

// ErrNoRoot is returned when Run is called without a root state.
var ErrNoRoot = errors.New("search: no root state")

// World is a searchable domain. Enumerate must only propose op codes from
// the registry it is handed, and must be deterministic in (state, ops).
type World interface {
	ID() string
	Enumerate(st *carrier.State, ops *operator.Registry) []Candidate
	IsGoal(st *carrier.State) bool
}

// Recorder receives raw search events in order: Begin once with the static
// metadata, then node and expansion events, then Terminated once. A
// recorder error aborts the run.
type Recorder interface {
	Begin(meta Metadata) error
	NodeCreated(ev NodeEvent) error
	Expanded(exp Expansion) error
	Terminated(term Termination, frontierHighWater uint64) error
}

type nopRecorder struct{}

func (nopRecorder) Begin(Metadata) error                 { return nil }
func (nopRecorder) NodeCreated(NodeEvent) error          { return nil }
func (nopRecorder) Expanded(Expansion) error             { return nil }
func (nopRecorder) Terminated(Termination, uint64) error { return nil }

// Bindings are the artifact digests a graph is bound to. Digests are bare
// hex. Empty fields that the engine can derive itself (world id, search
// policy, operator set, scorer) are filled in.
type Bindings struct {
	WorldID              string
	SchemaDescriptor     string
	RegistryDigest       string
	PolicySnapshotDigest string
	SearchPolicyDigest   string
	ScorerDigest         string
	OperatorSetDigest    string
	FixtureDigest        string
	RootIdentityDigest   string
	RootEvidenceDigest   string
}

// Outcome is the result of a search run.
type Outcome struct {
	Goal  *Node
	Graph *Graph
	Nodes []*Node
}

// Termination is shorthand for the graph's termination reason.
func (o *Outcome) Termination() Termination { return o.Graph.Metadata.Termination }

// Path returns node ids from the root to the goal, or nil if unsolved.
func (o *Outcome) Path() []uint64 {
	if o.Goal == nil {
		return nil
	}
	return o.Graph.Path(o.Goal.ID)
}

// Option configures Run.
type Option func(*runner)

// WithRoot sets the root state.
func WithRoot(st *carrier.State) Option {
	return func(r *runner) { r.root = st }
}

// WithOperators sets the operator registry used for legality and apply.
// The kernel registry is the default.
func WithOperators(ops *operator.Registry) Option {
	return func(r *runner) { r.ops = ops }
}

// WithBindings sets the graph metadata bindings.
func WithBindings(b Bindings) Option {
	return func(r *runner) { r.bindings = b }
}

// WithRecorder streams events to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *runner) { r.recorder = rec }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) { r.logger = l }
}

type runner struct {
	world    World
	policy   Policy
	scorer   Scorer
	root     *carrier.State
	ops      *operator.Registry
	bindings Bindings
	recorder Recorder
	logger   *slog.Logger

	meta       Metadata
	frontier   *frontier
	nodes      []*Node
	events     []NodeEvent
	expansions []Expansion
	nextID     uint64
	expanded   uint64
	depthCut   bool
}

// Run performs a deterministic best-first search from the root state.
// World, scorer and goal panics are recovered into internal_panic
// terminations; the only errors are bad inputs and recorder failures.
func Run(world World, policy Policy, scorer Scorer, opts ...Option) (*Outcome, error) {
	if world == nil {
		return nil, errors.New("search: nil world")
	}
	if scorer == nil {
		scorer = UniformScorer{}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r := &runner{
		world:    world,
		policy:   policy,
		scorer:   scorer,
		ops:      operator.KernelRegistry(),
		recorder: nopRecorder{},
		logger:   slog.Default(),
		frontier: newFrontier(policy.PruneVisited),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.root == nil {
		return nil, ErrNoRoot
	}
	if err := r.bind(); err != nil {
		return nil, err
	}
	return r.run()
}

func (r *runner) bind() error {
	b := &r.bindings
	if b.WorldID == "" {
		b.WorldID = r.world.ID()
	}
	if b.SearchPolicyDigest == "" {
		d, err := r.policy.Digest()
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		b.SearchPolicyDigest = d.Hex()
	}
	if b.RootIdentityDigest == "" {
		b.RootIdentityDigest = r.root.IdentityDigest().Hex()
	}
	if b.RootEvidenceDigest == "" {
		b.RootEvidenceDigest = r.root.EvidenceDigest().Hex()
	}
	if b.OperatorSetDigest == "" {
		b.OperatorSetDigest = r.ops.Digest().Hex()
	}
	if ds, ok := r.scorer.(DigestScorer); ok && b.ScorerDigest == "" {
		b.ScorerDigest = ds.Digest().Hex()
	}
	return nil
}

// Metadata returns the static graph metadata for these bindings.
func (b Bindings) Metadata(policy Policy, rootFingerprint string) Metadata {
	return Metadata{
		DedupKey:             policy.DedupKey,
		FixtureDigest:        b.FixtureDigest,
		OperatorSetDigest:    b.OperatorSetDigest,
		PolicySnapshotDigest: b.PolicySnapshotDigest,
		PruneVisitedPolicy:   policy.PruneVisited,
		RegistryDigest:       b.RegistryDigest,
		RootEvidenceDigest:   b.RootEvidenceDigest,
		RootIdentityDigest:   b.RootIdentityDigest,
		RootStateFingerprint: rootFingerprint,
		SchemaDescriptor:     b.SchemaDescriptor,
		ScorerDigest:         b.ScorerDigest,
		SearchPolicyDigest:   b.SearchPolicyDigest,
		WorldID:              b.WorldID,
	}
}

// guard runs fn and reports false if it panicked.
func guard[T any](logger *slog.Logger, stage string, fn func() T) (v T, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("search callback panicked", "stage", stage, "panic", fmt.Sprint(rec))
			ok = false
		}
	}()
	return fn(), true
}

func (r *runner) newNode(parent *Node, st *carrier.State, action *Candidate) (*Node, error) {
	n := &Node{
		ID:            r.nextID,
		State:         st,
		Fingerprint:   fingerprint(st, r.policy.DedupKey),
		CreationOrder: r.nextID,
		Action:        action,
	}
	if parent != nil {
		pid := parent.ID
		n.ParentID = &pid
		n.Depth = parent.Depth + 1
		n.GCost = parent.GCost + 1
	}
	r.nextID++

	ev := NodeEvent{
		NodeID:        n.ID,
		ParentID:      n.ParentID,
		Fingerprint:   n.Fingerprint,
		Depth:         n.Depth,
		FCost:         n.FCost(),
		CreationOrder: n.CreationOrder,
	}
	r.nodes = append(r.nodes, n)
	r.events = append(r.events, ev)
	if err := r.recorder.NodeCreated(ev); err != nil {
		return nil, fmt.Errorf("search: record node %d: %w", n.ID, err)
	}
	return n, nil
}

func (r *runner) run() (*Outcome, error) {
	r.meta = r.bindings.Metadata(r.policy, fingerprint(r.root, r.policy.DedupKey).Hex())
	if err := r.recorder.Begin(r.meta); err != nil {
		return nil, fmt.Errorf("search: record start: %w", err)
	}

	root, err := r.newNode(nil, r.root.Clone(), nil)
	if err != nil {
		return nil, err
	}

	isGoal, ok := guard(r.logger, StageIsGoalRoot, func() bool { return r.world.IsGoal(root.State.Clone()) })
	switch {
	case !ok:
		return r.finish(Panicked(StageIsGoalRoot), nil)
	case isGoal:
		return r.finish(GoalReached(root.ID), root)
	}
	r.frontier.push(root)

	for {
		if r.frontier.len() == 0 {
			if r.depthCut {
				return r.finish(Terminate(TermDepthBudgetExceeded), nil)
			}
			return r.finish(Terminate(TermFrontierExhausted), nil)
		}
		if r.expanded >= r.policy.MaxExpansions {
			return r.finish(Terminate(TermExpansionBudgetExceeded), nil)
		}
		current, ok := r.frontier.pop()
		if !ok {
			return r.finish(FrontierInvariant(StagePopFromNonEmpty), nil)
		}

		term, goal, err := r.expand(current)
		if err != nil {
			return nil, err
		}
		if term != nil {
			return r.finish(*term, goal)
		}
	}
}

// expand processes one popped node. A non-nil termination ends the run.
func (r *runner) expand(current *Node) (*Termination, *Node, error) {
	exp := Expansion{
		Candidates:       []CandidateRecord{},
		ExpansionOrder:   r.expanded,
		PopKey:           current.PopKey(),
		NodeID:           current.ID,
		Notes:            []Note{},
		StateFingerprint: current.Fingerprint.Hex(),
	}

	proposed, ok := guard(r.logger, StageEnumerateCandidates, func() []Candidate {
		return r.world.Enumerate(current.State.Clone(), r.ops)
	})
	if !ok {
		return r.stop(exp, Panicked(StageEnumerateCandidates))
	}

	// Hashes are recomputed so a world cannot mislabel a candidate.
	cands := make([]Candidate, 0, len(proposed))
	for _, c := range proposed {
		cands = append(cands, NewCandidate(c.OpCode, c.Args))
	}
	slices.SortStableFunc(cands, func(a, b Candidate) int { return strings.Compare(string(a.Hash), string(b.Hash)) })

	if limit := r.policy.MaxCandidatesPerNode; uint64(len(cands)) > limit {
		cands = cands[:limit]
		exp.CandidatesTruncated = true
		exp.Notes = append(exp.Notes, Note{Type: NoteCandidateCapReached, Cap: &limit})
	}

	scores, ok := guard(r.logger, StageScoreCandidates, func() []Score {
		return r.scorer.Score(current.view(), cloneCandidates(cands))
	})
	if !ok {
		exp.Candidates = notEvaluated(cands)
		return r.stop(exp, Panicked(StageScoreCandidates))
	}
	if len(scores) != len(cands) {
		exp.Candidates = notEvaluated(cands)
		return r.stop(exp, ScorerViolation(uint64(len(cands)), uint64(len(scores))))
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(scores[b].Bonus, scores[a].Bonus); c != 0 {
			return c
		}
		return strings.Compare(string(cands[a].Hash), string(cands[b].Hash))
	})

	var goal *Node
	children := 0
	for idx, i := range order {
		c := cands[i]
		rec := CandidateRecord{Action: c.Action(), Index: uint64(idx), Score: scores[i]}

		if !r.ops.Contains(c.OpCode) {
			rec.Outcome = CandidateOutcome{Type: OutcomeIllegalOperator}
			exp.Candidates = append(exp.Candidates, rec)
			return r.stop(exp, Terminate(TermWorldContractViolation))
		}

		if current.Depth+1 > r.policy.MaxDepth {
			r.depthCut = true
			rec.Outcome = CandidateOutcome{Type: OutcomeSkippedByDepthLimit}
			exp.Candidates = append(exp.Candidates, rec)
			continue
		}

		next, err := operator.Apply(current.State, c.OpCode, c.Args, r.ops)
		if err != nil {
			rec.Outcome = CandidateOutcome{Type: OutcomeApplyFailed, Kind: failureKind(err)}
			exp.Candidates = append(exp.Candidates, rec)
			continue
		}

		fp := fingerprint(next, r.policy.DedupKey)
		if r.frontier.isVisited(fp.Hex()) {
			rec.Outcome = CandidateOutcome{Type: OutcomeDuplicateSuppressed, ExistingFingerprint: fp.Hex()}
			exp.Candidates = append(exp.Candidates, rec)
			continue
		}

		action := c
		child, err := r.newNode(current, next, &action)
		if err != nil {
			return nil, nil, err
		}
		rec.Outcome = Applied(child.ID)
		exp.Candidates = append(exp.Candidates, rec)

		isGoal, ok := guard(r.logger, StageIsGoalExpansion, func() bool { return r.world.IsGoal(child.State.Clone()) })
		r.frontier.push(child)
		if !ok {
			return r.stop(exp, Panicked(StageIsGoalExpansion))
		}
		children++
		// The last goal child in score order is the one reported.
		if isGoal {
			goal = child
		}
	}

	if children == 0 {
		exp.DeadEndReason = DeadEndExhaustive
		if exp.CandidatesTruncated {
			exp.DeadEndReason = DeadEndBudgetLimited
		}
	}

	if uint64(r.frontier.len()) > r.policy.MaxFrontierSize {
		if pruned := r.frontier.pruneTo(int(r.policy.MaxFrontierSize)); len(pruned) > 0 {
			exp.Notes = append(exp.Notes, Note{Type: NoteFrontierPruned, PrunedNodeIDs: pruned})
		}
	}

	if err := r.record(exp); err != nil {
		return nil, nil, err
	}
	r.expanded++

	if goal != nil {
		term := GoalReached(goal.ID)
		return &term, goal, nil
	}
	return nil, nil, nil
}

// stop records a partial expansion and ends the run with term.
func (r *runner) stop(exp Expansion, term Termination) (*Termination, *Node, error) {
	if err := r.record(exp); err != nil {
		return nil, nil, err
	}
	return &term, nil, nil
}

func (r *runner) record(exp Expansion) error {
	r.expansions = append(r.expansions, exp)
	if err := r.recorder.Expanded(exp); err != nil {
		return fmt.Errorf("search: record expansion %d: %w", exp.ExpansionOrder, err)
	}
	return nil
}

func (r *runner) finish(term Termination, goal *Node) (*Outcome, error) {
	highWater := r.frontier.highWater
	if err := r.recorder.Terminated(term, highWater); err != nil {
		return nil, fmt.Errorf("search: record termination: %w", err)
	}
	graph := BuildGraph(r.meta, r.events, r.expansions, term, highWater)

	r.logger.Debug("search finished",
		"world", r.bindings.WorldID,
		"termination", term.String(),
		"expansions", graph.Metadata.TotalExpansions,
		"nodes", len(r.nodes),
	)
	return &Outcome{Goal: goal, Graph: graph, Nodes: r.nodes}, nil
}

func notEvaluated(cands []Candidate) []CandidateRecord {
	out := make([]CandidateRecord, 0, len(cands))
	for i, c := range cands {
		out = append(out, CandidateRecord{
			Action:  c.Action(),
			Index:   uint64(i),
			Outcome: CandidateOutcome{Type: OutcomeNotEvaluated},
			Score:   Score{Source: ScoreSource{Kind: SourceUnavailable}},
		})
	}
	return out
}

func failureKind(err error) ApplyFailureKind {
	code, _ := operator.CodeOf(err)
	switch code {
	case operator.ErrCodeUnknownOperator:
		return FailUnknownOperator
	case operator.ErrCodeArgumentMismatch:
		return FailArgumentMismatch
	case operator.ErrCodeEffectMismatch:
		return FailEffectMismatch
	default:
		return FailPreconditionNotMet
	}
}

// RootFingerprint is the fingerprint a search would assign to st.
func RootFingerprint(st *carrier.State, key DedupKey) ir.ContentHash {
	return fingerprint(st, key)
}
