package search

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
)

var (
	valueA = carrier.Code32{Domain: 1, Kind: 0, LocalID: 1}
	valueB = carrier.Code32{Domain: 1, Kind: 0, LocalID: 2}
	valueC = carrier.Code32{Domain: 1, Kind: 0, LocalID: 3}
)

// slotWorld fills Hole slots of layer 0 with any of values. The goal is
// slot 0 holding goal.
type slotWorld struct {
	values []carrier.Code32
	goal   carrier.Code32
}

func (w slotWorld) ID() string { return "test-slots" }

func (w slotWorld) Enumerate(st *carrier.State, _ *operator.Registry) []Candidate {
	var out []Candidate
	for slot := 0; slot < st.Slots(); slot++ {
		if st.Status(0, slot) != carrier.Hole {
			continue
		}
		for _, v := range w.values {
			out = append(out, NewCandidate(operator.OpSetSlot, operator.SlotArgs(0, slot, v)))
		}
	}
	return out
}

func (w slotWorld) IsGoal(st *carrier.State) bool {
	return st.Status(0, 0) != carrier.Hole && st.Identity(0, 0) == w.goal
}

type hooks struct {
	slotWorld
	enumerate func()
	isGoal    func(*carrier.State)
	extra     []Candidate
}

func (h hooks) Enumerate(st *carrier.State, ops *operator.Registry) []Candidate {
	if h.enumerate != nil {
		h.enumerate()
	}
	return append(h.slotWorld.Enumerate(st, ops), h.extra...)
}

func (h hooks) IsGoal(st *carrier.State) bool {
	if h.isGoal != nil {
		h.isGoal(st)
	}
	return h.slotWorld.IsGoal(st)
}

type fixedScorer struct{ scores []Score }

func (s fixedScorer) Score(*Node, []Candidate) []Score { return s.scores }

type panicScorer struct{}

func (panicScorer) Score(*Node, []Candidate) []Score { panic("scorer failure") }

func root(t *testing.T) *carrier.State {
	t.Helper()
	st, err := carrier.NewState(1, 2)
	require.NoError(t, err)
	return st
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func run(t *testing.T, w World, p Policy, s Scorer, opts ...Option) *Outcome {
	t.Helper()
	opts = append([]Option{WithRoot(root(t)), quiet()}, opts...)
	out, err := Run(w, p, s, opts...)
	require.NoError(t, err)
	return out
}

func TestRunReachesGoal(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueB}
	out := run(t, w, DefaultPolicy(), UniformScorer{})

	term := out.Termination()
	assert.Equal(t, TermGoalReached, term.Type)
	assert.Equal(t, ClassSolved, term.Class())
	require.NotNil(t, out.Goal)
	assert.Equal(t, valueB, out.Goal.State.Identity(0, 0))
	assert.Equal(t, []uint64{0, out.Goal.ID}, out.Path())

	meta := out.Graph.Metadata
	assert.Equal(t, uint64(1), meta.TotalExpansions)
	assert.Equal(t, uint64(4), meta.TotalCandidatesGenerated)
	assert.Equal(t, "test-slots", meta.WorldID)
	assert.Equal(t, operator.KernelRegistry().Digest().Hex(), meta.OperatorSetDigest)
	assert.Len(t, out.Graph.NodeSummaries, 5)

	goals := 0
	for _, n := range out.Graph.NodeSummaries {
		if n.IsGoal {
			goals++
			assert.Equal(t, out.Goal.ID, n.NodeID)
		}
	}
	assert.Equal(t, 1, goals)
}

func TestRunRootIsGoal(t *testing.T) {
	w := alwaysGoal{hooks{slotWorld: slotWorld{values: []carrier.Code32{valueA}}}}
	out := run(t, w, DefaultPolicy(), nil)

	term := out.Termination()
	require.NotNil(t, term.NodeID)
	assert.Equal(t, TermGoalReached, term.Type)
	assert.Equal(t, uint64(0), *term.NodeID)
	assert.Empty(t, out.Graph.Expansions)
	require.Len(t, out.Graph.NodeSummaries, 1)
	assert.True(t, out.Graph.NodeSummaries[0].IsGoal)
	assert.Nil(t, out.Graph.NodeSummaries[0].ParentID)

	data, err := out.Graph.CanonicalBytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"termination_reason":{"node_id":0,"type":"goal_reached"}`)
}

type alwaysGoal struct{ hooks }

func (alwaysGoal) IsGoal(*carrier.State) bool { return true }

func TestRunFrontierExhausted(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueC}
	out := run(t, w, DefaultPolicy(), UniformScorer{})

	assert.Equal(t, TermFrontierExhausted, out.Termination().Type)
	assert.Nil(t, out.Goal)
	assert.Nil(t, out.Path())

	meta := out.Graph.Metadata
	assert.Equal(t, uint64(9), meta.TotalExpansions)
	assert.Equal(t, uint64(12), meta.TotalCandidatesGenerated)
	assert.Equal(t, uint64(4), meta.TotalDuplicatesSuppressed)
	assert.Equal(t, uint64(4), meta.TotalDeadEndsExhaustive)
	assert.Equal(t, uint64(0), meta.TotalDeadEndsBudgetLimited)
	assert.Len(t, out.Graph.NodeSummaries, 9)
	assert.Len(t, out.Nodes, 9)

	// Best-first: every depth-1 node is expanded before any depth-2 node.
	for i, e := range out.Graph.Expansions {
		assert.Equal(t, uint64(i), e.ExpansionOrder)
		switch {
		case i == 0:
			assert.Equal(t, uint32(0), e.PopKey.Depth)
		case i <= 4:
			assert.Equal(t, uint32(1), e.PopKey.Depth)
		default:
			assert.Equal(t, uint32(2), e.PopKey.Depth)
			assert.Equal(t, DeadEndExhaustive, e.DeadEndReason)
		}
	}
}

func TestRunBudgets(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueC}

	t.Run("expansions", func(t *testing.T) {
		p := DefaultPolicy()
		p.MaxExpansions = 1
		out := run(t, w, p, nil)
		assert.Equal(t, TermExpansionBudgetExceeded, out.Termination().Type)
		assert.Equal(t, ClassBudgetExceeded, out.Termination().Class())
		assert.Len(t, out.Graph.Expansions, 1)
	})

	t.Run("depth", func(t *testing.T) {
		p := DefaultPolicy()
		p.MaxDepth = 1
		out := run(t, w, p, nil)
		assert.Equal(t, TermDepthBudgetExceeded, out.Termination().Type)

		h := out.Graph.Health()
		assert.Equal(t, uint64(8), h.CandidatesSkippedDepth)
		assert.Equal(t, uint32(1), h.MaxDepth)
	})

	t.Run("candidates per node", func(t *testing.T) {
		p := DefaultPolicy()
		p.MaxCandidatesPerNode = 1
		out := run(t, w, p, nil)

		first := out.Graph.Expansions[0]
		assert.True(t, first.CandidatesTruncated)
		require.Len(t, first.Candidates, 1)
		require.Len(t, first.Notes, 1)
		assert.Equal(t, NoteCandidateCapReached, first.Notes[0].Type)
		assert.Equal(t, uint64(1), *first.Notes[0].Cap)
	})

	t.Run("frontier size", func(t *testing.T) {
		p := DefaultPolicy()
		p.MaxFrontierSize = 2
		p.MaxExpansions = 1
		out := run(t, w, p, nil)

		first := out.Graph.Expansions[0]
		require.Len(t, first.Notes, 1)
		assert.Equal(t, NoteFrontierPruned, first.Notes[0].Type)
		assert.Equal(t, []uint64{3, 4}, first.Notes[0].PrunedNodeIDs)
		assert.Equal(t, uint64(4), out.Graph.Metadata.FrontierHighWater)
	})
}

func TestRunBudgetLimitedDeadEnd(t *testing.T) {
	// Only an illegal-by-precondition candidate survives the cap.
	w := hooks{
		slotWorld: slotWorld{goal: valueC},
		extra:     []Candidate{NewCandidate(operator.OpCommit, operator.LayerArgs(0)), NewCandidate(operator.OpCommit, operator.LayerArgs(0))},
	}
	p := DefaultPolicy()
	p.MaxCandidatesPerNode = 1
	out := run(t, w, p, nil)

	require.Len(t, out.Graph.Expansions, 1)
	e := out.Graph.Expansions[0]
	assert.Equal(t, DeadEndBudgetLimited, e.DeadEndReason)
	assert.Equal(t, OutcomeApplyFailed, e.Candidates[0].Outcome.Type)
	assert.Equal(t, FailPreconditionNotMet, e.Candidates[0].Outcome.Kind)
	assert.Equal(t, TermFrontierExhausted, out.Termination().Type)
}

func TestRunWorldContractViolation(t *testing.T) {
	bogus := carrier.Code32{Domain: 7, Kind: 7, LocalID: 7}
	w := hooks{
		slotWorld: slotWorld{goal: valueC},
		extra:     []Candidate{NewCandidate(bogus, nil)},
	}
	out := run(t, w, DefaultPolicy(), nil)

	assert.Equal(t, TermWorldContractViolation, out.Termination().Type)
	assert.Equal(t, ClassError, out.Termination().Class())
	require.Len(t, out.Graph.Expansions, 1)
	cands := out.Graph.Expansions[0].Candidates
	require.Len(t, cands, 1)
	assert.Equal(t, OutcomeIllegalOperator, cands[0].Outcome.Type)
	assert.Equal(t, bogus.Hex(), cands[0].Action.OpCodeHex)
}

func TestRunScorerContractViolation(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueC}
	out := run(t, w, DefaultPolicy(), fixedScorer{})

	term := out.Termination()
	assert.Equal(t, TermScorerContractViolation, term.Type)
	assert.Equal(t, uint64(4), *term.Expected)
	assert.Equal(t, uint64(0), *term.Actual)

	cands := out.Graph.Expansions[0].Candidates
	require.Len(t, cands, 4)
	for _, c := range cands {
		assert.Equal(t, OutcomeNotEvaluated, c.Outcome.Type)
		assert.Equal(t, SourceUnavailable, c.Score.Source.Kind)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	base := slotWorld{values: []carrier.Code32{valueA}, goal: valueC}
	boom := func() { panic("boom") }

	tests := []struct {
		name   string
		world  World
		scorer Scorer
		stage  string
	}{
		{"enumerate", hooks{slotWorld: base, enumerate: boom}, nil, StageEnumerateCandidates},
		{"score", base, panicScorer{}, StageScoreCandidates},
		{"goal on root", hooks{slotWorld: base, isGoal: func(*carrier.State) { boom() }}, nil, StageIsGoalRoot},
		{"goal on child", hooks{slotWorld: base, isGoal: func(st *carrier.State) {
			if st.Status(0, 0) != carrier.Hole || st.Status(0, 1) != carrier.Hole {
				boom()
			}
		}}, nil, StageIsGoalExpansion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, tt.world, DefaultPolicy(), tt.scorer)
			term := out.Termination()
			assert.Equal(t, TermInternalPanic, term.Type)
			assert.Equal(t, tt.stage, term.Stage)
			assert.Nil(t, out.Goal)

			_, err := out.Graph.CanonicalBytes()
			assert.NoError(t, err)
		})
	}
}

func TestRunTableScorerReorders(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueC}
	favored := NewCandidate(operator.OpSetSlot, operator.SlotArgs(0, 1, valueB))

	scorer, err := NewTableScorer(map[ir.ContentHash]int64{favored.Hash: 10})
	require.NoError(t, err)

	p := DefaultPolicy()
	p.MaxExpansions = 1
	out := run(t, w, p, scorer)

	first := out.Graph.Expansions[0].Candidates[0]
	assert.Equal(t, string(favored.Hash), first.Action.CanonicalHash)
	assert.Equal(t, int64(10), first.Score.Bonus)
	assert.Equal(t, SourceModelDigest, first.Score.Source.Kind)
	assert.Equal(t, scorer.Digest(), first.Score.Source.ModelDigest)
	assert.Equal(t, uint64(1), *first.Outcome.ToNode)
	assert.Equal(t, scorer.Digest().Hex(), out.Graph.Metadata.ScorerDigest)
}

// anyFilled reaches its goal as soon as any slot of layer 0 is written.
type anyFilled struct{ slotWorld }

func (anyFilled) IsGoal(st *carrier.State) bool {
	for slot := 0; slot < st.Slots(); slot++ {
		if st.Status(0, slot) != carrier.Hole {
			return true
		}
	}
	return false
}

func TestRunReportsLastGoalChild(t *testing.T) {
	w := anyFilled{slotWorld{values: []carrier.Code32{valueA, valueB}}}
	out := run(t, w, DefaultPolicy(), UniformScorer{})

	require.Len(t, out.Graph.Expansions, 1)
	cands := out.Graph.Expansions[0].Candidates
	require.Len(t, cands, 4)
	last := cands[len(cands)-1]
	require.NotNil(t, last.Outcome.ToNode)

	term := out.Termination()
	assert.Equal(t, TermGoalReached, term.Type)
	require.NotNil(t, out.Goal)
	assert.Equal(t, *last.Outcome.ToNode, out.Goal.ID)
	assert.True(t, term.IsGoal(out.Goal.ID))
	assert.Equal(t, uint64(4), out.Goal.ID)
}

// vandalScorer writes through everything it is handed.
type vandalScorer struct{}

func (vandalScorer) Score(node *Node, candidates []Candidate) []Score {
	_ = node.State.Set(0, 0, valueC, carrier.Provisional)
	node.ID = 99
	node.Depth = 7
	for i := range candidates {
		for j := range candidates[i].Args {
			candidates[i].Args[j] ^= 0xff
		}
	}
	return UniformScorer{}.Score(node, candidates)
}

func TestRunScorerCannotMutateSearch(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueB}

	want, err := run(t, w, DefaultPolicy(), UniformScorer{}).Graph.CanonicalBytes()
	require.NoError(t, err)

	out := run(t, w, DefaultPolicy(), vandalScorer{})
	got, err := out.Graph.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NotNil(t, out.Goal)
	assert.Equal(t, valueB, out.Goal.State.Identity(0, 0))
	assert.Equal(t, carrier.Hole, out.Nodes[0].State.Status(0, 0))
}

func TestRunDeterministic(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB, valueC}, goal: carrier.Code32{Domain: 9}}

	var first []byte
	for i := 0; i < 10; i++ {
		out := run(t, w, DefaultPolicy(), UniformScorer{})
		data, err := out.Graph.CanonicalBytes()
		require.NoError(t, err)
		if first == nil {
			first = data
			continue
		}
		assert.Equal(t, first, data, "run %d", i)
	}
}

type countingRecorder struct {
	nodes, expansions, terminations int
	fail                            error
}

func (r *countingRecorder) Begin(Metadata) error        { return nil }
func (r *countingRecorder) NodeCreated(NodeEvent) error { r.nodes++; return r.fail }
func (r *countingRecorder) Expanded(Expansion) error    { r.expansions++; return nil }
func (r *countingRecorder) Terminated(Termination, uint64) error {
	r.terminations++
	return nil
}

func TestRunRecorderSeesEveryEvent(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueC}
	rec := &countingRecorder{}
	out := run(t, w, DefaultPolicy(), nil, WithRecorder(rec))

	assert.Equal(t, len(out.Nodes), rec.nodes)
	assert.Equal(t, len(out.Graph.Expansions), rec.expansions)
	assert.Equal(t, 1, rec.terminations)

	failing := &countingRecorder{fail: io.ErrShortWrite}
	_, err := Run(w, DefaultPolicy(), nil, WithRoot(root(t)), WithRecorder(failing), quiet())
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestRunRejectsBadInput(t *testing.T) {
	w := slotWorld{goal: valueA}

	_, err := Run(w, DefaultPolicy(), nil, quiet())
	assert.ErrorIs(t, err, ErrNoRoot)

	_, err = Run(nil, DefaultPolicy(), nil)
	assert.Error(t, err)

	p := DefaultPolicy()
	p.DedupKey = "fuzzy"
	_, err = Run(w, p, nil, WithRoot(root(t)))
	assert.Error(t, err)
}

func TestGraphRoundTrip(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueB}
	out := run(t, w, DefaultPolicy(), nil)

	data, err := out.Graph.CanonicalBytes()
	require.NoError(t, err)
	assert.True(t, ir.IsCanonical(data))

	parsed, err := ParseGraph(data)
	require.NoError(t, err)
	again, err := parsed.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	_, err = ParseGraph([]byte(`{"expansions":[]}`))
	assert.Error(t, err)
}

func TestGraphHealth(t *testing.T) {
	w := slotWorld{values: []carrier.Code32{valueA, valueB}, goal: valueC}
	out := run(t, w, DefaultPolicy(), nil)

	h := out.Graph.Health()
	assert.Equal(t, uint64(9), h.UniqueNodes)
	assert.Equal(t, uint64(9), h.TotalExpansions)
	assert.Equal(t, uint64(12), h.TotalCandidates)
	assert.Equal(t, uint64(8), h.CandidatesApplied)
	assert.Equal(t, uint64(4), h.CandidatesDuplicateSuppressed)
	assert.Equal(t, uint64(4), h.DeadEndsExhaustive)
	assert.Equal(t, uint64(4), h.ExpansionsWithZeroCandidates)
	assert.Equal(t, uint32(2), h.MaxDepth)
	assert.Equal(t, [][2]uint64{{0, 1}, {1, 4}, {2, 4}}, h.DepthHistogram)
	assert.Equal(t, [][2]uint64{{0, 4}, {2, 4}, {4, 1}}, h.CandidateCountHistogram)
	assert.Equal(t, uint64(0), h.CandidatesPerExpansionMin)
	assert.Equal(t, uint64(4), h.CandidatesPerExpansionMax)

	empty := (&Graph{}).Health()
	assert.Equal(t, uint64(0), empty.CandidatesPerExpansionMin)
	assert.Empty(t, empty.DepthHistogram)
}

func TestFingerprintDedupKey(t *testing.T) {
	st := root(t)
	next, err := operator.Apply(st, operator.OpSetSlot, operator.SlotArgs(0, 0, valueA), operator.KernelRegistry())
	require.NoError(t, err)

	assert.NotEqual(t, fingerprint(st, DedupIdentityOnly), fingerprint(next, DedupIdentityOnly))
	assert.NotEqual(t, fingerprint(next, DedupIdentityOnly), fingerprint(next, DedupFullState))
	assert.Equal(t, RootFingerprint(next, DedupFullState), fingerprint(next, DedupFullState))
}
