package search

import (
	"fmt"
	"slices"

	"github.com/roach88/keel/internal/ir"
)

// GraphSchemaVersion tags search_graph.json.
const GraphSchemaVersion = "search_graph.v1"

// TerminationKind is the closed set of ways a search ends.
type TerminationKind string

const (
	TermGoalReached                TerminationKind = "goal_reached"
	TermFrontierExhausted          TerminationKind = "frontier_exhausted"
	TermExpansionBudgetExceeded    TerminationKind = "expansion_budget_exceeded"
	TermDepthBudgetExceeded        TerminationKind = "depth_budget_exceeded"
	TermWorldContractViolation     TerminationKind = "world_contract_violation"
	TermScorerContractViolation    TerminationKind = "scorer_contract_violation"
	TermInternalPanic              TerminationKind = "internal_panic"
	TermFrontierInvariantViolation TerminationKind = "frontier_invariant_violation"
)

// Panic and invariant stages.
const (
	StageEnumerateCandidates = "enumerate_candidates"
	StageScoreCandidates     = "score_candidates"
	StageIsGoalRoot          = "is_goal_root"
	StageIsGoalExpansion     = "is_goal_expansion"
	StagePopFromNonEmpty     = "pop_from_non_empty_frontier"
)

// Class groups termination kinds for callers that only care about the
// broad result.
type Class string

const (
	ClassSolved         Class = "solved"
	ClassExhausted      Class = "exhausted"
	ClassBudgetExceeded Class = "budget_exceeded"
	ClassError          Class = "error"
)

// Termination records why the search stopped.
type Termination struct {
	Actual   *uint64         `json:"actual,omitempty"`
	Expected *uint64         `json:"expected,omitempty"`
	NodeID   *uint64         `json:"node_id,omitempty"`
	Stage    string          `json:"stage,omitempty"`
	Type     TerminationKind `json:"type"`
}

// GoalReached terminates on the given goal node.
func GoalReached(nodeID uint64) Termination {
	return Termination{Type: TermGoalReached, NodeID: &nodeID}
}

// Terminate builds a payload-free termination.
func Terminate(kind TerminationKind) Termination {
	return Termination{Type: kind}
}

// ScorerViolation records a scorer arity mismatch.
func ScorerViolation(expected, actual uint64) Termination {
	return Termination{Type: TermScorerContractViolation, Expected: &expected, Actual: &actual}
}

// Panicked records a recovered panic at stage.
func Panicked(stage string) Termination {
	return Termination{Type: TermInternalPanic, Stage: stage}
}

// FrontierInvariant records a broken frontier invariant.
func FrontierInvariant(stage string) Termination {
	return Termination{Type: TermFrontierInvariantViolation, Stage: stage}
}

// Class maps the termination to its result class.
func (t Termination) Class() Class {
	switch t.Type {
	case TermGoalReached:
		return ClassSolved
	case TermFrontierExhausted:
		return ClassExhausted
	case TermExpansionBudgetExceeded, TermDepthBudgetExceeded:
		return ClassBudgetExceeded
	default:
		return ClassError
	}
}

// IsGoal reports whether the termination names nodeID as the goal.
func (t Termination) IsGoal(nodeID uint64) bool {
	return t.Type == TermGoalReached && t.NodeID != nil && *t.NodeID == nodeID
}

// String renders the kind with its payload.
func (t Termination) String() string {
	switch {
	case t.NodeID != nil:
		return fmt.Sprintf("%s(node=%d)", t.Type, *t.NodeID)
	case t.Expected != nil && t.Actual != nil:
		return fmt.Sprintf("%s(expected=%d, actual=%d)", t.Type, *t.Expected, *t.Actual)
	case t.Stage != "":
		return fmt.Sprintf("%s(%s)", t.Type, t.Stage)
	default:
		return string(t.Type)
	}
}

// DeadEndReason explains why an expansion produced no children.
type DeadEndReason string

const (
	DeadEndExhaustive    DeadEndReason = "exhaustive"
	DeadEndBudgetLimited DeadEndReason = "budget_limited"
)

// OutcomeType is the fate of one candidate.
type OutcomeType string

const (
	OutcomeApplied             OutcomeType = "applied"
	OutcomeDuplicateSuppressed OutcomeType = "duplicate_suppressed"
	OutcomeIllegalOperator     OutcomeType = "illegal_operator"
	OutcomeApplyFailed         OutcomeType = "apply_failed"
	OutcomeSkippedByDepthLimit OutcomeType = "skipped_by_depth_limit"
	OutcomeSkippedByPolicy     OutcomeType = "skipped_by_policy"
	OutcomeNotEvaluated        OutcomeType = "not_evaluated"
)

// ApplyFailureKind classifies an apply_failed outcome.
type ApplyFailureKind string

const (
	FailPreconditionNotMet ApplyFailureKind = "precondition_not_met"
	FailArgumentMismatch   ApplyFailureKind = "argument_mismatch"
	FailUnknownOperator    ApplyFailureKind = "unknown_operator"
	FailEffectMismatch     ApplyFailureKind = "effect_mismatch"
)

// CandidateOutcome is a tagged candidate outcome. Payload fields are set
// only for the types that carry them.
type CandidateOutcome struct {
	ExistingFingerprint string           `json:"existing_fingerprint,omitempty"`
	Kind                ApplyFailureKind `json:"kind,omitempty"`
	ToNode              *uint64          `json:"to_node,omitempty"`
	Type                OutcomeType      `json:"type"`
}

// Applied is the outcome of a candidate that produced a child.
func Applied(child uint64) CandidateOutcome {
	return CandidateOutcome{Type: OutcomeApplied, ToNode: &child}
}

// Action identifies a candidate inside the graph.
type Action struct {
	CanonicalHash string `json:"canonical_hash"`
	OpArgsHex     string `json:"op_args_hex"`
	OpCodeHex     string `json:"op_code_hex"`
}

// CandidateRecord is one scored candidate in expansion order.
type CandidateRecord struct {
	Action  Action           `json:"action"`
	Index   uint64           `json:"index"`
	Outcome CandidateOutcome `json:"outcome"`
	Score   Score            `json:"score"`
}

// NoteType tags an expansion note.
type NoteType string

const (
	NoteCandidateCapReached NoteType = "candidate_cap_reached"
	NoteFrontierPruned      NoteType = "frontier_pruned"
)

// Note is a side effect of an expansion worth recording.
type Note struct {
	Cap           *uint64  `json:"cap,omitempty"`
	PrunedNodeIDs []uint64 `json:"pruned_node_ids,omitempty"`
	Type          NoteType `json:"type"`
}

// PopKey is the frontier key a node was popped with.
type PopKey struct {
	CreationOrder uint64 `json:"creation_order"`
	Depth         uint32 `json:"depth"`
	FCost         int64  `json:"f_cost"`
}

// Expansion is one expand event.
type Expansion struct {
	Candidates          []CandidateRecord `json:"candidates"`
	CandidatesTruncated bool              `json:"candidates_truncated"`
	DeadEndReason       DeadEndReason     `json:"dead_end_reason,omitempty"`
	ExpansionOrder      uint64            `json:"expansion_order"`
	PopKey              PopKey            `json:"frontier_pop_key"`
	NodeID              uint64            `json:"node_id"`
	Notes               []Note            `json:"notes"`
	StateFingerprint    string            `json:"state_fingerprint"`
}

// NodeSummary is the per-node view of the graph.
type NodeSummary struct {
	DeadEndReason    DeadEndReason `json:"dead_end_reason,omitempty"`
	Depth            uint32        `json:"depth"`
	ExpansionOrder   *uint64       `json:"expansion_order,omitempty"`
	FCost            int64         `json:"f_cost"`
	IsGoal           bool          `json:"is_goal"`
	NodeID           uint64        `json:"node_id"`
	ParentID         *uint64       `json:"parent_id,omitempty"`
	StateFingerprint string        `json:"state_fingerprint"`
}

// Metadata binds the graph to the artifacts that produced it. Digest
// fields carry bare lowercase hex.
type Metadata struct {
	DedupKey                   DedupKey           `json:"dedup_key"`
	FixtureDigest              string             `json:"fixture_digest,omitempty"`
	FrontierHighWater          uint64             `json:"frontier_high_water"`
	OperatorSetDigest          string             `json:"operator_set_digest,omitempty"`
	PolicySnapshotDigest       string             `json:"policy_snapshot_digest"`
	PruneVisitedPolicy         PruneVisitedPolicy `json:"prune_visited_policy"`
	RegistryDigest             string             `json:"registry_digest"`
	RootEvidenceDigest         string             `json:"root_evidence_digest,omitempty"`
	RootIdentityDigest         string             `json:"root_identity_digest,omitempty"`
	RootStateFingerprint       string             `json:"root_state_fingerprint"`
	SchemaDescriptor           string             `json:"schema_descriptor"`
	ScorerDigest               string             `json:"scorer_digest,omitempty"`
	SearchPolicyDigest         string             `json:"search_policy_digest"`
	Termination                Termination        `json:"termination_reason"`
	TotalCandidatesGenerated   uint64             `json:"total_candidates_generated"`
	TotalDeadEndsBudgetLimited uint64             `json:"total_dead_ends_budget_limited"`
	TotalDeadEndsExhaustive    uint64             `json:"total_dead_ends_exhaustive"`
	TotalDuplicatesSuppressed  uint64             `json:"total_duplicates_suppressed"`
	TotalExpansions            uint64             `json:"total_expansions"`
	WorldID                    string             `json:"world_id"`
}

// Graph is the full search transcript written as search_graph.json.
type Graph struct {
	Expansions    []Expansion   `json:"expansions"`
	Metadata      Metadata      `json:"metadata"`
	NodeSummaries []NodeSummary `json:"node_summaries"`
	SchemaVersion string        `json:"schema_version"`
}

// NodeEvent is what a recorder learns when a node is created.
type NodeEvent struct {
	NodeID        uint64
	ParentID      *uint64
	Fingerprint   ir.ContentHash
	Depth         uint32
	FCost         int64
	CreationOrder uint64
}

// BuildGraph assembles a graph from recorded events. Totals are derived
// from the expansions, so a graph rebuilt from a replay log matches the one
// built live. base supplies the static metadata bindings.
func BuildGraph(base Metadata, nodes []NodeEvent, expansions []Expansion, term Termination, highWater uint64) *Graph {
	meta := base
	meta.Termination = term
	meta.FrontierHighWater = highWater
	meta.TotalExpansions = uint64(len(expansions))
	meta.TotalCandidatesGenerated = 0
	meta.TotalDuplicatesSuppressed = 0
	meta.TotalDeadEndsExhaustive = 0
	meta.TotalDeadEndsBudgetLimited = 0

	firstExpansion := make(map[uint64]int, len(expansions))
	for i, e := range expansions {
		if _, ok := firstExpansion[e.NodeID]; !ok {
			firstExpansion[e.NodeID] = i
		}
		meta.TotalCandidatesGenerated += uint64(len(e.Candidates))
		for _, c := range e.Candidates {
			if c.Outcome.Type == OutcomeDuplicateSuppressed {
				meta.TotalDuplicatesSuppressed++
			}
		}
		switch e.DeadEndReason {
		case DeadEndExhaustive:
			meta.TotalDeadEndsExhaustive++
		case DeadEndBudgetLimited:
			meta.TotalDeadEndsBudgetLimited++
		}
	}

	summaries := make([]NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		s := NodeSummary{
			Depth:            n.Depth,
			FCost:            n.FCost,
			IsGoal:           term.IsGoal(n.NodeID),
			NodeID:           n.NodeID,
			ParentID:         n.ParentID,
			StateFingerprint: n.Fingerprint.Hex(),
		}
		if i, ok := firstExpansion[n.NodeID]; ok {
			order := expansions[i].ExpansionOrder
			s.ExpansionOrder = &order
			s.DeadEndReason = expansions[i].DeadEndReason
		}
		summaries = append(summaries, s)
	}
	slices.SortFunc(summaries, func(a, b NodeSummary) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})

	if expansions == nil {
		expansions = []Expansion{}
	}
	return &Graph{
		Expansions:    expansions,
		Metadata:      meta,
		NodeSummaries: summaries,
		SchemaVersion: GraphSchemaVersion,
	}
}

// CanonicalBytes renders search_graph.json.
func (g *Graph) CanonicalBytes() ([]byte, error) {
	data, err := ir.MarshalCanonical(g)
	if err != nil {
		return nil, fmt.Errorf("search graph: %w", err)
	}
	return data, nil
}

// ParseGraph decodes a canonical search_graph.json.
func ParseGraph(data []byte) (*Graph, error) {
	if !ir.IsCanonical(data) {
		return nil, fmt.Errorf("search graph: not canonical JSON")
	}
	var g Graph
	if err := ir.DecodeStrict(data, &g); err != nil {
		return nil, fmt.Errorf("search graph: %w", err)
	}
	if g.SchemaVersion != GraphSchemaVersion {
		return nil, fmt.Errorf("search graph: schema_version %q, want %q", g.SchemaVersion, GraphSchemaVersion)
	}
	return &g, nil
}

// Path walks parent links from nodeID back to the root and returns the ids
// root first.
func (g *Graph) Path(nodeID uint64) []uint64 {
	parents := make(map[uint64]*uint64, len(g.NodeSummaries))
	for _, n := range g.NodeSummaries {
		parents[n.NodeID] = n.ParentID
	}
	var path []uint64
	cur := &nodeID
	for cur != nil && len(path) <= len(parents) {
		if _, ok := parents[*cur]; !ok {
			break
		}
		path = append(path, *cur)
		cur = parents[*cur]
	}
	slices.Reverse(path)
	return path
}
