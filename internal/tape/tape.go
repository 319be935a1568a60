// Package tape implements the STAP search-replay log.
//
// Layout after the envelope:
//
//	"STAP" [u16 version] [u32 header_len] [canonical header]
//	records: [u32 len] [u8 type] [body]
//	[canonical footer] [u32 footer_len] "PATS"
//
// The chain starts at H(SearchTape, header) and folds in every record frame
// (length prefix included) under SearchTapeChain. The footer commits to the
// final chain hash and the record count.
package tape

import (
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/search"
)

const (
	Magic         = "STAP"
	FooterMagic   = "PATS"
	Version       = uint16(1)
	SchemaVersion = "search_tape.v1"
)

// RecordType tags a record frame.
type RecordType uint8

const (
	RecordNodeCreation RecordType = 1
	RecordExpansion    RecordType = 2
	RecordTermination  RecordType = 3
)

// Header is the canonical JSON header. Its fields mirror the graph's static
// metadata and are bound against the bundle's authoritative artifacts.
type Header struct {
	DedupKey             search.DedupKey           `json:"dedup_key"`
	FixtureDigest        string                    `json:"fixture_digest,omitempty"`
	OperatorSetDigest    string                    `json:"operator_set_digest,omitempty"`
	PolicySnapshotDigest string                    `json:"policy_snapshot_digest"`
	PruneVisitedPolicy   search.PruneVisitedPolicy `json:"prune_visited_policy"`
	RegistryDigest       string                    `json:"registry_digest"`
	RootEvidenceDigest   string                    `json:"root_evidence_digest,omitempty"`
	RootIdentityDigest   string                    `json:"root_identity_digest,omitempty"`
	RootStateFingerprint string                    `json:"root_state_fingerprint"`
	SchemaDescriptor     string                    `json:"schema_descriptor"`
	SchemaVersion        string                    `json:"schema_version"`
	ScorerDigest         string                    `json:"scorer_digest,omitempty"`
	SearchPolicyDigest   string                    `json:"search_policy_digest"`
	WorldID              string                    `json:"world_id"`
}

// HeaderFrom copies the static bindings out of graph metadata.
func HeaderFrom(m search.Metadata) Header {
	return Header{
		DedupKey:             m.DedupKey,
		FixtureDigest:        m.FixtureDigest,
		OperatorSetDigest:    m.OperatorSetDigest,
		PolicySnapshotDigest: m.PolicySnapshotDigest,
		PruneVisitedPolicy:   m.PruneVisitedPolicy,
		RegistryDigest:       m.RegistryDigest,
		RootEvidenceDigest:   m.RootEvidenceDigest,
		RootIdentityDigest:   m.RootIdentityDigest,
		RootStateFingerprint: m.RootStateFingerprint,
		SchemaDescriptor:     m.SchemaDescriptor,
		SchemaVersion:        SchemaVersion,
		ScorerDigest:         m.ScorerDigest,
		SearchPolicyDigest:   m.SearchPolicyDigest,
		WorldID:              m.WorldID,
	}
}

// Metadata is the inverse of HeaderFrom.
func (h Header) Metadata() search.Metadata {
	return search.Metadata{
		DedupKey:             h.DedupKey,
		FixtureDigest:        h.FixtureDigest,
		OperatorSetDigest:    h.OperatorSetDigest,
		PolicySnapshotDigest: h.PolicySnapshotDigest,
		PruneVisitedPolicy:   h.PruneVisitedPolicy,
		RegistryDigest:       h.RegistryDigest,
		RootEvidenceDigest:   h.RootEvidenceDigest,
		RootIdentityDigest:   h.RootIdentityDigest,
		RootStateFingerprint: h.RootStateFingerprint,
		SchemaDescriptor:     h.SchemaDescriptor,
		ScorerDigest:         h.ScorerDigest,
		SearchPolicyDigest:   h.SearchPolicyDigest,
		WorldID:              h.WorldID,
	}
}

// Footer closes the log.
type Footer struct {
	FinalChainHash ir.ContentHash `json:"final_chain_hash"`
	RecordCount    uint64         `json:"record_count"`
}

// Record is one decoded record. Exactly one of the pointer fields is set,
// matching Type.
type Record struct {
	Type        RecordType
	Node        *search.NodeEvent
	Expansion   *search.Expansion
	Termination *search.Termination
	HighWater   uint64
}

// Tape is a decoded search-replay log.
type Tape struct {
	Envelope    envelope.Envelope
	Header      Header
	HeaderBytes []byte
	Records     []Record
	Footer      Footer
}

// Digest is the tape's identity: its final chain hash. The envelope is not
// part of it.
func (t *Tape) Digest() ir.ContentHash { return t.Footer.FinalChainHash }

func chainSeed(header []byte) [32]byte {
	return ir.RawHash(ir.DomainSearchTape, header)
}

func chainLink(prev [32]byte, frame []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+len(frame))
	buf = append(buf, prev[:]...)
	buf = append(buf, frame...)
	return ir.RawHash(ir.DomainSearchTapeChain, buf)
}

// Wire tags for enum fields.
const (
	deadEndNone          = 0
	deadEndExhaustive    = 1
	deadEndBudgetLimited = 2

	sourceUniform     = 0
	sourceModelDigest = 1
	sourceUnavailable = 2

	noteCapReached     = 0
	noteFrontierPruned = 1
)

var deadEndTags = map[search.DeadEndReason]uint8{
	"":                          deadEndNone,
	search.DeadEndExhaustive:    deadEndExhaustive,
	search.DeadEndBudgetLimited: deadEndBudgetLimited,
}

var outcomeTags = []search.OutcomeType{
	search.OutcomeApplied,
	search.OutcomeDuplicateSuppressed,
	search.OutcomeIllegalOperator,
	search.OutcomeApplyFailed,
	search.OutcomeSkippedByDepthLimit,
	search.OutcomeSkippedByPolicy,
	search.OutcomeNotEvaluated,
}

var failureTags = []search.ApplyFailureKind{
	search.FailPreconditionNotMet,
	search.FailArgumentMismatch,
	search.FailUnknownOperator,
	search.FailEffectMismatch,
}

var terminationTags = []search.TerminationKind{
	search.TermGoalReached,
	search.TermFrontierExhausted,
	search.TermExpansionBudgetExceeded,
	search.TermDepthBudgetExceeded,
	search.TermWorldContractViolation,
	search.TermScorerContractViolation,
	search.TermInternalPanic,
	search.TermFrontierInvariantViolation,
}

var stageTags = []string{
	search.StageEnumerateCandidates,
	search.StageScoreCandidates,
	search.StageIsGoalRoot,
	search.StageIsGoalExpansion,
	search.StagePopFromNonEmpty,
}

func tagOf[T comparable](table []T, v T) (uint8, bool) {
	for i, x := range table {
		if x == v {
			return uint8(i), true
		}
	}
	return 0, false
}

func fromTag[T any](table []T, tag uint8) (T, bool) {
	if int(tag) >= len(table) {
		var zero T
		return zero, false
	}
	return table[tag], true
}
