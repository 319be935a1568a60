package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/keel/internal/ir"
)

// ScorerSchemaVersion tags the canonical scorer artifact.
const ScorerSchemaVersion = "scorer.v1"

// ScoreSourceKind says where a bonus came from.
type ScoreSourceKind string

const (
	SourceUniform     ScoreSourceKind = "uniform"
	SourceModelDigest ScoreSourceKind = "model_digest"
	SourceUnavailable ScoreSourceKind = "unavailable"
)

// ScoreSource renders as "uniform", "unavailable" or {"model_digest": h}.
type ScoreSource struct {
	Kind        ScoreSourceKind
	ModelDigest ir.ContentHash
}

// MarshalJSON implements json.Marshaler.
func (s ScoreSource) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SourceUniform, SourceUnavailable:
		return json.Marshal(string(s.Kind))
	case SourceModelDigest:
		return json.Marshal(map[string]string{"model_digest": string(s.ModelDigest)})
	default:
		return nil, fmt.Errorf("unknown score source %q", s.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ScoreSource) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch ScoreSourceKind(name) {
		case SourceUniform, SourceUnavailable:
			*s = ScoreSource{Kind: ScoreSourceKind(name)}
			return nil
		}
		return fmt.Errorf("unknown score source %q", name)
	}
	var obj struct {
		ModelDigest string `json:"model_digest"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("score source: %w", err)
	}
	h, err := ir.ParseContentHash(obj.ModelDigest)
	if err != nil {
		return fmt.Errorf("score source: %w", err)
	}
	*s = ScoreSource{Kind: SourceModelDigest, ModelDigest: h}
	return nil
}

// Score is the advisory bonus for one candidate. Higher is tried first.
type Score struct {
	Bonus  int64       `json:"bonus"`
	Source ScoreSource `json:"source"`
}

// Scorer ranks candidates. It must return exactly one score per candidate;
// any other arity terminates the search with scorer_contract_violation.
// The node and candidates it receives are copies.
type Scorer interface {
	Score(node *Node, candidates []Candidate) []Score
}

// DigestScorer is a scorer backed by a content-addressed artifact.
type DigestScorer interface {
	Scorer
	Digest() ir.ContentHash
	CanonicalBytes() []byte
}

// UniformScorer gives every candidate a zero bonus.
type UniformScorer struct{}

// Score implements Scorer.
func (UniformScorer) Score(_ *Node, candidates []Candidate) []Score {
	out := make([]Score, len(candidates))
	for i := range out {
		out[i] = Score{Source: ScoreSource{Kind: SourceUniform}}
	}
	return out
}

// TableEntry is one row of a table scorer.
type TableEntry struct {
	Bonus         int64  `json:"bonus"`
	CandidateHash string `json:"candidate_hash"`
}

type tableWire struct {
	Entries       []TableEntry `json:"entries"`
	Kind          string       `json:"kind"`
	SchemaVersion string       `json:"schema_version"`
}

// TableScorer looks bonuses up by candidate hash. Candidates missing from
// the table score zero. Every score carries the table's digest.
type TableScorer struct {
	table  map[ir.ContentHash]int64
	canon  []byte
	digest ir.ContentHash
}

// NewTableScorer builds a table scorer and binds it to its content hash.
func NewTableScorer(entries map[ir.ContentHash]int64) (*TableScorer, error) {
	wire := tableWire{Entries: make([]TableEntry, 0, len(entries)), Kind: "table", SchemaVersion: ScorerSchemaVersion}
	table := make(map[ir.ContentHash]int64, len(entries))
	for h, bonus := range entries {
		if _, err := ir.ParseContentHash(string(h)); err != nil {
			return nil, fmt.Errorf("table scorer: %w", err)
		}
		table[h] = bonus
		wire.Entries = append(wire.Entries, TableEntry{Bonus: bonus, CandidateHash: string(h)})
	}
	slices.SortFunc(wire.Entries, func(a, b TableEntry) int { return strings.Compare(a.CandidateHash, b.CandidateHash) })

	canon, err := ir.MarshalCanonical(wire)
	if err != nil {
		return nil, fmt.Errorf("table scorer: %w", err)
	}
	return &TableScorer{
		table:  table,
		canon:  canon,
		digest: ir.CanonicalHash(ir.DomainBundleArtifact, canon),
	}, nil
}

// ParseTableScorer decodes a scorer.json artifact. The input must already be
// canonical so its digest matches the bundle's content hash.
func ParseTableScorer(data []byte) (*TableScorer, error) {
	if !ir.IsCanonical(data) {
		return nil, fmt.Errorf("table scorer: not canonical JSON")
	}
	var wire tableWire
	if err := ir.DecodeStrict(data, &wire); err != nil {
		return nil, fmt.Errorf("table scorer: %w", err)
	}
	if wire.SchemaVersion != ScorerSchemaVersion {
		return nil, fmt.Errorf("table scorer: schema_version %q, want %q", wire.SchemaVersion, ScorerSchemaVersion)
	}
	if wire.Kind != "table" {
		return nil, fmt.Errorf("table scorer: unsupported kind %q", wire.Kind)
	}
	entries := make(map[ir.ContentHash]int64, len(wire.Entries))
	for _, e := range wire.Entries {
		h := ir.ContentHash(e.CandidateHash)
		if _, dup := entries[h]; dup {
			return nil, fmt.Errorf("table scorer: duplicate entry %s", h)
		}
		entries[h] = e.Bonus
	}
	s, err := NewTableScorer(entries)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(s.canon, data) {
		return nil, fmt.Errorf("table scorer: entries not sorted by candidate_hash")
	}
	return s, nil
}

// Score implements Scorer.
func (s *TableScorer) Score(_ *Node, candidates []Candidate) []Score {
	out := make([]Score, len(candidates))
	for i, c := range candidates {
		out[i] = Score{
			Bonus:  s.table[c.Hash],
			Source: ScoreSource{Kind: SourceModelDigest, ModelDigest: s.digest},
		}
	}
	return out
}

// Digest is the bundle artifact hash of the canonical table.
func (s *TableScorer) Digest() ir.ContentHash { return s.digest }

// CanonicalBytes is the scorer.json artifact content.
func (s *TableScorer) CanonicalBytes() []byte { return slices.Clone(s.canon) }
