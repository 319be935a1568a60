package search

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/keel/internal/ir"
)

// PolicySchemaVersion tags the canonical policy encoding.
const PolicySchemaVersion = "search_policy.v1"

// DedupKey selects which state bytes feed the visited-set fingerprint.
type DedupKey string

const (
	// DedupIdentityOnly fingerprints the identity plane only.
	DedupIdentityOnly DedupKey = "identity_only"

	// DedupFullState fingerprints identity and status planes.
	DedupFullState DedupKey = "full_state"
)

// PruneVisitedPolicy decides what happens to visited fingerprints of nodes
// evicted from the frontier.
type PruneVisitedPolicy string

const (
	// PruneKeepVisited keeps pruned fingerprints in the visited set, so a
	// pruned state is never rediscovered.
	PruneKeepVisited PruneVisitedPolicy = "keep_visited"

	// PruneReleaseVisited forgets pruned fingerprints, allowing a later
	// path to reach the state again.
	PruneReleaseVisited PruneVisitedPolicy = "release_visited"
)

// Policy bounds a search run. Every budget is explicit.
type Policy struct {
	MaxExpansions        uint64             `yaml:"max_expansions" json:"max_expansions" validate:"gte=1"`
	MaxFrontierSize      uint64             `yaml:"max_frontier_size" json:"max_frontier_size" validate:"gte=1"`
	MaxDepth             uint32             `yaml:"max_depth" json:"max_depth"`
	MaxCandidatesPerNode uint64             `yaml:"max_candidates_per_node" json:"max_candidates_per_node" validate:"gte=1"`
	DedupKey             DedupKey           `yaml:"dedup_key" json:"dedup_key" validate:"oneof=identity_only full_state"`
	PruneVisited         PruneVisitedPolicy `yaml:"prune_visited_policy" json:"prune_visited_policy" validate:"oneof=keep_visited release_visited"`
}

// DefaultPolicy returns the stock budgets.
func DefaultPolicy() Policy {
	return Policy{
		MaxExpansions:        1000,
		MaxFrontierSize:      10000,
		MaxDepth:             100,
		MaxCandidatesPerNode: 1000,
		DedupKey:             DedupIdentityOnly,
		PruneVisited:         PruneKeepVisited,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks budgets and enum fields.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid search policy: %w", err)
	}
	return nil
}

type policyWire struct {
	DedupKey             DedupKey           `json:"dedup_key"`
	MaxCandidatesPerNode uint64             `json:"max_candidates_per_node"`
	MaxDepth             uint32             `json:"max_depth"`
	MaxExpansions        uint64             `json:"max_expansions"`
	MaxFrontierSize      uint64             `json:"max_frontier_size"`
	PruneVisited         PruneVisitedPolicy `json:"prune_visited_policy"`
	SchemaVersion        string             `json:"schema_version"`
}

// CanonicalBytes renders the policy as canonical JSON.
func (p Policy) CanonicalBytes() ([]byte, error) {
	return ir.MarshalCanonical(policyWire{
		DedupKey:             p.DedupKey,
		MaxCandidatesPerNode: p.MaxCandidatesPerNode,
		MaxDepth:             p.MaxDepth,
		MaxExpansions:        p.MaxExpansions,
		MaxFrontierSize:      p.MaxFrontierSize,
		PruneVisited:         p.PruneVisited,
		SchemaVersion:        PolicySchemaVersion,
	})
}

// Digest is the content hash of the canonical policy.
func (p Policy) Digest() (ir.ContentHash, error) {
	data, err := p.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return ir.CanonicalHash(ir.DomainSearchPolicy, data), nil
}

// LoadPolicy decodes a YAML policy. Absent fields keep their defaults and
// unknown fields are rejected.
func LoadPolicy(r io.Reader) (Policy, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read search policy: %w", err)
	}
	p := DefaultPolicy()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil && err != io.EOF {
		return Policy{}, fmt.Errorf("failed to parse search policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
