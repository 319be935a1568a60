package bundle

import (
	"fmt"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/search"
)

// ReportSchemaVersion is the verification_report.json version.
const ReportSchemaVersion = "verification_report.v1"

// Mode distinguishes linear program runs from search runs.
type Mode string

const (
	ModeLinear Mode = "linear"
	ModeSearch Mode = "search"
)

// Report is verification_report.json. Linear and search runs fill disjoint
// field sets; the rest are omitted.
type Report struct {
	CodebookHash      ir.ContentHash `json:"codebook_hash,omitempty"`
	Diagnostics       *Diagnostics   `json:"diagnostics,omitempty"`
	FixtureDigest     ir.ContentHash `json:"fixture_digest,omitempty"`
	Mode              Mode           `json:"mode,omitempty"`
	OperatorSetDigest ir.ContentHash `json:"operator_set_digest,omitempty"`
	PayloadHash       ir.ContentHash `json:"payload_hash,omitempty"`
	PlanesVerified    []string       `json:"planes_verified,omitempty"`
	PolicyDigest      ir.ContentHash `json:"policy_digest,omitempty"`
	ReplayVerdict     string         `json:"replay_verdict,omitempty"`
	SchemaVersion     string         `json:"schema_version"`
	ScorerDigest      ir.ContentHash `json:"scorer_digest,omitempty"`
	SearchGraphDigest ir.ContentHash `json:"search_graph_digest,omitempty"`
	StepChainDigest   ir.ContentHash `json:"step_chain_digest,omitempty"`
	StepChainLength   *uint64        `json:"step_chain_length,omitempty"`
	StepCount         *uint64        `json:"step_count,omitempty"`
	TapeDigest        ir.ContentHash `json:"tape_digest,omitempty"`
	WorldID           string         `json:"world_id,omitempty"`
}

// Diagnostics carries observations that never feed a binding.
type Diagnostics struct {
	HealthMetrics search.HealthMetrics `json:"health_metrics"`
}

// CanonicalBytes renders the report.
func (r Report) CanonicalBytes() ([]byte, error) {
	data, err := ir.MarshalCanonical(r)
	if err != nil {
		return nil, fmt.Errorf("verification report: %w", err)
	}
	return data, nil
}

// ParseReport decodes canonical verification_report.json bytes.
func ParseReport(data []byte) (*Report, error) {
	if !ir.IsCanonical(data) {
		return nil, fmt.Errorf("verification report: not canonical JSON")
	}
	var r Report
	if err := ir.DecodeStrict(data, &r); err != nil {
		return nil, fmt.Errorf("verification report: %w", err)
	}
	if r.SchemaVersion != ReportSchemaVersion {
		return nil, fmt.Errorf("verification report: schema_version %q, want %q", r.SchemaVersion, ReportSchemaVersion)
	}
	return &r, nil
}
