package search

import (
	"maps"
	"slices"
)

// HealthMetrics are diagnostics derived from a graph's expansions and node
// summaries alone. They never feed a binding digest.
type HealthMetrics struct {
	CandidateCountHistogram       [][2]uint64 `json:"candidate_count_histogram_pairs"`
	CandidatesApplied             uint64      `json:"candidates_applied"`
	CandidatesApplyFailed         uint64      `json:"candidates_apply_failed"`
	CandidatesDuplicateSuppressed uint64      `json:"candidates_duplicate_suppressed"`
	CandidatesIllegal             uint64      `json:"candidates_illegal"`
	CandidatesNotEvaluated        uint64      `json:"candidates_not_evaluated"`
	CandidatesPerExpansionMax     uint64      `json:"candidates_per_expansion_max"`
	CandidatesPerExpansionMin     uint64      `json:"candidates_per_expansion_min"`
	CandidatesSkippedDepth        uint64      `json:"candidates_skipped_depth"`
	CandidatesSkippedPolicy       uint64      `json:"candidates_skipped_policy"`
	DeadEndsBudgetLimited         uint64      `json:"dead_ends_budget_limited"`
	DeadEndsExhaustive            uint64      `json:"dead_ends_exhaustive"`
	DepthHistogram                [][2]uint64 `json:"depth_histogram_pairs"`
	ExpansionsTruncated           uint64      `json:"expansions_truncated"`
	ExpansionsWithZeroCandidates  uint64      `json:"expansions_with_zero_candidates"`
	MaxDepth                      uint32      `json:"max_depth"`
	TotalCandidates               uint64      `json:"total_candidates"`
	TotalExpansions               uint64      `json:"total_expansions"`
	UniqueNodes                   uint64      `json:"unique_nodes"`
}

// Health computes the graph's health metrics. Histograms are sorted by key.
func (g *Graph) Health() HealthMetrics {
	var m HealthMetrics
	depthHist := make(map[uint64]uint64)
	for _, n := range g.NodeSummaries {
		m.MaxDepth = max(m.MaxDepth, n.Depth)
		depthHist[uint64(n.Depth)]++
	}
	m.UniqueNodes = uint64(len(g.NodeSummaries))

	countHist := make(map[uint64]uint64)
	for i, e := range g.Expansions {
		m.TotalExpansions++
		if e.CandidatesTruncated {
			m.ExpansionsTruncated++
		}
		count := uint64(len(e.Candidates))
		if count == 0 {
			m.ExpansionsWithZeroCandidates++
		}
		if i == 0 || count < m.CandidatesPerExpansionMin {
			m.CandidatesPerExpansionMin = count
		}
		m.CandidatesPerExpansionMax = max(m.CandidatesPerExpansionMax, count)
		countHist[count]++
		m.TotalCandidates += count

		switch e.DeadEndReason {
		case DeadEndExhaustive:
			m.DeadEndsExhaustive++
		case DeadEndBudgetLimited:
			m.DeadEndsBudgetLimited++
		}

		for _, c := range e.Candidates {
			switch c.Outcome.Type {
			case OutcomeApplied:
				m.CandidatesApplied++
			case OutcomeDuplicateSuppressed:
				m.CandidatesDuplicateSuppressed++
			case OutcomeSkippedByDepthLimit:
				m.CandidatesSkippedDepth++
			case OutcomeSkippedByPolicy:
				m.CandidatesSkippedPolicy++
			case OutcomeApplyFailed:
				m.CandidatesApplyFailed++
			case OutcomeIllegalOperator:
				m.CandidatesIllegal++
			case OutcomeNotEvaluated:
				m.CandidatesNotEvaluated++
			}
		}
	}

	m.DepthHistogram = histogramPairs(depthHist)
	m.CandidateCountHistogram = histogramPairs(countHist)
	return m
}

func histogramPairs(h map[uint64]uint64) [][2]uint64 {
	keys := slices.Sorted(maps.Keys(h))
	pairs := make([][2]uint64, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]uint64{k, h[k]})
	}
	return pairs
}
