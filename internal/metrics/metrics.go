// Package metrics collects per-invocation counters for the CLI and writes
// them in the Prometheus text format. Nothing here feeds a bundle.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/harness"
)

// Metrics owns a private registry so tests and repeated CLI invocations in
// one process never collide on the default registerer.
type Metrics struct {
	reg *prometheus.Registry

	runs              *prometheus.CounterVec
	traceSteps        prometheus.Counter
	expansions        prometheus.Counter
	nodes             prometheus.Counter
	candidates        prometheus.Counter
	duplicates        prometheus.Counter
	frontierHighWater prometheus.Gauge
	verifications     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_runs_total",
			Help: "Runs completed, by mode and verdict",
		}, []string{"mode", "verdict"}),
		traceSteps: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_trace_steps_total",
			Help: "Steps recorded in linear traces",
		}),
		expansions: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_search_expansions_total",
			Help: "Search nodes expanded",
		}),
		nodes: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_search_nodes_total",
			Help: "Search nodes created, root included",
		}),
		candidates: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_search_candidates_total",
			Help: "Candidates generated across all expansions",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "keel_search_duplicates_suppressed_total",
			Help: "Candidates dropped by the visited set",
		}),
		frontierHighWater: f.NewGauge(prometheus.GaugeOpts{
			Name: "keel_search_frontier_high_water",
			Help: "Largest frontier seen by the most recent search",
		}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_verifications_total",
			Help: "Bundle verifications, by profile and result code",
		}, []string{"profile", "result"}),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveRun records one harness run.
func (m *Metrics) ObserveRun(r *harness.RunOutput) {
	m.runs.WithLabelValues(string(r.Mode), r.Verdict()).Inc()
	if r.Report.StepCount != nil {
		m.traceSteps.Add(float64(*r.Report.StepCount))
	}
	if r.Outcome == nil {
		return
	}
	md := r.Outcome.Graph.Metadata
	m.expansions.Add(float64(md.TotalExpansions))
	m.nodes.Add(float64(len(r.Outcome.Nodes)))
	m.candidates.Add(float64(md.TotalCandidatesGenerated))
	m.duplicates.Add(float64(md.TotalDuplicatesSuppressed))
	m.frontierHighWater.Set(float64(md.FrontierHighWater))
}

// ObserveVerify records one verify outcome. A VerifyError is labeled with
// its code; any other error is labeled "error".
func (m *Metrics) ObserveVerify(profile bundle.Profile, err error) {
	result := "pass"
	if err != nil {
		result = "error"
		if code, ok := bundle.VerifyCodeOf(err); ok {
			result = string(code)
		}
	}
	m.ObserveResult(profile, result)
}

// ObserveResult records a verify outcome already reduced to its label.
func (m *Metrics) ObserveResult(profile bundle.Profile, result string) {
	m.verifications.WithLabelValues(string(profile), result).Inc()
}

// WriteFile writes the registry to path in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
