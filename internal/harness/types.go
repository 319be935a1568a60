package harness

import (
	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/worlds"
)

// VerifyPass is Result.Verify for a bundle that passed verification.
const VerifyPass = "pass"

// TraceEvent is one applied operator, decoded for assertions and golden
// snapshots. Slot is nil for layer operators.
type TraceEvent struct {
	Layer int    `json:"layer"`
	Op    string `json:"op"`
	Slot  *int   `json:"slot,omitempty"`
	Step  int    `json:"step"`
	Value string `json:"value,omitempty"`
}

// SlotView is one non-hole slot of a state.
type SlotView struct {
	Layer  int    `json:"layer"`
	Slot   int    `json:"slot"`
	Status string `json:"status"`
	Value  string `json:"value"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Mode bundle.Mode `json:"mode"`

	// Trace lists the steps that produced the final state.
	Trace []TraceEvent `json:"trace"`

	// State lists the final state's non-hole slots in (layer, slot) order.
	State []SlotView `json:"state"`

	// Termination is the search termination kind; empty in linear mode.
	Termination string `json:"termination,omitempty"`

	// Verdict is the linear replay verdict; empty in search mode.
	Verdict string `json:"verdict,omitempty"`

	// Verify is VerifyPass or the verify error code.
	Verify string `json:"verify,omitempty"`

	// Violation is the policy violation code when the run was refused.
	Violation string `json:"violation,omitempty"`

	BundleDigest ir.ContentHash `json:"bundle_digest,omitempty"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Run is the underlying run; nil when the policy refused it.
	Run *RunOutput `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		State:  []SlotView{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// conceptName renders a code by its registered concept name, falling back
// to the dotted code for markers and unknown values.
func conceptName(def *worlds.Definition, code carrier.Code32) string {
	if name, ok := def.Concepts.Lookup(code); ok {
		return name
	}
	return code.String()
}

// DescribeSteps decodes steps against def's registries.
func DescribeSteps(def *worlds.Definition, steps []worlds.Step) []TraceEvent {
	events := make([]TraceEvent, 0, len(steps))
	for i, step := range steps {
		ev := TraceEvent{Step: i, Op: step.Op.String()}
		sig, ok := def.Operators.Lookup(step.Op)
		if ok {
			ev.Op = sig.Name
			if call, err := operator.ParseCall(sig, step.Args); err == nil {
				ev.Layer = call.Layer
				if call.Slot >= 0 {
					slot := call.Slot
					ev.Slot = &slot
					ev.Value = conceptName(def, call.Value)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

// DescribeState lists st's non-hole slots.
func DescribeState(def *worlds.Definition, st *carrier.State) []SlotView {
	views := []SlotView{}
	if st == nil {
		return views
	}
	for l := range st.Layers() {
		for s := range st.Slots() {
			status := st.Status(l, s)
			if status == carrier.Hole {
				continue
			}
			views = append(views, SlotView{
				Layer:  l,
				Slot:   s,
				Status: status.String(),
				Value:  conceptName(def, st.Identity(l, s)),
			})
		}
	}
	return views
}
