package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Step, formatEvent(event))
		}
	}
	return buf.String()
}

func formatEvent(e TraceEvent) string {
	if e.Slot == nil {
		return fmt.Sprintf("%s layer=%d", e.Op, e.Layer)
	}
	return fmt.Sprintf("%s (%d,%d)=%s", e.Op, e.Layer, *e.Slot, e.Value)
}

func fail(r *Result, typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Trace: r.Trace}
}

// refused reports assertions that need a run when the policy refused it.
func refused(r *Result, a Assertion) error {
	return fail(r, a.Type, "a completed run", fmt.Sprintf("run refused by policy: %s", r.Violation))
}

// assertTermination checks the search termination kind.
func assertTermination(r *Result, a Assertion) error {
	if r.Termination != a.Expect {
		return fail(r, a.Type, a.Expect, r.Termination)
	}
	return nil
}

// assertVerdict checks the linear replay verdict.
func assertVerdict(r *Result, a Assertion) error {
	if r.Verdict != a.Expect {
		return fail(r, a.Type, a.Expect, r.Verdict)
	}
	return nil
}

// assertVerify checks the verification outcome.
func assertVerify(r *Result, a Assertion) error {
	if r.Verify != a.Expect {
		return fail(r, a.Type, a.Expect, r.Verify)
	}
	return nil
}

// assertViolation checks that the run was refused with the expected code.
func assertViolation(r *Result, a Assertion) error {
	if r.Violation != a.Expect {
		actual := r.Violation
		if actual == "" {
			actual = "no violation"
		}
		return fail(r, a.Type, a.Expect, actual)
	}
	return nil
}

// assertTraceContains checks that an operator appears among the steps.
func assertTraceContains(r *Result, a Assertion) error {
	for _, ev := range r.Trace {
		if ev.Op == a.Op {
			return nil
		}
	}
	return fail(r, a.Type, fmt.Sprintf("operator %s", a.Op), "not found in trace")
}

// assertTraceOrder checks that operators appear in the given order.
// Operators don't need to be consecutive (intervening steps are allowed).
func assertTraceOrder(r *Result, a Assertion) error {
	next := 0
	for _, ev := range r.Trace {
		if next < len(a.Ops) && ev.Op == a.Ops[next] {
			next++
		}
	}
	if next < len(a.Ops) {
		return fail(r, a.Type,
			fmt.Sprintf("operators in order: %v", a.Ops),
			fmt.Sprintf("%s not found after %v", a.Ops[next], a.Ops[:next]))
	}
	return nil
}

// assertTraceCount checks that an operator appears exactly Count times.
func assertTraceCount(r *Result, a Assertion) error {
	count := 0
	for _, ev := range r.Trace {
		if ev.Op == a.Op {
			count++
		}
	}
	if count != a.Count {
		return fail(r, a.Type, fmt.Sprintf("%s x%d", a.Op, a.Count), fmt.Sprintf("%s x%d", a.Op, count))
	}
	return nil
}

// assertFinalState checks one slot of the final state.
func assertFinalState(r *Result, a Assertion) error {
	want := fmt.Sprintf("(%d,%d)=%s %s", a.Layer, a.Slot, a.Value, a.Status)
	for _, sv := range r.State {
		if sv.Layer != a.Layer || sv.Slot != a.Slot {
			continue
		}
		if sv.Value == a.Value && sv.Status == a.Status {
			return nil
		}
		return fail(r, a.Type, want, fmt.Sprintf("(%d,%d)=%s %s", sv.Layer, sv.Slot, sv.Value, sv.Status))
	}
	return fail(r, a.Type, want, fmt.Sprintf("(%d,%d) is a hole", a.Layer, a.Slot))
}

// assertPathLength checks the number of steps taken.
func assertPathLength(r *Result, a Assertion) error {
	if len(r.Trace) != a.Count {
		return fail(r, a.Type, fmt.Sprintf("%d steps", a.Count), fmt.Sprintf("%d steps", len(r.Trace)))
	}
	return nil
}

// EvaluateAssertions runs every assertion against the result and returns
// the failure messages. Assertions other than "violation" fail when the
// policy refused the run.
func EvaluateAssertions(r *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch {
		case a.Type == AssertViolation:
			err = assertViolation(r, a)
		case r.Violation != "":
			err = refused(r, a)
		default:
			err = evaluate(r, a)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertTermination:
		return assertTermination(r, a)
	case AssertVerdict:
		return assertVerdict(r, a)
	case AssertVerify:
		return assertVerify(r, a)
	case AssertTraceContains:
		return assertTraceContains(r, a)
	case AssertTraceOrder:
		return assertTraceOrder(r, a)
	case AssertTraceCount:
		return assertTraceCount(r, a)
	case AssertFinalState:
		return assertFinalState(r, a)
	case AssertPathLength:
		return assertPathLength(r, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}
