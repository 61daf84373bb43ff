package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string   // Assertion type
	Expected string   // Expected outcome
	Actual   string   // Observed outcome
	Trace    []string // Full trace for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, line := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertCallOrder:
		return assertCallOrder(r, a)
	case AssertCallCount:
		return assertCallCount(r, a)
	case AssertQueueLen:
		return assertQueueLen(r, a)
	case AssertStatus:
		return assertStatus(r, a)
	case AssertBreaker:
		return assertBreaker(r, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertCallOrder checks the exact call sequence. Entries without a
// resource id match on the action alone.
func assertCallOrder(r *Result, a Assertion) error {
	actual := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		actual[i] = c.Action + " " + c.ResourceID
	}

	matches := len(actual) == len(a.Actions)
	for i := 0; matches && i < len(actual); i++ {
		want := a.Actions[i]
		if strings.Contains(want, " ") {
			matches = actual[i] == want
		} else {
			matches = r.Calls[i].Action == want
		}
	}
	if matches {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallOrder,
		Expected: fmt.Sprintf("%v", a.Actions),
		Actual:   fmt.Sprintf("%v", actual),
		Trace:    r.Trace,
	}
}

func assertCallCount(r *Result, a Assertion) error {
	n := 0
	for _, c := range r.Calls {
		if c.Action == a.Action {
			n++
		}
	}
	if n == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallCount,
		Expected: fmt.Sprintf("%s called %d times", a.Action, *a.Count),
		Actual:   fmt.Sprintf("called %d times", n),
		Trace:    r.Trace,
	}
}

func assertQueueLen(r *Result, a Assertion) error {
	if len(r.Queue) == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertQueueLen,
		Expected: fmt.Sprintf("%d queued records", *a.Count),
		Actual:   fmt.Sprintf("%d queued records", len(r.Queue)),
		Trace:    r.Trace,
	}
}

func assertStatus(r *Result, a Assertion) error {
	for _, rec := range r.Queue {
		if rec.ID != a.Mutation {
			continue
		}
		if string(rec.Status) == a.Status {
			return nil
		}
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", a.Mutation, a.Status),
			Actual:   fmt.Sprintf("%s is %s", a.Mutation, rec.Status),
			Trace:    r.Trace,
		}
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: fmt.Sprintf("%s is %s", a.Mutation, a.Status),
		Actual:   fmt.Sprintf("%s is not queued", a.Mutation),
		Trace:    r.Trace,
	}
}

func assertBreaker(r *Result, a Assertion) error {
	actual := "never used"
	for _, snap := range r.Breakers {
		if snap.Endpoint == a.Endpoint {
			actual = string(snap.State)
			break
		}
	}
	if actual == a.State {
		return nil
	}
	return &AssertionError{
		Type:     AssertBreaker,
		Expected: fmt.Sprintf("%s %s", a.Endpoint, a.State),
		Actual:   fmt.Sprintf("%s %s", a.Endpoint, actual),
		Trace:    r.Trace,
	}
}
