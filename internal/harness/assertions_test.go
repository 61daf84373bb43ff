package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/remote"
)

func intPtr(n int) *int { return &n }

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []string{"online", "call create-course temp_course_1 -> ok id=srv-course-1"}
	r.Calls = []remote.Request{
		{Action: "create-course", ResourceID: "temp_course_1"},
		{Action: "update-course", ResourceID: "srv-course-1"},
	}
	r.Queue = []mutation.Record{{ID: "m-3", Status: mutation.StatusFailed}}
	r.Breakers = []breaker.Snapshot{{Endpoint: "create-course", State: breaker.StateOpen}}
	return r
}

func TestEvaluate_Passing(t *testing.T) {
	r := sampleResult()
	for _, a := range []Assertion{
		{Type: AssertCallOrder, Actions: []string{"create-course temp_course_1", "update-course"}},
		{Type: AssertCallCount, Action: "create-course", Count: intPtr(1)},
		{Type: AssertCallCount, Action: "delete-course", Count: intPtr(0)},
		{Type: AssertQueueLen, Count: intPtr(1)},
		{Type: AssertStatus, Mutation: "m-3", Status: "failed"},
		{Type: AssertBreaker, Endpoint: "create-course", State: "open"},
	} {
		assert.NoError(t, evaluate(r, a), a.Type)
	}
}

func TestEvaluate_Failing(t *testing.T) {
	r := sampleResult()
	tests := []struct {
		assertion Assertion
		want      string
	}{
		{Assertion{Type: AssertCallOrder, Actions: []string{"update-course", "create-course"}}, "Expected: [update-course create-course]"},
		{Assertion{Type: AssertCallOrder, Actions: []string{"create-course"}}, "Actual: [create-course temp_course_1 update-course srv-course-1]"},
		{Assertion{Type: AssertCallCount, Action: "create-course", Count: intPtr(2)}, "called 1 times"},
		{Assertion{Type: AssertQueueLen, Count: intPtr(0)}, "1 queued records"},
		{Assertion{Type: AssertStatus, Mutation: "m-3", Status: "pending"}, "m-3 is failed"},
		{Assertion{Type: AssertBreaker, Endpoint: "update-course", State: "closed"}, "update-course never used"},
	}

	for _, tt := range tests {
		t.Run(tt.assertion.Type, func(t *testing.T) {
			err := evaluate(r, tt.assertion)
			require.Error(t, err)

			var aerr *AssertionError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.assertion.Type, aerr.Type)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "Full trace:")
		})
	}
}
