package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/studysync/internal/mutation"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarios_Golden(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yaml")
		t.Run(name, func(t *testing.T) {
			s := loadScenario(t, name)
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_CreateThenUpdateUsesServerID(t *testing.T) {
	result, err := Run(loadScenario(t, "create_then_update_offline"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Calls, 2)
	assert.Equal(t, "create-assignment", result.Calls[0].Action)
	assert.Equal(t, "update-assignment", result.Calls[1].Action)
	assert.Equal(t, "srv-assignment-1", result.Calls[1].ResourceID)

	require.Len(t, result.Reports, 2)
	assert.Equal(t, 2, result.Reports[0].Skipped, "offline drain starts nothing")
	assert.Equal(t, 2, result.Reports[1].Succeeded)
}

func TestRun_OpenCircuitSkipsNetwork(t *testing.T) {
	result, err := Run(loadScenario(t, "breaker_opens_and_probes"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Reports, 2)
	first := result.Reports[0]
	assert.Equal(t, 5, first.Failed)
	assert.Equal(t, 1, first.Deferred)
	assert.True(t, first.RetryLater)
	assert.Equal(t, 6, result.Reports[1].Succeeded)
}

func TestRun_DeleteConflictResolves(t *testing.T) {
	result, err := Run(loadScenario(t, "delete_conflict_already_deleted"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Reports, 1)
	assert.Equal(t, 1, result.Reports[0].Resolved)
	assert.Zero(t, result.Reports[0].Abandoned)
	assert.Contains(t, result.Trace, "notice conflict_resolved m-1: conflict resolved automatically")
}

func TestRun_CorruptQueueIsEmpty(t *testing.T) {
	result, err := Run(loadScenario(t, "corrupt_queue_recovers"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Queue)
	assert.Contains(t, result.Trace, "queue key absent")
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := loadScenario(t, "corrupt_queue_recovers")
	one := 1
	s.Assertions = []Assertion{
		{Type: AssertQueueLen, Count: &one},
		{Type: AssertStatus, Mutation: "m-1", Status: "pending"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Assertion failed: queue_len")
	assert.Contains(t, result.Errors[1], "m-1 is not queued")
}

func TestRun_RejectionIsSurfaced(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: validation_rejects
description: A validation error parks the mutation as rejected.
setup:
  online: true
  responses:
    create-course:
      - error: validation
        message: name too long
steps:
  - enqueue: { type: CREATE, entity: course, resource: temp_course_1, payload: { name: "Biology" } }
  - drain: true
assertions:
  - { type: status, mutation: m-1, status: rejected }
  - { type: queue_len, count: 1 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Queue, 1)
	assert.Equal(t, mutation.StatusRejected, result.Queue[0].Status)
	assert.Contains(t, result.Trace, "notice rejected m-1: name too long")
	assert.Contains(t, result.Trace, "queue m-1 CREATE course temp_course_1 status=rejected attempts=1 error=validation")
}

func TestRun_RefusedIntentIsTraced(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: refused_intent
description: A create missing required fields never reaches the queue.
setup:
  online: true
steps:
  - enqueue: { type: CREATE, entity: assignment, payload: { title: "Essay" } }
assertions:
  - { type: queue_len, count: 0 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass)
	require.NotEmpty(t, result.Trace)
	assert.True(t, strings.HasPrefix(result.Trace[0], "enqueue CREATE assignment refused:"), result.Trace[0])
}

func TestResult_Text(t *testing.T) {
	r := NewResult()
	r.Trace = []string{"online", "queue empty"}
	assert.Equal(t, "scenario x\nonline\nqueue empty\n", string(r.Text("x")))
}
