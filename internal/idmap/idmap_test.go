package idmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/studysync/internal/mutation"
)

var (
	tempCourse     = mutation.Temporary("temp_course_1")
	tempAssignment = mutation.Temporary("temp_assignment_1")
)

func pendingRecords() []mutation.Record {
	return []mutation.Record{
		{
			ID: "m1", Type: mutation.TypeCreate, Entity: mutation.EntityCourse,
			ResourceID: tempCourse, Payload: mutation.Payload{"name": "Physics"},
			UserID: "u", Status: mutation.StatusPending,
		},
		{
			ID: "m2", Type: mutation.TypeCreate, Entity: mutation.EntityAssignment,
			ResourceID: tempAssignment,
			Payload: mutation.Payload{
				"title":     "Lab report",
				"course_id": mutation.TempRef(tempCourse),
			},
			UserID: "u", Status: mutation.StatusPending,
		},
		{
			ID: "m3", Type: mutation.TypeUpdate, Entity: mutation.EntityCourse,
			ResourceID: tempCourse, Payload: mutation.Payload{"name": "Physics II"},
			UserID: "u", Status: mutation.StatusPending,
		},
	}
}

func TestRegister_Validates(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(tempCourse, mutation.Real("c1")))
	require.NoError(t, r.Register(tempCourse, mutation.Real("c1")), "same pair is a no-op")
	assert.Error(t, r.Register(tempCourse, mutation.Real("c2")), "remap refused")
	assert.Error(t, r.Register(mutation.Real("c1"), mutation.Real("c2")))
	assert.Error(t, r.Register(tempAssignment, mutation.Temporary("temp_assignment_2")))
	assert.Equal(t, 1, r.Len())
}

func TestResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(tempCourse, mutation.Real("c1")))

	assert.Equal(t, mutation.Real("c1"), r.Resolve(tempCourse))
	assert.Equal(t, tempAssignment, r.Resolve(tempAssignment), "unmapped temp unchanged")
	assert.Equal(t, mutation.Real("a9"), r.Resolve(mutation.Real("a9")), "real ids unchanged")

	// A real id that looks temporary is never looked up.
	looksTemp := mutation.Real("temp_course_1")
	assert.Equal(t, looksTemp, r.Resolve(looksTemp))
}

func TestRewriteDependents(t *testing.T) {
	records := pendingRecords()
	got := RewriteDependents(tempCourse, mutation.Real("c1"), records)

	assert.Equal(t, mutation.Real("c1"), got[0].ResourceID)
	assert.Equal(t, "c1", got[1].Payload["course_id"])
	assert.Equal(t, tempAssignment, got[1].ResourceID)
	assert.Equal(t, mutation.Real("c1"), got[2].ResourceID)

	// Input untouched.
	assert.Equal(t, tempCourse, records[2].ResourceID)
	assert.Equal(t, mutation.TempRef(tempCourse), records[1].Payload["course_id"])
}

func TestRewriteDependents_Idempotent(t *testing.T) {
	once := RewriteDependents(tempCourse, mutation.Real("c1"), pendingRecords())
	twice := RewriteDependents(tempCourse, mutation.Real("c1"), once)
	assert.Equal(t, once, twice)
}

func TestApply_UsesAllMappings(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(tempCourse, mutation.Real("c1")))

	rec := pendingRecords()[1]
	got := r.Apply(rec)
	assert.Equal(t, "c1", got.Payload["course_id"])
	assert.Equal(t, tempAssignment, got.ResourceID, "own CREATE id stays temporary")
}

func TestPending(t *testing.T) {
	r := New()
	records := pendingRecords()

	assert.Empty(t, r.Pending(records[0]), "a CREATE does not wait on itself")
	assert.Equal(t, []mutation.ID{tempCourse}, r.Pending(records[1]))
	assert.Equal(t, []mutation.ID{tempCourse}, r.Pending(records[2]))

	require.NoError(t, r.Register(tempCourse, mutation.Real("c1")))
	assert.Empty(t, r.Pending(records[1]))
	assert.Empty(t, r.Pending(records[2]))
}

func TestReferences_IncludeSelf(t *testing.T) {
	rec := pendingRecords()[1]
	assert.Equal(t, []mutation.ID{tempCourse}, References(rec, false))
	assert.Equal(t, []mutation.ID{tempAssignment, tempCourse}, References(rec, true))
}

func TestResolver_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(tempCourse, mutation.Real("c1"))
		}()
		go func() {
			defer wg.Done()
			_ = r.Resolve(tempCourse)
		}()
	}
	wg.Wait()
	assert.Equal(t, mutation.Real("c1"), r.Resolve(tempCourse))
}

func TestReset(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(tempCourse, mutation.Real("c1")))
	r.Reset()
	assert.Equal(t, tempCourse, r.Resolve(tempCourse))
}
