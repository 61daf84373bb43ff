package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/testutil"
)

func newTestReconciler(t *testing.T) (*Reconciler, *testutil.MemKV, *testutil.FakeClock) {
	t.Helper()
	kv := testutil.NewMemKV()
	clock := testutil.NewFakeClock()
	return New(kv, "test", WithClock(clock.Now)), kv, clock
}

func TestKey(t *testing.T) {
	assert.Equal(t, "user-1:query-cache", Key("user-1"))
}

func TestApplyOptimistic_ThenMerge(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestReconciler(t)

	require.NoError(t, r.ApplyOptimistic(ctx, mutation.EntityAssignment, "a1", mutation.Payload{"title": "Draft"}))
	e, ok, err := r.Lookup(ctx, DetailKey(mutation.EntityAssignment, "a1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusOptimistic, e.State.Status)
	assert.Equal(t, "Draft", e.State.Data.(map[string]any)["title"])
	assert.Equal(t, clock.Now().UnixMilli(), e.State.DataUpdatedAt)

	clock.Advance(time.Second)
	require.NoError(t, r.Merge(ctx, mutation.EntityAssignment, "a1", map[string]any{"id": "a1", "title": "Final", "version": 2}))

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSuccess, entries[0].State.Status)
	assert.Equal(t, "Final", entries[0].State.Data.(map[string]any)["title"])
	assert.Equal(t, clock.Now().UnixMilli(), entries[0].State.DataUpdatedAt)
}

func TestApplyOptimistic_OverlaysExistingData(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestReconciler(t)

	require.NoError(t, r.Merge(ctx, mutation.EntityCourse, "c1", map[string]any{"id": "c1", "name": "Algebra", "credits": 3}))
	require.NoError(t, r.ApplyOptimistic(ctx, mutation.EntityCourse, "c1", mutation.Payload{"name": "Linear Algebra"}))

	e, ok, err := r.Lookup(ctx, DetailKey(mutation.EntityCourse, "c1"))
	require.NoError(t, err)
	require.True(t, ok)
	data := e.State.Data.(map[string]any)
	assert.Equal(t, "Linear Algebra", data["name"])
	assert.EqualValues(t, 3, data["credits"])
}

func TestMerge_InvalidatesListQueries(t *testing.T) {
	ctx := context.Background()
	r, kv, _ := newTestReconciler(t)

	listHash, err := QueryHash(ListKey(mutation.EntityAssignment))
	require.NoError(t, err)
	courseHash, err := QueryHash(ListKey(mutation.EntityCourse))
	require.NoError(t, err)
	kv.Raw(Key("test"), []byte(`[
		{"queryKey":["assignment"],"queryHash":"`+listHash+`","state":{"data":[],"dataUpdatedAt":1,"status":"success"},"options":{"staleTime":0}},
		{"queryKey":["course"],"queryHash":"`+courseHash+`","state":{"data":[],"dataUpdatedAt":1,"status":"success"},"options":{"staleTime":0}}
	]`))

	require.NoError(t, r.Merge(ctx, mutation.EntityAssignment, "a1", map[string]any{"id": "a1"}))

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, StatusInvalidated, entries[0].State.Status)
	assert.Equal(t, StatusSuccess, entries[1].State.Status, "other entities untouched")
	assert.Equal(t, StatusSuccess, entries[2].State.Status)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	r, kv, _ := newTestReconciler(t)

	require.NoError(t, r.Invalidate(ctx, mutation.EntityLecture))
	assert.Zero(t, kv.Puts(), "nothing cached, nothing written")

	require.NoError(t, r.Merge(ctx, mutation.EntityLecture, "l1", map[string]any{"id": "l1"}))
	require.NoError(t, r.Merge(ctx, mutation.EntityCourse, "c1", map[string]any{"id": "c1"}))
	require.NoError(t, r.Invalidate(ctx, mutation.EntityLecture))

	lecture, _, err := r.Lookup(ctx, DetailKey(mutation.EntityLecture, "l1"))
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidated, lecture.State.Status)
	course, _, err := r.Lookup(ctx, DetailKey(mutation.EntityCourse, "c1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, course.State.Status)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestReconciler(t)

	require.NoError(t, r.ApplyOptimistic(ctx, mutation.EntityAssignment, "temp_assignment_1", mutation.Payload{"title": "x"}))
	require.NoError(t, r.Remove(ctx, mutation.EntityAssignment, "temp_assignment_1"))

	_, ok, err := r.Lookup(ctx, DetailKey(mutation.EntityAssignment, "temp_assignment_1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptCacheIsDiscarded(t *testing.T) {
	ctx := context.Background()
	r, kv, _ := newTestReconciler(t)
	kv.Raw(Key("test"), []byte("{not json"))

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, kv.Has(Key("test")))
}

func TestReadFailureIsReturned(t *testing.T) {
	r, kv, _ := newTestReconciler(t)
	kv.FailReads(true)

	_, err := r.Entries(context.Background())
	assert.ErrorIs(t, err, testutil.ErrInjected)
}

func TestEntry_Stale(t *testing.T) {
	now := testutil.Epoch
	e := Entry{State: State{Status: StatusSuccess, DataUpdatedAt: now.UnixMilli()}, Options: Options{StaleTime: 1000}}
	assert.False(t, e.Stale(now.Add(500*time.Millisecond)))
	assert.True(t, e.Stale(now.Add(2*time.Second)))

	e.State.Status = StatusOptimistic
	assert.True(t, e.Stale(now))
}
