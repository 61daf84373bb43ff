package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/store"
	"github.com/roach88/studysync/internal/testutil"
)

const testNamespace = "test"

func newRecord(id string, seq int64) mutation.Record {
	return mutation.Record{
		ID:         id,
		Type:       mutation.TypeCreate,
		Entity:     mutation.EntityAssignment,
		ResourceID: mutation.Temporary("temp_assignment_" + id),
		Payload:    mutation.Payload{"title": "Essay " + id},
		UserID:     "u-1",
		CreatedAt:  testutil.Epoch.Add(time.Duration(seq) * time.Second),
		Seq:        seq,
		Status:     mutation.StatusPending,
	}
}

func ids(records []mutation.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestEnqueue_PreservesInsertionOrder(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, q.Enqueue(ctx, newRecord(id, int64(i+1))))
	}

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(got))
}

func TestEnqueue_RejectsDuplicateAndInvalid(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newRecord("m1", 1)))
	assert.ErrorIs(t, q.Enqueue(ctx, newRecord("m1", 2)), ErrDuplicate)

	invalid := newRecord("m2", 2)
	invalid.UserID = ""
	assert.Error(t, q.Enqueue(ctx, invalid))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_WriteFailureIsPersistenceError(t *testing.T) {
	kv := testutil.NewMemKV()
	q := New(kv, testNamespace)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newRecord("m1", 1)))

	kv.FailWrites(1)
	err := q.Enqueue(ctx, newRecord("m2", 2))
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.ErrorIs(t, err, testutil.ErrInjected)

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(got), "failed enqueue leaves queue unchanged")
}

func TestDequeueAll_ReadFailureIsPersistenceError(t *testing.T) {
	kv := testutil.NewMemKV()
	q := New(kv, testNamespace)

	kv.FailReads(true)
	_, err := q.DequeueAll(context.Background())
	assert.True(t, IsPersistenceError(err))
}

func TestDequeueAll_CorruptBlobReadsEmptyAndClearsKey(t *testing.T) {
	kv := testutil.NewMemKV()
	kv.Raw(Key(testNamespace), []byte(`[{"id":"m1", "type": CREATE`))
	q := New(kv, testNamespace)

	got, err := q.DequeueAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, kv.Has(Key(testNamespace)), "corrupt key must be cleared")

	// The queue is usable afterwards.
	require.NoError(t, q.Enqueue(context.Background(), newRecord("m2", 1)))
	got, err = q.DequeueAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(got))
}

func TestDequeueAll_ReturnsCopies(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newRecord("m1", 1)))

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	got[0].Payload["title"] = "mutated"
	got[0].Status = mutation.StatusRejected

	again, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Essay m1", again[0].Payload["title"])
	assert.Equal(t, mutation.StatusPending, again[0].Status)
}

func TestUpdate(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newRecord("m1", 1)))

	patch := mutation.SetStatus(mutation.StatusFailed).
		WithAttempts(1).
		WithError(mutation.Failure{Kind: "network", Message: "connection refused"})
	require.NoError(t, q.Update(ctx, "m1", patch))

	rec, err := q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "network", rec.LastError.Kind)

	assert.ErrorIs(t, q.Update(ctx, "missing", patch), ErrNotFound)
}

func TestRemove(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, q.Enqueue(ctx, newRecord(id, int64(i+1))))
	}

	require.NoError(t, q.Remove(ctx, "m2"))
	assert.ErrorIs(t, q.Remove(ctx, "m2"), ErrNotFound)

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids(got))
}

func TestMutate(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newRecord("m1", 1)))
	require.NoError(t, q.Enqueue(ctx, newRecord("m2", 2)))

	err := q.Mutate(ctx, func(records []mutation.Record) ([]mutation.Record, error) {
		for i := range records {
			records[i].Payload["title"] = "rewritten"
		}
		return records, nil
	})
	require.NoError(t, err)

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	for _, rec := range got {
		assert.Equal(t, "rewritten", rec.Payload["title"])
	}

	boom := fmt.Errorf("boom")
	err = q.Mutate(ctx, func(records []mutation.Record) ([]mutation.Record, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "aborted mutate writes nothing")
}

func TestClear(t *testing.T) {
	kv := testutil.NewMemKV()
	q := New(kv, testNamespace)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newRecord("m1", 1)))

	require.NoError(t, q.Clear(ctx))
	assert.False(t, kv.Has(Key(testNamespace)))

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnqueue_ConcurrentCallersDoNotLoseRecords(t *testing.T) {
	q := New(testutil.NewMemKV(), testNamespace)
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(ctx, newRecord(fmt.Sprintf("m%02d", i), int64(i))))
		}(i)
	}
	wg.Wait()

	got, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, n)
}

// Records enqueued before a restart come back identical and in order.
func TestDurability_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	st, err := store.Open(path)
	require.NoError(t, err)
	q := New(st, testNamespace)

	var want []mutation.Record
	for i, id := range []string{"m3", "m1", "m2"} {
		rec := newRecord(id, int64(i+1))
		if id == "m1" {
			rec.Type = mutation.TypeUpdate
			rec.ResourceID = mutation.Temporary("temp_assignment_m3")
			rec.Payload = mutation.Payload{"course_id": mutation.TempRef(mutation.Temporary("temp_course_9"))}
		}
		require.NoError(t, q.Enqueue(ctx, rec))
		want = append(want, rec)
	}
	before, err := q.DequeueAll(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()

	after, err := New(st2, testNamespace).DequeueAll(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(want))
	assert.Equal(t, ids(before), ids(after))
	for i := range after {
		assert.Equal(t, before[i].ResourceID, after[i].ResourceID)
		assert.Equal(t, before[i].Payload, after[i].Payload)
		assert.Equal(t, before[i].Seq, after[i].Seq)
		assert.True(t, before[i].CreatedAt.Equal(after[i].CreatedAt))
	}
}
