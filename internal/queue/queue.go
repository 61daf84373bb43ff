// Package queue implements the durable mutation queue.
//
// The whole queue is a single JSON array stored under one namespaced key.
// Every operation is a read-modify-write of that blob under one mutex, so
// concurrent enqueues from several goroutines never interleave.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/store"
)

// ErrNotFound is returned when a mutation id is not in the queue.
var ErrNotFound = errors.New("queue: mutation not found")

// ErrDuplicate is returned when enqueueing an id that is already queued.
var ErrDuplicate = errors.New("queue: duplicate mutation id")

// KV is the persistent key-value storage the queue writes through.
// *store.Store satisfies it; a missing key must return store.ErrNotFound.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key holding the queue for namespace.
func Key(namespace string) string {
	return namespace + ":mutation-queue"
}

// Store is the durable, insertion-ordered mutation queue.
type Store struct {
	kv     KV
	key    string
	logger *zap.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption and persistence reports.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a queue persisted under Key(namespace).
func New(kv KV, namespace string, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		key:    Key(namespace),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends rec. Fails with *PersistenceError when the write fails,
// in which case the queue is unchanged.
func (s *Store) Enqueue(ctx context.Context, rec mutation.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, existing := range records {
		if existing.ID == rec.ID {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		}
	}

	records = append(records, rec.Clone())
	return s.save(ctx, records)
}

// DequeueAll returns every queued record in insertion order. It does not
// remove anything; records leave the queue through Remove.
func (s *Store) DequeueAll(ctx context.Context) ([]mutation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(records), nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (mutation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return mutation.Record{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec.Clone(), nil
		}
	}
	return mutation.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Len returns the number of queued records.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Remove deletes the record with the given id.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i, rec := range records {
		if rec.ID == id {
			records = append(records[:i], records[i+1:]...)
			return s.save(ctx, records)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Update applies patch to the record with the given id.
func (s *Store) Update(ctx context.Context, id string, patch mutation.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == id {
			patch.Apply(&records[i])
			return s.save(ctx, records)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Mutate runs fn over a copy of the queue and persists whatever it returns,
// all under the queue lock. An error from fn aborts without writing.
func (s *Store) Mutate(ctx context.Context, fn func([]mutation.Record) ([]mutation.Record, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	updated, err := fn(cloneAll(records))
	if err != nil {
		return err
	}
	return s.save(ctx, updated)
}

// Clear removes the whole queue.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, s.key); err != nil {
		return &PersistenceError{Op: "clear", Key: s.key, Err: err}
	}
	return nil
}

// load reads and decodes the blob. Callers hold s.mu.
//
// Unparseable content is treated as an empty queue and the key is cleared;
// the caller never sees an error for it.
func (s *Store) load(ctx context.Context) ([]mutation.Record, error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Key: s.key, Err: err}
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []mutation.Record
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("discarding corrupt mutation queue",
			zap.String("key", s.key),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		if delErr := s.kv.Delete(ctx, s.key); delErr != nil {
			s.logger.Error("failed to clear corrupt mutation queue",
				zap.String("key", s.key),
				zap.Error(delErr),
			)
		}
		return nil, nil
	}
	return records, nil
}

// save encodes and writes the blob. Callers hold s.mu.
func (s *Store) save(ctx context.Context, records []mutation.Record) error {
	if records == nil {
		records = []mutation.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return &PersistenceError{Op: "encode", Key: s.key, Err: err}
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return &PersistenceError{Op: "write", Key: s.key, Err: err}
	}
	return nil
}

func cloneAll(records []mutation.Record) []mutation.Record {
	out := make([]mutation.Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}
