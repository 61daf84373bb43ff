// Package cache keeps the persisted query cache consistent with confirmed
// server state.
//
// The cache is never ground truth. Entries are written optimistically when
// a mutation is enqueued and are overwritten or invalidated once a dispatch
// confirms what the server holds.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/studysync/internal/canonical"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/store"
)

// Status of a cached query.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusOptimistic  Status = "optimistic"
	StatusInvalidated Status = "invalidated"
)

// State is the cached result of one query.
type State struct {
	Data          any    `json:"data"`
	DataUpdatedAt int64  `json:"dataUpdatedAt"`
	Status        Status `json:"status"`
}

// Options are per-query cache options. StaleTime is in milliseconds.
type Options struct {
	StaleTime int64 `json:"staleTime"`
}

// Entry is one cached query.
type Entry struct {
	QueryKey  []any   `json:"queryKey"`
	QueryHash string  `json:"queryHash"`
	State     State   `json:"state"`
	Options   Options `json:"options"`
}

// Entity returns the entity tag heading the query key.
func (e Entry) Entity() string {
	if len(e.QueryKey) == 0 {
		return ""
	}
	s, _ := e.QueryKey[0].(string)
	return s
}

// Stale reports whether the entry should be refetched at now.
func (e Entry) Stale(now time.Time) bool {
	if e.State.Status != StatusSuccess {
		return true
	}
	return now.UnixMilli()-e.State.DataUpdatedAt > e.Options.StaleTime
}

// DetailKey is the query key of a single resource.
func DetailKey(entity mutation.Entity, id string) []any {
	return []any{string(entity), id}
}

// ListKey is the query key listing an entity.
func ListKey(entity mutation.Entity) []any {
	return []any{string(entity)}
}

// QueryHash returns the hash identifying a query key.
func QueryHash(queryKey []any) (string, error) {
	return canonical.Hash(queryKey)
}

// KV is the persistence the reconciler needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key of the cache for namespace.
func Key(namespace string) string {
	return namespace + ":query-cache"
}

// DefaultStaleTime applies to entries written by the reconciler.
const DefaultStaleTime = 5 * time.Minute

// Reconciler reads and rewrites the persisted cache.
type Reconciler struct {
	kv        KV
	key       string
	logger    *zap.Logger
	now       func() time.Time
	staleTime time.Duration

	mu sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the time source for dataUpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStaleTime sets the staleTime given to new entries.
func WithStaleTime(d time.Duration) Option {
	return func(r *Reconciler) { r.staleTime = d }
}

// New creates a reconciler over the cache key of namespace.
func New(kv KV, namespace string, opts ...Option) *Reconciler {
	r := &Reconciler{
		kv:        kv,
		key:       Key(namespace),
		logger:    zap.NewNop(),
		now:       time.Now,
		staleTime: DefaultStaleTime,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invalidate marks every query on entity as invalidated.
func (r *Reconciler) Invalidate(ctx context.Context, entity mutation.Entity) error {
	return r.update(ctx, func(entries []Entry) ([]Entry, bool, error) {
		changed := false
		for i := range entries {
			if entries[i].Entity() == string(entity) && entries[i].State.Status != StatusInvalidated {
				entries[i].State.Status = StatusInvalidated
				changed = true
			}
		}
		return entries, changed, nil
	})
}

// Merge stores a confirmed server record as the detail query of id and
// invalidates the entity's other queries.
func (r *Reconciler) Merge(ctx context.Context, entity mutation.Entity, id string, record map[string]any) error {
	return r.upsert(ctx, entity, id, StatusSuccess, func(any) any { return record })
}

// ApplyOptimistic writes payload over the detail query of id ahead of
// confirmation.
func (r *Reconciler) ApplyOptimistic(ctx context.Context, entity mutation.Entity, id string, payload mutation.Payload) error {
	return r.upsert(ctx, entity, id, StatusOptimistic, func(prev any) any {
		data := make(map[string]any)
		if m, ok := prev.(map[string]any); ok {
			for k, v := range m {
				data[k] = v
			}
		}
		for k, v := range mutation.ClonePayload(payload) {
			data[k] = v
		}
		if _, ok := data["id"]; !ok {
			data["id"] = id
		}
		return data
	})
}

// Remove drops the detail query of id and invalidates the entity's other
// queries.
func (r *Reconciler) Remove(ctx context.Context, entity mutation.Entity, id string) error {
	hash, err := QueryHash(DetailKey(entity, id))
	if err != nil {
		return fmt.Errorf("cache: hash key: %w", err)
	}
	return r.update(ctx, func(entries []Entry) ([]Entry, bool, error) {
		out := entries[:0]
		changed := false
		for _, e := range entries {
			if e.QueryHash == hash {
				changed = true
				continue
			}
			if e.Entity() == string(entity) && e.State.Status != StatusInvalidated {
				e.State.Status = StatusInvalidated
				changed = true
			}
			out = append(out, e)
		}
		return out, changed, nil
	})
}

// Entries returns every cached query in storage order.
func (r *Reconciler) Entries(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Lookup returns the entry for queryKey.
func (r *Reconciler) Lookup(ctx context.Context, queryKey []any) (Entry, bool, error) {
	hash, err := QueryHash(queryKey)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: hash key: %w", err)
	}
	entries, err := r.Entries(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.QueryHash == hash {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (r *Reconciler) upsert(ctx context.Context, entity mutation.Entity, id string, status Status, data func(prev any) any) error {
	key := DetailKey(entity, id)
	hash, err := QueryHash(key)
	if err != nil {
		return fmt.Errorf("cache: hash key: %w", err)
	}
	now := r.now().UnixMilli()

	return r.update(ctx, func(entries []Entry) ([]Entry, bool, error) {
		found := false
		for i := range entries {
			switch {
			case entries[i].QueryHash == hash:
				entries[i].State = State{Data: data(entries[i].State.Data), DataUpdatedAt: now, Status: status}
				found = true
			case entries[i].Entity() == string(entity):
				entries[i].State.Status = StatusInvalidated
			}
		}
		if !found {
			entries = append(entries, Entry{
				QueryKey:  key,
				QueryHash: hash,
				State:     State{Data: data(nil), DataUpdatedAt: now, Status: status},
				Options:   Options{StaleTime: r.staleTime.Milliseconds()},
			})
		}
		return entries, true, nil
	})
}

func (r *Reconciler) update(ctx context.Context, fn func([]Entry) ([]Entry, bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load(ctx)
	if err != nil {
		return err
	}
	entries, changed, err := fn(entries)
	if err != nil || !changed {
		return err
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := r.kv.Put(ctx, r.key, data); err != nil {
		return fmt.Errorf("cache: write %s: %w", r.key, err)
	}
	return nil
}

func (r *Reconciler) load(ctx context.Context) ([]Entry, error) {
	data, err := r.kv.Get(ctx, r.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", r.key, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		r.logger.Warn("discarding unreadable query cache",
			zap.String("key", r.key),
			zap.Error(err),
		)
		if derr := r.kv.Delete(ctx, r.key); derr != nil {
			r.logger.Error("delete unreadable query cache", zap.String("key", r.key), zap.Error(derr))
		}
		return nil, nil
	}
	return entries, nil
}
