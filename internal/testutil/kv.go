package testutil

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/studysync/internal/store"
)

// ErrInjected is returned by MemKV when a failure has been armed.
var ErrInjected = errors.New("testutil: injected storage failure")

// MemKV is an in-memory key-value store with failure injection. It mirrors
// the *store.Store KV surface, including store.ErrNotFound for missing keys.
type MemKV struct {
	mu         sync.Mutex
	data       map[string][]byte
	failReads  bool
	failWrites int // remaining Put calls to fail; <0 fails forever
	puts       int
}

// NewMemKV creates an empty store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, ErrInjected
	}
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value, unless a write failure is armed.
func (m *MemKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failWrites != 0 {
		if m.failWrites > 0 {
			m.failWrites--
		}
		return ErrInjected
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys lists keys with prefix in sorted order.
func (m *MemKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Raw sets key to value without going through failure injection. Used to
// plant corrupt content.
func (m *MemKV) Raw(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

// Has reports whether key exists.
func (m *MemKV) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// FailWrites makes the next n Put calls fail. n < 0 fails every Put until
// FailWrites(0) is called.
func (m *MemKV) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// FailReads toggles read failures.
func (m *MemKV) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// Puts returns how many Put calls were made, failed ones included.
func (m *MemKV) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
