// Package connectivity tracks whether the remote authority is reachable.
//
// The Gate holds the current online flag. Platform signals and the Prober
// both feed it through Set; subscribers only hear about transitions.
package connectivity

import (
	"sync"

	"go.uber.org/zap"
)

// Gate is the online/offline flag shared by the engine and the dispatcher.
type Gate struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gate in the given initial state.
func New(online bool, opts ...Option) *Gate {
	g := &Gate{
		online: online,
		subs:   make(map[int]chan bool),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsOnline reports the current state.
func (g *Gate) IsOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// Set records a connectivity signal. It reports whether the state changed.
//
// Subscribers get the new state on a one-slot channel. A subscriber that has
// not read the previous transition sees only the latest one.
func (g *Gate) Set(online bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.online == online {
		return false
	}
	g.online = online
	g.logger.Info("connectivity changed", zap.Bool("online", online))

	for _, ch := range g.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe returns a channel of state transitions and a function that
// unsubscribes and closes it.
func (g *Gate) Subscribe() (<-chan bool, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	ch := make(chan bool, 1)
	g.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subs, id)
			close(ch)
		})
	}
}
