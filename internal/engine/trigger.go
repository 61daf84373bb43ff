package engine

import (
	"slices"
	"sync"
)

// Reason says why a drain was requested.
type Reason string

const (
	ReasonStart      Reason = "start"
	ReasonEnqueue    Reason = "enqueue"
	ReasonForeground Reason = "foreground"
	ReasonReconnect  Reason = "reconnect"
	ReasonInterval   Reason = "interval"
	ReasonRetry      Reason = "retry"
	ReasonManual     Reason = "manual"
)

// triggerQueue collects drain requests for the Run loop.
//
// Push is safe from any goroutine. The signal channel has a buffer of one,
// so any number of pushes between two drains wake the loop once.
type triggerQueue struct {
	mu      sync.Mutex
	reasons []Reason
	closed  bool
	signal  chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{signal: make(chan struct{}, 1)}
}

// Push records a request. Returns false once the queue is closed.
func (q *triggerQueue) Push(r Reason) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !slices.Contains(q.reasons, r) {
		q.reasons = append(q.reasons, r)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Take returns the pending reasons in arrival order and clears them.
func (q *triggerQueue) Take() []Reason {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.reasons
	q.reasons = nil
	return out
}

// Wait returns the wake-up channel. It is closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of distinct pending reasons.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reasons)
}

// Close stops accepting requests and wakes the loop.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
