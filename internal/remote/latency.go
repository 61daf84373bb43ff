package remote

import (
	"sort"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// DefaultLatencyWindow is how long an observation counts towards stats.
const DefaultLatencyWindow = 5 * time.Minute

// Latency summarises observed round trips for one action.
type Latency struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P95   time.Duration `json:"p95"`
}

// LatencyTracker keeps a sliding window of round-trip times per action.
type LatencyTracker struct {
	window time.Duration

	mu      sync.Mutex
	actions map[string]*expiremap.ExpireMap[time.Time, time.Duration]
}

// NewLatencyTracker creates a tracker; window <= 0 uses DefaultLatencyWindow.
func NewLatencyTracker(window time.Duration) *LatencyTracker {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &LatencyTracker{
		window:  window,
		actions: make(map[string]*expiremap.ExpireMap[time.Time, time.Duration]),
	}
}

// Observe records one round trip.
func (t *LatencyTracker) Observe(action string, d time.Duration) {
	t.mu.Lock()
	m, ok := t.actions[action]
	if !ok {
		m = expiremap.NewEx[time.Time, time.Duration](t.window, t.window)
		t.actions[action] = m
	}
	t.mu.Unlock()
	m.Set(time.Now(), d)
}

// Stats returns the window's summary for action.
func (t *LatencyTracker) Stats(action string) Latency {
	t.mu.Lock()
	m, ok := t.actions[action]
	t.mu.Unlock()
	if !ok {
		return Latency{}
	}
	return summarise(m)
}

// All returns stats for every action seen.
func (t *LatencyTracker) All() map[string]Latency {
	t.mu.Lock()
	maps := make(map[string]*expiremap.ExpireMap[time.Time, time.Duration], len(t.actions))
	for k, v := range t.actions {
		maps[k] = v
	}
	t.mu.Unlock()

	out := make(map[string]Latency, len(maps))
	for action, m := range maps {
		out[action] = summarise(m)
	}
	return out
}

func summarise(m *expiremap.ExpireMap[time.Time, time.Duration]) Latency {
	var durations []time.Duration
	var total time.Duration
	m.Range(func(_ time.Time, d time.Duration) bool {
		durations = append(durations, d)
		total += d
		return true
	})
	if len(durations) == 0 {
		return Latency{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := int(float64(len(durations)) * 0.95)
	if p95 >= len(durations) {
		p95 = len(durations) - 1
	}
	return Latency{
		Count: len(durations),
		Min:   durations[0],
		Max:   durations[len(durations)-1],
		Avg:   total / time.Duration(len(durations)),
		P95:   durations[p95],
	}
}
