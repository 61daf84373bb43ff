package dispatch

import (
	"sort"
	"sync"

	"github.com/roach88/studysync/internal/idmap"
	"github.com/roach88/studysync/internal/mutation"
)

type phase int

const (
	phaseWaiting phase = iota
	phaseRunning
	phaseDone
	phaseFailed
	phaseSkipped
)

func (p phase) finished() bool { return p >= phaseDone }

// cycle tracks one drain's scheduling state.
//
// Records run in seq order subject to two rules: a record waits while an
// earlier record on the same resource is unfinished, and it waits while a
// temporary id it references belongs to a CREATE still queued in this
// cycle. A record that can never become eligible this cycle is skipped and
// stays queued. A record whose CREATE left the queue without a mapping can
// never run and is handed back as an orphan.
type cycle struct {
	ids *idmap.Resolver

	mu      sync.Mutex
	order   []string
	records map[string]mutation.Record
	phases  map[string]phase
	blocked map[string]bool
	creates map[string]string // temp id -> CREATE record id
	parked  map[string]bool   // temp ids of queued CREATEs outside this cycle
	orphans []mutation.Record
	running int
	skipped int
}

// newCycle schedules the active records. queued is the whole queue, used to
// tell a CREATE parked out of rotation from one that no longer exists.
func newCycle(ids *idmap.Resolver, records, queued []mutation.Record) *cycle {
	sorted := make([]mutation.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	c := &cycle{
		ids:     ids,
		records: make(map[string]mutation.Record, len(sorted)),
		phases:  make(map[string]phase, len(sorted)),
		blocked: make(map[string]bool),
		creates: make(map[string]string),
		parked:  make(map[string]bool),
	}
	for _, rec := range queued {
		if rec.Type == mutation.TypeCreate && rec.ResourceID.IsTemporary() {
			c.parked[rec.ResourceID.String()] = true
		}
	}
	for _, rec := range sorted {
		c.order = append(c.order, rec.ID)
		c.records[rec.ID] = rec
		c.phases[rec.ID] = phaseWaiting
		if rec.Type == mutation.TypeCreate && rec.ResourceID.IsTemporary() {
			c.creates[rec.ResourceID.String()] = rec.ID
		}
	}
	return c
}

// candidates returns every record that may start now, with known id
// mappings applied, in seq order. Records that can no longer run this cycle
// are marked skipped; records that can never run are set aside as orphans.
func (c *cycle) candidates() []mutation.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []mutation.Record
	occupied := make(map[string]bool)
	for _, id := range c.order {
		ph := c.phases[id]
		if ph.finished() {
			continue
		}
		rec := c.ids.Apply(c.records[id])
		key := rec.ResourceKey()

		if ph == phaseRunning {
			occupied[key] = true
			continue
		}
		if c.blocked[key] {
			c.skipLocked(id, key)
			continue
		}
		if occupied[key] {
			continue
		}
		occupied[key] = true

		switch c.dependencyLocked(rec) {
		case depWait:
			continue
		case depSkip:
			c.skipLocked(id, key)
			continue
		case depOrphan:
			c.phases[id] = phaseFailed
			c.blocked[key] = true
			c.orphans = append(c.orphans, rec)
			continue
		}
		out = append(out, rec)
	}
	return out
}

type depState int

const (
	depReady depState = iota
	depWait
	depSkip
	depOrphan
)

func (c *cycle) dependencyLocked(rec mutation.Record) depState {
	state := depReady
	for _, temp := range c.ids.Pending(rec) {
		createID, ok := c.creates[temp.String()]
		if !ok {
			if c.parked[temp.String()] {
				return depSkip
			}
			return depOrphan
		}
		switch c.phases[createID] {
		case phaseWaiting, phaseRunning:
			state = depWait
		case phaseDone:
			// The CREATE left the queue without producing a mapping.
			return depOrphan
		default:
			return depSkip
		}
	}
	return state
}

// takeOrphans returns the orphans found since the last call.
func (c *cycle) takeOrphans() []mutation.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.orphans
	c.orphans = nil
	return out
}

func (c *cycle) skipLocked(id, key string) {
	c.phases[id] = phaseSkipped
	c.blocked[key] = true
	c.skipped++
}

func (c *cycle) start(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phases[id] = phaseRunning
	c.running++
}

// finish records a dispatch result. A failed record blocks its resource for
// the rest of the cycle.
func (c *cycle) finish(rec mutation.Record, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
	if ok {
		c.phases[rec.ID] = phaseDone
		return
	}
	c.phases[rec.ID] = phaseFailed
	c.blocked[rec.ResourceKey()] = true
}

func (c *cycle) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running == 0
}

// abandonWaiting marks every record that never started as skipped.
func (c *cycle) abandonWaiting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if c.phases[id] == phaseWaiting {
			c.phases[id] = phaseSkipped
			c.skipped++
		}
	}
}

func (c *cycle) skippedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}
