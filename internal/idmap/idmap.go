// Package idmap resolves temporary identifiers to server-assigned ones.
//
// A mapping is registered when a CREATE succeeds. Mappings live for the
// process session only; after a restart, mutations that still reference
// an unresolved temporary id wait for their CREATE to run again.
package idmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/studysync/internal/mutation"
)

// Resolver holds the temp → real mapping for one process session.
// Safe for concurrent use by dispatch workers.
type Resolver struct {
	mu       sync.RWMutex
	mappings map[string]mutation.ID // keyed by the temporary id value
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{mappings: make(map[string]mutation.ID)}
}

// Register records that temp now resolves to real. Registering the same
// pair twice is a no-op; remapping a temp id to a different real id is an
// error.
func (r *Resolver) Register(temp, resolved mutation.ID) error {
	if !temp.IsTemporary() {
		return fmt.Errorf("idmap: register %q: key is not a temporary id", temp.String())
	}
	if !resolved.IsReal() || resolved.String() == "" {
		return fmt.Errorf("idmap: register %q: target %q is not a real id", temp.String(), resolved.String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.mappings[temp.String()]; ok {
		if existing == resolved {
			return nil
		}
		return fmt.Errorf("idmap: %s already resolved to %s, refusing %s", temp.String(), existing.String(), resolved.String())
	}
	r.mappings[temp.String()] = resolved
	return nil
}

// Resolve returns the real id for a mapped temporary id, and the input
// unchanged for real ids and unmapped temporary ids.
func (r *Resolver) Resolve(id mutation.ID) mutation.ID {
	switch id.Kind() {
	case mutation.KindTemporary:
		r.mu.RLock()
		defer r.mu.RUnlock()
		if resolved, ok := r.mappings[id.String()]; ok {
			return resolved
		}
		return id
	default:
		return id
	}
}

// Resolved reports whether id needs no further resolution.
func (r *Resolver) Resolved(id mutation.ID) bool {
	return !r.Resolve(id).IsTemporary()
}

// Len returns the number of registered mappings.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings)
}

// Reset forgets every mapping.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = make(map[string]mutation.ID)
}

// RewriteDependents returns records with every occurrence of temp, as the
// resource id or as a payload reference, replaced by real. Records are
// copied; the input is never modified. Running it again on its own output
// changes nothing.
func RewriteDependents(temp, resolved mutation.ID, records []mutation.Record) []mutation.Record {
	out := make([]mutation.Record, len(records))
	for i, rec := range records {
		out[i] = rewrite(rec, temp, resolved)
	}
	return out
}

// RewriteDependents is the method form of the package function.
func (r *Resolver) RewriteDependents(temp, resolved mutation.ID, records []mutation.Record) []mutation.Record {
	return RewriteDependents(temp, resolved, records)
}

// Apply rewrites rec against every registered mapping it references.
func (r *Resolver) Apply(rec mutation.Record) mutation.Record {
	out := rec.Clone()
	for _, temp := range References(rec, true) {
		if resolved := r.Resolve(temp); resolved.IsReal() {
			out = rewrite(out, temp, resolved)
		}
	}
	return out
}

// Pending returns the temporary ids rec depends on that have no mapping
// yet. A CREATE does not depend on its own resource id.
func (r *Resolver) Pending(rec mutation.Record) []mutation.ID {
	var out []mutation.ID
	for _, id := range References(rec, false) {
		if !r.Resolved(id) {
			out = append(out, id)
		}
	}
	return out
}

// References lists the temporary ids rec refers to, sorted. The CREATE's
// own resource id is included only when includeSelf is set.
func References(rec mutation.Record, includeSelf bool) []mutation.ID {
	seen := make(map[string]bool)
	var out []mutation.ID
	add := func(id mutation.ID) {
		if id.IsTemporary() && !seen[id.String()] {
			seen[id.String()] = true
			out = append(out, id)
		}
	}

	if rec.Type != mutation.TypeCreate || includeSelf {
		add(rec.ResourceID)
	}
	for _, id := range mutation.TempRefs(rec.Payload) {
		if rec.Type == mutation.TypeCreate && !includeSelf && id == rec.ResourceID {
			continue
		}
		add(id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func rewrite(rec mutation.Record, temp, resolved mutation.ID) mutation.Record {
	out := rec.Clone()
	if out.ResourceID == temp {
		out.ResourceID = resolved
	}
	if out.Payload != nil {
		if repl, changed := mutation.ReplaceTempRef(out.Payload, temp, resolved); changed {
			out.Payload = repl.(mutation.Payload)
		}
	}
	return out
}
