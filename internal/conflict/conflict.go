// Package conflict settles mutations the authority refused with CONFLICT.
//
// Each conflicted mutation ends resolved or abandoned, never silently
// dropped:
//
//   - DELETE: delete wins. A resource already gone on the server is
//     resolved; otherwise the delete is sent once more against the server
//     version.
//   - CREATE: a server record carrying an id means the create already
//     landed; it resolves to that id.
//   - UPDATE, COMPLETE, RESTORE: the local fields are reapplied on top of
//     the server state and sent once more. A second conflict abandons the
//     mutation so the user can redo the edit.
package conflict

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/remote"
	"github.com/roach88/studysync/internal/store"
)

// State is where a conflicted mutation ended up.
type State string

const (
	StateResolved  State = "resolved"
	StateAbandoned State = "abandoned"
)

// Messages shown to the user for abandoned mutations.
const (
	MessageChangedElsewhere = "this item changed elsewhere; please re-apply your edit"
	MessageDeletedElsewhere = "this item was deleted elsewhere"
)

// Journal records resolutions. *store.Store implements it.
type Journal interface {
	AppendResolution(ctx context.Context, r store.Resolution) error
}

// Redispatch sends a rewritten record to the authority once.
type Redispatch func(ctx context.Context, rec mutation.Record) (*remote.Response, error)

// Outcome is the result of resolving one conflict.
type Outcome struct {
	State State

	// Record is the mutation as last sent, including any reapplied fields.
	Record mutation.Record

	// Response is the server record the resolution settled on. It may be
	// nil when the resource no longer exists.
	Response *remote.Response

	// Message explains an abandoned outcome.
	Message string
}

// Resolver applies the conflict policy.
type Resolver struct {
	authority remote.Authority
	journal   Journal
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the time source for journal entries.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a resolver. journal may be nil.
func New(authority remote.Authority, journal Journal, opts ...Option) *Resolver {
	r := &Resolver{
		authority: authority,
		journal:   journal,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve settles rec, which the authority answered with conflictErr.
//
// A non-nil error means resolution could not complete (fetching the server
// state failed, or the redispatch failed with something other than a
// conflict). It wraps the underlying *remote.Error so the caller can
// classify it. When the redispatch was attempted, the returned Outcome
// carries the record as sent, attempts included, and no State.
func (r *Resolver) Resolve(ctx context.Context, rec mutation.Record, conflictErr error, redispatch Redispatch) (Outcome, error) {
	server, err := r.serverState(ctx, rec, conflictErr)
	if err != nil {
		return Outcome{}, err
	}

	var (
		out    Outcome
		detail string
	)
	switch rec.Type {
	case mutation.TypeDelete:
		out, detail, err = r.resolveDelete(ctx, rec, server, redispatch)
	case mutation.TypeCreate:
		out, detail, err = r.resolveCreate(ctx, rec, server, redispatch)
	default:
		out, detail, err = r.reapply(ctx, rec, server, redispatch)
	}
	if err != nil {
		return out, err
	}

	r.record(ctx, out, detail)
	return out, nil
}

func (r *Resolver) serverState(ctx context.Context, rec mutation.Record, conflictErr error) (map[string]any, error) {
	if rerr := remote.AsError(conflictErr); rerr != nil && rerr.Current != nil {
		return rerr.Current, nil
	}
	resp, err := r.authority.Fetch(ctx, remote.FetchRequest{
		Entity:     rec.Entity,
		ResourceID: rec.ResourceID.String(),
		UserID:     rec.UserID,
	})
	if err != nil {
		if remote.KindOf(err) == remote.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("conflict: fetch %s %s: %w", rec.Entity, rec.ResourceID, err)
	}
	return resp.Data, nil
}

func (r *Resolver) resolveDelete(ctx context.Context, rec mutation.Record, server map[string]any, redispatch Redispatch) (Outcome, string, error) {
	if server == nil || SoftDeleted(server) {
		return Outcome{State: StateResolved, Record: rec, Response: responseOf(server)}, "delete wins: already deleted on server", nil
	}

	retry := rec.Clone()
	retry.BaseVersion = remote.VersionOf(server)
	retry.Attempts++
	resp, err := redispatch(ctx, retry)
	switch {
	case err == nil:
		return Outcome{State: StateResolved, Record: retry, Response: resp}, "delete wins: redispatched against server version", nil
	case remote.KindOf(err) == remote.KindNotFound:
		return Outcome{State: StateResolved, Record: retry}, "delete wins: gone on redispatch", nil
	case remote.KindOf(err) == remote.KindConflict:
		if current := remote.AsError(err).Current; current != nil && SoftDeleted(current) {
			return Outcome{State: StateResolved, Record: retry, Response: remote.NewResponse(current)}, "delete wins: deleted concurrently", nil
		}
		return Outcome{State: StateAbandoned, Record: retry, Message: MessageChangedElsewhere}, "delete conflicted twice", nil
	default:
		return Outcome{Record: retry}, "", fmt.Errorf("conflict: redispatch %s: %w", rec.ID, err)
	}
}

func (r *Resolver) resolveCreate(ctx context.Context, rec mutation.Record, server map[string]any, redispatch Redispatch) (Outcome, string, error) {
	if server != nil {
		if id, ok := server["id"].(string); ok && id != "" {
			return Outcome{State: StateResolved, Record: rec, Response: remote.NewResponse(server)}, "create already applied as " + id, nil
		}
	}

	retry := rec.Clone()
	retry.Attempts++
	resp, err := redispatch(ctx, retry)
	switch {
	case err == nil:
		return Outcome{State: StateResolved, Record: retry, Response: resp}, "create redispatched", nil
	case remote.KindOf(err) == remote.KindConflict:
		return Outcome{State: StateAbandoned, Record: retry, Message: MessageChangedElsewhere}, "create conflicted twice", nil
	default:
		return Outcome{Record: retry}, "", fmt.Errorf("conflict: redispatch %s: %w", rec.ID, err)
	}
}

func (r *Resolver) reapply(ctx context.Context, rec mutation.Record, server map[string]any, redispatch Redispatch) (Outcome, string, error) {
	if server == nil || (SoftDeleted(server) && rec.Type != mutation.TypeRestore) {
		return Outcome{State: StateAbandoned, Record: rec, Message: MessageDeletedElsewhere}, "resource deleted on server", nil
	}

	retry := rec.Clone()
	retry.Payload = Merge(server, rec.Payload)
	retry.BaseVersion = remote.VersionOf(server)
	retry.Attempts++

	resp, err := redispatch(ctx, retry)
	switch {
	case err == nil:
		return Outcome{State: StateResolved, Record: retry, Response: resp}, "local fields reapplied on server version", nil
	case remote.KindOf(err) == remote.KindConflict:
		return Outcome{State: StateAbandoned, Record: retry, Message: MessageChangedElsewhere}, "reapply conflicted", nil
	default:
		return Outcome{Record: retry}, "", fmt.Errorf("conflict: redispatch %s: %w", rec.ID, err)
	}
}

func (r *Resolver) record(ctx context.Context, out Outcome, detail string) {
	rec := out.Record
	fields := []zap.Field{
		zap.String("mutation_id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("entity", string(rec.Entity)),
		zap.String("resource_id", rec.ResourceID.String()),
		zap.String("outcome", string(out.State)),
		zap.String("detail", detail),
	}
	if out.State == StateAbandoned {
		r.logger.Warn("conflict abandoned", fields...)
	} else {
		r.logger.Info("conflict resolved", fields...)
	}

	if r.journal == nil {
		return
	}
	err := r.journal.AppendResolution(ctx, store.Resolution{
		MutationID: rec.ID,
		Entity:     string(rec.Entity),
		ResourceID: rec.ResourceID.String(),
		Type:       string(rec.Type),
		Outcome:    string(out.State),
		Detail:     detail,
		At:         r.now(),
	})
	if err != nil {
		r.logger.Error("journal conflict outcome", append(fields, zap.Error(err))...)
	}
}

func responseOf(server map[string]any) *remote.Response {
	if server == nil {
		return nil
	}
	return remote.NewResponse(server)
}
