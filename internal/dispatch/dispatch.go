// Package dispatch drains the mutation queue against the remote authority.
//
// A drain reads the durable queue, resolves temporary identifiers, and sends
// each eligible record through the circuit breaker for its endpoint. Up to
// Config.Workers calls run at once; records on the same resource, and
// records waiting on a CREATE, run strictly in enqueue order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/conflict"
	"github.com/roach88/studysync/internal/idmap"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/queue"
	"github.com/roach88/studysync/internal/remote"
)

// ErrDrainInProgress is returned when Drain is called while another drain
// on the same dispatcher is running.
var ErrDrainInProgress = errors.New("dispatch: drain already in progress")

// A record whose temporary id belongs to a CREATE that left the queue
// without a server id is rejected with this failure.
const (
	FailureOrphaned = "orphaned"
	MessageOrphaned = "depends on a create that no longer exists"
)

// Queue is the durable queue the dispatcher works from. *queue.Store
// implements it.
type Queue interface {
	DequeueAll(ctx context.Context) ([]mutation.Record, error)
	Update(ctx context.Context, id string, patch mutation.Patch) error
	Remove(ctx context.Context, id string) error
	Mutate(ctx context.Context, fn func([]mutation.Record) ([]mutation.Record, error)) error
	Len(ctx context.Context) (int, error)
}

// Cache is the query cache the dispatcher reconciles. *cache.Reconciler
// implements it.
type Cache interface {
	Invalidate(ctx context.Context, entity mutation.Entity) error
	Merge(ctx context.Context, entity mutation.Entity, id string, record map[string]any) error
	Remove(ctx context.Context, entity mutation.Entity, id string) error
}

// ConflictResolver settles CONFLICT responses. *conflict.Resolver
// implements it.
type ConflictResolver interface {
	Resolve(ctx context.Context, rec mutation.Record, conflictErr error, redispatch conflict.Redispatch) (conflict.Outcome, error)
}

// Config bounds a drain.
type Config struct {
	Workers     int
	CallTimeout time.Duration
	MaxAttempts int
}

// DefaultConfig returns 4 workers, a 10s call timeout and 5 attempts.
func DefaultConfig() Config {
	return Config{Workers: 4, CallTimeout: 10 * time.Second, MaxAttempts: 5}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// CountsAgainstBreaker is the breaker failure predicate: only failures that
// say something about endpoint health trip a circuit.
func CountsAgainstBreaker(err error) bool {
	return err != nil && remote.KindOf(err).Transient()
}

// Report summarises one drain.
type Report struct {
	Dispatched int `json:"dispatched"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Resolved   int `json:"resolved"`
	Abandoned  int `json:"abandoned"`
	Rejected   int `json:"rejected"`
	Deferred   int `json:"deferred"`
	Skipped    int `json:"skipped"`
	Remaining  int `json:"remaining"`

	// RetryLater is set when a record failed in a way a later drain may
	// fix: a retryable error or an open circuit.
	RetryLater bool `json:"retry_later"`
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Queue     Queue
	Authority remote.Authority
	Breakers  *breaker.Registry
	IDs       *idmap.Resolver
	Cache     Cache
	Conflicts ConflictResolver
}

// Dispatcher drains the queue. One drain runs at a time.
type Dispatcher struct {
	queue     Queue
	authority remote.Authority
	breakers  *breaker.Registry
	ids       *idmap.Resolver
	cache     Cache
	conflicts ConflictResolver

	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	notifier Notifier
	online   func() bool

	draining atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets worker count, call timeout and retry budget.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg.withDefaults() }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock sets the time source for notices.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithNotifier sets where user-facing notices go.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithOnline gives the dispatcher a connectivity check. No new calls start
// while it reports false.
func WithOnline(online func() bool) Option {
	return func(d *Dispatcher) {
		if online != nil {
			d.online = online
		}
	}
}

// New creates a dispatcher. Missing Breakers, IDs and Conflicts are
// created with defaults.
func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:     deps.Queue,
		authority: deps.Authority,
		breakers:  deps.Breakers,
		ids:       deps.IDs,
		cache:     deps.Cache,
		conflicts: deps.Conflicts,
		cfg:       DefaultConfig(),
		logger:    zap.NewNop(),
		now:       time.Now,
		online:    func() bool { return true },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breakers == nil {
		d.breakers = breaker.NewRegistry(breaker.DefaultConfig(), breaker.WithFailurePredicate(CountsAgainstBreaker))
	}
	if d.ids == nil {
		d.ids = idmap.New()
	}
	if d.conflicts == nil {
		d.conflicts = conflict.New(d.authority, nil, conflict.WithLogger(d.logger))
	}
	if d.notifier == nil {
		d.notifier = logNotifier{logger: d.logger}
	}
	return d
}

// IDs returns the dispatcher's identifier resolver.
func (d *Dispatcher) IDs() *idmap.Resolver { return d.ids }

// Breakers returns the dispatcher's breaker registry.
func (d *Dispatcher) Breakers() *breaker.Registry { return d.breakers }

// Draining reports whether a drain is running.
func (d *Dispatcher) Draining() bool { return d.draining.Load() }

// tally accumulates a Report across workers.
type tally struct {
	mu sync.Mutex
	r  Report
}

func (t *tally) add(fn func(r *Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.r)
}

// Drain runs one drain cycle. Cancelling ctx stops new calls; calls already
// running see the cancellation and their records return to pending.
func (d *Dispatcher) Drain(ctx context.Context) (Report, error) {
	if !d.draining.CompareAndSwap(false, true) {
		return Report{}, ErrDrainInProgress
	}
	defer d.draining.Store(false)

	records, err := d.queue.DequeueAll(ctx)
	if err != nil {
		d.notify(ctx, Notice{Kind: NoticePersistence, Message: err.Error()})
		return Report{}, fmt.Errorf("dispatch: read queue: %w", err)
	}

	var active []mutation.Record
	t := &tally{}
	for _, rec := range records {
		switch {
		case !rec.Status.Active():
		case rec.Attempts >= d.cfg.MaxAttempts:
			// Budget spent by an earlier process that died before marking it.
			d.reject(ctx, t, rec, mutation.Failure{Kind: "exhausted", Message: "retry budget exhausted"})
		default:
			active = append(active, rec)
		}
	}

	c := newCycle(d.ids, active, records)
	sem := semaphore.NewWeighted(int64(d.cfg.Workers))
	done := make(chan struct{}, len(active))
	g, gctx := errgroup.WithContext(ctx)

	for ctx.Err() == nil && d.online() {
		launched := 0
		for _, rec := range c.candidates() {
			if !sem.TryAcquire(1) {
				break
			}
			c.start(rec.ID)
			launched++
			g.Go(func() error {
				defer sem.Release(1)
				d.dispatch(gctx, c, t, rec)
				done <- struct{}{}
				return nil
			})
		}
		for _, rec := range c.takeOrphans() {
			d.reject(ctx, t, rec, mutation.Failure{Kind: FailureOrphaned, Message: MessageOrphaned})
		}
		if launched == 0 && c.idle() {
			break
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	_ = g.Wait()
	c.abandonWaiting()

	report := t.r
	report.Skipped = c.skippedCount()
	if n, err := d.queue.Len(context.WithoutCancel(ctx)); err == nil {
		report.Remaining = n
	}

	d.logger.Info("drain finished",
		zap.Int("dispatched", report.Dispatched),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("rejected", report.Rejected),
		zap.Int("resolved", report.Resolved),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("deferred", report.Deferred),
		zap.Int("skipped", report.Skipped),
		zap.Int("remaining", report.Remaining),
	)
	return report, ctx.Err()
}

// dispatch sends one record and settles its outcome.
func (d *Dispatcher) dispatch(ctx context.Context, c *cycle, t *tally, rec mutation.Record) {
	persist := context.WithoutCancel(ctx)
	queued := c.records[rec.ID]
	log := d.logger.With(
		zap.String("mutation_id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("entity", string(rec.Entity)),
		zap.String("resource_id", rec.ResourceID.String()),
	)

	// A CREATE whose temp id already resolved was applied before; it only
	// needs removing.
	if rec.Type == mutation.TypeCreate && d.ids.Resolved(queued.ResourceID) {
		log.Debug("create already applied")
		resolved := d.ids.Resolve(queued.ResourceID)
		if err := d.completeCreate(persist, rec.ID, queued.ResourceID, resolved); err != nil {
			d.persistenceFailed(persist, c, t, rec, err)
			return
		}
		t.add(func(r *Report) { r.Succeeded++ })
		c.finish(rec, true)
		return
	}

	attempts := rec.Attempts + 1
	if err := d.queue.Update(persist, rec.ID, mutation.SetStatus(mutation.StatusInFlight).WithAttempts(attempts)); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			log.Debug("record removed before dispatch")
			c.finish(rec, true)
			return
		}
		d.persistenceFailed(persist, c, t, rec, err)
		return
	}
	rec.Attempts = attempts
	rec.Status = mutation.StatusInFlight

	t.add(func(r *Report) { r.Dispatched++ })
	resp, err := d.call(ctx, rec)

	switch {
	case err == nil:
		d.succeeded(persist, c, t, queued, rec, resp)

	case ctx.Err() != nil:
		log.Info("dispatch interrupted", zap.Error(err))
		d.restorePending(persist, rec)
		c.finish(rec, false)

	case breaker.IsCircuitOpen(err):
		log.Debug("circuit open, deferring", zap.Error(err))
		d.restorePending(persist, rec)
		t.add(func(r *Report) {
			r.Deferred++
			r.RetryLater = true
		})
		c.finish(rec, false)

	case rec.Type == mutation.TypeDelete && remote.KindOf(err) == remote.KindNotFound:
		log.Debug("delete target already gone")
		d.succeeded(persist, c, t, queued, rec, nil)

	case remote.KindOf(err) == remote.KindConflict:
		d.conflicted(ctx, c, t, queued, rec, err)

	default:
		d.failed(persist, c, t, rec, err)
	}
}

// call sends rec through its endpoint's breaker with the per-call timeout.
func (d *Dispatcher) call(ctx context.Context, rec mutation.Record) (*remote.Response, error) {
	action := remote.Action(rec.Type, rec.Entity)
	var resp *remote.Response
	err := d.breakers.Get(action).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
		r, err := d.authority.Call(callCtx, remote.NewRequest(rec))
		resp = r
		return err
	})
	return resp, err
}

func (d *Dispatcher) succeeded(ctx context.Context, c *cycle, t *tally, queued, rec mutation.Record, resp *remote.Response) {
	if rec.Type == mutation.TypeCreate {
		temp := queued.ResourceID
		if resp == nil || resp.ID == "" {
			d.logger.Error("create succeeded without a server id; dependents will be rejected",
				zap.String("mutation_id", rec.ID),
				zap.String("temp_id", temp.String()),
			)
			if err := d.queue.Remove(ctx, rec.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
				d.persistenceFailed(ctx, c, t, rec, err)
				return
			}
		} else {
			resolved := mutation.Real(resp.ID)
			if err := d.ids.Register(temp, resolved); err != nil {
				d.logger.Error("register id mapping", zap.String("mutation_id", rec.ID), zap.Error(err))
			}
			if err := d.completeCreate(ctx, rec.ID, temp, resolved); err != nil {
				d.persistenceFailed(ctx, c, t, rec, err)
				return
			}
			d.cacheOp(ctx, rec, func() error { return d.cache.Remove(ctx, rec.Entity, temp.String()) })
		}
	} else if err := d.queue.Remove(ctx, rec.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		d.persistenceFailed(ctx, c, t, rec, err)
		return
	}

	switch {
	case rec.Type == mutation.TypeDelete:
		d.cacheOp(ctx, rec, func() error { return d.cache.Remove(ctx, rec.Entity, rec.ResourceID.String()) })
		d.cacheOp(ctx, rec, func() error { return d.cache.Invalidate(ctx, rec.Entity) })
	case resp != nil && resp.Data != nil:
		id := resp.ID
		if id == "" {
			id = rec.ResourceID.String()
		}
		d.cacheOp(ctx, rec, func() error { return d.cache.Merge(ctx, rec.Entity, id, resp.Data) })
	default:
		d.cacheOp(ctx, rec, func() error { return d.cache.Invalidate(ctx, rec.Entity) })
	}

	t.add(func(r *Report) { r.Succeeded++ })
	c.finish(rec, true)
}

// completeCreate removes a confirmed CREATE and rewrites every record that
// referenced its temp id, in one queue write.
func (d *Dispatcher) completeCreate(ctx context.Context, id string, temp, resolved mutation.ID) error {
	return d.queue.Mutate(ctx, func(records []mutation.Record) ([]mutation.Record, error) {
		rest := records[:0]
		for _, rec := range records {
			if rec.ID != id {
				rest = append(rest, rec)
			}
		}
		return idmap.RewriteDependents(temp, resolved, rest), nil
	})
}

func (d *Dispatcher) conflicted(ctx context.Context, c *cycle, t *tally, queued, rec mutation.Record, conflictErr error) {
	persist := context.WithoutCancel(ctx)
	if err := d.queue.Update(persist, rec.ID, mutation.SetStatus(mutation.StatusConflicted).WithError(failureOf(conflictErr))); err != nil {
		d.persistenceFailed(persist, c, t, rec, err)
		return
	}
	rec.Status = mutation.StatusConflicted

	out, err := d.conflicts.Resolve(ctx, rec, conflictErr, d.call)
	if err != nil {
		d.logger.Warn("conflict resolution failed", zap.String("mutation_id", rec.ID), zap.Error(err))
		// The conflicted call counts; an interrupted or refused redispatch
		// does not.
		spent := rec.Attempts
		if out.Record.ID != "" {
			rec.Attempts = out.Record.Attempts
		}
		switch {
		case ctx.Err() != nil:
			d.requeue(persist, rec.ID, spent)
			c.finish(rec, false)
		case breaker.IsCircuitOpen(err):
			d.requeue(persist, rec.ID, spent)
			t.add(func(r *Report) {
				r.Deferred++
				r.RetryLater = true
			})
			c.finish(rec, false)
		default:
			d.failed(persist, c, t, rec, err)
		}
		return
	}

	if out.State == conflict.StateAbandoned {
		f := mutation.Failure{Kind: remote.KindConflict.String(), Code: remote.CodeConflict, Message: out.Message}
		if err := d.queue.Update(persist, rec.ID, mutation.SetStatus(mutation.StatusAbandoned).WithAttempts(out.Record.Attempts).WithError(f)); err != nil {
			d.persistenceFailed(persist, c, t, rec, err)
			return
		}
		t.add(func(r *Report) { r.Abandoned++ })
		d.notify(persist, noticeFor(NoticeAbandoned, rec, out.Message, d.now()))
		c.finish(rec, false)
		return
	}

	t.add(func(r *Report) { r.Resolved++ })
	d.notify(persist, noticeFor(NoticeConflictResolved, rec, "conflict resolved automatically", d.now()))
	d.succeeded(persist, c, t, queued, out.Record, out.Response)
}

// failed settles a retryable or permanent failure.
func (d *Dispatcher) failed(ctx context.Context, c *cycle, t *tally, rec mutation.Record, err error) {
	f := failureOf(err)
	kind := remote.KindOf(err)
	if !kind.Retryable() {
		d.reject(ctx, t, rec, f)
		c.finish(rec, false)
		return
	}
	if rec.Attempts >= d.cfg.MaxAttempts {
		f.Message = fmt.Sprintf("gave up after %d attempts: %s", rec.Attempts, f.Message)
		d.reject(ctx, t, rec, f)
		c.finish(rec, false)
		return
	}

	d.logger.Info("dispatch failed, will retry",
		zap.String("mutation_id", rec.ID),
		zap.Int("attempts", rec.Attempts),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	if uerr := d.queue.Update(ctx, rec.ID, mutation.SetStatus(mutation.StatusFailed).WithAttempts(rec.Attempts).WithError(f)); uerr != nil {
		d.persistenceFailed(ctx, c, t, rec, uerr)
		return
	}
	t.add(func(r *Report) {
		r.Failed++
		r.RetryLater = true
	})
	c.finish(rec, false)
}

// reject parks rec as permanently failed and tells the user.
func (d *Dispatcher) reject(ctx context.Context, t *tally, rec mutation.Record, f mutation.Failure) {
	d.logger.Warn("mutation rejected",
		zap.String("mutation_id", rec.ID),
		zap.String("kind", f.Kind),
		zap.String("code", f.Code),
		zap.String("message", f.Message),
	)
	if err := d.queue.Update(ctx, rec.ID, mutation.SetStatus(mutation.StatusRejected).WithAttempts(rec.Attempts).WithError(f)); err != nil {
		d.logger.Error("mark rejected", zap.String("mutation_id", rec.ID), zap.Error(err))
		d.notify(ctx, noticeFor(NoticePersistence, rec, err.Error(), d.now()))
		return
	}
	t.add(func(r *Report) { r.Rejected++ })
	d.notify(ctx, noticeFor(NoticeRejected, rec, f.Message, d.now()))
}

// restorePending puts rec back in rotation without spending an attempt.
func (d *Dispatcher) restorePending(ctx context.Context, rec mutation.Record) {
	d.requeue(ctx, rec.ID, max(rec.Attempts-1, 0))
}

func (d *Dispatcher) requeue(ctx context.Context, id string, attempts int) {
	patch := mutation.SetStatus(mutation.StatusPending).WithAttempts(attempts)
	if err := d.queue.Update(ctx, id, patch); err != nil && !errors.Is(err, queue.ErrNotFound) {
		d.logger.Error("restore pending", zap.String("mutation_id", id), zap.Error(err))
	}
}

func (d *Dispatcher) persistenceFailed(ctx context.Context, c *cycle, t *tally, rec mutation.Record, err error) {
	d.logger.Error("queue write failed", zap.String("mutation_id", rec.ID), zap.Error(err))
	t.add(func(r *Report) {
		r.Failed++
		r.RetryLater = true
	})
	d.notify(ctx, noticeFor(NoticePersistence, rec, err.Error(), d.now()))
	c.finish(rec, false)
}

func (d *Dispatcher) cacheOp(ctx context.Context, rec mutation.Record, op func() error) {
	if d.cache == nil {
		return
	}
	if err := op(); err != nil {
		d.logger.Warn("cache reconcile failed",
			zap.String("mutation_id", rec.ID),
			zap.String("entity", string(rec.Entity)),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) notify(ctx context.Context, n Notice) {
	if n.At.IsZero() {
		n.At = d.now()
	}
	d.notifier.Notify(ctx, n)
}

func noticeFor(kind NoticeKind, rec mutation.Record, msg string, at time.Time) Notice {
	return Notice{
		Kind:       kind,
		MutationID: rec.ID,
		Entity:     string(rec.Entity),
		ResourceID: rec.ResourceID.String(),
		Message:    msg,
		At:         at,
	}
}

func failureOf(err error) mutation.Failure {
	rerr := remote.AsError(err)
	msg := rerr.Message
	if msg == "" {
		msg = err.Error()
	}
	return mutation.Failure{Kind: rerr.Kind.String(), Code: rerr.Code, Message: msg}
}
