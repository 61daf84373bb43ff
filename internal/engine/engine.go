package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/conflict"
	"github.com/roach88/studysync/internal/connectivity"
	"github.com/roach88/studysync/internal/dispatch"
	"github.com/roach88/studysync/internal/idmap"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/queue"
	"github.com/roach88/studysync/internal/remote"
	"github.com/roach88/studysync/internal/schema"
	"github.com/roach88/studysync/internal/store"
)

const (
	// DefaultInterval is how often Run drains without any other trigger.
	DefaultInterval = time.Minute

	// DefaultRetryMin and DefaultRetryMax bound the backoff timer armed
	// after a drain leaves retryable work behind.
	DefaultRetryMin = time.Second
	DefaultRetryMax = 5 * time.Minute

	// enqueueAttempts bounds durable append retries.
	enqueueAttempts = 3

	defaultNoticeBuffer = 16
)

// Queue is the durable queue. *queue.Store implements it.
type Queue interface {
	dispatch.Queue
	Enqueue(ctx context.Context, rec mutation.Record) error
	Get(ctx context.Context, id string) (mutation.Record, error)
}

// Cache is the query cache. *cache.Reconciler implements it.
type Cache interface {
	dispatch.Cache
	ApplyOptimistic(ctx context.Context, entity mutation.Entity, id string, payload mutation.Payload) error
}

// Validator checks payloads before they are queued. *schema.Validator
// implements it.
type Validator interface {
	Validate(t mutation.Type, entity mutation.Entity, payload mutation.Payload) error
}

// Intent is a user action before it becomes a queued mutation.
type Intent struct {
	Type   mutation.Type
	Entity mutation.Entity

	// ResourceID targets the entity. A CREATE with a zero ResourceID gets
	// a fresh temporary id.
	ResourceID mutation.ID

	Payload     mutation.Payload
	UserID      string
	BaseVersion int64
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Queue     Queue
	Authority remote.Authority
	Cache     Cache
	Journal   conflict.Journal
	Gate      *connectivity.Gate
	Breakers  *breaker.Registry
	IDs       *idmap.Resolver
	Validator Validator
}

// Engine owns enqueueing and the drain loop.
//
// Thread-safety model:
//   - Enqueue, Trigger, Foreground, Retry, Discard: safe from any goroutine
//   - Run: at most one at a time
type Engine struct {
	queue      Queue
	cache      Cache
	journal    conflict.Journal
	gate       *connectivity.Gate
	validator  Validator
	dispatcher *dispatch.Dispatcher

	logger       *zap.Logger
	now          func() time.Time
	idGen        mutation.IDGenerator
	interval     time.Duration
	retryMin     time.Duration
	retryMax     time.Duration
	dispatchCfg  dispatch.Config
	noticeBuffer int

	seqMu     sync.Mutex
	seq       *Clock
	seqPrimed bool

	triggers  *triggerQueue
	running   atomic.Bool
	listening atomic.Bool
	notices   chan dispatch.Notice
	stopped   chan struct{}
	stopOnce  sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. It is shared with the dispatcher
// and conflict resolver the engine builds.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the wall-clock source for createdAt and notices.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the UUIDv7 record id generator.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.idGen = g
		}
	}
}

// WithInterval sets the periodic drain interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithBackoff bounds the retry timer and the pause between enqueue write
// attempts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if minDelay > 0 {
			e.retryMin = minDelay
		}
		if maxDelay >= e.retryMin {
			e.retryMax = maxDelay
		}
	}
}

// WithDispatchConfig sets the dispatcher's workers, call timeout and retry
// budget.
func WithDispatchConfig(cfg dispatch.Config) Option {
	return func(e *Engine) { e.dispatchCfg = cfg }
}

// WithNoticeBuffer sizes the Notifications channel.
func WithNoticeBuffer(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.noticeBuffer = n
		}
	}
}

// New creates an engine and the dispatcher it drives. A nil Gate means
// always online; a nil Validator uses the embedded entity schemas.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		queue:        deps.Queue,
		cache:        deps.Cache,
		journal:      deps.Journal,
		gate:         deps.Gate,
		validator:    deps.Validator,
		logger:       zap.NewNop(),
		now:          time.Now,
		idGen:        mutation.UUIDv7Generator{},
		interval:     DefaultInterval,
		retryMin:     DefaultRetryMin,
		retryMax:     DefaultRetryMax,
		dispatchCfg:  dispatch.DefaultConfig(),
		noticeBuffer: defaultNoticeBuffer,
		seq:          NewClock(),
		triggers:     newTriggerQueue(),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gate == nil {
		e.gate = connectivity.New(true, connectivity.WithLogger(e.logger))
	}
	if e.validator == nil {
		e.validator = schema.MustNew()
	}
	e.notices = make(chan dispatch.Notice, e.noticeBuffer)

	resolver := conflict.New(deps.Authority, deps.Journal,
		conflict.WithLogger(e.logger),
		conflict.WithClock(e.now),
	)
	dispatchOpts := []dispatch.Option{
		dispatch.WithConfig(e.dispatchCfg),
		dispatch.WithLogger(e.logger),
		dispatch.WithClock(e.now),
		dispatch.WithNotifier(e),
		dispatch.WithOnline(e.gate.IsOnline),
	}
	e.dispatcher = dispatch.New(dispatch.Deps{
		Queue:     deps.Queue,
		Authority: deps.Authority,
		Breakers:  deps.Breakers,
		IDs:       deps.IDs,
		Cache:     deps.Cache,
		Conflicts: resolver,
	}, dispatchOpts...)
	return e
}

// Dispatcher returns the dispatcher the engine drives.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Gate returns the connectivity gate.
func (e *Engine) Gate() *connectivity.Gate { return e.gate }

// Enqueue turns intent into a durable mutation. It never waits on the
// network: once the record is stored and optimistic state applied, a drain
// is requested if the device is online and Enqueue returns.
//
// A write that still fails after retries returns *queue.PersistenceError
// and leaves no optimistic state behind.
func (e *Engine) Enqueue(ctx context.Context, intent Intent) (mutation.Record, error) {
	select {
	case <-e.stopped:
		return mutation.Record{}, ErrStopped
	default:
	}

	rec, err := e.recordFor(intent)
	if err != nil {
		return mutation.Record{}, err
	}
	if err := e.validator.Validate(rec.Type, rec.Entity, rec.Payload); err != nil {
		return mutation.Record{}, err
	}

	seq, err := e.nextSeq(ctx)
	if err != nil {
		return mutation.Record{}, err
	}
	rec.Seq = seq

	if err := e.append(ctx, rec); err != nil {
		return mutation.Record{}, err
	}

	e.logger.Debug("mutation enqueued",
		zap.String("mutation_id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("entity", string(rec.Entity)),
		zap.String("resource_id", rec.ResourceID.String()),
		zap.Int64("seq", rec.Seq),
	)

	e.applyOptimistic(ctx, rec)

	if e.gate.IsOnline() {
		e.triggers.Push(ReasonEnqueue)
	}
	return rec, nil
}

func (e *Engine) recordFor(intent Intent) (mutation.Record, error) {
	if intent.UserID == "" {
		return mutation.Record{}, &IntentError{Field: "userId", Message: "required"}
	}
	if !intent.Type.Valid() {
		return mutation.Record{}, &IntentError{Field: "type", Message: fmt.Sprintf("unknown type %q", intent.Type)}
	}
	if !intent.Entity.Valid() {
		return mutation.Record{}, &IntentError{Field: "entity", Message: fmt.Sprintf("unknown entity %q", intent.Entity)}
	}

	resource := intent.ResourceID
	switch {
	case intent.Type == mutation.TypeCreate && resource.IsZero():
		resource = mutation.NewTemporary(intent.Entity)
	case intent.Type == mutation.TypeCreate && !resource.IsTemporary():
		return mutation.Record{}, &IntentError{Field: "resourceId", Message: "a create targets a temporary id"}
	case resource.IsZero():
		return mutation.Record{}, &IntentError{Field: "resourceId", Message: "required"}
	}

	return mutation.Record{
		ID:          e.idGen.Generate(),
		Type:        intent.Type,
		Entity:      intent.Entity,
		ResourceID:  resource,
		Payload:     mutation.TagTempRefs(mutation.ClonePayload(intent.Payload)),
		UserID:      intent.UserID,
		CreatedAt:   e.now(),
		BaseVersion: intent.BaseVersion,
		Status:      mutation.StatusPending,
	}, nil
}

// nextSeq primes the sequence clock from the queue on first use.
func (e *Engine) nextSeq(ctx context.Context) (int64, error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	if !e.seqPrimed {
		records, err := e.queue.DequeueAll(ctx)
		if err != nil {
			return 0, err
		}
		for _, rec := range records {
			e.seq.Advance(rec.Seq)
		}
		e.seqPrimed = true
	}
	return e.seq.Next(), nil
}

func (e *Engine) append(ctx context.Context, rec mutation.Record) error {
	op := func() error {
		err := e.queue.Enqueue(ctx, rec)
		if err != nil && !queue.IsPersistenceError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), enqueueAttempts-1), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		e.logger.Warn("enqueue write failed, retrying",
			zap.String("mutation_id", rec.ID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (e *Engine) applyOptimistic(ctx context.Context, rec mutation.Record) {
	if e.cache == nil {
		return
	}
	var err error
	if rec.Type == mutation.TypeDelete {
		err = e.cache.Remove(ctx, rec.Entity, rec.ResourceID.String())
	} else {
		err = e.cache.ApplyOptimistic(ctx, rec.Entity, rec.ResourceID.String(), rec.Payload)
	}
	if err != nil {
		e.logger.Warn("optimistic cache update failed",
			zap.String("mutation_id", rec.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryMin
	b.MaxInterval = e.retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Trigger requests a drain.
func (e *Engine) Trigger() { e.triggers.Push(ReasonManual) }

// Foreground requests a drain because the app came to the foreground.
func (e *Engine) Foreground() { e.triggers.Push(ReasonForeground) }

// DrainNow runs one drain synchronously, bypassing the trigger queue. It
// returns dispatch.ErrDrainInProgress when Run is already draining.
func (e *Engine) DrainNow(ctx context.Context) (dispatch.Report, error) {
	return e.dispatcher.Drain(ctx)
}

// Run is the drain loop. It blocks until ctx is cancelled or Stop is
// called. Only one Run may be active.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.logger.Info("engine starting", zap.Duration("interval", e.interval))

	edges, unsubscribe := e.gate.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	retry := newRetryTimer(e.newBackOff())
	defer retry.stop()

	if e.gate.IsOnline() {
		e.triggers.Push(ReasonStart)
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.Stop()
			return ctx.Err()

		case _, ok := <-e.triggers.Wait():
			if !ok {
				e.logger.Info("engine stopping: stopped")
				return nil
			}

		case online, ok := <-edges:
			if !ok {
				edges = nil
				continue
			}
			if online {
				e.triggers.Push(ReasonReconnect)
			}
			continue

		case <-ticker.C:
			e.triggers.Push(ReasonInterval)
			continue

		case <-retry.C():
			retry.fired()
			e.triggers.Push(ReasonRetry)
			continue
		}

		reasons := e.triggers.Take()
		if len(reasons) == 0 {
			continue
		}
		if !e.gate.IsOnline() {
			e.logger.Debug("drain skipped: offline", zap.Any("reasons", reasons))
			continue
		}

		e.logger.Debug("drain triggered", zap.Any("reasons", reasons))
		report, err := e.dispatcher.Drain(ctx)
		switch {
		case ctx.Err() != nil:
			continue
		case errors.Is(err, dispatch.ErrDrainInProgress):
			continue
		case err != nil:
			e.logger.Error("drain failed", zap.Error(err))
			retry.schedule()
		case report.RetryLater:
			retry.schedule()
		default:
			retry.reset()
		}
	}
}

// Stop ends Run and unblocks pending notice deliveries. Enqueue fails with
// ErrStopped afterwards.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.triggers.Close()
	})
}

// Retry puts a surfaced or failed mutation back in rotation with a fresh
// retry budget.
func (e *Engine) Retry(ctx context.Context, id string) error {
	rec, err := e.queue.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	switch rec.Status {
	case mutation.StatusRejected, mutation.StatusAbandoned, mutation.StatusFailed:
	default:
		return &StateError{MutationID: id, Status: rec.Status, Action: "retry"}
	}

	patch := mutation.SetStatus(mutation.StatusPending).WithAttempts(0).WithoutError()
	if err := e.queue.Update(ctx, id, patch); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	e.logger.Info("mutation retried by user", zap.String("mutation_id", id))
	if e.gate.IsOnline() {
		e.triggers.Push(ReasonManual)
	}
	return nil
}

// Discard removes a mutation the user chose to give up on. The removal is
// journaled and the optimistic cache state for the resource is dropped.
func (e *Engine) Discard(ctx context.Context, id string) error {
	rec, err := e.queue.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	if rec.Status == mutation.StatusInFlight && e.dispatcher.Draining() {
		return &StateError{MutationID: id, Status: rec.Status, Action: "discard"}
	}

	if err := e.queue.Remove(ctx, id); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}

	detail := "discarded by user"
	if rec.LastError != nil {
		detail = "discarded by user after: " + rec.LastError.Message
	}
	e.logger.Info("mutation discarded",
		zap.String("mutation_id", id),
		zap.String("status", string(rec.Status)),
	)
	if e.journal != nil {
		err := e.journal.AppendResolution(ctx, store.Resolution{
			MutationID: rec.ID,
			Entity:     string(rec.Entity),
			ResourceID: rec.ResourceID.String(),
			Type:       string(rec.Type),
			Outcome:    store.OutcomeDiscarded,
			Detail:     detail,
			At:         e.now(),
		})
		if err != nil {
			e.logger.Error("journal discard", zap.String("mutation_id", id), zap.Error(err))
		}
	}

	if e.cache != nil {
		var err error
		if rec.Type == mutation.TypeCreate {
			err = e.cache.Remove(ctx, rec.Entity, rec.ResourceID.String())
		} else {
			err = e.cache.Invalidate(ctx, rec.Entity)
		}
		if err != nil {
			e.logger.Warn("cache cleanup after discard failed", zap.String("mutation_id", id), zap.Error(err))
		}
	}
	return nil
}

// Pending returns every queued mutation in FIFO order, including surfaced
// ones.
func (e *Engine) Pending(ctx context.Context) ([]mutation.Record, error) {
	return e.queue.DequeueAll(ctx)
}

// Notifications returns the notice stream. Until it is first called,
// notices are only logged. Once a listener exists, a full channel blocks
// the sender until its context ends or the engine stops; the notice is
// then logged instead.
func (e *Engine) Notifications() <-chan dispatch.Notice {
	e.listening.Store(true)
	return e.notices
}

// Notify implements dispatch.Notifier.
func (e *Engine) Notify(ctx context.Context, n dispatch.Notice) {
	if n.At.IsZero() {
		n.At = e.now()
	}
	if !e.listening.Load() {
		e.logNotice("sync notice", n)
		return
	}
	select {
	case e.notices <- n:
	case <-ctx.Done():
		e.logNotice("sync notice undelivered", n)
	case <-e.stopped:
		e.logNotice("sync notice undelivered", n)
	}
}

func (e *Engine) logNotice(msg string, n dispatch.Notice) {
	e.logger.Warn(msg,
		zap.String("kind", string(n.Kind)),
		zap.String("mutation_id", n.MutationID),
		zap.String("entity", n.Entity),
		zap.String("resource_id", n.ResourceID),
		zap.String("message", n.Message),
	)
}

// retryTimer is the backoff timer armed after a drain leaves retryable
// work. Each schedule without an intervening reset waits longer.
type retryTimer struct {
	b     *backoff.ExponentialBackOff
	timer *time.Timer
	armed bool
}

func newRetryTimer(b *backoff.ExponentialBackOff) *retryTimer {
	return &retryTimer{b: b}
}

// C returns the timer channel, or nil when not armed.
func (r *retryTimer) C() <-chan time.Time {
	if !r.armed {
		return nil
	}
	return r.timer.C
}

func (r *retryTimer) schedule() {
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		d = r.b.MaxInterval
	}
	if r.timer == nil {
		r.timer = time.NewTimer(d)
	} else {
		r.timer.Stop()
		r.timer.Reset(d)
	}
	r.armed = true
}

func (r *retryTimer) fired() { r.armed = false }

func (r *retryTimer) reset() {
	r.b.Reset()
	r.stop()
}

func (r *retryTimer) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.armed = false
}
