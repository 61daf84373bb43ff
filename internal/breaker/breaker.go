// Package breaker guards remote endpoints with a three-state circuit breaker.
//
// Each logical endpoint ("create-assignment", "update-course", ...) gets its
// own Breaker, created lazily by a Registry that the caller constructs and
// injects. Breaker state lives in memory only; a fresh process always starts
// closed.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	eventTrip    = "trip"
	eventProbe   = "probe"
	eventRecover = "recover"
)

// maxProbes bounds concurrent calls let through while half-open.
const maxProbes = 1

// Config holds breaker thresholds. Zero fields take DefaultConfig values.
type Config struct {
	FailureThreshold int           `toml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `toml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `toml:"timeout" json:"timeout"`
	ResetTimeout     time.Duration `toml:"reset_timeout" json:"reset_timeout"`
}

// DefaultConfig returns the stock thresholds: open after 5 failures, close
// after 2 half-open successes, 10s per call, 30s cool-down.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// CircuitOpenError is returned without calling the endpoint while the
// breaker is open, or while a half-open probe is already running.
type CircuitOpenError struct {
	Endpoint string

	// Remaining is the cool-down left before a probe is allowed. Zero when
	// the breaker is half-open and busy probing.
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry in %s", e.Endpoint, e.Remaining)
}

// IsCircuitOpen reports whether err wraps a *CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Endpoint     string    `json:"endpoint"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	Config       Config    `json:"config"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFailurePredicate decides which errors count against the breaker.
// By default every non-nil error counts. An error the predicate rejects
// resets the consecutive failure count while closed, but a half-open probe
// only counts toward closing when it returns nil.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// Breaker is a single endpoint's circuit breaker. Safe for concurrent use.
type Breaker struct {
	endpoint  string
	now       func() time.Time
	logger    *zap.Logger
	isFailure func(error) bool

	mu           sync.Mutex
	cfg          Config
	machine      *fsm.FSM
	failureCount int
	successCount int
	lastFailure  time.Time
	probing      int
}

// New creates a closed breaker for endpoint.
func New(endpoint string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		endpoint:  endpoint,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    zap.NewNop(),
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}

	b.machine = fsm.NewFSM(
		string(StateClosed),
		fsm.Events{
			{Name: eventTrip, Src: []string{string(StateClosed), string(StateHalfOpen)}, Dst: string(StateOpen)},
			{Name: eventProbe, Src: []string{string(StateOpen)}, Dst: string(StateHalfOpen)},
			{Name: eventRecover, Src: []string{string(StateHalfOpen)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.logger.Info("circuit breaker transition",
					zap.String("endpoint", b.endpoint),
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
					zap.String("event", e.Event),
				)
			},
		},
	)
	return b
}

// Endpoint returns the endpoint name.
func (b *Breaker) Endpoint() string { return b.endpoint }

// State returns the current state. An open breaker whose cool-down has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State(b.machine.Current())
}

// Execute runs fn if the breaker allows it. fn receives a context bounded by
// Config.Timeout. While open, Execute returns *CircuitOpenError without
// calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.before(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config().Timeout)
	defer cancel()

	err = fn(callCtx)
	b.after(ctx, err, probe)
	return err
}

func (b *Breaker) before(ctx context.Context) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := State(b.machine.Current())
	if state == StateOpen {
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed <= b.cfg.ResetTimeout {
			return false, &CircuitOpenError{Endpoint: b.endpoint, Remaining: b.cfg.ResetTimeout - elapsed}
		}
		b.fire(ctx, eventProbe)
		b.successCount = 0
		state = StateHalfOpen
	}

	if state == StateHalfOpen {
		if b.probing >= maxProbes {
			return false, &CircuitOpenError{Endpoint: b.endpoint}
		}
		b.probing++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) after(ctx context.Context, err error, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.probing > 0 {
		b.probing--
	}
	failed := err != nil && b.isFailure(err)

	switch State(b.machine.Current()) {
	case StateClosed:
		if !failed {
			b.failureCount = 0
			return
		}
		b.failureCount++
		b.lastFailure = b.now()
		if b.failureCount >= b.cfg.FailureThreshold {
			b.fire(ctx, eventTrip)
		}

	case StateHalfOpen:
		if failed {
			b.lastFailure = b.now()
			b.successCount = 0
			b.fire(ctx, eventTrip)
			return
		}
		if err != nil {
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.fire(ctx, eventRecover)
			b.failureCount = 0
			b.successCount = 0
		}

	case StateOpen:
		// A call admitted before another caller tripped the breaker.
		if failed {
			b.lastFailure = b.now()
		}
	}
}

// fire triggers an fsm event. Callers hold b.mu.
func (b *Breaker) fire(ctx context.Context, event string) {
	if err := b.machine.Event(ctx, event); err != nil {
		b.logger.Warn("circuit breaker rejected transition",
			zap.String("endpoint", b.endpoint),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machine.SetState(string(StateClosed))
	b.failureCount = 0
	b.successCount = 0
	b.probing = 0
	b.lastFailure = time.Time{}
	b.logger.Info("circuit breaker reset", zap.String("endpoint", b.endpoint))
}

// Open forces the breaker open, starting a fresh cool-down.
func (b *Breaker) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machine.SetState(string(StateOpen))
	b.lastFailure = b.now()
	b.successCount = 0
	b.logger.Info("circuit breaker forced open", zap.String("endpoint", b.endpoint))
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Endpoint:     b.endpoint,
		State:        State(b.machine.Current()),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
		Config:       b.cfg,
	}
}

func (b *Breaker) config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Breaker) setConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.withDefaults()
}
