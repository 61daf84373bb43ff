package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/cache"
	"github.com/roach88/studysync/internal/canonical"
	"github.com/roach88/studysync/internal/connectivity"
	"github.com/roach88/studysync/internal/dispatch"
	"github.com/roach88/studysync/internal/engine"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/queue"
	"github.com/roach88/studysync/internal/remote"
	"github.com/roach88/studysync/internal/store"
	"github.com/roach88/studysync/internal/testutil"
)

const (
	namespace   = "scenario"
	defaultUser = "u-1"
)

// Option configures a run.
type Option func(*runner)

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *zap.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.logger = l
		}
	}
}

type runner struct {
	scenario *Scenario
	logger   *zap.Logger

	store     *store.Store
	queue     *queue.Store
	clock     *testutil.FakeClock
	authority *recordingAuthority
	gate      *connectivity.Gate
	breakers  *breaker.Registry
	engine    *engine.Engine
	notices   <-chan dispatch.Notice

	trace   *trace
	reports []dispatch.Report
}

// Run executes scenario against a fresh engine backed by a temporary
// SQLite store and evaluates its assertions.
//
// An error means the scenario could not run (store setup, a failed queue
// read). Assertion failures are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	dir, err := os.MkdirTemp("", "studysync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	r := &runner{
		scenario: scenario,
		logger:   zap.NewNop(),
		store:    st,
		clock:    testutil.NewFakeClock(),
		trace:    &trace{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.build(); err != nil {
		return nil, err
	}
	defer r.engine.Stop()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := r.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return r.finish(ctx)
}

func (r *runner) build() error {
	s := r.scenario

	scripted := testutil.NewScriptedAuthority()
	for action, replies := range s.Setup.Responses {
		for _, reply := range replies {
			scripted.Script(action, scriptedReply(reply))
		}
	}
	for _, rec := range s.Setup.Server {
		scripted.SetServerState(mutation.Entity(rec.Entity), rec.ID, rec.Record)
	}
	r.authority = &recordingAuthority{next: scripted, trace: r.trace}

	cfg := breaker.DefaultConfig()
	if b := s.Setup.Breaker; b != nil {
		if b.FailureThreshold > 0 {
			cfg.FailureThreshold = b.FailureThreshold
		}
		if b.SuccessThreshold > 0 {
			cfg.SuccessThreshold = b.SuccessThreshold
		}
		if b.ResetTimeout != "" {
			d, err := time.ParseDuration(b.ResetTimeout)
			if err != nil {
				return fmt.Errorf("setup.breaker.reset_timeout: %w", err)
			}
			cfg.ResetTimeout = d
		}
	}
	r.breakers = breaker.NewRegistry(cfg,
		breaker.WithClock(r.clock.Now),
		breaker.WithLogger(r.logger),
		breaker.WithFailurePredicate(dispatch.CountsAgainstBreaker),
	)

	workers := s.Workers
	if workers == 0 {
		workers = 1
	}
	dcfg := dispatch.DefaultConfig()
	dcfg.Workers = workers

	r.queue = queue.New(r.store, namespace, queue.WithLogger(r.logger))
	r.gate = connectivity.New(s.Setup.Online, connectivity.WithLogger(r.logger))
	r.engine = engine.New(engine.Deps{
		Queue:     r.queue,
		Authority: r.authority,
		Cache:     cache.New(r.store, namespace, cache.WithClock(r.clock.Now), cache.WithLogger(r.logger)),
		Journal:   r.store,
		Gate:      r.gate,
		Breakers:  r.breakers,
	},
		engine.WithLogger(r.logger),
		engine.WithClock(r.clock.Now),
		engine.WithIDGenerator(mutation.NewSequenceGenerator("m")),
		engine.WithDispatchConfig(dcfg),
		engine.WithBackoff(time.Millisecond, 10*time.Millisecond),
		engine.WithNoticeBuffer(256),
	)
	r.notices = r.engine.Notifications()
	return nil
}

func (r *runner) step(ctx context.Context, step Step) error {
	switch {
	case step.Enqueue != nil:
		r.enqueue(ctx, step.Enqueue)
	case step.Online:
		r.gate.Set(true)
		r.trace.addf("online")
	case step.Offline:
		r.gate.Set(false)
		r.trace.addf("offline")
	case step.Drain:
		return r.drain(ctx)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		r.trace.addf("advance %s", d)
	case step.CorruptQueue != "":
		if err := r.store.Put(ctx, queue.Key(namespace), []byte(step.CorruptQueue)); err != nil {
			return fmt.Errorf("corrupt queue: %w", err)
		}
		r.trace.addf("corrupt_queue %d bytes", len(step.CorruptQueue))
	}
	return nil
}

func (r *runner) enqueue(ctx context.Context, e *EnqueueStep) {
	user := r.scenario.Setup.User
	if user == "" {
		user = defaultUser
	}
	rec, err := r.engine.Enqueue(ctx, engine.Intent{
		Type:        mutation.Type(e.Type),
		Entity:      mutation.Entity(e.Entity),
		ResourceID:  mutation.ParseID(e.Resource),
		Payload:     mutation.Payload(e.Payload),
		UserID:      user,
		BaseVersion: e.BaseVersion,
	})
	if err != nil {
		r.trace.addf("enqueue %s %s refused: %v", e.Type, e.Entity, err)
		return
	}
	r.trace.addf("enqueue %s %s %s %s seq=%d", rec.ID, rec.Type, rec.Entity, rec.ResourceID, rec.Seq)
}

func (r *runner) drain(ctx context.Context) error {
	report, err := r.engine.DrainNow(ctx)
	if err != nil {
		var perr *queue.PersistenceError
		if errors.As(err, &perr) {
			r.trace.addf("drain failed: %v", err)
			r.flushNotices()
			return nil
		}
		return err
	}
	r.reports = append(r.reports, report)
	r.trace.addf("drain dispatched=%d succeeded=%d failed=%d resolved=%d abandoned=%d rejected=%d deferred=%d skipped=%d remaining=%d",
		report.Dispatched, report.Succeeded, report.Failed, report.Resolved, report.Abandoned,
		report.Rejected, report.Deferred, report.Skipped, report.Remaining)
	r.flushNotices()
	for _, snap := range r.breakers.Snapshot() {
		r.trace.addf("breaker %s %s", snap.Endpoint, snap.State)
	}
	return nil
}

// flushNotices moves delivered notices into the trace.
func (r *runner) flushNotices() {
	for {
		select {
		case n := <-r.notices:
			r.trace.addf("notice %s %s: %s", n.Kind, n.MutationID, n.Message)
		default:
			return
		}
	}
}

func (r *runner) finish(ctx context.Context) (*Result, error) {
	records, err := r.queue.DequeueAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read final queue: %w", err)
	}
	if len(records) == 0 {
		r.trace.addf("queue empty")
	}
	for _, rec := range records {
		line := fmt.Sprintf("queue %s %s %s %s status=%s attempts=%d", rec.ID, rec.Type, rec.Entity, rec.ResourceID, rec.Status, rec.Attempts)
		if rec.LastError != nil {
			line += " error=" + rec.LastError.Kind
		}
		r.trace.addf("%s", line)
	}

	_, err = r.store.Get(ctx, queue.Key(namespace))
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.trace.addf("queue key absent")
	case err != nil:
		return nil, fmt.Errorf("read queue key: %w", err)
	default:
		r.trace.addf("queue key present")
	}

	resolutions, err := r.store.ListResolutions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	for _, res := range resolutions {
		r.trace.addf("journal %s %s %s %s %s: %s", res.MutationID, res.Type, res.Entity, res.ResourceID, res.Outcome, res.Detail)
	}

	result := NewResult()
	result.Trace = r.trace.snapshot()
	result.Calls = r.authority.calls()
	result.Reports = r.reports
	result.Queue = records
	result.Breakers = r.breakers.Snapshot()

	for _, a := range r.scenario.Assertions {
		if err := evaluate(result, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func scriptedReply(r Response) testutil.Reply {
	if r.Error == "" {
		return testutil.Ok(r.Data)
	}
	msg := r.Message
	if msg == "" {
		msg = strings.ReplaceAll(r.Error, "_", " ")
	}
	return testutil.Fail(&remote.Error{
		Kind:    errorKinds[r.Error],
		Code:    errorCodes[r.Error],
		Message: msg,
		Current: r.Current,
	})
}

var errorCodes = map[string]string{
	"conflict":   remote.CodeConflict,
	"validation": remote.CodeValidation,
	"not_found":  remote.CodeNotFound,
	"server":     remote.CodeInternal,
}

// recordingAuthority logs every call and its outcome to the trace.
type recordingAuthority struct {
	next  *testutil.ScriptedAuthority
	trace *trace
}

func (a *recordingAuthority) Call(ctx context.Context, req remote.Request) (*remote.Response, error) {
	resp, err := a.next.Call(ctx, req)
	a.trace.addf("call %s -> %s", describeRequest(req), outcome(resp, err))
	return resp, err
}

func (a *recordingAuthority) Fetch(ctx context.Context, req remote.FetchRequest) (*remote.Response, error) {
	resp, err := a.next.Fetch(ctx, req)
	a.trace.addf("fetch %s %s -> %s", remote.FetchAction(req.Entity), req.ResourceID, outcome(resp, err))
	return resp, err
}

func (a *recordingAuthority) calls() []remote.Request {
	return a.next.Calls()
}

func describeRequest(req remote.Request) string {
	var b strings.Builder
	b.WriteString(req.Action)
	b.WriteByte(' ')
	b.WriteString(req.ResourceID)
	if req.BaseVersion != 0 {
		fmt.Fprintf(&b, " base=%d", req.BaseVersion)
	}
	if len(req.Body) > 0 {
		body, err := canonical.Marshal(map[string]any(req.Body))
		if err != nil {
			body = []byte(fmt.Sprintf("<%v>", err))
		}
		b.WriteByte(' ')
		b.Write(body)
	}
	return b.String()
}

func outcome(resp *remote.Response, err error) string {
	if err != nil {
		return remote.KindOf(err).String()
	}
	if resp != nil && resp.ID != "" {
		return "ok id=" + resp.ID
	}
	return "ok"
}
