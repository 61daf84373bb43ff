package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/remote"
)

// Reply is one scripted outcome for a remote call.
type Reply struct {
	Data map[string]any
	Err  error
}

// Ok scripts a success carrying data.
func Ok(data map[string]any) Reply { return Reply{Data: data} }

// Fail scripts a failure.
func Fail(err error) Reply { return Reply{Err: err} }

// NetworkError is a transport failure that never reached the authority.
func NetworkError() error {
	return &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
}

// ServerError is a 5xx response.
func ServerError() error {
	return &remote.Error{Kind: remote.KindServer, Code: remote.CodeInternal, Status: 500, Message: "internal error"}
}

// ConflictError is a CONFLICT response carrying the server's current copy.
func ConflictError(current map[string]any) error {
	return &remote.Error{Kind: remote.KindConflict, Code: remote.CodeConflict, Status: 409, Message: "version conflict", Current: current}
}

// ValidationError is a VALIDATION_ERROR response.
func ValidationError(msg string) error {
	return &remote.Error{Kind: remote.KindValidation, Code: remote.CodeValidation, Status: 422, Message: msg}
}

// NotFoundError is a NOT_FOUND response.
func NotFoundError() error {
	return &remote.Error{Kind: remote.KindNotFound, Code: remote.CodeNotFound, Status: 404, Message: "not found"}
}

// ScriptedAuthority is an in-memory remote.Authority. Replies are scripted
// per action and consumed in order; an action with no script left succeeds
// with a synthesised record. Every call is recorded.
type ScriptedAuthority struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	sticky   map[string]Reply
	server   map[string]map[string]any
	calls    []remote.Request
	fetches  []remote.FetchRequest
	nextID   int
	inFlight int
	peak     int

	// OnCall, when set, runs before each call is answered. Returning an
	// error fails the call with it. Tests use it to block calls.
	OnCall func(ctx context.Context, req remote.Request) error
}

var _ remote.Authority = (*ScriptedAuthority)(nil)

// NewScriptedAuthority creates an authority that accepts everything.
func NewScriptedAuthority() *ScriptedAuthority {
	return &ScriptedAuthority{
		scripts: make(map[string][]Reply),
		sticky:  make(map[string]Reply),
		server:  make(map[string]map[string]any),
	}
}

// Script queues replies for an action ("create-assignment").
func (a *ScriptedAuthority) Script(action string, replies ...Reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[action] = append(a.scripts[action], replies...)
}

// Always answers every call to action with r once its script runs out.
func (a *ScriptedAuthority) Always(action string, r Reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sticky[action] = r
}

// Clear drops every script and sticky reply.
func (a *ScriptedAuthority) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = make(map[string][]Reply)
	a.sticky = make(map[string]Reply)
}

// SetServerState sets what Fetch returns for a resource. A nil record makes
// the resource absent.
func (a *ScriptedAuthority) SetServerState(entity mutation.Entity, id string, record map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := string(entity) + "/" + id
	if record == nil {
		delete(a.server, key)
		return
	}
	a.server[key] = record
}

// Call implements remote.Authority.
func (a *ScriptedAuthority) Call(ctx context.Context, req remote.Request) (*remote.Response, error) {
	if req.Action == "" {
		req.Action = remote.Action(req.Type, req.Entity)
	}

	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.inFlight++
	if a.inFlight > a.peak {
		a.peak = a.inFlight
	}
	hook := a.OnCall
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reply, ok := a.next(req.Action)
	if !ok {
		return remote.NewResponse(a.synthesise(req)), nil
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return remote.NewResponse(reply.Data), nil
}

// Fetch implements remote.Authority.
func (a *ScriptedAuthority) Fetch(ctx context.Context, req remote.FetchRequest) (*remote.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches = append(a.fetches, req)

	if reply, ok := a.next(remote.FetchAction(req.Entity)); ok {
		if reply.Err != nil {
			return nil, reply.Err
		}
		return remote.NewResponse(reply.Data), nil
	}
	record, ok := a.server[string(req.Entity)+"/"+req.ResourceID]
	if !ok {
		return nil, NotFoundError()
	}
	return remote.NewResponse(mutation.ClonePayload(record)), nil
}

func (a *ScriptedAuthority) next(action string) (Reply, bool) {
	if queue := a.scripts[action]; len(queue) > 0 {
		a.scripts[action] = queue[1:]
		return queue[0], true
	}
	r, ok := a.sticky[action]
	return r, ok
}

func (a *ScriptedAuthority) synthesise(req remote.Request) map[string]any {
	data := make(map[string]any, len(req.Body)+2)
	for k, v := range req.Body {
		data[k] = v
	}
	if req.Type == mutation.TypeCreate {
		a.nextID++
		data["id"] = fmt.Sprintf("srv-%s-%d", req.Entity, a.nextID)
	} else {
		data["id"] = req.ResourceID
	}
	data["version"] = req.BaseVersion + 1
	return data
}

// Calls returns every mutation call in arrival order.
func (a *ScriptedAuthority) Calls() []remote.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]remote.Request, len(a.calls))
	copy(out, a.calls)
	return out
}

// Actions returns "<action> <resourceId>" for every call, in arrival order.
func (a *ScriptedAuthority) Actions() []string {
	calls := a.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Action + " " + c.ResourceID
	}
	return out
}

// CallCount returns how many times action was called.
func (a *ScriptedAuthority) CallCount(action string) int {
	n := 0
	for _, c := range a.Calls() {
		if c.Action == action {
			n++
		}
	}
	return n
}

// Fetches returns every fetch in arrival order.
func (a *ScriptedAuthority) Fetches() []remote.FetchRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]remote.FetchRequest, len(a.fetches))
	copy(out, a.fetches)
	return out
}

// PeakInFlight is the highest number of concurrent calls observed.
func (a *ScriptedAuthority) PeakInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}
