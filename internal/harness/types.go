package harness

import (
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/dispatch"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/remote"
)

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace is the event log, one line per event.
	Trace []string `json:"trace"`

	// Errors holds assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Calls is every authority call in arrival order.
	Calls []remote.Request `json:"calls"`

	// Reports holds the report of each drain step.
	Reports []dispatch.Report `json:"reports"`

	// Queue is the queue after the last step.
	Queue []mutation.Record `json:"queue"`

	// Breakers is the breaker state after the last step.
	Breakers []breaker.Snapshot `json:"breakers"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []string{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Text renders the trace as the golden file content.
func (r *Result) Text(name string) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario %s\n", name)
	for _, line := range r.Trace {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}

// trace collects lines from the runner and from authority calls, which
// may arrive from dispatch workers.
type trace struct {
	mu    sync.Mutex
	lines []string
}

func (t *trace) addf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

func (t *trace) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
