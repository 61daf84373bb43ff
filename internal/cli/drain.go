package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/connectivity"
	"github.com/roach88/studysync/internal/dispatch"
	"github.com/roach88/studysync/internal/remote"
)

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay the queue once",
		Long: `Run one drain cycle against the remote authority and print its report.

When a probe URL is configured it is checked first; an unreachable
authority skips the drain. Exits 1 when the drain left rejected or
abandoned mutations that need a retry or discard.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
	return cmd
}

// drainResult is the outcome of the drain command.
type drainResult struct {
	Online  bool              `json:"online"`
	Report  dispatch.Report   `json:"report"`
	Notices []dispatch.Notice `json:"notices"`

	// Latency is the round-trip summary per action for calls made by this
	// drain.
	Latency map[string]remote.Latency `json:"latency,omitempty"`
}

func (r drainResult) renderText(w io.Writer) {
	if !r.Online {
		fmt.Fprintln(w, "Offline: drain skipped.")
		return
	}
	rep := r.Report
	fmt.Fprintf(w, "Dispatched %d: %d succeeded, %d failed, %d rejected, %d resolved, %d abandoned, %d deferred, %d skipped\n",
		rep.Dispatched, rep.Succeeded, rep.Failed, rep.Rejected, rep.Resolved, rep.Abandoned, rep.Deferred, rep.Skipped)
	fmt.Fprintf(w, "Remaining in queue: %d\n", rep.Remaining)
	if rep.RetryLater {
		fmt.Fprintln(w, "Some mutations will be retried later.")
	}
	for _, n := range r.Notices {
		fmt.Fprintf(w, "[%s] %s %s %s: %s\n", n.Kind, n.MutationID, n.Entity, n.ResourceID, n.Message)
	}
	if len(r.Latency) == 0 {
		return
	}
	actions := make([]string, 0, len(r.Latency))
	for action := range r.Latency {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for _, action := range actions {
		l := r.Latency[action]
		fmt.Fprintf(w, "%s: %d call(s), avg %s, p95 %s\n", action, l.Count, l.Avg, l.P95)
	}
}

func runDrain(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	e, err := openEnv(opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	if target := e.cfg.ProbeTarget(); target != "" {
		prober := connectivity.NewProber(e.gate, target, e.cfg.Connectivity.ProbeInterval,
			connectivity.WithProberLogger(e.logger),
		)
		if !prober.Probe(ctx) {
			f.VerboseLog("probe of %s failed", target)
			return f.Success(drainResult{Online: false, Notices: []dispatch.Notice{}})
		}
	}

	notices := e.engine.Notifications()
	var collected []dispatch.Notice
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case n := <-notices:
				collected = append(collected, n)
			case <-stop:
				for {
					select {
					case n := <-notices:
						collected = append(collected, n)
					default:
						return
					}
				}
			}
		}
	}()

	report, err := e.engine.DrainNow(ctx)
	close(stop)
	<-finished
	if err != nil {
		return f.fail(ExitFailure, ErrCodeDrain, "drain failed", err)
	}

	if collected == nil {
		collected = []dispatch.Notice{}
	}
	result := drainResult{Online: true, Report: report, Notices: collected}
	if e.client != nil {
		result.Latency = e.client.Latency().All()
	}
	if err := f.Success(result); err != nil {
		return err
	}
	if surfaced := report.Rejected + report.Abandoned; surfaced > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) need attention", surfaced))
	}
	return nil
}
