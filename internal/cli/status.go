package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/mutation"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the queue and breaker settings",
		Long: `Show how many mutations are queued in each status, how many need the
user's attention, the size of the conflict journal and the circuit breaker
thresholds in effect for each configured endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

// statusReport is the status command result.
type statusReport struct {
	Store     string             `json:"store"`
	Remote    string             `json:"remote,omitempty"`
	Total     int                `json:"total"`
	ByStatus  map[string]int     `json:"by_status"`
	Attention int                `json:"attention"`
	Journal   int                `json:"journal"`
	Breakers  []breaker.Snapshot `json:"breakers"`
}

func (s statusReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "Store:     %s\n", s.Store)
	if s.Remote != "" {
		fmt.Fprintf(w, "Remote:    %s\n", s.Remote)
	}
	fmt.Fprintf(w, "Queued:    %d\n", s.Total)

	statuses := make([]string, 0, len(s.ByStatus))
	for st := range s.ByStatus {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(w, "  %-11s %d\n", st, s.ByStatus[st])
	}
	fmt.Fprintf(w, "Attention: %d\n", s.Attention)
	fmt.Fprintf(w, "Journal:   %d\n", s.Journal)

	if len(s.Breakers) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tSTATE\tFAILURES\tRESET AFTER")
	for _, b := range s.Breakers {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", b.Endpoint, b.State, b.FailureCount, b.Config.FailureThreshold, b.Config.ResetTimeout)
	}
	_ = tw.Flush()
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	e, err := openEnv(opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	records, err := e.engine.Pending(ctx)
	if err != nil {
		return f.fail(ExitFailure, ErrCodeStore, "failed to read queue", err)
	}
	entries, err := e.store.ListResolutions(ctx, 0)
	if err != nil {
		return f.fail(ExitFailure, ErrCodeStore, "failed to read journal", err)
	}

	report := statusReport{
		Store:    e.cfg.Storage.Path,
		Remote:   e.cfg.Remote.BaseURL,
		Total:    len(records),
		ByStatus: map[string]int{},
		Journal:  len(entries),
	}
	for _, rec := range records {
		report.ByStatus[string(rec.Status)]++
		if rec.Status.Surfaced() {
			report.Attention++
		}
	}
	for _, st := range []mutation.Status{mutation.StatusPending, mutation.StatusFailed} {
		if _, ok := report.ByStatus[string(st)]; !ok {
			report.ByStatus[string(st)] = 0
		}
	}

	for endpoint := range e.cfg.Breaker.Endpoints {
		e.breakers.Get(endpoint)
	}
	report.Breakers = e.breakers.Snapshot()
	return f.Success(report)
}
