package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/store"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Limit int
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show the conflict resolution journal",
		Long: `List how conflicted mutations were settled (resolved or abandoned) and
which mutations the user discarded, oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "show at most this many recent entries (0 for all)")
	return cmd
}

func runConflicts(opts *ConflictsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Limit < 0 {
		return f.fail(ExitCommandError, ErrCodeGeneric, "--limit must be non-negative", nil)
	}

	e, err := openEnv(opts.RootOptions, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	entries, err := e.store.ListResolutions(cmd.Context(), opts.Limit)
	if err != nil {
		return f.fail(ExitFailure, ErrCodeStore, "failed to read journal", err)
	}
	if entries == nil {
		entries = []store.Resolution{}
	}
	return f.Success(journal(entries))
}

type journal []store.Resolution

func (j journal) renderText(w io.Writer) {
	if len(j) == 0 {
		fmt.Fprintln(w, "No conflicts recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tMUTATION\tTYPE\tENTITY\tRESOURCE\tOUTCOME\tDETAIL")
	for _, r := range j {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.UTC().Format(time.RFC3339), r.MutationID, r.Type, r.Entity, r.ResourceID, r.Outcome, r.Detail)
	}
	_ = tw.Flush()
}
