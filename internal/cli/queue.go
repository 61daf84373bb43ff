package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/mutation"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Status string // only list records in this status
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued mutations",
		Long: `List every queued mutation in replay order with its status, attempt
count and last error. Rejected and abandoned mutations stay listed until
they are retried or discarded.

Examples:
  studysync queue
  studysync queue --status rejected --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only list mutations in this status")
	return cmd
}

func runQueue(opts *QueueOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	e, err := openEnv(opts.RootOptions, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	records, err := e.engine.Pending(cmd.Context())
	if err != nil {
		return f.fail(ExitFailure, ErrCodeStore, "failed to read queue", err)
	}

	list := recordList{}
	for _, rec := range records {
		if opts.Status == "" || string(rec.Status) == opts.Status {
			list = append(list, rec)
		}
	}
	return f.Success(list)
}

// recordList renders queued mutations as a table.
type recordList []mutation.Record

func (l recordList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEQ\tTYPE\tENTITY\tRESOURCE\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, rec := range l {
		lastErr := "-"
		if rec.LastError != nil {
			lastErr = rec.LastError.Kind + ": " + rec.LastError.Message
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Seq, rec.Type, rec.Entity, rec.ResourceID, rec.Status, rec.Attempts, lastErr)
	}
	_ = tw.Flush()
}
