package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/engine"
	"github.com/roach88/studysync/internal/queue"
)

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Put a rejected, abandoned or failed mutation back in rotation",
		Long: `Reset a surfaced mutation to pending with a fresh retry budget. It is
sent again on the next drain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAction(rootOpts, cmd, "retry", args[0])
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a queued mutation",
		Long: `Remove a mutation from the queue without sending it. The discard is
recorded in the conflict journal and the optimistic cache entry for the
resource is dropped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAction(rootOpts, cmd, "discard", args[0])
		},
	}
}

// actionResult reports a retry or discard.
type actionResult struct {
	Action     string `json:"action"`
	MutationID string `json:"mutation_id"`
}

func (r actionResult) String() string {
	switch r.Action {
	case "retry":
		return fmt.Sprintf("Mutation %s will be retried on the next drain.", r.MutationID)
	default:
		return fmt.Sprintf("Mutation %s discarded.", r.MutationID)
	}
}

func runUserAction(opts *RootOptions, cmd *cobra.Command, action, id string) error {
	f := newFormatter(opts, cmd)
	e, err := openEnv(opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	if action == "retry" {
		err = e.engine.Retry(ctx, id)
	} else {
		err = e.engine.Discard(ctx, id)
	}

	switch {
	case err == nil:
		return f.Success(actionResult{Action: action, MutationID: id})
	case errors.Is(err, queue.ErrNotFound):
		return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("no queued mutation %s", id), err)
	case engine.IsStateError(err):
		return f.fail(ExitFailure, ErrCodeState, fmt.Sprintf("cannot %s %s", action, id), err)
	default:
		return f.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("%s failed", action), err)
	}
}
