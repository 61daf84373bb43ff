package cli

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/engine"
	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/queue"
	"github.com/roach88/studysync/internal/schema"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Type        string
	Entity      string
	User        string
	Resource    string
	Payload     string
	BaseVersion int64
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a mutation",
		Long: `Queue a mutation for the next drain.

The payload is validated against the entity schema and written to the
durable queue before the command returns. A CREATE without --resource gets
a fresh temporary id; reference it from later mutations with
{"$temp": "<id>"} or by passing it as --resource.

Examples:
  studysync enqueue --type CREATE --entity course --user u-1 --payload '{"name":"Biology"}'
  studysync enqueue --type UPDATE --entity assignment --user u-1 --resource a-17 --base-version 3 --payload '{"status":"done"}'
  studysync enqueue --type DELETE --entity lecture --user u-1 --resource temp_lecture_0190...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "mutation type (CREATE|UPDATE|DELETE|COMPLETE|RESTORE)")
	cmd.Flags().StringVarP(&opts.Entity, "entity", "e", "", "entity (course|assignment|lecture|study_session)")
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user id")
	cmd.Flags().StringVarP(&opts.Resource, "resource", "r", "", "target id (temp_ prefix for temporary ids)")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "{}", "payload as a JSON object")
	cmd.Flags().Int64Var(&opts.BaseVersion, "base-version", 0, "server version the edit was made against")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	typ, err := mutation.ParseType(opts.Type)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeIntent, "invalid --type", err)
	}
	entity, err := mutation.ParseEntity(opts.Entity)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeIntent, "invalid --entity", err)
	}
	var payload mutation.Payload
	if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
		return f.fail(ExitCommandError, ErrCodeIntent, "--payload must be a JSON object", err)
	}

	e, err := openEnv(opts.RootOptions, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	rec, err := e.engine.Enqueue(cmd.Context(), engine.Intent{
		Type:        typ,
		Entity:      entity,
		ResourceID:  mutation.ParseID(opts.Resource),
		Payload:     payload,
		UserID:      opts.User,
		BaseVersion: opts.BaseVersion,
	})
	if err != nil {
		return enqueueFailure(f, err)
	}
	return f.Success(enqueued(rec))
}

func enqueueFailure(f *OutputFormatter, err error) error {
	var verr *schema.ValidationError
	switch {
	case engine.IsIntentError(err):
		return f.fail(ExitCommandError, ErrCodeIntent, "invalid intent", err)
	case errors.As(err, &verr):
		return f.fail(ExitFailure, ErrCodeValidation, "payload rejected", err)
	case queue.IsPersistenceError(err):
		return f.fail(ExitFailure, ErrCodeStore, "mutation not saved", err)
	default:
		return f.fail(ExitFailure, ErrCodeGeneric, "enqueue failed", err)
	}
}

// enqueued is the enqueue result.
type enqueued mutation.Record

func (r enqueued) MarshalJSON() ([]byte, error) {
	return json.Marshal(mutation.Record(r))
}

func (r enqueued) renderText(w io.Writer) {
	fmt.Fprintf(w, "Enqueued %s: %s %s %s (seq %d)\n", r.ID, r.Type, r.Entity, r.ResourceID, r.Seq)
}
