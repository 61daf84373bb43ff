package cli

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/studysync/internal/mutation"
	"github.com/roach88/studysync/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Type    string
	Entity  string
	Payload string
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Config  string   `json:"config,omitempty"`
	Payload bool     `json:"payload_checked"`
	Missing []string `json:"missing,omitempty"`
}

func (r ValidationResult) renderText(w io.Writer) {
	if r.Config != "" {
		fmt.Fprintf(w, "✓ Config %s valid\n", r.Config)
	} else {
		fmt.Fprintln(w, "✓ Default config valid")
	}
	if r.Payload {
		fmt.Fprintln(w, "✓ Payload valid")
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and, optionally, a payload",
		Long: `Check the config named by --config without opening the store.

With --entity and --payload, also validate a payload against the entity
schema the way enqueue would.

Examples:
  studysync validate --config studysync.toml
  studysync validate --type CREATE --entity course --payload '{"name":"Biology"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "CREATE", "mutation type the payload is checked for")
	cmd.Flags().StringVarP(&opts.Entity, "entity", "e", "", "entity whose schema the payload is checked against")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "payload as a JSON object")
	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	if _, err := loadConfig(opts.RootOptions); err != nil {
		return f.fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	f.VerboseLog("config ok")

	result := ValidationResult{Valid: true, Config: opts.ConfigPath}
	if opts.Entity == "" && opts.Payload == "" {
		return f.Success(result)
	}
	if opts.Entity == "" || opts.Payload == "" {
		return f.fail(ExitCommandError, ErrCodeGeneric, "--entity and --payload go together", nil)
	}

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

	validator, err := schema.New()
	if err != nil {
		return f.fail(ExitFailure, ErrCodeGeneric, "failed to load schemas", err)
	}
	if err := validator.Validate(typ, entity, payload); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) && len(verr.Missing) > 0 {
			_ = f.Error(ErrCodeValidation, "payload rejected", ValidationResult{Valid: false, Payload: true, Missing: verr.Missing})
			return WrapExitError(ExitFailure, "payload rejected", err)
		}
		return f.fail(ExitFailure, ErrCodeValidation, "payload rejected", err)
	}

	result.Payload = true
	return f.Success(result)
}
