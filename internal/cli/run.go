package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/studysync/internal/connectivity"
	"github.com/roach88/studysync/internal/dispatch"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop until interrupted",
		Long: `Run the sync engine in the foreground.

The engine drains the queue on start, whenever connectivity returns, on
every sync interval, and on retry backoff after transient failures. When a
probe URL (or the remote base URL) is configured it is polled to decide
whether the device is online. User-facing notices (rejected and abandoned
mutations, automatic conflict resolutions) are printed as they happen.

Example:
  studysync run --config ./studysync.toml
  studysync run --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
	return cmd
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	e, err := openEnv(opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			e.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	notices := e.engine.Notifications()
	g, gctx := errgroup.WithContext(ctx)

	if target := e.cfg.ProbeTarget(); target != "" {
		prober := connectivity.NewProber(e.gate, target, e.cfg.Connectivity.ProbeInterval,
			connectivity.WithProberLogger(e.logger),
		)
		g.Go(func() error { return prober.Run(gctx) })
	}
	g.Go(func() error { return e.engine.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case n := <-notices:
				printNotice(f, n)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return f.fail(ExitFailure, ErrCodeGeneric, "engine error", err)
	}

	e.logger.Info("engine stopped gracefully")
	return nil
}

func printNotice(f *OutputFormatter, n dispatch.Notice) {
	if f.Format == "json" {
		_ = f.encode(CLIResponse{Status: "ok", Data: n})
		return
	}
	fmt.Fprintf(f.Writer, "[%s] %s %s %s: %s\n", n.Kind, n.MutationID, n.Entity, n.ResourceID, n.Message)
}
