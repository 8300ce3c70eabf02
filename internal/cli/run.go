package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch ledgers and bond until interrupted",
		Long: `Start the watchers and the orchestrator.

Existing accounts are swept once at startup; afterwards every new account
directory and every lane file write schedules a bonding check, and each
successful promotion schedules a check of the next tier.

Example:
  atombond run --config pipeline.yaml
  ATOMBOND_WORKERS=8 atombond run --config pipeline.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(rootOpts, cmd)
		},
	}

	return cmd
}

func runPipeline(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	p, err := openPipeline(opts, formatter)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	// Use command's context if available (for testing), otherwise create one
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
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Pipeline started. Watching %s...\n", p.Config.Root)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := p.Orchestrator.Run(ctx); err != nil {
		return WrapExitError(ExitCommandError, "pipeline error", err)
	}

	stats := p.Orchestrator.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Pipeline stopped: %d checks, %d bonded, %d failed.\n",
		stats.Checks, stats.Bonded, stats.Failed)
	return nil
}
