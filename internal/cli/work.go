package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cswenor/conductor-sub003/internal/bootstrap"
	"github.com/cswenor/conductor-sub003/internal/config"
	"github.com/cswenor/conductor-sub003/internal/worker"
)

// newWorkCmd creates the work command that runs the background worker
func newWorkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Start a worker that executes queued jobs",
		Long: `Start a conductor worker.

The worker drains the job queue: it normalizes webhook deliveries,
creates and advances runs, evaluates gates, provisions worktrees, and
publishes events. Jobs are idempotent, so run as many workers as the
queue needs. Exits 0 after a graceful shutdown and 1 if startup fails.

Example:
  conductor work                   # Use the configured concurrency
  conductor work --concurrency 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Worker.Concurrency, _ = cmd.Flags().GetInt("concurrency")
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, cancel := SetupSignalHandler()
			defer cancel()

			svcs, err := bootstrap.Init(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = svcs.Shutdown() }()

			w := worker.New(worker.Deps{
				Config:    svcs.Config,
				Store:     svcs.Store,
				Queue:     svcs.Queue,
				Machine:   svcs.Machine,
				Gates:     svcs.Gates,
				Notifier:  svcs.Notifier,
				Worktrees: svcs.Worktrees,
				Forge:     svcs.Forge,
				Logger:    slog.Default(),
			})
			if err := w.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			w.Stop()
			return nil
		},
	}

	cmd.Flags().Int("concurrency", 0, "queue workers to run (overrides config)")

	return cmd
}
