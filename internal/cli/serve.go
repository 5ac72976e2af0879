package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cswenor/conductor-sub003/internal/api"
	"github.com/cswenor/conductor-sub003/internal/bootstrap"
	"github.com/cswenor/conductor-sub003/internal/config"
)

// newServeCmd creates the serve command for the API server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the conductor API server.

The server terminates GitHub webhooks, serves the operator read
surface, accepts operator actions, and streams events over SSE and
WebSocket. It exits 0 after a graceful shutdown and 1 if startup
fails.

Example:
  conductor serve                  # Listen on the configured address
  conductor serve --listen :3000   # Listen on a custom address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr, _ = cmd.Flags().GetString("listen")
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

			srv := api.New(api.Deps{
				Addr:       cfg.ListenAddr,
				Store:      svcs.Store,
				Queue:      svcs.Queue,
				Auth:       svcs.Auth,
				Receiver:   svcs.Receiver,
				Dispatcher: svcs.Dispatcher,
				Gates:      svcs.Gates,
				Bus:        svcs.Bus,
				Logger:     slog.Default(),
			})

			// Blocks until ctx is cancelled; nil means a clean drain.
			return srv.Start(ctx)
		},
	}

	cmd.Flags().String("listen", "", "listen address (overrides config)")

	return cmd
}
