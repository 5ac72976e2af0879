package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cswenor/conductor-sub003/internal/config"
	"github.com/cswenor/conductor-sub003/internal/git"
	"github.com/cswenor/conductor-sub003/internal/worktree"
)

// newJanitorCmd creates the janitor command for one-shot reconciliation
func newJanitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Reconcile worktrees and release leaked ports",
		Long: `Run one janitor sweep and exit.

The sweep marks worktrees whose runs reached a terminal phase as
orphaned, removes their directories, and releases their port leases.
The worker runs the same sweep periodically; this command exists for
operators who want one now.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			store, err := openStoreFromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			logger := slog.Default()
			manager := worktree.NewManager(store, git.NewClient(logger), cfg.RepoStore.Dir, logger)
			report, err := manager.RunJanitor(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "janitor: %d orphaned, %d directories removed, %d ports released\n",
				report.OrphanedMarked, report.DirectoriesRemoved, report.PortsReleased)
			return nil
		},
	}
}
