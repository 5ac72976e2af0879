// Package cli implements the conductor command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Control plane for AI coding-agent runs",
	Long: `conductor coordinates AI coding-agent runs across your GitHub projects.

It terminates webhook deliveries, drives each run through its phase
machine, holds work at human approval gates, and streams progress to
operators over SSE and WebSocket.

Quick start:
  conductor migrate           Apply database migrations
  conductor serve             Start the API server
  conductor work              Start a worker that executes runs
  conductor janitor           Reconcile worktrees and port leases`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error it returns.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		PrintError(err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig, setupLogger)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is conductor.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log as JSON even on a terminal")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newJanitorCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig resolves the config file path from the flag or CONDUCTOR_CONFIG.
// The viper environment binding here only covers flags; config.Load applies
// the CONDUCTOR_* variables that override file settings.
func initConfig() {
	viper.SetEnvPrefix("CONDUCTOR")
	viper.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("conductor")
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setupLogger installs the process-wide slog default. Interactive runs get
// text output; pipes and --json get JSON so log collectors can parse it.
func setupLogger() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOut || !isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
