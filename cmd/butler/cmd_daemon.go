package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"butler/pkg/config"
	"butler/pkg/daemon"
	"butler/pkg/logging"

	"github.com/spf13/cobra"
)

// newDaemonCmd creates the "butler daemon" subcommand. It runs the daemon in
// the foreground until SIGINT or SIGTERM; a supervisor (launchd, systemd)
// owns backgrounding and restarts.
func newDaemonCmd() *cobra.Command {
	var verbose bool
	var console bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the butler daemon in the foreground",
		Long: `Runs the butler daemon: watches the vault, drains the task queue,
and hosts the plugin pipeline. Blocks until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if err := os.MkdirAll(paths.ButlerHome, 0o750); err != nil {
				return fmt.Errorf("create butler home: %w", err)
			}

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log, err := logging.New(logging.Options{
				LogDir:  paths.LogsDir,
				Verbose: verbose,
				Console: console,
			})
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			d, err := daemon.New(log, cfg, db, paths.PluginsDir)
			if err != nil {
				return fmt.Errorf("build daemon: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	cmd.Flags().BoolVar(&console, "console", false, "mirror logs to stderr in addition to the log file")
	return cmd
}
