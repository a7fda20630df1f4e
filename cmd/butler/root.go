package main

import (
	"fmt"

	"butler/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root butler command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "butler",
		Short:         "Butler vault companion daemon",
		Long:          "butler is a local background companion for a plain-text note vault.\nIt watches for changes, routes captured notes, and writes them back safely.",
		Version:       fmt.Sprintf("butler %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newDaemonCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newDoctorCmd(),
	)

	return cmd
}
