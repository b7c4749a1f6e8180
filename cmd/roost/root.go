package main

import (
	"fmt"

	"roost/internal/buildinfo"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root roost command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "roost",
		Short:         "Roost agent runner",
		Long:          "roost runs one autonomous agent (lead or worker) that polls the\ncontrol plane for triggers and executes them via claude subprocesses.",
		Version:       fmt.Sprintf("roost %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newEventsCmd(),
	)

	return cmd
}
