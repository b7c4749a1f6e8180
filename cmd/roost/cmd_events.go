package main

import (
	"fmt"
	"os"
	"path/filepath"

	"roost/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newEventsCmd creates the "roost events" subcommand, which prints recent
// entries from the agent's local event log.
func newEventsCmd() *cobra.Command {
	var (
		count    int
		snapshot bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent runner events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbPath := os.Getenv("ROOST_DB_PATH")
			if dbPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home dir: %w", err)
				}
				dbPath = filepath.Join(home, ".roost", "state.db")
			}

			log, err := eventlog.Open(dbPath, "")
			if err != nil {
				return err
			}
			defer func() { _ = log.Close() }()

			if snapshot {
				return printSnapshot(cmd, log)
			}

			events, err := log.Recent(cmd.Context(), count)
			if err != nil {
				return err
			}
			for i := len(events) - 1; i >= 0; i-- {
				e := events[i]
				fmt.Printf("%s  %-16s %-20s %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.TaskID, e.Payload)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of events to show")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "show the last shutdown snapshot instead")

	return cmd
}

// printSnapshot prints the tasks that were still in flight at the last
// drain, if any.
func printSnapshot(cmd *cobra.Command, log *eventlog.Log) error {
	snap, err := log.LatestSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Println("no shutdown snapshot recorded")
		return nil
	}
	fmt.Printf("snapshot taken %s (agent %s)\n", snap.TakenAt.Format("2006-01-02 15:04:05"), snap.AgentID)
	if len(snap.Entries) == 0 {
		fmt.Println("all tasks had drained cleanly")
		return nil
	}
	for _, e := range snap.Entries {
		kind := "task"
		if e.Ralph {
			kind = "ralph"
		}
		fmt.Printf("%-6s %-20s started %s  %s\n",
			kind, e.TaskID, e.StartedAt.Format("15:04:05"), e.LogPath)
	}
	return nil
}
