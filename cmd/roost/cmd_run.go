package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"roost/pkg/controlplane"
	"roost/pkg/eventlog"
	"roost/pkg/ralph"
	"roost/pkg/runner"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "roost run" subcommand: the long-lived agent loop.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop",
		Long: `Registers this agent with the control plane, then polls for triggers
and executes them via claude subprocesses until terminated.

Configuration comes from ROOST_* environment variables; ROOST_API_URL and
ROOST_API_TOKEN are required. See the LoadConfig documentation for the
full list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context())
		},
	}
}

// runAgent wires the runner from config and drives it until a termination
// signal arrives.
func runAgent(parent context.Context) error {
	cfg, err := runner.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client := controlplane.New(cfg.APIURL, cfg.AgentID, cfg.APIToken)

	// The event log is bookkeeping, not a prerequisite: run without it if
	// the database cannot open.
	events, err := eventlog.Open(cfg.DBPath, cfg.AgentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: event log unavailable: %v\n", err)
		events = nil
	}
	defer func() { _ = events.Close() }()

	sup := runner.NewSupervisor(&runner.ClaudeSpawner{}, client, runner.NewRenderer())
	trk := runner.NewTracker(cfg.MaxTasks)
	sessionID := runner.NewSessionID()

	r := runner.New(cfg, client, sup, trk, events, sessionID)

	store := controlplane.NewTaskStore(client)
	r.SetTaskFetcher(store)

	loop := &ralph.Loop{
		Store:         store,
		Exec:          sup,
		CheckpointDir: cfg.CheckpointDir,
		LogDir:        cfg.LogDir,
		SessionID:     sessionID,
		CLI:           runner.CLIName,
		Model:         cfg.Model,
		SystemPrompt:  cfg.SystemPrompt,
		YOLO:          cfg.YOLO,
		OnActivity: func() {
			_ = client.Ping(context.Background())
		},
	}
	r.SetRalphDriver(func(ctx context.Context, taskID string) error {
		result, err := loop.Run(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "ralph task %s: %s\n", taskID, result)
		return nil
	})

	return r.Run(ctx)
}
