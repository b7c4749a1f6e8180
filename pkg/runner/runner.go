package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"roost/pkg/eventlog"
	"roost/pkg/protocol"
)

// ControlPlane is everything the runner needs from the HTTP control plane.
// Satisfied by *controlplane.Client.
type ControlPlane interface {
	Register(ctx context.Context, p protocol.RegisterPayload) error
	Poll(ctx context.Context, since time.Time) (*protocol.Trigger, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	PushSessionLogs(ctx context.Context, p protocol.SessionLogPayload) error
}

// TaskFetcher is the read slice of the store boundary the control loop
// needs to detect resumable tasks. Optional: a nil fetcher disables ralph
// dispatch.
type TaskFetcher interface {
	GetTaskByID(ctx context.Context, id string) (*protocol.Task, error)
}

// RalphDriver runs a ralph task to its terminal condition. Wired by the
// caller (cmd/roost) to keep this package free of a ralph dependency.
type RalphDriver func(ctx context.Context, taskID string) error

// noSlotWait is the pause between capacity re-checks when all slots are
// taken. Capacity exhaustion is not an error; the loop simply waits.
const noSlotWait = time.Second

// Runner is one agent process: it registers with the control plane, polls
// for triggers under the capacity budget, spawns supervised subprocesses,
// and drains on shutdown.
type Runner struct {
	cfg       *Config
	cp        ControlPlane
	sup       *Supervisor
	trk       *Tracker
	events    *eventlog.Log
	tasks     TaskFetcher
	ralph     RalphDriver
	sessionID string
	console   io.Writer

	drain *Drainer
	since time.Time
}

// New wires a runner. events, tasks, and ralph may be nil.
func New(cfg *Config, cp ControlPlane, sup *Supervisor, trk *Tracker, events *eventlog.Log, sessionID string) *Runner {
	r := &Runner{
		cfg:       cfg,
		cp:        cp,
		sup:       sup,
		trk:       trk,
		events:    events,
		sessionID: sessionID,
		console:   os.Stderr,
	}
	r.drain = NewDrainer(cp, trk, events, cfg.ShutdownTimeout, r.console)
	return r
}

// SetTaskFetcher enables ralph detection on assignment triggers.
func (r *Runner) SetTaskFetcher(tf TaskFetcher) { r.tasks = tf }

// SetRalphDriver installs the loop that owns ralph tasks.
func (r *Runner) SetRalphDriver(d RalphDriver) { r.ralph = d }

// SetConsole redirects operational output (for tests).
func (r *Runner) SetConsole(w io.Writer) {
	r.console = w
	r.drain.console = w
}

// SessionID returns the identifier shared by this runner's executions.
func (r *Runner) SessionID() string { return r.sessionID }

// Run registers the agent and drives the control loop until ctx is
// cancelled, then drains. Registration failure is fatal: the agent cannot
// operate unregistered.
func (r *Runner) Run(ctx context.Context) error {
	err := r.cp.Register(ctx, protocol.RegisterPayload{
		Name:         r.cfg.AgentID,
		IsLead:       r.cfg.IsLead(),
		Capabilities: r.cfg.Capabilities,
		MaxTasks:     r.cfg.MaxTasks,
	})
	if err != nil {
		return fmt.Errorf("register with control plane: %w", err)
	}
	r.logEvent(ctx, "registered", "", fmt.Sprintf(`{"role":%q}`, r.cfg.Role))
	fmt.Fprintf(r.console, "agent %s registered (role=%s, maxTasks=%d)\n", r.cfg.AgentID, r.cfg.Role, r.cfg.MaxTasks)

	poller := NewPoller(r.cp, r.trk, r.cfg.PollInterval, r.cfg.PollTimeout)

	for ctx.Err() == nil {
		r.reap(ctx)

		if !r.trk.HasSlot() {
			sleepCtx(ctx, noSlotWait)
			continue
		}

		trigger, err := poller.Poll(ctx, r.since)
		if err != nil {
			break // poller only errors on context cancellation
		}
		if trigger == nil {
			continue // suspension point: poll window elapsed with no work
		}

		r.handleTrigger(ctx, trigger)
	}

	r.drain.Drain()
	return nil
}

// reap clears finished tasks out of the tracker and reports them.
func (r *Runner) reap(ctx context.Context) {
	for _, rt := range r.trk.Reap() {
		code := 0
		if rt.Handle != nil {
			code, _ = rt.Handle.ExitCode()
		}
		if code != 0 {
			fmt.Fprintf(r.console, "task %s finished with exit code %d\n", rt.TaskID, code)
			r.logEvent(ctx, "task_failed", rt.TaskID, fmt.Sprintf(`{"exit_code":%d}`, code))
			continue
		}
		fmt.Fprintf(r.console, "task %s finished\n", rt.TaskID)
		r.logEvent(ctx, "task_finished", rt.TaskID, "")
	}
}

// handleTrigger turns one trigger into supervised execution: ralph tasks
// get the checkpoint loop on a synthetic slot, everything else gets a
// translated prompt and a spawned subprocess.
func (r *Runner) handleTrigger(ctx context.Context, trigger *protocol.Trigger) {
	if payload, err := json.Marshal(trigger); err == nil {
		r.logEvent(ctx, "trigger", trigger.TaskID, string(payload))
	}
	if err := r.cp.Ping(ctx); err != nil {
		fmt.Fprintf(r.console, "warning: ping failed: %v\n", err)
	}
	if trigger.Kind == protocol.TriggerTasksFinished {
		// Advance the dedup cursor so this batch is not re-delivered.
		r.since = time.Now()
	}

	taskID := trigger.TaskID
	if taskID == "" {
		taskID = SynthesizeTaskID(string(trigger.Kind))
	}

	if r.dispatchRalph(ctx, trigger, taskID) {
		return
	}

	prompt := BuildPrompt(*trigger, r.cfg.DefaultPrompt)
	logPath := TranscriptPath(r.cfg.LogDir, r.sessionID)
	handle, err := r.sup.Start(ctx, SpawnSpec{
		Prompt:       prompt,
		Model:        r.cfg.Model,
		SystemPrompt: r.cfg.SystemPrompt,
		LogPath:      logPath,
		Stream: StreamConfig{
			SessionID: r.sessionID,
			Iteration: 0,
			TaskID:    taskID,
			CLI:       CLIName,
		},
	})
	if err != nil {
		fmt.Fprintf(r.console, "spawn for task %s failed: %v\n", taskID, err)
		r.logEvent(ctx, "spawn_failed", taskID, fmt.Sprintf("%q", err.Error()))
		return
	}

	r.trk.Add(&RunningTask{
		TaskID:    taskID,
		Handle:    handle,
		LogPath:   logPath,
		StartedAt: time.Now(),
	})
	r.logEvent(ctx, "spawned", taskID, "")
}

// dispatchRalph hands assignment triggers for ralph-typed tasks to the
// checkpoint loop. Reports whether the trigger was consumed.
func (r *Runner) dispatchRalph(ctx context.Context, trigger *protocol.Trigger, taskID string) bool {
	if r.tasks == nil || r.ralph == nil || trigger.TaskID == "" {
		return false
	}
	if trigger.Kind != protocol.TriggerTaskAssigned && trigger.Kind != protocol.TriggerTaskOffered {
		return false
	}
	task, err := r.tasks.GetTaskByID(ctx, trigger.TaskID)
	if err != nil {
		fmt.Fprintf(r.console, "warning: fetch task %s: %v\n", trigger.TaskID, err)
		return false
	}
	if !task.IsRalph() {
		return false
	}

	_, finish := r.trk.AddRalph(taskID, "")
	r.logEvent(ctx, "ralph_started", taskID, "")
	go func() {
		defer finish()
		if err := r.ralph(ctx, taskID); err != nil {
			fmt.Fprintf(r.console, "ralph task %s: %v\n", taskID, err)
			r.logEvent(ctx, "ralph_stopped", taskID, fmt.Sprintf("%q", err.Error()))
			return
		}
		r.logEvent(ctx, "ralph_done", taskID, "")
	}()
	return true
}

// logEvent appends to the local event log, best-effort.
func (r *Runner) logEvent(ctx context.Context, evType, taskID, payload string) {
	if err := r.events.Record(ctx, evType, taskID, payload); err != nil {
		fmt.Fprintf(r.console, "warning: event log: %v\n", err)
	}
}
