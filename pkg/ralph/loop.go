package ralph

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"roost/pkg/protocol"
	"roost/pkg/runner"
)

// Store is the runner's write boundary to the task store. The runner never
// mutates task rows directly; iteration counts, checkpoint timestamps, and
// terminal transitions all go through these calls. The implementation is an
// external collaborator.
type Store interface {
	GetTaskByID(ctx context.Context, id string) (*protocol.Task, error)
	UpdateRalphState(ctx context.Context, id string, upd protocol.RalphStateUpdate) error
	CompleteTask(ctx context.Context, id, output string) error
	FailTask(ctx context.Context, id, reason string) error
}

// Executor runs one subprocess to completion. Satisfied by
// *runner.Supervisor.
type Executor interface {
	Run(ctx context.Context, spec runner.SpawnSpec) (int, error)
}

// Result classifies how a loop ended.
type Result string

// Loop results. Only ResultDone means the task reached a terminal store
// status (or signaled manual completion); the others leave the task for
// the operator or the next trigger.
const (
	ResultDone      Result = "done"
	ResultStopped   Result = "stopped"   // non-YOLO non-zero exit, no checkpoint
	ResultExhausted Result = "exhausted" // iteration ceiling reached
)

// Loop drives one ralph task through successive context-reset iterations.
// Iterations are strictly sequential: iteration N+1 never starts before
// N's subprocess and checkpoint handling complete.
type Loop struct {
	Store Store
	Exec  Executor

	CheckpointDir string
	LogDir        string
	SessionID     string
	CLI           string
	Model         string
	SystemPrompt  string
	YOLO          bool

	// OnActivity fires when the subprocess writes a checkpoint
	// mid-iteration (best-effort heartbeat). Optional.
	OnActivity func()

	// Pause between iterations after a context-exhaustion checkpoint.
	// Zero means protocol.RalphRestartPause; tests set a tiny value.
	Pause time.Duration

	// Console receives warnings; defaults to os.Stderr.
	Console io.Writer
}

func (l *Loop) console() io.Writer {
	if l.Console != nil {
		return l.Console
	}
	return os.Stderr
}

func (l *Loop) pause() time.Duration {
	if l.Pause > 0 {
		return l.Pause
	}
	return protocol.RalphRestartPause
}

// Run drives the task until a terminal condition. The initial iteration
// count derives from the task's persisted ralphIterations, so a restarted
// runner resumes where the previous one crashed.
func (l *Loop) Run(ctx context.Context, taskID string) (Result, error) {
	task, err := l.Store.GetTaskByID(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("fetch ralph task %s: %w", taskID, err)
	}

	maxIter := task.MaxIterations()
	iter := task.RalphIterations

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if iter >= maxIter {
			reason := fmt.Sprintf("exhausted %d iterations without completion", maxIter)
			if err := l.Store.FailTask(ctx, taskID, reason); err != nil {
				fmt.Fprintf(l.console(), "warning: mark task %s failed: %v\n", taskID, err)
			}
			return ResultExhausted, nil
		}

		// A previous crashed run may have left a checkpoint behind.
		if err := ClearCheckpoint(l.CheckpointDir, taskID); err != nil {
			return "", err
		}

		// Persist the attempt before running so a crash mid-iteration
		// still reflects it.
		iter++
		if err := l.Store.UpdateRalphState(ctx, taskID, protocol.RalphStateUpdate{Iterations: &iter}); err != nil {
			return "", fmt.Errorf("persist iteration %d for %s: %w", iter, taskID, err)
		}

		code, err := l.runIteration(ctx, task, iter)
		if err != nil {
			return "", err
		}

		task, err = l.Store.GetTaskByID(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("refetch ralph task %s: %w", taskID, err)
		}
		if task.Status.Terminal() {
			if err := ClearCheckpoint(l.CheckpointDir, taskID); err != nil {
				return "", err
			}
			return ResultDone, nil
		}

		cp, cpErr := ReadCheckpoint(l.CheckpointDir, taskID)
		if cpErr != nil {
			// Corrupt checkpoint reads as absent.
			fmt.Fprintf(l.console(), "warning: %v (treating as absent)\n", cpErr)
			cp = nil
		}

		// Checkpoint presence outranks exit code: a pending checkpoint
		// means the iteration ended as planned regardless of how the
		// process exited.
		switch {
		case cp == nil && code == 0:
			fmt.Fprintf(l.console(), "warning: task %s iteration %d: no checkpoint but task still in progress, continuing\n", taskID, iter)
			continue

		case cp == nil:
			if l.YOLO {
				fmt.Fprintf(l.console(), "warning: task %s iteration %d exited %d without checkpoint, continuing (yolo)\n", taskID, iter, code)
				continue
			}
			// Task stays in_progress for operator attention.
			return ResultStopped, fmt.Errorf("task %s iteration %d: subprocess exited %d with no checkpoint", taskID, iter, code)

		case cp.Reason == protocol.ReasonManual:
			if err := ClearCheckpoint(l.CheckpointDir, taskID); err != nil {
				return "", err
			}
			return ResultDone, nil

		default:
			// Context exhaustion (precompact/stop): clear, persist the
			// checkpoint timestamp, pause briefly, go again.
			if err := ClearCheckpoint(l.CheckpointDir, taskID); err != nil {
				return "", err
			}
			now := time.Now().UTC()
			if err := l.Store.UpdateRalphState(ctx, taskID, protocol.RalphStateUpdate{LastCheckpoint: &now}); err != nil {
				fmt.Fprintf(l.console(), "warning: persist checkpoint time for %s: %v\n", taskID, err)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(l.pause()):
			}
		}
	}
}

// runIteration blocks on one subprocess execution, observing checkpoint
// writes while it runs.
func (l *Loop) runIteration(ctx context.Context, task *protocol.Task, iter int) (int, error) {
	obs := ObserveCheckpoints(l.CheckpointDir, task.ID, func() {
		if l.OnActivity != nil {
			l.OnActivity()
		}
	})
	defer obs.Stop()

	spec := runner.SpawnSpec{
		Prompt:       IterationPrompt(task, iter),
		Model:        l.Model,
		SystemPrompt: l.SystemPrompt,
		LogPath:      runner.TranscriptPath(l.LogDir, l.SessionID),
		Stream: runner.StreamConfig{
			SessionID: l.SessionID,
			Iteration: iter,
			TaskID:    task.ID,
			CLI:       l.CLI,
		},
	}
	code, err := l.Exec.Run(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("run iteration %d of %s: %w", iter, task.ID, err)
	}
	return code, nil
}

// IterationPrompt builds the per-iteration instruction: the iteration
// number, the task's completion promise, the optional plan file, and the
// reminder that filesystem state persists across iterations even though
// conversation context does not.
func IterationPrompt(task *protocol.Task, iter int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task %s (iteration %d of %d)\n\n", task.ID, iter, task.MaxIterations())

	b.WriteString("## Goal\n\n")
	if task.RalphPromise != "" {
		fmt.Fprintf(&b, "The task is complete when: %s\n\n", task.RalphPromise)
	} else {
		b.WriteString("Work the task to completion.\n\n")
	}

	if task.RalphPlanPath != "" {
		fmt.Fprintf(&b, "## Plan\n\nThe working plan lives at `%s`. Read it first; update it as you make progress.\n\n", task.RalphPlanPath)
	}

	b.WriteString("## Continuity\n\n")
	b.WriteString("Your conversation context resets between iterations, but the filesystem persists. ")
	b.WriteString("Everything you want your next iteration to know must be written to disk before you stop. ")
	b.WriteString("When the completion criterion above is met, signal completion through your checkpoint hook instead of starting more work.\n")

	return b.String()
}
