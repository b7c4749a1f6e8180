// Package protocol defines the shared wire and domain types exchanged
// between the roost runner, the control plane, and the claude subprocess:
// the trigger union delivered by polling, the task subset the runner
// consumes, and the checkpoint record that coordinates ralph iterations.
package protocol

import "time"

// TriggerKind tags a Trigger with its cause.
type TriggerKind string

// Trigger kind constants. The set is closed: the prompt translator
// switches exhaustively over these and treats anything else as unknown.
const (
	TriggerTaskAssigned       TriggerKind = "task_assigned"
	TriggerTaskOffered        TriggerKind = "task_offered"
	TriggerUnreadMentions     TriggerKind = "unread_mentions"
	TriggerPoolTasksAvailable TriggerKind = "pool_tasks_available"
	TriggerTasksFinished      TriggerKind = "tasks_finished"
	TriggerInboxMessage       TriggerKind = "inbox_message"
)

// FinishedTask summarizes one completed task inside a tasks_finished trigger.
type FinishedTask struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// InboxMessage is one message carried by an inbox_message trigger.
type InboxMessage struct {
	From    string `json:"from"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Trigger describes why the agent should act now. Produced server-side,
// consumed exactly once by the polling loop that received it, immutable
// once emitted. Only the fields relevant to the Kind are populated.
type Trigger struct {
	Kind     TriggerKind    `json:"kind"`
	TaskID   string         `json:"task_id,omitempty"`
	Count    int            `json:"count,omitempty"`
	Tasks    []FinishedTask `json:"tasks,omitempty"`
	Messages []InboxMessage `json:"messages,omitempty"`
}

// TaskStatus is the subset of task states the runner reacts to.
type TaskStatus string

// Task status constants.
const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskTypeRalph marks a resumable multi-iteration task.
const TaskTypeRalph = "ralph"

// Task is the store-owned task row, restricted to the fields the runner
// consumes. The runner never mutates these directly; all writes go through
// the store boundary (UpdateRalphState, CompleteTask, FailTask).
type Task struct {
	ID                 string     `json:"id"`
	Status             TaskStatus `json:"status"`
	TaskType           string     `json:"task_type,omitempty"`
	RalphPromise       string     `json:"ralph_promise,omitempty"`
	RalphPlanPath      string     `json:"ralph_plan_path,omitempty"`
	RalphIterations    int        `json:"ralph_iterations,omitempty"`
	RalphMaxIterations int        `json:"ralph_max_iterations,omitempty"`
}

// MaxIterations returns the task's iteration ceiling, applying the default.
func (t Task) MaxIterations() int {
	if t.RalphMaxIterations > 0 {
		return t.RalphMaxIterations
	}
	return DefaultRalphMaxIterations
}

// IsRalph reports whether the task uses the checkpoint-driven loop.
func (t Task) IsRalph() bool {
	return t.TaskType == TaskTypeRalph
}

// CheckpointReason classifies why a ralph iteration ended.
type CheckpointReason string

// Checkpoint reason constants. The subprocess's hook writes precompact when
// its context window fills, stop when it ends a turn, and manual when the
// agent signals intentional completion.
const (
	ReasonPrecompact CheckpointReason = "precompact"
	ReasonStop       CheckpointReason = "stop"
	ReasonManual     CheckpointReason = "manual"
)

// RalphCheckpoint is the one-file-per-task record written by the
// subprocess's hook and consumed by the ralph loop. Its presence is the
// sole signal that an iteration ended and why.
type RalphCheckpoint struct {
	TaskID      string           `json:"task_id"`
	Iteration   int              `json:"iteration"`
	ContextFull bool             `json:"context_full"`
	Timestamp   time.Time        `json:"timestamp"`
	Reason      CheckpointReason `json:"checkpoint_reason"`
}

// RalphStateUpdate is a partial update to a task's ralph bookkeeping,
// applied through the store boundary.
type RalphStateUpdate struct {
	Iterations     *int       `json:"iterations,omitempty"`
	LastCheckpoint *time.Time `json:"lastCheckpoint,omitempty"`
}

// RegisterPayload is the body of POST /agents.
type RegisterPayload struct {
	Name         string   `json:"name"`
	IsLead       bool     `json:"isLead"`
	Capabilities []string `json:"capabilities"`
	MaxTasks     int      `json:"maxTasks"`
}

// SessionLogPayload is the body of POST /session-logs.
type SessionLogPayload struct {
	SessionID string   `json:"sessionId"`
	Iteration int      `json:"iteration"`
	TaskID    string   `json:"taskId,omitempty"`
	CLI       string   `json:"cli"`
	Lines     []string `json:"lines"`
}
