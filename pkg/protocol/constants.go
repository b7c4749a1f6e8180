package protocol

import "time"

// Log streaming thresholds. A buffer flushes when it holds FlushLines lines
// or when FlushInterval has elapsed since the last flush, whichever first.
const (
	FlushLines    = 50
	FlushInterval = 5 * time.Second
)

// Polling behavior.
const (
	// ActivePollTimeout replaces the configured poll timeout whenever at
	// least one task is active, so the loop re-checks completions promptly.
	ActivePollTimeout = 5 * time.Second

	// DefaultPollInterval is the sleep between failed poll attempts.
	DefaultPollInterval = 10 * time.Second

	// DefaultPollTimeout bounds an idle long-poll window.
	DefaultPollTimeout = 60 * time.Second
)

// Shutdown drain behavior.
const (
	DrainPollInterval      = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
)

// Ralph loop behavior.
const (
	DefaultRalphMaxIterations = 50

	// RalphRestartPause separates iterations after a context-exhaustion
	// checkpoint to avoid a tight restart loop.
	RalphRestartPause = 2 * time.Second
)

// DefaultMaxConcurrent is the per-runner active task budget.
const DefaultMaxConcurrent = 1

// DefaultModel is passed to the claude CLI when no override is configured.
const DefaultModel = "claude-sonnet-4-5"
