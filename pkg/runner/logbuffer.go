package runner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"roost/pkg/protocol"
)

// LogSink receives flushed batches of subprocess output lines. The
// production sink is the control plane's session-logs endpoint.
type LogSink interface {
	PushSessionLogs(ctx context.Context, p protocol.SessionLogPayload) error
}

// LogBuffer accumulates raw output lines for one subprocess execution and
// decides when a batch is due. It is owned by a single execution and never
// shared across executions, but the drain goroutines for stdout and stderr
// both feed it, so it carries its own lock.
type LogBuffer struct {
	mu        sync.Mutex
	lines     []string
	lastFlush time.Time
	now       func() time.Time
}

// NewLogBuffer creates an empty buffer whose flush clock starts now.
func NewLogBuffer() *LogBuffer {
	return NewLogBufferWithClock(time.Now)
}

// NewLogBufferWithClock creates a buffer with an injected clock (for testing).
func NewLogBufferWithClock(now func() time.Time) *LogBuffer {
	return &LogBuffer{
		lines:     make([]string, 0, protocol.FlushLines),
		lastFlush: now(),
		now:       now,
	}
}

// Add appends a line. The returned batch is non-nil when a flush is due:
// either the buffer reached FlushLines lines or FlushInterval has elapsed
// since the last flush. Returning the batch clears the buffer, so the
// caller owns delivery.
func (b *LogBuffer) Add(line string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	if len(b.lines) >= protocol.FlushLines || b.now().Sub(b.lastFlush) >= protocol.FlushInterval {
		return b.takeLocked()
	}
	return nil
}

// Drain returns and clears whatever is buffered. Used for the final flush
// at process exit; returns nil when the buffer is empty.
func (b *LogBuffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return nil
	}
	return b.takeLocked()
}

// Len returns the number of buffered lines.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

func (b *LogBuffer) takeLocked() []string {
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	b.lines = b.lines[:0]
	b.lastFlush = b.now()
	return out
}

// StreamConfig identifies where one execution's output batches go. The
// supervisor only streams when all identifying fields are present.
type StreamConfig struct {
	SessionID string
	Iteration int
	TaskID    string
	CLI       string
}

// Enabled reports whether this execution should stream at all.
func (s StreamConfig) Enabled() bool {
	return s.SessionID != "" && s.CLI != ""
}

// Streamer couples a LogBuffer to a LogSink for one subprocess execution.
// A failed push is logged and the batch is dropped; transport failures
// never interrupt the execution.
type Streamer struct {
	buf  *LogBuffer
	sink LogSink
	cfg  StreamConfig
}

// NewStreamer creates a streamer for one execution. A nil sink or a
// disabled config yields a nil Streamer, which all methods tolerate.
func NewStreamer(sink LogSink, cfg StreamConfig) *Streamer {
	if sink == nil || !cfg.Enabled() {
		return nil
	}
	return &Streamer{buf: NewLogBuffer(), sink: sink, cfg: cfg}
}

// Line feeds one output line, pushing a batch if one comes due.
func (s *Streamer) Line(ctx context.Context, line string) {
	if s == nil {
		return
	}
	if batch := s.buf.Add(line); batch != nil {
		s.push(ctx, batch)
	}
}

// Final flushes anything still buffered. Called once at process exit.
func (s *Streamer) Final(ctx context.Context) {
	if s == nil {
		return
	}
	if batch := s.buf.Drain(); batch != nil {
		s.push(ctx, batch)
	}
}

func (s *Streamer) push(ctx context.Context, lines []string) {
	err := s.sink.PushSessionLogs(ctx, protocol.SessionLogPayload{
		SessionID: s.cfg.SessionID,
		Iteration: s.cfg.Iteration,
		TaskID:    s.cfg.TaskID,
		CLI:       s.cfg.CLI,
		Lines:     lines,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: session log flush failed (%d lines dropped): %v\n", len(lines), err)
	}
}
