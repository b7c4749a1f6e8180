package runner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"roost/pkg/protocol"
	"roost/pkg/runner"
)

func TestLogBufferNoFlushBelowThreshold(t *testing.T) {
	clock := time.Now()
	buf := runner.NewLogBufferWithClock(func() time.Time { return clock })

	for i := 0; i < protocol.FlushLines-1; i++ {
		if batch := buf.Add(fmt.Sprintf("line %d", i)); batch != nil {
			t.Fatalf("unexpected flush at line %d: %d lines", i, len(batch))
		}
	}
	if got := buf.Len(); got != protocol.FlushLines-1 {
		t.Errorf("Len() = %d, want %d", got, protocol.FlushLines-1)
	}
}

func TestLogBufferFlushesAtLineThreshold(t *testing.T) {
	clock := time.Now()
	buf := runner.NewLogBufferWithClock(func() time.Time { return clock })

	for i := 0; i < protocol.FlushLines-1; i++ {
		buf.Add(fmt.Sprintf("line %d", i))
	}
	batch := buf.Add("last line")
	if batch == nil {
		t.Fatal("expected flush at line threshold, got nil")
	}
	if len(batch) != protocol.FlushLines {
		t.Errorf("batch size = %d, want %d", len(batch), protocol.FlushLines)
	}
	if batch[0] != "line 0" || batch[len(batch)-1] != "last line" {
		t.Errorf("batch order wrong: first=%q last=%q", batch[0], batch[len(batch)-1])
	}
	if buf.Len() != 0 {
		t.Errorf("buffer not cleared after flush: Len() = %d", buf.Len())
	}
}

func TestLogBufferFlushesOnInterval(t *testing.T) {
	clock := time.Now()
	buf := runner.NewLogBufferWithClock(func() time.Time { return clock })

	if batch := buf.Add("first"); batch != nil {
		t.Fatal("unexpected flush on first line")
	}

	clock = clock.Add(protocol.FlushInterval + time.Second)
	batch := buf.Add("second")
	if batch == nil {
		t.Fatal("expected interval flush, got nil")
	}
	if len(batch) != 2 {
		t.Errorf("batch size = %d, want 2", len(batch))
	}
}

func TestLogBufferDrain(t *testing.T) {
	buf := runner.NewLogBuffer()

	if got := buf.Drain(); got != nil {
		t.Errorf("Drain on empty buffer = %v, want nil", got)
	}

	buf.Add("a")
	buf.Add("b")
	batch := buf.Drain()
	if len(batch) != 2 {
		t.Fatalf("Drain returned %d lines, want 2", len(batch))
	}
	if buf.Len() != 0 {
		t.Errorf("buffer not cleared after drain: Len() = %d", buf.Len())
	}
}

func TestStreamConfigEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  runner.StreamConfig
		want bool
	}{
		{"full", runner.StreamConfig{SessionID: "s1", TaskID: "t1", CLI: "claude"}, true},
		{"no session", runner.StreamConfig{TaskID: "t1", CLI: "claude"}, false},
		{"no cli", runner.StreamConfig{SessionID: "s1", TaskID: "t1"}, false},
		{"empty", runner.StreamConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewStreamerNilCases(t *testing.T) {
	if s := runner.NewStreamer(nil, runner.StreamConfig{SessionID: "s", CLI: "c"}); s != nil {
		t.Error("expected nil streamer for nil sink")
	}
	if s := runner.NewStreamer(&fakeSink{}, runner.StreamConfig{}); s != nil {
		t.Error("expected nil streamer for disabled config")
	}

	// nil streamer methods must not panic
	var s *runner.Streamer
	s.Line(context.Background(), "line")
	s.Final(context.Background())
}

func TestStreamerPushesBatch(t *testing.T) {
	sink := &fakeSink{}
	s := runner.NewStreamer(sink, runner.StreamConfig{
		SessionID: "sess-1",
		Iteration: 3,
		TaskID:    "task-9",
		CLI:       "claude",
	})
	if s == nil {
		t.Fatal("expected non-nil streamer")
	}

	ctx := context.Background()
	for i := 0; i < protocol.FlushLines; i++ {
		s.Line(ctx, fmt.Sprintf("line %d", i))
	}

	batches := sink.Batches()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	got := batches[0]
	if got.SessionID != "sess-1" || got.TaskID != "task-9" || got.Iteration != 3 || got.CLI != "claude" {
		t.Errorf("payload metadata wrong: %+v", got)
	}
	if len(got.Lines) != protocol.FlushLines {
		t.Errorf("batch lines = %d, want %d", len(got.Lines), protocol.FlushLines)
	}
}

func TestStreamerFinalFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	s := runner.NewStreamer(sink, runner.StreamConfig{SessionID: "s", TaskID: "t", CLI: "claude"})

	ctx := context.Background()
	s.Line(ctx, "only line")
	if len(sink.Batches()) != 0 {
		t.Fatal("unexpected early flush")
	}
	s.Final(ctx)
	batches := sink.Batches()
	if len(batches) != 1 || len(batches[0].Lines) != 1 {
		t.Fatalf("Final did not flush remainder: %+v", batches)
	}
}

func TestStreamerSinkFailureDoesNotPanic(t *testing.T) {
	sink := &fakeSink{err: errors.New("control plane down")}
	s := runner.NewStreamer(sink, runner.StreamConfig{SessionID: "s", TaskID: "t", CLI: "claude"})

	ctx := context.Background()
	s.Line(ctx, "line")
	s.Final(ctx) // batch dropped, no panic
}
