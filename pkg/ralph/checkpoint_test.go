package ralph_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roost/pkg/protocol"
	"roost/pkg/ralph"
)

func TestCheckpointPath(t *testing.T) {
	got := ralph.CheckpointPath("/var/roost/checkpoints", "task-1")
	want := filepath.Join("/var/roost/checkpoints", "task-1.checkpoint.json")
	if got != want {
		t.Errorf("CheckpointPath() = %q, want %q", got, want)
	}
}

func TestReadCheckpointAbsent(t *testing.T) {
	cp, err := ralph.ReadCheckpoint(t.TempDir(), "task-1")
	if err != nil {
		t.Fatalf("ReadCheckpoint() error: %v", err)
	}
	if cp != nil {
		t.Errorf("ReadCheckpoint() = %+v, want nil for absent file", cp)
	}
}

func TestWriteReadClearCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")
	in := protocol.RalphCheckpoint{
		TaskID:      "task-1",
		Iteration:   4,
		ContextFull: true,
		Timestamp:   time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		Reason:      protocol.ReasonPrecompact,
	}
	if err := ralph.WriteCheckpoint(dir, in); err != nil {
		t.Fatalf("WriteCheckpoint() error: %v", err)
	}

	cp, err := ralph.ReadCheckpoint(dir, "task-1")
	if err != nil {
		t.Fatalf("ReadCheckpoint() error: %v", err)
	}
	if cp == nil {
		t.Fatal("ReadCheckpoint() = nil after write")
	}
	if cp.Reason != protocol.ReasonPrecompact || cp.Iteration != 4 || !cp.ContextFull {
		t.Errorf("checkpoint = %+v", cp)
	}

	if err := ralph.ClearCheckpoint(dir, "task-1"); err != nil {
		t.Fatalf("ClearCheckpoint() error: %v", err)
	}
	if cp, _ := ralph.ReadCheckpoint(dir, "task-1"); cp != nil {
		t.Error("checkpoint still readable after clear")
	}
}

func TestClearCheckpointMissingIsNoError(t *testing.T) {
	if err := ralph.ClearCheckpoint(t.TempDir(), "never-existed"); err != nil {
		t.Errorf("ClearCheckpoint() error on missing file: %v", err)
	}
}

func TestReadCheckpointCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := ralph.CheckpointPath(dir, "task-1")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cp, err := ralph.ReadCheckpoint(dir, "task-1")
	if err == nil {
		t.Fatal("ReadCheckpoint() accepted corrupt file")
	}
	if cp != nil {
		t.Errorf("ReadCheckpoint() = %+v with error, want nil", cp)
	}
	if !strings.Contains(err.Error(), "task-1") {
		t.Errorf("error %q does not name the task", err)
	}
}
