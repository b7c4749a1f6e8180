// Package ralph drives resumable multi-iteration tasks to completion via
// filesystem checkpoints. The subprocess's own hook writes a checkpoint
// file when its context window fills or it intentionally finishes; the
// loop here reads and deletes it between iterations. The file survives
// supervisor crashes, which is why this stays a file and not a pipe.
package ralph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"roost/pkg/protocol"
)

// CheckpointPath returns the single checkpoint file for a task. At most
// one exists per task at any time.
func CheckpointPath(dir, taskID string) string {
	return filepath.Join(dir, taskID+".checkpoint.json")
}

// ReadCheckpoint loads the task's checkpoint if present. An absent file
// returns (nil, nil). A corrupt or unreadable file is reported with a
// non-nil error so the caller can log it and treat the checkpoint as
// absent.
func ReadCheckpoint(dir, taskID string) (*protocol.RalphCheckpoint, error) {
	data, err := os.ReadFile(CheckpointPath(dir, taskID)) //nolint:gosec // path built from our checkpoint dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint for %s: %w", taskID, err)
	}
	var cp protocol.RalphCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint for %s: %w", taskID, err)
	}
	return &cp, nil
}

// ClearCheckpoint removes the task's checkpoint file. Missing file is not
// an error.
func ClearCheckpoint(dir, taskID string) error {
	err := os.Remove(CheckpointPath(dir, taskID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear checkpoint for %s: %w", taskID, err)
	}
	return nil
}

// WriteCheckpoint persists a checkpoint for a task, creating the directory
// if needed. In production the subprocess's hook writes this file; the
// runner only writes checkpoints in tests and tooling.
func WriteCheckpoint(dir string, cp protocol.RalphCheckpoint) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint for %s: %w", cp.TaskID, err)
	}
	if err := os.WriteFile(CheckpointPath(dir, cp.TaskID), data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint for %s: %w", cp.TaskID, err)
	}
	return nil
}
