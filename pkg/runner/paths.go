package runner

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TranscriptPath returns a fresh per-execution transcript path under the
// agent's log directory: <base>/<sessionID>/<timestamp>-<shortID>.jsonl.
func TranscriptPath(logDir, sessionID string) string {
	name := fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	return filepath.Join(logDir, sessionID, name)
}

// NewSessionID mints the identifier shared by all of one runner's
// executions and their streamed logs.
func NewSessionID() string {
	return uuid.NewString()
}

// SynthesizeTaskID provides an identifier for triggers that carry none,
// so the capacity tracker can still own the resulting subprocess.
func SynthesizeTaskID(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
}
