package runner_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"roost/pkg/protocol"
	"roost/pkg/runner"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// fakeProcess implements runner.Process for testing.
type fakeProcess struct {
	mu       sync.Mutex
	killed   bool
	exitCode int
	waitCh   chan struct{} // close to unblock Wait
}

func newFakeProcess(exitCode int) *fakeProcess {
	return &fakeProcess{exitCode: exitCode, waitCh: make(chan struct{})}
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.waitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	select {
	case <-p.waitCh:
	default:
		close(p.waitCh)
	}
	return nil
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Exit unblocks Wait with the configured exit code.
func (p *fakeProcess) Exit() {
	select {
	case <-p.waitCh:
	default:
		close(p.waitCh)
	}
}

// fakeSpawner implements runner.Spawner for testing.
type fakeSpawner struct {
	mu       sync.Mutex
	calls    []runner.SpawnSpec
	process  *fakeProcess
	stdout   string
	stderr   string
	spawnErr error
}

func (s *fakeSpawner) Spawn(_ context.Context, spec runner.SpawnSpec) (runner.Process, io.ReadCloser, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, spec)
	if s.spawnErr != nil {
		return nil, nil, nil, s.spawnErr
	}
	return s.process,
		io.NopCloser(strings.NewReader(s.stdout)),
		io.NopCloser(strings.NewReader(s.stderr)),
		nil
}

func (s *fakeSpawner) SpawnCalls() []runner.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := make([]runner.SpawnSpec, len(s.calls))
	copy(dst, s.calls)
	return dst
}

// fakeSink records flushed session log batches.
type fakeSink struct {
	mu      sync.Mutex
	batches []protocol.SessionLogPayload
	err     error
}

func (s *fakeSink) PushSessionLogs(_ context.Context, p protocol.SessionLogPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, p)
	return s.err
}

func (s *fakeSink) Batches() []protocol.SessionLogPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := make([]protocol.SessionLogPayload, len(s.batches))
	copy(dst, s.batches)
	return dst
}
