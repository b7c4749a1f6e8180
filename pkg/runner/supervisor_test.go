package runner_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roost/pkg/runner"
)

func newTestSupervisor(sp runner.Spawner, sink runner.LogSink) (*runner.Supervisor, *bytes.Buffer) {
	sup := runner.NewSupervisor(sp, sink, nil)
	console := &bytes.Buffer{}
	sup.SetConsole(console)
	return sup, console
}

func TestSupervisorWritesTranscriptWithHeader(t *testing.T) {
	proc := newFakeProcess(0)
	sp := &fakeSpawner{
		process: proc,
		stdout:  "{\"type\":\"assistant\"}\nsecond line\n",
	}
	sup, _ := newTestSupervisor(sp, nil)

	logPath := filepath.Join(t.TempDir(), "session", "run.jsonl")
	h, err := sup.Start(context.Background(), runner.SpawnSpec{
		Prompt:  "do the work",
		Model:   "claude-sonnet-4-5",
		LogPath: logPath,
		Stream:  runner.StreamConfig{TaskID: "t1"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	proc.Exit()
	code, err := h.Await()
	if err != nil || code != 0 {
		t.Fatalf("Await() = (%d, %v), want (0, nil)", code, err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("transcript missing: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("transcript empty, want header line")
	}
	var header struct {
		TaskID string `json:"task_id"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("header not JSON: %v", err)
	}
	if header.TaskID != "t1" || header.Model != "claude-sonnet-4-5" {
		t.Errorf("header = %+v", header)
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if len(body) != 2 || body[1] != "second line" {
		t.Errorf("transcript body = %v", body)
	}
}

func TestSupervisorExitCodeNonBlocking(t *testing.T) {
	proc := newFakeProcess(7)
	sp := &fakeSpawner{process: proc}
	sup, _ := newTestSupervisor(sp, nil)

	h, err := sup.Start(context.Background(), runner.SpawnSpec{Prompt: "p", Model: "m"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, ok := h.ExitCode(); ok {
		t.Fatal("ExitCode() reported done while process still running")
	}

	proc.Exit()
	waitFor(t, func() bool { _, ok := h.ExitCode(); return ok }, time.Second)
	code, _ := h.ExitCode()
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

func TestSupervisorNonZeroExitWritesErrorRecord(t *testing.T) {
	proc := newFakeProcess(1)
	sp := &fakeSpawner{process: proc, stderr: "fatal: credentials expired\n"}
	sup, console := newTestSupervisor(sp, nil)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.jsonl")
	h, err := sup.Start(context.Background(), runner.SpawnSpec{
		Prompt:  "p",
		Model:   "m",
		LogPath: logPath,
		Stream:  runner.StreamConfig{TaskID: "t9", SessionID: "s1", CLI: "claude"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	proc.Exit()
	if code, _ := h.Await(); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(console.String(), "credentials expired") {
		t.Errorf("console missing stderr dump: %q", console.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	if err != nil {
		t.Fatalf("errors.jsonl missing: %v", err)
	}
	var rec struct {
		TaskID   string `json:"task_id"`
		ExitCode int    `json:"exit_code"`
		Stderr   string `json:"stderr"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("error record not JSON: %v", err)
	}
	if rec.TaskID != "t9" || rec.ExitCode != 1 || !strings.Contains(rec.Stderr, "credentials expired") {
		t.Errorf("error record = %+v", rec)
	}
}

func TestSupervisorWarnsOnSilentSubprocess(t *testing.T) {
	proc := newFakeProcess(0)
	sp := &fakeSpawner{process: proc} // no stdout, no stderr
	sup, console := newTestSupervisor(sp, nil)

	h, err := sup.Start(context.Background(), runner.SpawnSpec{Prompt: "p", Model: "m"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	proc.Exit()
	_, _ = h.Await()

	if !strings.Contains(console.String(), "no output") {
		t.Errorf("console missing silent-subprocess warning: %q", console.String())
	}
}

func TestSupervisorStreamsStdout(t *testing.T) {
	var lines []string
	for i := 0; i < 120; i++ {
		lines = append(lines, "output line")
	}
	proc := newFakeProcess(0)
	sp := &fakeSpawner{process: proc, stdout: strings.Join(lines, "\n") + "\n"}
	sink := &fakeSink{}
	sup, _ := newTestSupervisor(sp, sink)

	h, err := sup.Start(context.Background(), runner.SpawnSpec{
		Prompt: "p",
		Model:  "m",
		Stream: runner.StreamConfig{SessionID: "s1", TaskID: "t1", CLI: "claude"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	proc.Exit()
	_, _ = h.Await()

	total := 0
	for _, b := range sink.Batches() {
		total += len(b.Lines)
	}
	if total != 120 {
		t.Errorf("streamed %d lines, want 120", total)
	}
	// 120 lines means two full batches plus a final partial flush
	if got := len(sink.Batches()); got != 3 {
		t.Errorf("got %d batches, want 3", got)
	}
}

func TestSupervisorSpawnFailure(t *testing.T) {
	sp := &fakeSpawner{spawnErr: errors.New("executable not found")}
	sup, _ := newTestSupervisor(sp, nil)

	_, err := sup.Start(context.Background(), runner.SpawnSpec{Prompt: "p", Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "executable not found") {
		t.Fatalf("Start() error = %v, want spawn failure", err)
	}
}

func TestSupervisorRunBlocksUntilExit(t *testing.T) {
	proc := newFakeProcess(0)
	sp := &fakeSpawner{process: proc, stdout: "done\n"}
	sup, _ := newTestSupervisor(sp, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		proc.Exit()
	}()
	code, err := sup.Run(context.Background(), runner.SpawnSpec{Prompt: "p", Model: "m"})
	if err != nil || code != 0 {
		t.Fatalf("Run() = (%d, %v), want (0, nil)", code, err)
	}
}

func TestHandleKill(t *testing.T) {
	proc := newFakeProcess(137)
	sp := &fakeSpawner{process: proc}
	sup, _ := newTestSupervisor(sp, nil)

	h, err := sup.Start(context.Background(), runner.SpawnSpec{Prompt: "p", Model: "m"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill() error: %v", err)
	}
	if !proc.Killed() {
		t.Error("process not killed")
	}
	code, _ := h.Await()
	if code != 137 {
		t.Errorf("exit code after kill = %d, want 137", code)
	}
}
