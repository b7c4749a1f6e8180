package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Process abstracts a running subprocess.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	// A non-exit failure (wait syscall error) is returned as err.
	Wait() (int, error)
	Kill() error
}

// Spawner abstracts claude invocation for testing. It returns the process
// handle plus its stdout and stderr streams, which the supervisor drains
// concurrently.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, io.ReadCloser, io.ReadCloser, error)
}

// SpawnSpec describes one subprocess execution.
type SpawnSpec struct {
	Prompt       string
	Model        string
	SystemPrompt string   // optional --append-system-prompt
	ExtraArgs    []string // optional trailing args
	Workdir      string
	LogPath      string // transcript file; parent directory is created
	Stream       StreamConfig
}

// Handle tracks one supervised subprocess from Start to exit.
type Handle struct {
	proc Process
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Await blocks until the subprocess has exited and both output drains have
// finished, then returns the exit code.
func (h *Handle) Await() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.waitErr
}

// ExitCode reports the exit code without blocking. ok is false while the
// process is still running.
func (h *Handle) ExitCode() (code int, ok bool) {
	select {
	case <-h.done:
	default:
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Done returns a channel closed when the subprocess has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Kill force-terminates the subprocess. The drains and Wait still complete
// normally afterward.
func (h *Handle) Kill() error {
	return h.proc.Kill()
}

// Supervisor spawns the external agent executable, drains its output
// concurrently, writes a local transcript, and tracks the exit code. One
// Supervisor serves all executions of a runner; per-execution state lives
// in the Handle.
type Supervisor struct {
	spawner Spawner
	sink    LogSink
	render  *Renderer
	console io.Writer // operational warnings; defaults to os.Stderr
}

// NewSupervisor wires a supervisor. sink may be nil (no streaming) and
// render may be nil (no console pretty-printing).
func NewSupervisor(spawner Spawner, sink LogSink, render *Renderer) *Supervisor {
	return &Supervisor{spawner: spawner, sink: sink, render: render, console: os.Stderr}
}

// SetConsole redirects operational warnings (for tests).
func (s *Supervisor) SetConsole(w io.Writer) { s.console = w }

// transcriptHeader is the metadata line written at the top of every
// transcript file before any subprocess output.
type transcriptHeader struct {
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	CLI       string    `json:"cli,omitempty"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Start launches the subprocess and returns immediately with a Handle.
// Output draining runs in background goroutines: stdout lines go verbatim
// to the transcript, through the console renderer, and to the log streamer
// when streaming is configured; stderr lines go to the transcript and
// accumulate in memory for a post-mortem message on non-zero exit.
func (s *Supervisor) Start(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	transcript, err := openTranscript(spec)
	if err != nil {
		return nil, err
	}

	proc, stdout, stderr, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		_ = transcript.Close()
		return nil, fmt.Errorf("spawn agent subprocess: %w", err)
	}

	h := &Handle{proc: proc, done: make(chan struct{})}
	streamer := NewStreamer(s.sink, spec.Stream)

	var (
		wg         sync.WaitGroup
		chunks     atomic.Int64
		transcMu   sync.Mutex
		stderrAcc  strings.Builder
		stderrAccL sync.Mutex
	)
	writeTranscript := func(line string) {
		transcMu.Lock()
		defer transcMu.Unlock()
		fmt.Fprintln(transcript, line)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if stdout == nil {
			return
		}
		defer func() { _ = stdout.Close() }()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			chunks.Add(1)
			writeTranscript(line)
			s.render.Line(line)
			streamer.Line(ctx, line)
		}
	}()
	go func() {
		defer wg.Done()
		if stderr == nil {
			return
		}
		defer func() { _ = stderr.Close() }()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			chunks.Add(1)
			writeTranscript(line)
			stderrAccL.Lock()
			stderrAcc.WriteString(line)
			stderrAcc.WriteString("\n")
			stderrAccL.Unlock()
		}
	}()

	go func() {
		wg.Wait()
		code, waitErr := proc.Wait()
		streamer.Final(ctx)
		_ = transcript.Close()

		if chunks.Load() == 0 {
			fmt.Fprintf(s.console, "warning: subprocess produced no output at all (task %s), possible auth or startup failure\n", spec.Stream.TaskID)
		}
		if code != 0 {
			stderrAccL.Lock()
			captured := stderrAcc.String()
			stderrAccL.Unlock()
			if captured != "" {
				fmt.Fprintf(s.console, "subprocess exited %d, stderr follows:\n%s", code, captured)
			} else {
				fmt.Fprintf(s.console, "subprocess exited %d with no stderr output\n", code)
			}
			s.appendErrorRecord(spec, code, captured)
		}

		h.mu.Lock()
		h.exitCode = code
		h.waitErr = waitErr
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Run is the blocking variant used by the ralph loop: Start plus Await.
func (s *Supervisor) Run(ctx context.Context, spec SpawnSpec) (int, error) {
	h, err := s.Start(ctx, spec)
	if err != nil {
		return 0, err
	}
	return h.Await()
}

// errorRecord is one line of errors.jsonl, written next to the transcript.
type errorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Stderr    string    `json:"stderr,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

// appendErrorRecord appends a JSON error record to errors.jsonl in the
// transcript's directory. Best-effort: the file may not exist yet and any
// failure is only warned about.
func (s *Supervisor) appendErrorRecord(spec SpawnSpec, code int, stderr string) {
	if spec.LogPath == "" {
		return
	}
	rec := errorRecord{
		Timestamp: time.Now().UTC(),
		TaskID:    spec.Stream.TaskID,
		SessionID: spec.Stream.SessionID,
		Iteration: spec.Stream.Iteration,
		ExitCode:  code,
		Stderr:    stderr,
		LogPath:   spec.LogPath,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	path := filepath.Join(filepath.Dir(spec.LogPath), "errors.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derives from our own log dir
	if err != nil {
		fmt.Fprintf(s.console, "warning: cannot append to %s: %v\n", path, err)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(data, '\n'))
}

// openTranscript creates the transcript file and writes the metadata
// header line.
func openTranscript(spec SpawnSpec) (*os.File, error) {
	if spec.LogPath == "" {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open devnull transcript: %w", err)
		}
		return devnull, nil
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derives from our own log dir
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", spec.LogPath, err)
	}
	header := transcriptHeader{
		SessionID: spec.Stream.SessionID,
		TaskID:    spec.Stream.TaskID,
		Iteration: spec.Stream.Iteration,
		CLI:       spec.Stream.CLI,
		Model:     spec.Model,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(header)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("marshal transcript header: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write transcript header: %w", err)
	}
	return f, nil
}

// CLIName is the external agent executable the production spawner invokes.
const CLIName = "claude"

// ClaudeSpawner is the production Spawner. It launches the claude CLI with
// the fixed flag set (model, permission bypass, structured streaming
// output) appended with the caller's prompt, optional system-prompt append,
// and optional extra arguments.
type ClaudeSpawner struct{}

// Spawn starts the claude subprocess. The command is intentionally not
// bound to ctx: the trigger loop has no mid-flight cancellation, and the
// shutdown drain owns forced termination via Kill.
func (cs *ClaudeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, io.ReadCloser, io.ReadCloser, error) {
	args := []string{
		"-p", spec.Prompt,
		"--model", spec.Model,
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	args = append(args, spec.ExtraArgs...)

	cmd := exec.Command(CLIName, args...) //nolint:gosec // fixed binary, prompt args under our control
	cmd.Dir = spec.Workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start %s: %w", CLIName, err)
	}
	return &cmdProcess{cmd: cmd}, stdout, stderr, nil
}

// cmdProcess wraps *exec.Cmd to implement Process.
type cmdProcess struct {
	cmd *exec.Cmd
}

// Wait blocks until the subprocess exits and returns its exit code. An
// ExitError is folded into the code; any other failure is returned as err.
func (p *cmdProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for %s: %w", CLIName, err)
}

// Kill terminates the subprocess immediately.
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", CLIName, err)
	}
	return nil
}
