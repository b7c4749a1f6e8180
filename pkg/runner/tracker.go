package runner

import (
	"sync"
	"time"
)

// RunningTask represents one in-flight subprocess owned by the tracker.
// Ralph tasks occupy a slot with a nil Handle (the ralph loop spawns its
// own successive subprocesses) and signal completion via the done channel.
type RunningTask struct {
	TaskID    string
	Handle    *Handle // nil for ralph tasks
	LogPath   string
	StartedAt time.Time
	Ralph     bool
	done      chan struct{} // ralph completion signal; nil for subprocess tasks
}

// Finished reports, without blocking, whether the task's work has ended:
// subprocess exit for spawned tasks, loop resolution for ralph tasks.
func (rt *RunningTask) Finished() bool {
	if rt.Handle != nil {
		_, ok := rt.Handle.ExitCode()
		return ok
	}
	if rt.done == nil {
		return false
	}
	select {
	case <-rt.done:
		return true
	default:
		return false
	}
}

// Tracker bounds concurrently active tasks per runner instance. The control
// loop is the single writer; the shutdown handler reads concurrently, so
// the map is mutex-guarded.
type Tracker struct {
	mu            sync.Mutex
	active        map[string]*RunningTask
	maxConcurrent int
}

// NewTracker creates a tracker with the given concurrency budget. A budget
// below one is clamped to one.
func NewTracker(maxConcurrent int) *Tracker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Tracker{
		active:        make(map[string]*RunningTask),
		maxConcurrent: maxConcurrent,
	}
}

// Add records a spawned subprocess task.
func (t *Tracker) Add(rt *RunningTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[rt.TaskID] = rt
}

// AddRalph records a ralph task occupying a slot with a synthetic handle.
// The returned function resolves the slot when the loop finishes; calling
// it more than once is harmless.
func (t *Tracker) AddRalph(taskID, logPath string) (rt *RunningTask, finish func()) {
	done := make(chan struct{})
	rt = &RunningTask{
		TaskID:    taskID,
		LogPath:   logPath,
		StartedAt: time.Now(),
		Ralph:     true,
		done:      done,
	}
	t.mu.Lock()
	t.active[taskID] = rt
	t.mu.Unlock()

	var once sync.Once
	return rt, func() { once.Do(func() { close(done) }) }
}

// ActiveCount returns the number of in-flight tasks.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// HasSlot reports whether another task may start.
func (t *Tracker) HasSlot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) < t.maxConcurrent
}

// Reap removes and returns every task whose work has finished, checked by
// non-blocking inspection only. Reap never waits.
func (t *Tracker) Reap() []*RunningTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []*RunningTask
	for id, rt := range t.active {
		if rt.Finished() {
			reaped = append(reaped, rt)
			delete(t.active, id)
		}
	}
	return reaped
}

// Remove drops a task by ID. Idempotent: removing an absent task frees
// nothing and reports false.
func (t *Tracker) Remove(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[taskID]; !ok {
		return false
	}
	delete(t.active, taskID)
	return true
}

// Active returns a snapshot of in-flight tasks, safe for the shutdown
// handler to iterate while the control loop keeps mutating the map.
func (t *Tracker) Active() []*RunningTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*RunningTask, 0, len(t.active))
	for _, rt := range t.active {
		out = append(out, rt)
	}
	return out
}
