package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"roost/pkg/eventlog"
	"roost/pkg/protocol"
)

// offlineNotifier is the slice of the control plane the drain needs.
type offlineNotifier interface {
	Close(ctx context.Context) error
}

// closeTimeout bounds the best-effort offline notification so a dead
// control plane cannot stall shutdown.
const closeTimeout = 5 * time.Second

// Drainer coordinates graceful termination: wait for in-flight tasks up to
// a deadline, force-kill stragglers, notify the control plane, and persist
// a snapshot. The whole sequence runs at most once no matter how many
// signals arrive.
type Drainer struct {
	cp       offlineNotifier
	trk      *Tracker
	events   *eventlog.Log
	deadline time.Duration
	console  io.Writer

	once sync.Once
	poll time.Duration
}

// NewDrainer wires a drainer. A zero deadline takes the protocol default.
func NewDrainer(cp offlineNotifier, trk *Tracker, events *eventlog.Log, deadline time.Duration, console io.Writer) *Drainer {
	if deadline <= 0 {
		deadline = protocol.DefaultShutdownTimeout
	}
	if console == nil {
		console = os.Stderr
	}
	return &Drainer{
		cp:       cp,
		trk:      trk,
		events:   events,
		deadline: deadline,
		console:  console,
		poll:     protocol.DrainPollInterval,
	}
}

// SetPollInterval overrides the completion poll cadence (for tests).
func (d *Drainer) SetPollInterval(interval time.Duration) { d.poll = interval }

// Drain runs the shutdown sequence. Idempotent.
func (d *Drainer) Drain() {
	d.once.Do(d.drain)
}

func (d *Drainer) drain() {
	if d.trk.ActiveCount() > 0 {
		d.waitThenKill()
	}

	// Always, regardless of how many tasks were active: go offline and
	// persist state, both best-effort.
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := d.cp.Close(ctx); err != nil {
		fmt.Fprintf(d.console, "warning: offline notification failed: %v\n", err)
	}
	d.snapshot(ctx)
	fmt.Fprintln(d.console, "shutdown complete")
}

// waitThenKill polls for completions until the deadline, then force-kills
// whatever is left. Deadline overrun is logged, never escalated.
func (d *Drainer) waitThenKill() {
	fmt.Fprintf(d.console, "draining %d active task(s), deadline %s\n", d.trk.ActiveCount(), d.deadline)
	deadline := time.Now().Add(d.deadline)

	for time.Now().Before(deadline) {
		d.trk.Reap()
		if d.trk.ActiveCount() == 0 {
			fmt.Fprintln(d.console, "all tasks drained")
			return
		}
		time.Sleep(d.poll)
	}

	for _, rt := range d.trk.Active() {
		fmt.Fprintf(d.console, "drain deadline exceeded, force-terminating task %s\n", rt.TaskID)
		if rt.Handle != nil {
			_ = rt.Handle.Kill()
		}
		_ = d.events.Record(context.Background(), "forced_kill", rt.TaskID, "")
		d.trk.Remove(rt.TaskID)
	}
}

// snapshot persists the tasks that were still in flight (empty on a clean
// drain, which records the clean shutdown itself).
func (d *Drainer) snapshot(ctx context.Context) {
	active := d.trk.Active()
	entries := make([]eventlog.SnapshotEntry, 0, len(active))
	for _, rt := range active {
		entries = append(entries, eventlog.SnapshotEntry{
			TaskID:    rt.TaskID,
			LogPath:   rt.LogPath,
			StartedAt: rt.StartedAt,
			Ralph:     rt.Ralph,
		})
	}
	if err := d.events.SaveSnapshot(ctx, entries); err != nil {
		fmt.Fprintf(d.console, "warning: state snapshot failed: %v\n", err)
	}
}
