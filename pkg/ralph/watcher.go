package ralph

import (
	"github.com/fsnotify/fsnotify"
)

// CheckpointObserver watches the checkpoint directory so a mid-iteration
// checkpoint write can be surfaced immediately (activity event, heartbeat)
// instead of waiting for the subprocess to exit. Purely observational: the
// loop still makes every decision from the file it reads after exit.
type CheckpointObserver struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// ObserveCheckpoints starts watching dir and invokes onWrite each time the
// given task's checkpoint file is created or written. Returns nil (not an
// error) when the watcher cannot start; observation is optional.
func ObserveCheckpoints(dir, taskID string, onWrite func()) *CheckpointObserver {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil
	}

	target := CheckpointPath(dir, taskID)
	obs := &CheckpointObserver{watcher: watcher, stop: make(chan struct{})}

	go func() {
		for {
			select {
			case <-obs.stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == target && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
					onWrite()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return obs
}

// Stop ends observation. Safe on a nil receiver and safe to call once.
func (o *CheckpointObserver) Stop() {
	if o == nil {
		return
	}
	close(o.stop)
	_ = o.watcher.Close()
}
