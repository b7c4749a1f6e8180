package runner

import (
	"context"
	"time"

	"roost/pkg/protocol"
)

// TriggerSource is the polling face of the control plane.
type TriggerSource interface {
	Poll(ctx context.Context, since time.Time) (*protocol.Trigger, error)
}

// ActiveCounter is the slice of the capacity tracker the poller needs.
type ActiveCounter interface {
	ActiveCount() int
}

// Poller long-polls the control plane for work. It shortens its timeout
// whenever tasks are active so the caller re-checks completions promptly.
type Poller struct {
	source   TriggerSource
	tracker  ActiveCounter
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewPoller creates a poller. Zero interval/timeout take the protocol
// defaults.
func NewPoller(source TriggerSource, tracker ActiveCounter, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = protocol.DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = protocol.DefaultPollTimeout
	}
	return &Poller{source: source, tracker: tracker, interval: interval, timeout: timeout, now: time.Now}
}

// SetClock overrides the poller's time source (for testing).
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// Poll repeatedly asks the control plane for a trigger until one arrives
// or the effective timeout elapses. Transport and non-2xx failures sleep
// the poll interval and retry. A (nil, nil) return is the suspension
// point, not an error: the caller simply re-invokes. since is an opaque
// cursor advanced by the caller, never by the poller.
func (p *Poller) Poll(ctx context.Context, since time.Time) (*protocol.Trigger, error) {
	timeout := p.timeout
	if p.tracker != nil && p.tracker.ActiveCount() > 0 {
		timeout = protocol.ActivePollTimeout
	}
	deadline := p.now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		trigger, err := p.source.Poll(ctx, since)
		if err != nil {
			if !sleepCtx(ctx, p.interval) {
				return nil, ctx.Err()
			}
			if p.now().After(deadline) {
				return nil, nil
			}
			continue
		}
		if trigger != nil {
			return trigger, nil
		}
		if p.now().After(deadline) {
			return nil, nil
		}
		if !sleepCtx(ctx, p.interval) {
			return nil, ctx.Err()
		}
	}
}

// sleepCtx waits d unless ctx is cancelled first; it reports whether the
// full wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
