// Package poll implements the bounded wait used for instance readiness, boot
// reachability and remote job completion.
package poll

import (
	"context"
	"time"

	"github.com/cochaviz/accelhost/internal/faults"
)

// DefaultInterval is used when a Timeout has no positive interval.
const DefaultInterval = time.Second

// Unbounded disables the deadline of a Timeout.
const Unbounded time.Duration = -1

// Timeout bounds a single wait. A negative Limit never expires; cancellation
// of the context still ends the wait.
type Timeout struct {
	Limit    time.Duration
	Interval time.Duration
}

// Condition is evaluated on every check. A non-nil error aborts the wait.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond immediately and then once per interval until it
// reports true, it fails, the deadline passes or ctx is done. It returns nil,
// the condition's error, faults.ErrTimedOut or ctx.Err() respectively.
func Until(ctx context.Context, t Timeout, cond Condition) error {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	start := time.Now()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if t.Limit >= 0 && time.Since(start) >= t.Limit {
			return faults.ErrTimedOut
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
