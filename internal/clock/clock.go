// Package clock abstracts the time operations used by token refresh,
// retry backoff and channel close polling so tests can run them without
// real waiting.
package clock

import (
	"context"
	"time"
)

// Clock is the time source injected into snowstream components. Production
// code uses Real(); tests use NewFake.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

type deadlineKey struct{}

// WithDeadline returns a context that ends at deadline as measured by c. The
// returned context carries a wall-clock timeout for in-flight I/O, and Sleep
// stops at the deadline on c even when c is not the wall clock.
func WithDeadline(ctx context.Context, c Clock, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, deadlineKey{}, deadline)
	return context.WithTimeout(ctx, deadline.Sub(c.Now()))
}

// Sleep waits for d on c, returning early with the context error if ctx is
// done first. If ctx carries a deadline from WithDeadline that falls inside
// the wait, Sleep waits until the deadline and returns
// context.DeadlineExceeded.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	var cut bool
	if deadline, ok := ctx.Value(deadlineKey{}).(time.Time); ok {
		remaining := deadline.Sub(c.Now())
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		if d > remaining {
			d, cut = remaining, true
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
	}
	if cut {
		return context.DeadlineExceeded
	}
	return nil
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
