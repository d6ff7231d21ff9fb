package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when a poll runs out of attempts or time.
var ErrExhausted = errors.New("retry: exhausted")

// Func is one poll attempt. It reports done once the awaited condition holds.
// A non-nil error stops polling immediately.
type Func func(ctx context.Context) (done bool, err error)

// Poller runs a Func under a Policy and a wall-clock Timeout.
type Poller struct {
	Policy  Policy
	Timeout time.Duration
	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poll calls fn until it reports done, fails, or the policy or timeout is
// exhausted. Exhaustion wraps ErrExhausted; cancellation of ctx returns the
// context error.
func (p Poller) Poll(ctx context.Context, fn Func) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	policy := p.Policy
	if policy == nil {
		policy = Fixed{Interval: time.Second, MaxAttempts: 1}
	}
	pollCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		d, ok := policy.Delay(attempt)
		if !ok {
			return fmt.Errorf("%w after %d attempts", ErrExhausted, attempt)
		}
		if d > 0 {
			if err := sleep(pollCtx, d); err != nil {
				return p.stopErr(ctx, attempt)
			}
		}
		if err := pollCtx.Err(); err != nil {
			return p.stopErr(ctx, attempt)
		}
		done, err := fn(pollCtx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// stopErr distinguishes caller cancellation from the poll's own timeout.
func (p Poller) stopErr(parent context.Context, attempt int) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: timeout %s after %d attempts", ErrExhausted, p.Timeout, attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
