package eventlog

import (
	"context"
	"log/slog"
	"time"
)

const followBatch = 256

// Follow streams every event with sequence >= from, then keeps streaming new
// events as they are appended. Logs implementing Notifier wake the follower
// immediately; others are polled every interval. The channel is closed when ctx
// is done.
func Follow(ctx context.Context, log Log, from uint64, interval time.Duration) <-chan Event {
	if from == 0 {
		from = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Event)
	notifier, _ := log.(Notifier)

	go func() {
		defer close(out)
		next := from
		for {
			var wake <-chan struct{}
			if notifier != nil {
				wake = notifier.Changed()
			}

			batch, err := log.Range(ctx, next, followBatch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Default().Warn("eventlog: follow range failed", "from", next, "error", err)
				batch = nil
			}
			for _, e := range batch {
				select {
				case out <- e:
					next = e.Sequence + 1
				case <-ctx.Done():
					return
				}
			}
			if len(batch) == followBatch {
				continue
			}

			if wake == nil {
				timer := time.NewTimer(interval)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
				continue
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
