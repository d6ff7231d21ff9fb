package resiliency

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BestEffortTimeout bounds a single best-effort side effect.
const BestEffortTimeout = 5 * time.Second

// BestEffort runs fn and swallows its failure after logging it. Panics are
// recovered and logged the same way. It reports whether fn succeeded.
func BestEffort(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context) error) (ok bool) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, BestEffortTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			logger.Warn("best-effort side effect panicked", "effect", name, "error", fmt.Sprint(p))
			ok = false
		}
	}()

	if err := fn(ctx); err != nil {
		logger.Warn("best-effort side effect failed", "effect", name, "error", err)
		return false
	}
	return true
}
