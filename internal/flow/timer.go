package flow

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTickInterval is one countdown step. Countdowns are expressed in
// seconds and advance one second per tick.
const DefaultTickInterval = time.Second

// countdown decrements seconds once per tick until it reaches zero or ctx is
// done. onTick receives the remaining seconds after each step and stops the
// countdown by returning false. It reports whether zero was reached.
func countdown(ctx context.Context, seconds int, interval time.Duration, onTick func(remaining int) bool) bool {
	if seconds <= 0 {
		return ctx.Err() == nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for remaining := seconds; remaining > 0; {
		select {
		case <-ctx.Done():
			slog.Debug("countdown: cancelled", "remaining", remaining)
			return false
		case <-ticker.C:
			remaining--
			if !onTick(remaining) {
				return false
			}
		}
	}
	return true
}
