package registry

import (
	"context"
	"log/slog"
	"time"
)

// StartIdleSweeper runs a background goroutine that periodically
// destroys idle sessions. It is independent of the health watchdog and
// stops when ctx is cancelled.
func StartIdleSweeper(ctx context.Context, r *Registry, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle sweeper started", "interval", interval, "timeout", timeout)

		for {
			select {
			case <-ticker.C:
				if swept := r.SweepIdle(ctx, timeout); swept > 0 {
					slog.Info("Idle sweep completed", "destroyed", swept)
				}
			case <-ctx.Done():
				slog.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
