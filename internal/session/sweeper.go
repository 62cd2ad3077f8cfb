package session

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
	sweepBatch           = 500
)

// StartSweeper runs a background goroutine that periodically abandons
// sessions with no activity for idle.
func StartSweeper(ctx context.Context, svc *Service, interval, idle time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "idle_timeout", idle)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, svc, idle)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, svc *Service, idle time.Duration) {
	n, err := svc.SweepStale(ctx, idle, sweepBatch)
	if err != nil {
		slog.Error("Session sweeper failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Session sweeper abandoned idle sessions", "count", n)
	}
}
