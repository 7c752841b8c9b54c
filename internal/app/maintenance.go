package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/nuetzliches/toolhorn/internal/progress"
	"github.com/nuetzliches/toolhorn/internal/track"
)

// runMaintenance periodically cancels stale operations and prunes progress
// state whose requests have finished.
func runMaintenance(ctx context.Context, interval, maxAge time.Duration, tracker *track.Tracker, reporter *progress.Reporter, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = defaultStaleMaxAge
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := tracker.SweepStale(maxAge)
			pruned := reporter.CleanupCompletedRequests()
			if swept > 0 || pruned > 0 {
				logger.Info("maintenance_sweep",
					slog.Int("stale_cancelled", swept),
					slog.Int("progress_pruned", pruned))
			}
		}
	}
}
