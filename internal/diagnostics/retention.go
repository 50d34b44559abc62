package diagnostics

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/folio/internal/store"
)

// DefaultRetentionInterval is how often the retention worker sweeps.
const DefaultRetentionInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// closed sessions and failures older than maxAge. It returns a channel that is
// closed once the worker has stopped.
func StartRetentionWorker(ctx context.Context, repo store.Repository, interval, maxAge time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	stopped := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				pruneDiagnostics(ctx, repo, maxAge)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return stopped
}

func pruneDiagnostics(ctx context.Context, repo store.Repository, maxAge time.Duration) {
	sessions, failures, err := repo.DeleteOlderThan(ctx, maxAge)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during prune", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune diagnostics", "error", err)
		return
	}
	if sessions > 0 || failures > 0 {
		slog.Info("Retention worker pruned diagnostics", "sessions", sessions, "failures", failures)
	}
}
