package jobs

import (
	"context"
	"log"
	"time"

	"github.com/checkpointhq/checkpoint/internal/config"
	"github.com/checkpointhq/checkpoint/internal/repository"
)

// StartSessionPurgeJob periodically deletes check-in sessions whose expiry
// lapsed past the retention window. Expiry is always checked at read time;
// this only keeps the table from growing without bound.
func StartSessionPurgeJob(ctx context.Context, cfg config.Config, store *repository.Store) {
	if !cfg.PurgeJobEnabled {
		return
	}
	interval := cfg.PurgeJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.PurgeJobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-cfg.PurgeRetention)
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				deleted, err := store.DeleteExpiredSessions(tickCtx, cutoff)
				cancel()
				if err != nil {
					log.Printf("session purge job error: %v", err)
					continue
				}
				if deleted > 0 {
					log.Printf("session purge job deleted %d sessions", deleted)
				}
			}
		}
	}()
}
