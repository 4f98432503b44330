package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReapInterval is how often the reaper sweeps for expired sessions.
const DefaultReapInterval = time.Minute

// SessionPurger is implemented by SQL-backed stores, which have no native
// key expiry. The Redis session store expires keys itself and does not need
// a reaper.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// StartSessionReaper sweeps expired sessions on a fixed interval until the
// context is cancelled. The gateway never signals session end, so rows for
// terminated or abandoned sessions accumulate until reaped.
func StartSessionReaper(ctx context.Context, purger SessionPurger, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	go func() {
		slog.Info("Session reaper started", "ttl", ttl, "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("Session reaper stopped")
				return
			case <-ticker.C:
				n, err := purger.PurgeExpiredSessions(ctx, time.Now().Add(-ttl))
				if err != nil {
					slog.Error("Session reaper purge failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Debug("Session reaper purged sessions", "count", n)
				}
			}
		}
	}()
}
