package umbrella

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSyncHorizon is how long an umbrella may go without a provider
// concurrency sync before its counters are considered suspect.
const DefaultSyncHorizon = 5 * time.Minute

// RunSyncWatchdog periodically checks every active umbrella's last sync age.
// A stale umbrella's counters may have drifted (missed end-of-call webhooks);
// the provider's next concurrency-sync webhook clamps them, so the watchdog
// only surfaces the condition. Blocks until ctx is cancelled.
func RunSyncWatchdog(ctx context.Context, m *Manager, r *Resolver, horizon time.Duration, logger *slog.Logger) {
	if horizon <= 0 {
		horizon = DefaultSyncHorizon
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			umbrellas, err := r.ActiveUmbrellas(ctx)
			if err != nil {
				logger.Error("sync watchdog: listing umbrellas", "error", err)
				continue
			}
			for _, u := range umbrellas {
				stale, err := m.StaleSince(ctx, u.ID, horizon)
				if err != nil {
					logger.Error("sync watchdog: checking staleness", "umbrella_id", u.ID, "error", err)
					continue
				}
				if stale {
					snap, _ := m.Snapshot(ctx, u.ID)
					logger.Warn("umbrella concurrency sync is stale",
						"umbrella_id", u.ID,
						"name", u.Name,
						"current", snap.Current,
						"horizon", horizon,
					)
				}
			}
		}
	}
}
