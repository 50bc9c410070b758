package jobs

import (
	"context"
	"time"

	"civicops.org/internal/obs"
	"civicops.org/internal/proximity"
)

const defaultPurgeInterval = 10 * time.Minute

// StartTokenPurgeJob periodically drops expired proximity tokens so the store
// does not accumulate one row per denied-or-abandoned check forever.
func StartTokenPurgeJob(ctx context.Context, interval time.Duration, tokens proximity.TokenStore) {
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, defaultTickTimeout)
				n, err := tokens.PurgeExpired(tickCtx, time.Now().UTC())
				cancel()
				if err != nil {
					obs.LogRequest(map[string]any{
						"level": "error", "msg": "token purge failed", "error": err.Error(),
					})
					continue
				}
				if n > 0 {
					obs.LogRequest(map[string]any{
						"level": "info", "msg": "expired proximity tokens purged", "count": n,
					})
				}
			}
		}
	}()
}
