package jobs

import (
	"context"
	"time"

	"civicops.org/internal/audit"
	"civicops.org/internal/inspect"
	"civicops.org/internal/obs"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultTickTimeout = 30 * time.Second
)

// EscalationConfig controls the periodic SLA sweep.
type EscalationConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// StartEscalationJob launches the background sweep that force-escalates
// overdue REVIEW_PENDING reports. The goroutine exits when ctx is cancelled.
// The sweep itself is idempotent, so overlapping restarts are harmless.
func StartEscalationJob(ctx context.Context, cfg EscalationConfig, svc inspect.Service) {
	if !cfg.Enabled {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTickTimeout
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				count, err := svc.RunEscalationSweep(tickCtx, now)
				cancel()
				if err != nil {
					obs.LogRequest(map[string]any{
						"level": "error", "msg": "escalation sweep failed", "error": err.Error(),
					})
					continue
				}
				if count > 0 {
					_ = audit.LogEvent(ctx, "report.escalation_sweep", map[string]any{
						"escalated_count": count,
						"swept_at":        now.Format(time.RFC3339),
					})
				}
			}
		}
	}()
}
