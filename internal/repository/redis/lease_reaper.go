package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

const reapBatchSize = 100

// LeaseReaper applies the on-disconnect writes of sessions whose heartbeat
// lease expired, which covers clients that vanished without cleanup.
type LeaseReaper struct {
	presence *PresenceRepository
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewLeaseReaper creates a reaper. m may be nil.
func NewLeaseReaper(presence *PresenceRepository, interval time.Duration, m *metrics.Metrics) *LeaseReaper {
	return &LeaseReaper{presence: presence, interval: interval, metrics: m}
}

// Run reaps on every tick until ctx is done
func (r *LeaseReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReapOnce(ctx)
			if err != nil {
				logger.Warn("Presence reaper pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Reaped expired presence sessions", zap.Int("count", n))
			}
			if count, err := r.presence.OnlineCount(ctx); err == nil {
				r.metrics.SetOnlineUsers(count)
			}
		}
	}
}

// ReapOnce processes one batch of expired sessions and returns how many it claimed.
// Several reapers may run concurrently; each session is claimed by exactly one.
func (r *LeaseReaper) ReapOnce(ctx context.Context) (int, error) {
	ids, err := r.presence.ExpiredSessions(ctx, reapBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		claimed, err := r.presence.ClaimSession(ctx, id)
		if err != nil {
			return reaped, err
		}
		if !claimed {
			continue
		}

		hooks, err := r.presence.TakeHooks(ctx, id)
		if err != nil {
			logger.Warn("Failed to take on-disconnect writes",
				zap.String("session_id", id),
				zap.Error(err))
			continue
		}

		for userID, rec := range hooks {
			rec.LastChanged = time.Time{}
			if err := r.presence.Set(ctx, userID, rec); err != nil {
				logger.Warn("Failed to apply on-disconnect write",
					zap.String("session_id", id),
					zap.String("user_id", userID),
					zap.Error(err))
				continue
			}
			r.metrics.RecordPresenceWrite(string(rec.State), "reaper")
		}

		r.metrics.RecordReapedSession()
		reaped++
	}
	return reaped, nil
}
