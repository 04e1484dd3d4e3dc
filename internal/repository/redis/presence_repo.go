package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secureconnect-calls/internal/database"
	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/constants"
	"secureconnect-calls/pkg/logger"
)

// PresenceRepository stores PresenceRecords in Redis. Writes are published on a
// per-user channel for live subscribers. On-disconnect writes are kept per
// session and guarded by a heartbeat lease that LeaseReaper enforces.
type PresenceRepository struct {
	client    *database.RedisClient
	leaseTTL  time.Duration
	heartbeat time.Duration
	now       func() time.Time

	mu    sync.Mutex
	armed map[string]bool
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient, leaseTTL, heartbeat time.Duration) *PresenceRepository {
	return &PresenceRepository{
		client:    client,
		leaseTTL:  leaseTTL,
		heartbeat: heartbeat,
		now:       time.Now,
		armed:     make(map[string]bool),
	}
}

func presenceKey(userID string) string     { return constants.PresenceKeyPrefix + userID }
func presenceChannel(userID string) string { return constants.PresenceChannelPrefix + userID }
func hooksKey(sessionID string) string     { return constants.PresenceHooksPrefix + sessionID }
func presenceSeqKey(userID string) string  { return constants.PresenceSeqPrefix + userID }

// setPresenceScript assigns the user's next write sequence, stores the record
// with it, updates the online set and publishes, all in one step.
// KEYS: record, online set, counter. ARGV: user id, state, record json, channel.
var setPresenceScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
local data = '{"seq":' .. seq .. ',' .. string.sub(ARGV[3], 2)
redis.call('SET', KEYS[1], data)
if ARGV[2] == 'online' then
	redis.call('SADD', KEYS[2], ARGV[1])
else
	redis.call('SREM', KEYS[2], ARGV[1])
end
redis.call('PUBLISH', ARGV[4], data)
return seq
`)

// Set writes rec and publishes it to subscribers. A zero LastChanged is
// stamped with the Redis server clock; Seq is always assigned by Redis.
func (r *PresenceRepository) Set(ctx context.Context, userID string, rec domain.PresenceRecord) error {
	if rec.LastChanged.IsZero() {
		now, err := r.client.SafeTime(ctx).Result()
		if err != nil {
			return fmt.Errorf("failed to read redis time: %w", err)
		}
		rec.LastChanged = now.UTC()
	}
	rec.Seq = 0

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	keys := []string{presenceKey(userID), constants.PresenceOnlineSet, presenceSeqKey(userID)}
	err = r.client.SafeRunScript(ctx, setPresenceScript, keys,
		userID, string(rec.State), string(data), presenceChannel(userID)).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// Get returns the user's record, or nil if it was never written
func (r *PresenceRepository) Get(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	data, err := r.client.SafeGet(ctx, presenceKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var rec domain.PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &rec, nil
}

// Watch subscribes to the user's channel, delivers the current record and then
// every newer write. Deliveries whose Seq is not above the last one seen are
// dropped, so a write is never overtaken by an older one regardless of the
// writers' clocks.
func (r *PresenceRepository) Watch(ctx context.Context, userID string, fn func(*domain.PresenceRecord)) (domain.Unsubscribe, error) {
	pubsub := r.client.SafeSubscribe(ctx, presenceChannel(userID))
	if pubsub == nil {
		return nil, fmt.Errorf("redis is in degraded mode, presence watch unavailable")
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	current, err := r.Get(ctx, userID)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	fn(current)

	var last int64
	if current != nil {
		last = current.Seq
	}

	go func() {
		for msg := range pubsub.Channel() {
			var rec domain.PresenceRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				logger.Warn("Dropping malformed presence message",
					zap.String("user_id", userID),
					zap.Error(err))
				continue
			}
			if rec.Seq <= last {
				continue
			}
			last = rec.Seq
			fn(&rec)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				logger.Debug("Failed to close presence subscription",
					zap.String("user_id", userID),
					zap.Error(err))
			}
		})
	}, nil
}

// OnDisconnectSet stores rec under the session's hook hash and arms its lease in one transaction
func (r *PresenceRepository) OnDisconnectSet(ctx context.Context, sessionID, userID string, rec domain.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	deadline := r.leaseDeadline()
	err = r.client.SafeTxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hooksKey(sessionID), userID, data)
		pipe.ZAdd(ctx, constants.PresenceLeaseSet, redis.Z{Score: deadline, Member: sessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register on-disconnect write: %w", err)
	}

	r.mu.Lock()
	r.armed[sessionID] = true
	r.mu.Unlock()
	return nil
}

// CancelOnDisconnect removes the session's hooks and lease
func (r *PresenceRepository) CancelOnDisconnect(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.armed, sessionID)
	r.mu.Unlock()

	err := r.client.SafeTxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hooksKey(sessionID))
		pipe.ZRem(ctx, constants.PresenceLeaseSet, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel on-disconnect write: %w", err)
	}
	return nil
}

// WatchConnection runs the session heartbeat. A beat succeeds when Redis answers
// and, once hooks are armed, they have not been consumed by the reaper. fn is
// invoked on every change of that outcome, starting from disconnected.
func (r *PresenceRepository) WatchConnection(_ context.Context, sessionID string, fn func(bool)) (domain.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()

		connected := false
		for {
			ok := r.beat(ctx, sessionID)
			if ctx.Err() != nil {
				return
			}
			if ok != connected {
				connected = ok
				fn(ok)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			r.mu.Lock()
			delete(r.armed, sessionID)
			r.mu.Unlock()
		})
	}, nil
}

func (r *PresenceRepository) beat(ctx context.Context, sessionID string) bool {
	beatCtx, cancel := context.WithTimeout(ctx, r.heartbeat)
	defer cancel()

	if err := r.client.SafePing(beatCtx); err != nil {
		logger.Debug("Presence heartbeat failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false
	}

	r.mu.Lock()
	armed := r.armed[sessionID]
	r.mu.Unlock()
	if !armed {
		return true
	}

	n, err := r.client.SafeExists(beatCtx, hooksKey(sessionID)).Result()
	if err != nil {
		return false
	}
	if n == 0 {
		// The reaper already applied this session's hooks; report a drop so the
		// next beat re-arms and rewrites online.
		r.mu.Lock()
		delete(r.armed, sessionID)
		r.mu.Unlock()
		return false
	}

	if err := r.client.SafeZAdd(beatCtx, constants.PresenceLeaseSet, sessionID, r.leaseDeadline()).Err(); err != nil {
		return false
	}
	return true
}

func (r *PresenceRepository) leaseDeadline() float64 {
	return float64(r.now().Add(r.leaseTTL).UnixMilli())
}

// ExpiredSessions returns up to limit sessions whose lease deadline has passed
func (r *PresenceRepository) ExpiredSessions(ctx context.Context, limit int64) ([]string, error) {
	max := strconv.FormatInt(r.now().UnixMilli(), 10)
	ids, err := r.client.SafeZRangeByScore(ctx, constants.PresenceLeaseSet, "-inf", max, limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	return ids, nil
}

// ClaimSession removes the session's lease. Only the caller that removed it gets true.
func (r *PresenceRepository) ClaimSession(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.client.SafeZRem(ctx, constants.PresenceLeaseSet, sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim lease: %w", err)
	}
	return n > 0, nil
}

// TakeHooks returns and deletes the session's on-disconnect writes keyed by user id
func (r *PresenceRepository) TakeHooks(ctx context.Context, sessionID string) (map[string]domain.PresenceRecord, error) {
	raw, err := r.client.SafeHGetAll(ctx, hooksKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read on-disconnect writes: %w", err)
	}

	hooks := make(map[string]domain.PresenceRecord, len(raw))
	for userID, data := range raw {
		var rec domain.PresenceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			logger.Warn("Dropping malformed on-disconnect write",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		hooks[userID] = rec
	}

	if err := r.client.SafeDel(ctx, hooksKey(sessionID)).Err(); err != nil {
		return nil, fmt.Errorf("failed to delete on-disconnect writes: %w", err)
	}
	return hooks, nil
}

// OnlineUsers retrieves the ids of users currently online
func (r *PresenceRepository) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.client.SafeSMembers(ctx, constants.PresenceOnlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	return ids, nil
}

// OnlineCount returns number of online users
func (r *PresenceRepository) OnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.SafeSCard(ctx, constants.PresenceOnlineSet).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
