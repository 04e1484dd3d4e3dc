package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/database"
	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/presence"
)

func newTestClient(t *testing.T) *database.RedisClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := database.WrapRedisClient(goredis.NewClient(&goredis.Options{Addr: addr}))
	t.Cleanup(client.Close)
	return client
}

func newTestRepo(t *testing.T) *PresenceRepository {
	t.Helper()
	return NewPresenceRepository(newTestClient(t), 200*time.Millisecond, 50*time.Millisecond)
}

// lateReaper returns a reaper whose clock runs ahead, so every lease on the
// server looks expired to it.
func lateReaper(t *testing.T, client *database.RedisClient) *LeaseReaper {
	t.Helper()
	late := NewPresenceRepository(client, 200*time.Millisecond, 50*time.Millisecond)
	late.now = func() time.Time { return time.Now().Add(time.Hour) }
	return NewLeaseReaper(late, time.Second, nil)
}

func nextState(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no connection state change")
		return false
	}
}

func TestPresenceRepository_SetGetWatch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := uuid.NewString()

	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	got := make(chan *domain.PresenceRecord, 4)
	unsub, err := repo.Watch(ctx, userID, func(r *domain.PresenceRecord) { got <- r })
	require.NoError(t, err)
	defer unsub()

	assert.Nil(t, <-got)

	require.NoError(t, repo.Set(ctx, userID, domain.Online()))
	select {
	case r := <-got:
		require.NotNil(t, r)
		assert.True(t, r.IsOnline())
	case <-time.After(2 * time.Second):
		t.Fatal("no presence delivery")
	}

	online, err := repo.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Contains(t, online, userID)

	require.NoError(t, repo.Set(ctx, userID, domain.Offline()))
	online, err = repo.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, online, userID)
}

func TestLeaseReaper_AppliesExpiredHooks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := uuid.NewString()
	sessionID := uuid.NewString()

	require.NoError(t, repo.OnDisconnectSet(ctx, sessionID, userID, domain.Offline()))
	require.NoError(t, repo.Set(ctx, userID, domain.Online()))

	reaper := NewLeaseReaper(repo, time.Second, nil)

	// Lease still valid
	_, err := reaper.ReapOnce(ctx)
	require.NoError(t, err)
	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, rec.IsOnline())

	// Client stops heartbeating
	repo.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = reaper.ReapOnce(ctx)
	require.NoError(t, err)

	rec, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.State)

	hooks, err := repo.TakeHooks(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestPresenceRepository_CancelOnDisconnect(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := uuid.NewString()
	sessionID := uuid.NewString()

	require.NoError(t, repo.OnDisconnectSet(ctx, sessionID, userID, domain.Offline()))
	require.NoError(t, repo.CancelOnDisconnect(ctx, sessionID))

	claimed, err := repo.ClaimSession(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestPresenceRepository_OrdersWritesBySequenceNotClock(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := uuid.NewString()

	got := make(chan *domain.PresenceRecord, 4)
	unsub, err := repo.Watch(ctx, userID, func(r *domain.PresenceRecord) { got <- r })
	require.NoError(t, err)
	defer unsub()
	assert.Nil(t, <-got)

	now := time.Now().UTC()
	require.NoError(t, repo.Set(ctx, userID, domain.PresenceRecord{State: domain.PresenceOnline, LastChanged: now}))

	// A second writer whose clock lags by an hour
	skewed := domain.PresenceRecord{State: domain.PresenceOffline, LastChanged: now.Add(-time.Hour)}
	require.NoError(t, repo.Set(ctx, userID, skewed))

	var delivered []*domain.PresenceRecord
	for len(delivered) < 2 {
		select {
		case r := <-got:
			delivered = append(delivered, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d deliveries, want 2", len(delivered))
		}
	}
	assert.True(t, delivered[0].IsOnline())
	assert.Equal(t, domain.PresenceOffline, delivered[1].State)
	assert.Greater(t, delivered[1].Seq, delivered[0].Seq)

	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.State)
	assert.Equal(t, delivered[1].Seq, rec.Seq)

	online, err := repo.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, online, userID)
}

func TestPresenceRepository_SetStampsServerTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	userID := uuid.NewString()

	// The local clock is ignored for store-stamped records
	repo.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	require.NoError(t, repo.Set(ctx, userID, domain.Online()))

	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.WithinDuration(t, time.Now(), rec.LastChanged, time.Minute)
	assert.Positive(t, rec.Seq)
}

func TestWatchConnection_ReportsDropAfterReapAndRecovers(t *testing.T) {
	client := newTestClient(t)
	repo := NewPresenceRepository(client, 200*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()
	userID := uuid.NewString()
	sessionID := uuid.NewString()

	states := make(chan bool, 8)
	stop, err := repo.WatchConnection(ctx, sessionID, func(ok bool) { states <- ok })
	require.NoError(t, err)
	defer stop()
	require.True(t, nextState(t, states))

	require.NoError(t, repo.OnDisconnectSet(ctx, sessionID, userID, domain.Offline()))
	require.NoError(t, repo.Set(ctx, userID, domain.Online()))

	reaped, err := lateReaper(t, client).ReapOnce(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reaped, 1)

	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.State)

	assert.False(t, nextState(t, states))
	assert.True(t, nextState(t, states))
}

func TestTracker_RewritesOnlineAfterReap(t *testing.T) {
	client := newTestClient(t)
	repo := NewPresenceRepository(client, 200*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()
	userID := uuid.NewString()

	tracker := presence.NewTracker(repo, nil)
	require.NoError(t, tracker.InitializePresence(ctx, userID))
	defer func() { _ = tracker.CleanupPresence(ctx, userID) }()

	isOnline := func() bool {
		rec, err := repo.Get(ctx, userID)
		return err == nil && rec.IsOnline()
	}
	require.Eventually(t, isOnline, 2*time.Second, 20*time.Millisecond)

	var states []domain.PresenceState
	var mu sync.Mutex
	unsub, err := repo.Watch(ctx, userID, func(r *domain.PresenceRecord) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil {
			states = append(states, r.State)
		}
	})
	require.NoError(t, err)
	defer unsub()

	_, err = lateReaper(t, client).ReapOnce(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(states)
		return n >= 3 && states[n-2] == domain.PresenceOffline && states[n-1] == domain.PresenceOnline
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, isOnline())
}
