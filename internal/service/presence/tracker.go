package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/constants"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

// Store is the realtime key-value store holding one PresenceRecord per user
type Store interface {
	Set(ctx context.Context, userID string, rec domain.PresenceRecord) error
	Get(ctx context.Context, userID string) (*domain.PresenceRecord, error)
	// Watch delivers the current record (nil if absent) and then every change
	Watch(ctx context.Context, userID string, fn func(*domain.PresenceRecord)) (domain.Unsubscribe, error)
	// OnDisconnectSet registers a write the store applies itself once sessionID is lost
	OnDisconnectSet(ctx context.Context, sessionID, userID string, rec domain.PresenceRecord) error
	CancelOnDisconnect(ctx context.Context, sessionID string) error
	// WatchConnection reports every change of the session's link to the store
	WatchConnection(ctx context.Context, sessionID string, fn func(connected bool)) (domain.Unsubscribe, error)
}

// Directory lists online users
type Directory interface {
	OnlineUsers(ctx context.Context) ([]string, error)
	OnlineCount(ctx context.Context) (int64, error)
}

type session struct {
	id        string
	refs      int
	stopWatch domain.Unsubscribe

	// writeMu orders the session's online writes against its logout
	writeMu sync.Mutex
}

// Tracker keeps each active user's PresenceRecord in step with their connectivity
type Tracker struct {
	store   Store
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// NewTracker creates a Tracker. m may be nil.
func NewTracker(store Store, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:    store,
		metrics:  m,
		sessions: make(map[string]*session),
	}
}

// InitializePresence starts a presence session for userID. Each time the store
// reports the session connected, the offline on-disconnect write is registered
// first and only then is the online record written.
// Calling it again for a user already tracked adds a reference to the same session.
func (t *Tracker) InitializePresence(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	t.mu.Lock()
	if s, ok := t.sessions[userID]; ok {
		s.refs++
		t.mu.Unlock()
		return nil
	}
	s := &session{id: uuid.NewString(), refs: 1}
	t.sessions[userID] = s
	t.mu.Unlock()

	stop, err := t.store.WatchConnection(ctx, s.id, func(connected bool) {
		if connected {
			t.onConnected(s, userID)
		}
	})
	if err != nil {
		t.mu.Lock()
		if t.sessions[userID] == s {
			delete(t.sessions, userID)
		}
		t.mu.Unlock()
		return fmt.Errorf("failed to watch connection: %w", err)
	}

	t.mu.Lock()
	if t.sessions[userID] != s {
		// Cleaned up while the watch was being set up.
		t.mu.Unlock()
		stop()
		return nil
	}
	s.stopWatch = stop
	t.mu.Unlock()

	logger.Debug("Presence session started",
		zap.String("user_id", userID),
		zap.String("session_id", s.id))
	return nil
}

func (t *Tracker) current(userID string, s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[userID] == s
}

// onConnected arms the hook and writes online, unless the session has been
// cleaned up. CleanupPresence waits on writeMu, so its cancel and offline
// write always land after these.
func (t *Tracker) onConnected(s *session, userID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !t.current(userID, s) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	defer cancel()

	sessionID := s.id
	if err := t.store.OnDisconnectSet(ctx, sessionID, userID, domain.Offline()); err != nil {
		// Never write online without the hook armed.
		logger.Warn("Failed to register on-disconnect write",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	if !t.current(userID, s) {
		return
	}
	if err := t.store.Set(ctx, userID, domain.Online()); err != nil {
		logger.Warn("Failed to write online presence",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	t.metrics.RecordPresenceWrite(string(domain.PresenceOnline), "session")
}

// Release drops one reference taken by InitializePresence. The last release
// behaves like CleanupPresence.
func (t *Tracker) Release(ctx context.Context, userID string) error {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	if ok && s.refs > 1 {
		s.refs--
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.CleanupPresence(ctx, userID)
}

// CleanupPresence ends the user's session and writes offline directly.
// The on-disconnect write is cancelled since it is no longer needed.
func (t *Tracker) CleanupPresence(ctx context.Context, userID string) error {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	delete(t.sessions, userID)
	var stop domain.Unsubscribe
	if ok {
		stop = s.stopWatch
	}
	t.mu.Unlock()

	if ok {
		if stop != nil {
			stop()
		}
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if err := t.store.CancelOnDisconnect(ctx, s.id); err != nil {
			logger.Warn("Failed to cancel on-disconnect write",
				zap.String("user_id", userID),
				zap.String("session_id", s.id),
				zap.Error(err))
		}
	}

	if err := t.store.Set(ctx, userID, domain.Offline()); err != nil {
		return fmt.Errorf("failed to write offline presence: %w", err)
	}
	t.metrics.RecordPresenceWrite(string(domain.PresenceOffline), "logout")

	logger.Debug("Presence session cleaned up", zap.String("user_id", userID))
	return nil
}

// Active reports whether userID has a live session on this tracker
func (t *Tracker) Active(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[userID]
	return ok
}

// GetPresence reads a user's record once. A missing record reads as offline.
func (t *Tracker) GetPresence(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	rec, err := t.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	if rec == nil {
		off := domain.Offline()
		return &off, nil
	}
	return rec, nil
}

// SubscribeToUserPresence invokes cb with the user's record, or nil when absent, on every change
func (t *Tracker) SubscribeToUserPresence(ctx context.Context, userID string, cb func(*domain.PresenceRecord)) (domain.Unsubscribe, error) {
	unsub, err := t.store.Watch(ctx, userID, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to presence of %s: %w", userID, err)
	}
	return unsub, nil
}

// SubscribeToMultiplePresences holds one subscription per user and invokes cb
// with a merged snapshot after every individual change. Users whose record is
// absent are left out of the snapshot.
func (t *Tracker) SubscribeToMultiplePresences(ctx context.Context, userIDs []string, cb func(map[string]domain.PresenceRecord)) (domain.Unsubscribe, error) {
	ids := dedupe(userIDs)

	var (
		mu       sync.Mutex
		closed   atomic.Bool
		snap     = make(map[string]domain.PresenceRecord, len(ids))
		unsubsMu sync.Mutex
		unsubs   = make([]domain.Unsubscribe, 0, len(ids))
		once     sync.Once
	)

	unsubscribeAll := func() {
		once.Do(func() {
			closed.Store(true)
			unsubsMu.Lock()
			defer unsubsMu.Unlock()
			for _, u := range unsubs {
				u()
			}
		})
	}

	for _, id := range ids {
		id := id
		unsub, err := t.store.Watch(ctx, id, func(rec *domain.PresenceRecord) {
			mu.Lock()
			defer mu.Unlock()
			if closed.Load() {
				return
			}
			if rec == nil {
				delete(snap, id)
			} else {
				snap[id] = *rec
			}
			out := make(map[string]domain.PresenceRecord, len(snap))
			for k, v := range snap {
				out[k] = v
			}
			cb(out)
		})
		if err != nil {
			unsubscribeAll()
			return nil, fmt.Errorf("failed to subscribe to presence of %s: %w", id, err)
		}
		unsubsMu.Lock()
		unsubs = append(unsubs, unsub)
		unsubsMu.Unlock()
	}

	return unsubscribeAll, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
