// Package memory holds in-process implementations of the presence and call stores.
// They back the memory signaling backend and the service tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"secureconnect-calls/internal/domain"
)

// PresenceStore is an in-memory realtime key-value store with per-session
// connection state and on-disconnect writes.
type PresenceStore struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int
	records  map[string]domain.PresenceRecord
	seq      map[string]int64
	watchers map[string]map[int]func(*domain.PresenceRecord)
	conns    map[string]map[int]func(bool)
	online   map[string]bool
	hooks    map[string]map[string]domain.PresenceRecord
	ops      []string
}

// NewPresenceStore creates an empty store using the wall clock
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		now:      time.Now,
		records:  make(map[string]domain.PresenceRecord),
		seq:      make(map[string]int64),
		watchers: make(map[string]map[int]func(*domain.PresenceRecord)),
		conns:    make(map[string]map[int]func(bool)),
		online:   make(map[string]bool),
		hooks:    make(map[string]map[string]domain.PresenceRecord),
	}
}

// SetClock replaces the server clock
func (s *PresenceStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Set writes rec for userID, stamping LastChanged when zero and assigning the next Seq
func (s *PresenceStore) Set(_ context.Context, userID string, rec domain.PresenceRecord) error {
	s.mu.Lock()
	stored, fns := s.setLocked(userID, rec, "set")
	s.mu.Unlock()

	notify(fns, &stored)
	return nil
}

func (s *PresenceStore) setLocked(userID string, rec domain.PresenceRecord, op string) (domain.PresenceRecord, []func(*domain.PresenceRecord)) {
	if rec.LastChanged.IsZero() {
		rec.LastChanged = s.now()
	}
	s.seq[userID]++
	rec.Seq = s.seq[userID]
	s.records[userID] = rec
	s.ops = append(s.ops, fmt.Sprintf("%s:%s:%s", op, userID, rec.State))

	fns := make([]func(*domain.PresenceRecord), 0, len(s.watchers[userID]))
	for _, fn := range s.watchers[userID] {
		fns = append(fns, fn)
	}
	return rec, fns
}

func notify(fns []func(*domain.PresenceRecord), rec *domain.PresenceRecord) {
	for _, fn := range fns {
		if rec == nil {
			fn(nil)
			continue
		}
		cp := *rec
		fn(&cp)
	}
}

// Get returns the record for userID, or nil if it was never written
func (s *PresenceStore) Get(_ context.Context, userID string) (*domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Delete removes the record for userID and notifies watchers with nil
func (s *PresenceStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.records, userID)
	fns := make([]func(*domain.PresenceRecord), 0, len(s.watchers[userID]))
	for _, fn := range s.watchers[userID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	notify(fns, nil)
	return nil
}

// Watch delivers the current record immediately and then every change
func (s *PresenceStore) Watch(_ context.Context, userID string, fn func(*domain.PresenceRecord)) (domain.Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[userID] == nil {
		s.watchers[userID] = make(map[int]func(*domain.PresenceRecord))
	}
	s.watchers[userID][id] = fn
	var current *domain.PresenceRecord
	if rec, ok := s.records[userID]; ok {
		current = &rec
	}
	s.mu.Unlock()

	notify([]func(*domain.PresenceRecord){fn}, current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[userID], id)
			s.mu.Unlock()
		})
	}, nil
}

// OnDisconnectSet registers a write applied when sessionID drops
func (s *PresenceStore) OnDisconnectSet(_ context.Context, sessionID, userID string, rec domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks[sessionID] == nil {
		s.hooks[sessionID] = make(map[string]domain.PresenceRecord)
	}
	s.hooks[sessionID][userID] = rec
	s.ops = append(s.ops, fmt.Sprintf("hook:%s:%s", userID, rec.State))
	return nil
}

// CancelOnDisconnect drops every write registered for sessionID
func (s *PresenceStore) CancelOnDisconnect(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hooks, sessionID)
	return nil
}

// WatchConnection reports the session's connection state. Sessions start connected.
func (s *PresenceStore) WatchConnection(_ context.Context, sessionID string, fn func(bool)) (domain.Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.conns[sessionID] == nil {
		s.conns[sessionID] = make(map[int]func(bool))
	}
	s.conns[sessionID][id] = fn
	if _, ok := s.online[sessionID]; !ok {
		s.online[sessionID] = true
	}
	connected := s.online[sessionID]
	s.mu.Unlock()

	fn(connected)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.conns[sessionID], id)
			s.mu.Unlock()
		})
	}, nil
}

// Drop simulates the server losing sessionID: pending on-disconnect writes
// are applied and connection watchers see false.
func (s *PresenceStore) Drop(sessionID string) {
	s.mu.Lock()
	s.online[sessionID] = false
	type pending struct {
		rec domain.PresenceRecord
		fns []func(*domain.PresenceRecord)
	}
	var applied []pending
	for userID, rec := range s.hooks[sessionID] {
		stored, fns := s.setLocked(userID, rec, "ondisconnect")
		applied = append(applied, pending{stored, fns})
	}
	delete(s.hooks, sessionID)
	conns := s.connWatchers(sessionID)
	s.mu.Unlock()

	for _, p := range applied {
		rec := p.rec
		notify(p.fns, &rec)
	}
	for _, fn := range conns {
		fn(false)
	}
}

// Restore simulates sessionID reconnecting
func (s *PresenceStore) Restore(sessionID string) {
	s.mu.Lock()
	s.online[sessionID] = true
	conns := s.connWatchers(sessionID)
	s.mu.Unlock()

	for _, fn := range conns {
		fn(true)
	}
}

func (s *PresenceStore) connWatchers(sessionID string) []func(bool) {
	fns := make([]func(bool), 0, len(s.conns[sessionID]))
	for _, fn := range s.conns[sessionID] {
		fns = append(fns, fn)
	}
	return fns
}

// Sessions returns the ids of sessions that registered a connection watcher
func (s *PresenceStore) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// HasHooks reports whether sessionID has on-disconnect writes registered
func (s *PresenceStore) HasHooks(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks[sessionID]) > 0
}

// Ops returns the write log, e.g. "hook:alice:offline", "set:alice:online"
func (s *PresenceStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// OnlineUsers returns the ids of users whose record is online
func (s *PresenceStore) OnlineUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.records {
		if rec.State == domain.PresenceOnline {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// OnlineCount returns the number of online users
func (s *PresenceStore) OnlineCount(ctx context.Context) (int64, error) {
	ids, err := s.OnlineUsers(ctx)
	return int64(len(ids)), err
}
