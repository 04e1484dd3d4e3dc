package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"secureconnect-calls/internal/domain"
)

// CallStore is an in-memory call document store with live subscriptions.
// Watchers run on the writer's goroutine after the store lock is released.
type CallStore struct {
	mu         sync.Mutex
	now        func() time.Time
	nextID     int
	calls      map[string]*domain.CallRecord
	candidates map[string][]*domain.IceCandidateRecord
	history    map[string][]domain.CallStatus

	callWatchers      map[string]map[int]func(*domain.CallRecord)
	incomingWatchers  map[string]map[int]func([]*domain.CallRecord)
	candidateWatchers map[string]map[int]func(domain.IceCandidateChange)
}

// NewCallStore creates an empty store using the wall clock
func NewCallStore() *CallStore {
	return &CallStore{
		now:               time.Now,
		calls:             make(map[string]*domain.CallRecord),
		candidates:        make(map[string][]*domain.IceCandidateRecord),
		history:           make(map[string][]domain.CallStatus),
		callWatchers:      make(map[string]map[int]func(*domain.CallRecord)),
		incomingWatchers:  make(map[string]map[int]func([]*domain.CallRecord)),
		candidateWatchers: make(map[string]map[int]func(domain.IceCandidateChange)),
	}
}

// SetClock replaces the server clock
func (s *CallStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateCall stores rec as a new pending call. It fails with ErrCalleeBusy
// while the callee has another active call.
func (s *CallStore) CreateCall(_ context.Context, rec *domain.CallRecord) (string, error) {
	s.mu.Lock()
	for _, c := range s.calls {
		if c.CalleeID == rec.CalleeID && c.Status.IsActive() {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", domain.ErrCalleeBusy, rec.CalleeID)
		}
	}

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = domain.CallStatusPending
	stored.CreatedAt = s.now().UTC()
	s.calls[stored.ID] = &stored
	s.history[stored.ID] = []domain.CallStatus{stored.Status}
	fire := s.collectLocked(&stored)
	s.mu.Unlock()

	fire()
	return stored.ID, nil
}

// GetCall returns a copy of the call
func (s *CallStore) GetCall(_ context.Context, callID string) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	cp := *rec
	return &cp, nil
}

// TransitionCall applies event to the stored status and writes update with it atomically
func (s *CallStore) TransitionCall(_ context.Context, callID string, event domain.CallEvent, update domain.CallUpdate) (*domain.CallRecord, error) {
	s.mu.Lock()
	rec, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}

	next, err := rec.Status.Apply(event)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	rec.Status = next
	update.ApplyTo(rec)
	s.history[callID] = append(s.history[callID], next)
	cp := *rec
	fire := s.collectLocked(rec)
	s.mu.Unlock()

	fire()
	return &cp, nil
}

// WatchCall delivers the call immediately and after every write. nil means it does not exist.
func (s *CallStore) WatchCall(_ context.Context, callID string, fn func(*domain.CallRecord)) (domain.Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.callWatchers[callID] == nil {
		s.callWatchers[callID] = make(map[int]func(*domain.CallRecord))
	}
	s.callWatchers[callID][id] = fn
	var current *domain.CallRecord
	if rec, ok := s.calls[callID]; ok {
		cp := *rec
		current = &cp
	}
	s.mu.Unlock()

	fn(current)

	return s.unsubscriber(func() { delete(s.callWatchers[callID], id) }), nil
}

// WatchIncomingCalls delivers the callee's pending and ringing calls, oldest first,
// immediately and whenever one of the callee's calls changes.
func (s *CallStore) WatchIncomingCalls(_ context.Context, calleeID string, fn func([]*domain.CallRecord)) (domain.Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.incomingWatchers[calleeID] == nil {
		s.incomingWatchers[calleeID] = make(map[int]func([]*domain.CallRecord))
	}
	s.incomingWatchers[calleeID][id] = fn
	current := s.incomingLocked(calleeID)
	s.mu.Unlock()

	fn(current)

	return s.unsubscriber(func() { delete(s.incomingWatchers[calleeID], id) }), nil
}

// AddIceCandidate appends a candidate to the call's subcollection
func (s *CallStore) AddIceCandidate(_ context.Context, callID, sender string, c domain.ICECandidate) error {
	s.mu.Lock()
	if _, ok := s.calls[callID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	rec := &domain.IceCandidateRecord{
		ID:        uuid.NewString(),
		CallID:    callID,
		Sender:    sender,
		Candidate: c,
		CreatedAt: s.now().UTC(),
	}
	s.candidates[callID] = append(s.candidates[callID], rec)
	fns := make([]func(domain.IceCandidateChange), 0, len(s.candidateWatchers[callID]))
	for _, fn := range s.candidateWatchers[callID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		cp := *rec
		fn(domain.IceCandidateChange{Type: domain.ChangeAdded, Record: &cp})
	}
	return nil
}

// WatchIceCandidates delivers existing candidates as added, then every new one
func (s *CallStore) WatchIceCandidates(_ context.Context, callID string, fn func(domain.IceCandidateChange)) (domain.Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.candidateWatchers[callID] == nil {
		s.candidateWatchers[callID] = make(map[int]func(domain.IceCandidateChange))
	}
	s.candidateWatchers[callID][id] = fn
	existing := make([]domain.IceCandidateRecord, 0, len(s.candidates[callID]))
	for _, c := range s.candidates[callID] {
		existing = append(existing, *c)
	}
	s.mu.Unlock()

	for i := range existing {
		fn(domain.IceCandidateChange{Type: domain.ChangeAdded, Record: &existing[i]})
	}

	return s.unsubscriber(func() { delete(s.candidateWatchers[callID], id) }), nil
}

// ModifyIceCandidate rewrites a stored candidate and notifies watchers with a
// modified change, as a document store would for an edited child document.
func (s *CallStore) ModifyIceCandidate(callID, candidateID string, c domain.ICECandidate) {
	s.mu.Lock()
	var changed *domain.IceCandidateRecord
	for _, rec := range s.candidates[callID] {
		if rec.ID == candidateID {
			rec.Candidate = c
			cp := *rec
			changed = &cp
		}
	}
	fns := make([]func(domain.IceCandidateChange), 0, len(s.candidateWatchers[callID]))
	for _, fn := range s.candidateWatchers[callID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if changed == nil {
		return
	}
	for _, fn := range fns {
		cp := *changed
		fn(domain.IceCandidateChange{Type: domain.ChangeModified, Record: &cp})
	}
}

// Candidates returns the stored candidates of a call
func (s *CallStore) Candidates(callID string) []domain.IceCandidateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.IceCandidateRecord, 0, len(s.candidates[callID]))
	for _, c := range s.candidates[callID] {
		out = append(out, *c)
	}
	return out
}

// StatusHistory returns every status the call has been written with, in order
func (s *CallStore) StatusHistory(callID string) []domain.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CallStatus(nil), s.history[callID]...)
}

// ListCalls returns every stored call
func (s *CallStore) ListCalls() []*domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.CallRecord, 0, len(s.calls))
	for _, c := range s.calls {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func (s *CallStore) incomingLocked(calleeID string) []*domain.CallRecord {
	var out []*domain.CallRecord
	for _, c := range s.calls {
		if c.CalleeID != calleeID {
			continue
		}
		if c.Status == domain.CallStatusPending || c.Status == domain.CallStatusRinging {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// collectLocked snapshots the watchers affected by a write to rec and returns
// a function that notifies them.
func (s *CallStore) collectLocked(rec *domain.CallRecord) func() {
	cp := *rec
	callFns := make([]func(*domain.CallRecord), 0, len(s.callWatchers[rec.ID]))
	for _, fn := range s.callWatchers[rec.ID] {
		callFns = append(callFns, fn)
	}
	incoming := s.incomingLocked(rec.CalleeID)
	incomingFns := make([]func([]*domain.CallRecord), 0, len(s.incomingWatchers[rec.CalleeID]))
	for _, fn := range s.incomingWatchers[rec.CalleeID] {
		incomingFns = append(incomingFns, fn)
	}

	return func() {
		for _, fn := range callFns {
			c := cp
			fn(&c)
		}
		for _, fn := range incomingFns {
			list := make([]*domain.CallRecord, len(incoming))
			for i, c := range incoming {
				v := *c
				list[i] = &v
			}
			fn(list)
		}
	}
}

func (s *CallStore) unsubscriber(remove func()) domain.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
	}
}
