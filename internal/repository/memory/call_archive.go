package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"secureconnect-calls/internal/domain"
)

// CallArchive is an in-memory call history archive
type CallArchive struct {
	mu    sync.RWMutex
	calls map[string]domain.CallRecord
}

// NewCallArchive creates an empty archive
func NewCallArchive() *CallArchive {
	return &CallArchive{calls: make(map[string]domain.CallRecord)}
}

// Archive stores a terminal call, replacing an earlier copy
func (a *CallArchive) Archive(_ context.Context, call *domain.CallRecord) error {
	if !call.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot archive %s call %s", domain.ErrInvalidTransition, call.Status, call.ID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[call.ID] = *call
	return nil
}

// GetByID returns an archived call
func (a *CallArchive) GetByID(_ context.Context, callID string) (*domain.CallRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	return &c, nil
}

func (a *CallArchive) userCalls(userID string) []*domain.CallRecord {
	var out []*domain.CallRecord
	for _, c := range a.calls {
		if c.CallerID == userID || c.CalleeID == userID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetUserCalls returns a page of the user's calls, newest first
func (a *CallArchive) GetUserCalls(_ context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	all := a.userCalls(userID)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// CountUserCalls returns how many archived calls involve the user
func (a *CallArchive) CountUserCalls(_ context.Context, userID string) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int64(len(a.userCalls(userID))), nil
}
