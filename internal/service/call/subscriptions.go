package call

import (
	"context"
	"fmt"

	"secureconnect-calls/internal/domain"
)

// SubscribeToIncomingCalls delivers the callee's pending and ringing calls on every change
func SubscribeToIncomingCalls(ctx context.Context, store Store, calleeID string, cb func([]*domain.CallRecord)) (domain.Unsubscribe, error) {
	unsub, err := store.WatchIncomingCalls(ctx, calleeID, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to incoming calls: %w", err)
	}
	return unsub, nil
}

// SubscribeToCall delivers the call document on every change, nil once it no longer exists
func SubscribeToCall(ctx context.Context, store Store, callID string, cb func(*domain.CallRecord)) (domain.Unsubscribe, error) {
	unsub, err := store.WatchCall(ctx, callID, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to call %s: %w", callID, err)
	}
	return unsub, nil
}

// SubscribeToIceCandidates delivers candidates added by the peer of localUserID.
// The local user's own candidates and modified or removed changes are never delivered.
func SubscribeToIceCandidates(ctx context.Context, store Store, callID, localUserID string, cb func(*domain.IceCandidateRecord)) (domain.Unsubscribe, error) {
	unsub, err := store.WatchIceCandidates(ctx, callID, func(change domain.IceCandidateChange) {
		if change.Type != domain.ChangeAdded || change.Record == nil {
			return
		}
		if change.Record.Sender == localUserID {
			return
		}
		cb(change.Record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to ice candidates of %s: %w", callID, err)
	}
	return unsub, nil
}
