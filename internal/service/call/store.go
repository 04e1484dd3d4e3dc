package call

import (
	"context"

	"secureconnect-calls/internal/domain"
)

// Store is the document store used as the signaling relay
type Store interface {
	// CreateCall stores a new pending call and returns its id. It fails with
	// domain.ErrCalleeBusy while the callee has another active call.
	CreateCall(ctx context.Context, rec *domain.CallRecord) (string, error)
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)
	// TransitionCall applies event to the stored status and writes update in the
	// same atomic step. It returns domain.ErrTerminalState or
	// domain.ErrInvalidTransition when the stored status does not accept event.
	TransitionCall(ctx context.Context, callID string, event domain.CallEvent, update domain.CallUpdate) (*domain.CallRecord, error)
	WatchCall(ctx context.Context, callID string, fn func(*domain.CallRecord)) (domain.Unsubscribe, error)
	// WatchIncomingCalls delivers calls where calleeId matches and status is pending or ringing
	WatchIncomingCalls(ctx context.Context, calleeID string, fn func([]*domain.CallRecord)) (domain.Unsubscribe, error)
	AddIceCandidate(ctx context.Context, callID, sender string, c domain.ICECandidate) error
	WatchIceCandidates(ctx context.Context, callID string, fn func(domain.IceCandidateChange)) (domain.Unsubscribe, error)
}

// Notifier is told about calls that may need an out-of-band alert
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, rec *domain.CallRecord)
	NotifyMissedCall(ctx context.Context, rec *domain.CallRecord)
}
