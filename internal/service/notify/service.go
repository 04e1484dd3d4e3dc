// Package notify delivers call push notifications to callees that are not
// connected to a live presence session.
package notify

import (
	"context"

	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
	"secureconnect-calls/pkg/push"
)

// PresenceReader reads a user's presence
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (*domain.PresenceRecord, error)
}

// Pusher sends call notifications
type Pusher interface {
	SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []string) error
	SendMissedCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []string) error
}

// Service implements call.Notifier on top of push
type Service struct {
	presence PresenceReader
	pusher   Pusher
	metrics  *metrics.Metrics
}

// NewService creates a notifier. presence may be nil, in which case every
// incoming call is pushed.
func NewService(presence PresenceReader, pusher Pusher, m *metrics.Metrics) *Service {
	return &Service{presence: presence, pusher: pusher, metrics: m}
}

func notificationData(rec *domain.CallRecord) *push.CallNotificationData {
	return &push.CallNotificationData{
		CallID:     rec.ID,
		ChatID:     rec.ChatID,
		CallerID:   rec.CallerID,
		CallerName: rec.CallerName,
		CallType:   string(rec.CallType),
		CallStatus: string(rec.Status),
		Timestamp:  rec.CreatedAt.Unix(),
	}
}

// online reports whether the callee has a live session. A failed read counts
// as offline so the push still goes out.
func (s *Service) online(ctx context.Context, userID string) bool {
	if s.presence == nil {
		return false
	}
	p, err := s.presence.GetPresence(ctx, userID)
	if err != nil {
		logger.Warn("Presence lookup failed before push",
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return p.IsOnline()
}

// NotifyIncomingCall pushes an incoming-call notification unless the callee
// is online and will see the call through its own subscription.
func (s *Service) NotifyIncomingCall(ctx context.Context, rec *domain.CallRecord) {
	if s.online(ctx, rec.CalleeID) {
		logger.Debug("Callee online, skipping incoming call push",
			zap.String("call_id", rec.ID),
			zap.String("callee_id", rec.CalleeID))
		return
	}
	s.deliver(ctx, "call", rec, s.pusher.SendCallNotification)
}

// NotifyMissedCall pushes a missed-call notification to the callee
func (s *Service) NotifyMissedCall(ctx context.Context, rec *domain.CallRecord) {
	s.deliver(ctx, "missed_call", rec, s.pusher.SendMissedCallNotification)
}

func (s *Service) deliver(ctx context.Context, kind string, rec *domain.CallRecord,
	send func(context.Context, *push.CallNotificationData, []string) error) {
	if err := send(ctx, notificationData(rec), []string{rec.CalleeID}); err != nil {
		s.metrics.RecordPushNotificationFailure(kind)
		logger.Warn("Call push failed",
			zap.String("type", kind),
			zap.String("call_id", rec.ID),
			zap.Error(err))
		return
	}
	s.metrics.RecordPushNotification(kind)
}
