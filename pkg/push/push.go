package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal
	Sound       string            `json:"sound,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID     string `json:"call_id"`
	ChatID     string `json:"chat_id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	CallType   string `json:"call_type"`
	CallStatus string `json:"call_status"`
	Timestamp  int64  `json:"timestamp"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM TokenType = "fcm" // Firebase Cloud Messaging, covers iOS via the APNs bridge
	TokenTypeWeb TokenType = "web"
)

// Token represents a push notification token for a user
type Token struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	DeleteByToken(ctx context.Context, userID, token string) error
	MarkInactive(ctx context.Context, token string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push token for a user, reactivating it if already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil && existing.UserID == token.UserID {
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		*token = *existing
		return s.repo.Update(ctx, existing)
	}

	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes one of the user's tokens
func (s *Service) UnregisterToken(ctx context.Context, userID, token string) error {
	return s.repo.DeleteByToken(ctx, userID, token)
}

// SendCallNotification notifies callees of an incoming call
func (s *Service) SendCallNotification(ctx context.Context, data *CallNotificationData, calleeIDs []string) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", data.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":        "call",
			"call_id":     data.CallID,
			"chat_id":     data.ChatID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
			"call_type":   data.CallType,
			"call_status": data.CallStatus,
			"timestamp":   fmt.Sprintf("%d", data.Timestamp),
		},
	}

	return s.send(ctx, "call", data.CallID, notification, calleeIDs)
}

// SendMissedCallNotification notifies callees of a call they did not pick up
func (s *Service) SendMissedCallNotification(ctx context.Context, data *CallNotificationData, calleeIDs []string) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a %s call from %s", data.CallType, data.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":        "missed_call",
			"call_id":     data.CallID,
			"chat_id":     data.ChatID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
			"call_type":   data.CallType,
		},
	}

	return s.send(ctx, "missed_call", data.CallID, notification, calleeIDs)
}

func (s *Service) send(ctx context.Context, kind, callID string, notification *Notification, userIDs []string) error {
	var allTokens []string
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}

		for _, token := range tokens {
			if token.Active {
				allTokens = append(allTokens, token.Token)
			}
		}
	}

	if len(allTokens) == 0 {
		logger.Debug("No active push tokens found",
			zap.String("type", kind),
			zap.Int("user_count", len(userIDs)))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, allTokens)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("type", kind),
			zap.String("call_id", callID),
			zap.Int("token_count", len(allTokens)),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", kind, err)
	}

	logger.Info("Push notification sent",
		zap.String("type", kind),
		zap.String("call_id", callID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, token := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("Failed to mark token as inactive", zap.Error(err))
		}
	}
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	NotificationsSent int
	Last              *Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++
	m.Last = notification

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}
