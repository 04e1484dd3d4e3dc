package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/pkg/resilience"
)

// MockTokenRepository is a mock implementation of TokenRepository
type MockTokenRepository struct {
	mock.Mock
}

func (m *MockTokenRepository) Store(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*Token, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Token), args.Error(1)
}

func (m *MockTokenRepository) GetByToken(ctx context.Context, token string) (*Token, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Token), args.Error(1)
}

func (m *MockTokenRepository) Update(ctx context.Context, token *Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockTokenRepository) DeleteByToken(ctx context.Context, userID, token string) error {
	args := m.Called(ctx, userID, token)
	return args.Error(0)
}

func (m *MockTokenRepository) MarkInactive(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

type failingProvider struct{ invalid []string }

func (p *failingProvider) Send(_ context.Context, _ *Notification, tokens []string) (*SendResult, error) {
	return &SendResult{SuccessCount: len(tokens) - len(p.invalid), FailureCount: len(p.invalid), InvalidTokens: p.invalid}, nil
}

func TestSendCallNotification_OnlyActiveTokens(t *testing.T) {
	repo := new(MockTokenRepository)
	provider := &MockProvider{}
	svc := NewService(provider, repo)

	repo.On("GetByUserID", mock.Anything, "bob").Return([]*Token{
		{Token: "t1", Active: true},
		{Token: "t2", Active: false},
	}, nil)

	err := svc.SendCallNotification(context.Background(), &CallNotificationData{
		CallID:     "call-1",
		CallerName: "Alice",
		CallType:   "video",
	}, []string{"bob"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.NotificationsSent)
	assert.Equal(t, "Incoming Call", provider.Last.Title)
	assert.Equal(t, "Alice is calling you", provider.Last.Body)
	assert.Equal(t, "call-1", provider.Last.Data["call_id"])
	repo.AssertExpectations(t)
}

func TestSendCallNotification_NoTokens(t *testing.T) {
	repo := new(MockTokenRepository)
	provider := &MockProvider{}
	svc := NewService(provider, repo)

	repo.On("GetByUserID", mock.Anything, "bob").Return(nil, errors.New("redis down"))

	err := svc.SendCallNotification(context.Background(), &CallNotificationData{CallID: "c"}, []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, 0, provider.NotificationsSent)
}

func TestSendMissedCallNotification_MarksInvalidTokens(t *testing.T) {
	repo := new(MockTokenRepository)
	svc := NewService(&failingProvider{invalid: []string{"stale"}}, repo)

	repo.On("GetByUserID", mock.Anything, "bob").Return([]*Token{
		{Token: "ok", Active: true},
		{Token: "stale", Active: true},
	}, nil)
	repo.On("MarkInactive", mock.Anything, "stale").Return(nil)

	err := svc.SendMissedCallNotification(context.Background(), &CallNotificationData{
		CallID:     "call-2",
		CallerName: "Alice",
		CallType:   "voice",
	}, []string{"bob"})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRegisterToken_ReactivatesExisting(t *testing.T) {
	repo := new(MockTokenRepository)
	svc := NewService(&MockProvider{}, repo)

	existing := &Token{ID: "id-1", UserID: "bob", Token: "t1", Active: false}
	repo.On("GetByToken", mock.Anything, "t1").Return(existing, nil)
	repo.On("Update", mock.Anything, mock.MatchedBy(func(tok *Token) bool {
		return tok.ID == "id-1" && tok.Active && tok.Platform == "android"
	})).Return(nil)

	token := &Token{UserID: "bob", Token: "t1", Type: TokenTypeFCM, Platform: "android"}
	require.NoError(t, svc.RegisterToken(context.Background(), token))
	assert.Equal(t, "id-1", token.ID)
	repo.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
}

func TestRegisterToken_New(t *testing.T) {
	repo := new(MockTokenRepository)
	svc := NewService(&MockProvider{}, repo)

	repo.On("GetByToken", mock.Anything, "t9").Return(nil, nil)
	repo.On("Store", mock.Anything, mock.AnythingOfType("*push.Token")).Return(nil)

	token := &Token{UserID: "bob", Token: "t9", Type: TokenTypeWeb}
	require.NoError(t, svc.RegisterToken(context.Background(), token))
	assert.NotEmpty(t, token.ID)
	assert.True(t, token.Active)
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage(&Notification{
		Title:    "Incoming Call",
		Body:     "Alice is calling you",
		Priority: "high",
		Data:     map[string]string{"call_id": "c1", "timestamp": "42"},
	}, "tok")

	assert.Equal(t, "tok", msg.Token)
	assert.Equal(t, "c1", msg.Data["call_id"])
	assert.Equal(t, "42", msg.Data["timestamp"])
	assert.Equal(t, "Incoming Call", msg.Data["title"])
	assert.Equal(t, "high", msg.Android.Priority)
}

type flakyProvider struct {
	failures int
	calls    int
}

func (f *flakyProvider) Send(_ context.Context, _ *Notification, tokens []string) (*SendResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("fcm unavailable")
	}
	return &SendResult{SuccessCount: len(tokens)}, nil
}

func TestGuardedProvider_RetriesAndTrips(t *testing.T) {
	flaky := &flakyProvider{failures: 1}
	guarded := NewGuardedProvider(flaky, resilience.NewBreaker(t.Name(), resilience.Config{
		MaxAttempts:      2,
		FailureThreshold: 2,
		Cooldown:         time.Hour,
		Backoff:          time.Millisecond,
	}))

	result, err := guarded.Send(context.Background(), &Notification{Title: "Incoming Call"}, []string{"tok"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 2, flaky.calls)

	flaky.failures = 100
	_, err = guarded.Send(context.Background(), &Notification{}, []string{"tok"})
	require.Error(t, err)

	calls := flaky.calls
	_, err = guarded.Send(context.Background(), &Notification{}, []string{"tok"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, calls, flaky.calls)
}
