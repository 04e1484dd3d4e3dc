package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/repository/memory"
	"secureconnect-calls/internal/service/presence"
	"secureconnect-calls/pkg/metrics"
	"secureconnect-calls/pkg/push"
)

type MockPusher struct {
	mock.Mock
}

func (m *MockPusher) SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []string) error {
	return m.Called(ctx, data, calleeIDs).Error(0)
}

func (m *MockPusher) SendMissedCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []string) error {
	return m.Called(ctx, data, calleeIDs).Error(0)
}

type failingPresence struct{}

func (failingPresence) GetPresence(context.Context, string) (*domain.PresenceRecord, error) {
	return nil, errors.New("redis down")
}

func ringingCall() *domain.CallRecord {
	return &domain.CallRecord{
		ID:         "call-1",
		ChatID:     "chat-1",
		CallerID:   "alice",
		CallerName: "Alice",
		CalleeID:   "bob",
		CallType:   domain.CallTypeVideo,
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Unix(1714550400, 0),
	}
}

func TestNotifyIncomingCall_OfflineCalleeGetsPush(t *testing.T) {
	tracker := presence.NewTracker(memory.NewPresenceStore(), nil)
	pusher := new(MockPusher)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry("test", reg)

	pusher.On("SendCallNotification", mock.Anything, mock.MatchedBy(func(d *push.CallNotificationData) bool {
		return d.CallID == "call-1" && d.CallerName == "Alice" && d.CallType == "video" &&
			d.CallStatus == "ringing" && d.Timestamp == 1714550400
	}), []string{"bob"}).Return(nil).Once()

	NewService(tracker, pusher, m).NotifyIncomingCall(context.Background(), ringingCall())

	pusher.AssertExpectations(t)
	expected := `
# HELP push_notifications_total Total number of push notifications sent
# TYPE push_notifications_total counter
push_notifications_total{service="test",type="call"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "push_notifications_total"))
}

func TestNotifyIncomingCall_OnlineCalleeSkipped(t *testing.T) {
	ctx := context.Background()
	tracker := presence.NewTracker(memory.NewPresenceStore(), nil)
	require.NoError(t, tracker.InitializePresence(ctx, "bob"))
	t.Cleanup(func() { _ = tracker.CleanupPresence(ctx, "bob") })

	pusher := new(MockPusher)
	NewService(tracker, pusher, nil).NotifyIncomingCall(ctx, ringingCall())

	pusher.AssertNotCalled(t, "SendCallNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifyIncomingCall_PresenceErrorStillPushes(t *testing.T) {
	pusher := new(MockPusher)
	pusher.On("SendCallNotification", mock.Anything, mock.Anything, []string{"bob"}).Return(nil).Once()

	NewService(failingPresence{}, pusher, nil).NotifyIncomingCall(context.Background(), ringingCall())

	pusher.AssertExpectations(t)
}

func TestNotifyMissedCall_FailureCounted(t *testing.T) {
	pusher := new(MockPusher)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry("test", reg)
	pusher.On("SendMissedCallNotification", mock.Anything, mock.Anything, []string{"bob"}).
		Return(errors.New("fcm unavailable")).Once()

	rec := ringingCall()
	rec.Status = domain.CallStatusMissed
	NewService(nil, pusher, m).NotifyMissedCall(context.Background(), rec)

	pusher.AssertExpectations(t)
	expected := `
# HELP push_notifications_failed_total Total number of failed push notifications
# TYPE push_notifications_failed_total counter
push_notifications_failed_total{service="test",type="missed_call"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "push_notifications_failed_total"))
}
