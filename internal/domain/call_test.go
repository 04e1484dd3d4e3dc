package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStatusApply_HappyPath(t *testing.T) {
	s := CallStatusPending

	s, err := s.Apply(EventOfferSent)
	require.NoError(t, err)
	assert.Equal(t, CallStatusRinging, s)

	s, err = s.Apply(EventAnswered)
	require.NoError(t, err)
	assert.Equal(t, CallStatusConnected, s)

	s, err = s.Apply(EventHangup)
	require.NoError(t, err)
	assert.Equal(t, CallStatusEnded, s)
}

func TestCallStatusApply_TerminalStatesAreFinal(t *testing.T) {
	events := []CallEvent{EventOfferSent, EventAnswered, EventHangup, EventRejected, EventMissed}
	for _, terminal := range []CallStatus{CallStatusEnded, CallStatusRejected, CallStatusMissed} {
		for _, e := range events {
			next, err := terminal.Apply(e)
			assert.True(t, errors.Is(err, ErrTerminalState), "%s on %s", e, terminal)
			assert.Equal(t, terminal, next)
		}
	}
}

func TestCallStatusApply_Invalid(t *testing.T) {
	_, err := CallStatusPending.Apply(EventAnswered)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = CallStatusConnected.Apply(EventRejected)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = CallStatusConnected.Apply(EventMissed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// Every accepted transition moves strictly forward.
func TestCallStatusApply_Monotonic(t *testing.T) {
	events := []CallEvent{EventOfferSent, EventAnswered, EventHangup, EventRejected, EventMissed}
	for _, from := range ActiveStatuses {
		for _, e := range events {
			to, err := from.Apply(e)
			if err != nil {
				continue
			}
			assert.Greater(t, to.Rank(), from.Rank(), "%s --%s--> %s", from, e, to)
		}
	}
}

func TestCallEventSourcesAndTarget(t *testing.T) {
	assert.ElementsMatch(t, []CallStatus{CallStatusPending, CallStatusRinging, CallStatusConnected}, EventHangup.Sources())
	assert.ElementsMatch(t, []CallStatus{CallStatusPending, CallStatusRinging}, EventRejected.Sources())
	assert.Equal(t, []CallStatus{CallStatusRinging}, EventAnswered.Sources())
	assert.Equal(t, CallStatusMissed, EventMissed.Target())
	assert.Equal(t, CallStatusRinging, EventOfferSent.Target())

	assert.True(t, CanTransition(CallStatusRinging, CallStatusConnected))
	assert.False(t, CanTransition(CallStatusConnected, CallStatusRinging))
	assert.False(t, CanTransition(CallStatusEnded, CallStatusEnded))
}

func TestCallRecordDuration(t *testing.T) {
	answered := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := answered.Add(125 * time.Second)

	rec := &CallRecord{AnsweredAt: &answered, EndedAt: &ended}
	assert.Equal(t, 125*time.Second, rec.Duration())

	rec = &CallRecord{EndedAt: &ended}
	assert.Zero(t, rec.Duration())
}

func TestCallRecordPeerOf(t *testing.T) {
	rec := &CallRecord{CallerID: "alice", CalleeID: "bob"}
	assert.Equal(t, "bob", rec.PeerOf("alice"))
	assert.Equal(t, "alice", rec.PeerOf("bob"))
}

func TestPresenceRecordIsOnline(t *testing.T) {
	var missing *PresenceRecord
	assert.False(t, missing.IsOnline())

	online := Online()
	assert.True(t, online.IsOnline())
}
