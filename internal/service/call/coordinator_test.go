package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/repository/memory"
	"secureconnect-calls/internal/rtc"
	"secureconnect-calls/internal/rtc/rtctest"
	apperrors "secureconnect-calls/pkg/errors"
)

const (
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	incoming []string
	missed   []string
}

func (n *recordingNotifier) NotifyIncomingCall(_ context.Context, rec *domain.CallRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, rec.ID)
}

func (n *recordingNotifier) NotifyMissedCall(_ context.Context, rec *domain.CallRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, rec.ID)
}

func (n *recordingNotifier) Missed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.missed...)
}

func (n *recordingNotifier) Incoming() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.incoming...)
}

type party struct {
	co      *Coordinator
	devices *rtctest.Devices
	factory *rtctest.Factory
}

func newParty(store *memory.CallStore, cfg Config, opts ...Option) *party {
	p := &party{devices: &rtctest.Devices{}, factory: &rtctest.Factory{}}
	p.co = NewCoordinator(store, p.devices, p.factory, cfg, opts...)
	return p
}

func startVoiceCall(t *testing.T, p *party, from, to string) string {
	t.Helper()
	out, err := p.co.StartCall(context.Background(), StartCallInput{
		ChatID:     "chat-1",
		CallerID:   from,
		CallerName: "Alice",
		CalleeID:   to,
		CallType:   domain.CallTypeVoice,
	}, Callbacks{})
	require.NoError(t, err)
	return out.CallID
}

func getCall(t *testing.T, store *memory.CallStore, callID string) *domain.CallRecord {
	t.Helper()
	rec, err := store.GetCall(context.Background(), callID)
	require.NoError(t, err)
	return rec
}

// sessionEnded reports once the coordinator has released its session
func sessionEnded(p *party) func() bool {
	return func() bool {
		p.co.mu.Lock()
		released := p.co.active == nil && p.co.last != nil
		p.co.mu.Unlock()
		info, ok := p.co.Session()
		return released && ok && !info.Active
	}
}

func candidate(s string) domain.ICECandidate {
	mid := "0"
	idx := uint16(0)
	return domain.ICECandidate{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func TestStartCall_WritesOfferAndRings(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{ICEServers: []string{"stun:stun.example.org:3478"}})

	out, err := caller.co.StartCall(context.Background(), StartCallInput{
		ChatID:   "chat-1",
		CallerID: alice,
		CalleeID: bob,
		CallType: domain.CallTypeVoice,
	}, Callbacks{})
	require.NoError(t, err)

	rec := getCall(t, store, out.CallID)
	assert.Equal(t, domain.CallStatusRinging, rec.Status)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "offer", rec.Offer.Type)
	assert.Equal(t, caller.factory.Last().LocalDescription(), rec.Offer)
	assert.Equal(t, []domain.CallStatus{domain.CallStatusPending, domain.CallStatusRinging}, store.StatusHistory(out.CallID))

	require.Len(t, out.LocalStream.Tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, out.LocalStream.Tracks[0].Kind())
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, caller.factory.ICEServers(0))

	info, ok := caller.co.Session()
	require.True(t, ok)
	assert.Equal(t, out.CallID, info.CallID)
	assert.Equal(t, RoleCaller, info.Role)
	assert.Equal(t, bob, info.PeerID)
	assert.Equal(t, domain.CallStatusRinging, info.Status)
	assert.True(t, info.Active)
}

func TestStartCall_Validation(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})

	tests := []struct {
		name  string
		input StartCallInput
		code  apperrors.ErrorCode
	}{
		{"missing caller", StartCallInput{CalleeID: bob, CallType: domain.CallTypeVoice}, apperrors.ErrCodeMissingField},
		{"missing callee", StartCallInput{CallerID: alice, CallType: domain.CallTypeVoice}, apperrors.ErrCodeMissingField},
		{"self call", StartCallInput{CallerID: alice, CalleeID: alice, CallType: domain.CallTypeVoice}, apperrors.ErrCodeValidation},
		{"unknown type", StartCallInput{CallerID: alice, CalleeID: bob, CallType: "hologram"}, apperrors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := caller.co.StartCall(context.Background(), tt.input, Callbacks{})
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
	assert.Empty(t, store.ListCalls())
	assert.Equal(t, 0, caller.factory.Count())
}

func TestAnswer_ConnectsBothSides(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})

	callID := startVoiceCall(t, caller, alice, bob)

	var incoming []*domain.CallRecord
	unsub, err := SubscribeToIncomingCalls(context.Background(), store, bob, func(calls []*domain.CallRecord) {
		incoming = calls
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, incoming, 1)
	assert.Equal(t, callID, incoming[0].ID)

	stream, err := callee.co.AnswerIncomingCall(context.Background(), incoming[0], Callbacks{})
	require.NoError(t, err)
	require.NotNil(t, stream)

	rec := getCall(t, store, callID)
	assert.Equal(t, domain.CallStatusConnected, rec.Status)
	require.NotNil(t, rec.Answer)
	assert.NotNil(t, rec.AnsweredAt)
	assert.Empty(t, incoming)

	calleePC := callee.factory.Last()
	callerPC := caller.factory.Last()
	assert.Equal(t, rec.Offer, calleePC.RemoteDescription())
	assert.Equal(t, rec.Answer, calleePC.LocalDescription())
	assert.Equal(t, rec.Answer, callerPC.RemoteDescription())

	callerInfo, _ := caller.co.Session()
	calleeInfo, _ := callee.co.Session()
	assert.Equal(t, domain.CallStatusConnected, callerInfo.Status)
	assert.Equal(t, domain.CallStatusConnected, calleeInfo.Status)
	assert.Equal(t, RoleCallee, calleeInfo.Role)
	assert.Equal(t, alice, calleeInfo.PeerID)
	assert.False(t, callerInfo.ConnectedAt.IsZero())
}

func TestAnswer_RequiresRingingCallWithOffer(t *testing.T) {
	store := memory.NewCallStore()
	callee := newParty(store, Config{})

	_, err := callee.co.AnswerIncomingCall(context.Background(), &domain.CallRecord{
		ID: "c1", CallerID: alice, CalleeID: bob, Status: domain.CallStatusPending,
	}, Callbacks{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0"}
	_, err = callee.co.AnswerIncomingCall(context.Background(), &domain.CallRecord{
		ID: "c1", CallerID: alice, CalleeID: bob, Status: domain.CallStatusEnded, Offer: &offer,
	}, Callbacks{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Equal(t, 0, callee.factory.Count())
}

func TestHandleAnswer_AppliedOnce(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.NoError(t, err)

	first := caller.factory.Last().RemoteDescription()
	require.NotNil(t, first)

	err = caller.co.HandleAnswer(context.Background(), domain.SessionDescription{Type: "answer", SDP: "late duplicate"})
	require.NoError(t, err)
	assert.Equal(t, first, caller.factory.Last().RemoteDescription())

	info, _ := caller.co.Session()
	assert.True(t, info.Active)
}

func TestHandleAnswer_NoActiveCall(t *testing.T) {
	caller := newParty(memory.NewCallStore(), Config{})
	err := caller.co.HandleAnswer(context.Background(), domain.SessionDescription{Type: "answer"})
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestIceCandidates_BufferedUntilRemoteDescription(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})

	callID := startVoiceCall(t, caller, alice, bob)
	callerPC := caller.factory.Last()

	// Local candidates are published under the caller's id and never echoed back.
	callerPC.EmitCandidate(&domain.ICECandidate{Candidate: "candidate:caller-1"})
	callerPC.EmitCandidate(nil)
	stored := store.Candidates(callID)
	require.Len(t, stored, 1)
	assert.Equal(t, alice, stored[0].Sender)
	assert.Empty(t, callerPC.Candidates())

	// A peer candidate that beats the answer is held back.
	require.NoError(t, store.AddIceCandidate(context.Background(), callID, bob, candidate("candidate:early")))
	assert.Empty(t, callerPC.Candidates())

	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, []domain.ICECandidate{candidate("candidate:early")}, callerPC.Candidates())

	// The callee picked up the caller's earlier candidate on subscribe.
	calleePC := callee.factory.Last()
	require.Len(t, calleePC.Candidates(), 1)
	assert.Equal(t, "candidate:caller-1", calleePC.Candidates()[0].Candidate)

	calleePC.EmitCandidate(&domain.ICECandidate{Candidate: "candidate:callee-1"})
	require.Len(t, callerPC.Candidates(), 2)
	assert.Equal(t, "candidate:callee-1", callerPC.Candidates()[1].Candidate)
}

func TestSubscribeToIceCandidates_FiltersOwnAndModified(t *testing.T) {
	store := memory.NewCallStore()
	ctx := context.Background()
	callID, err := store.CreateCall(ctx, &domain.CallRecord{CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVoice})
	require.NoError(t, err)

	require.NoError(t, store.AddIceCandidate(ctx, callID, alice, candidate("own")))
	require.NoError(t, store.AddIceCandidate(ctx, callID, bob, candidate("peer-1")))

	var got []string
	unsub, err := SubscribeToIceCandidates(ctx, store, callID, alice, func(rec *domain.IceCandidateRecord) {
		got = append(got, rec.Candidate.Candidate)
	})
	require.NoError(t, err)

	require.NoError(t, store.AddIceCandidate(ctx, callID, bob, candidate("peer-2")))
	peerID := store.Candidates(callID)[1].ID
	store.ModifyIceCandidate(callID, peerID, candidate("peer-1-edited"))

	unsub()
	unsub()
	require.NoError(t, store.AddIceCandidate(ctx, callID, bob, candidate("after-unsubscribe")))

	assert.Equal(t, []string{"peer-1", "peer-2"}, got)
}

func TestStartCall_CalleeBusy(t *testing.T) {
	store := memory.NewCallStore()
	first := newParty(store, Config{})
	second := newParty(store, Config{})

	startVoiceCall(t, first, alice, bob)

	_, err := second.co.StartCall(context.Background(), StartCallInput{
		CallerID: carol, CalleeID: bob, CallType: domain.CallTypeVideo,
	}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCalleeBusy))
	assert.ErrorIs(t, err, domain.ErrCalleeBusy)

	streams := second.devices.Streams()
	require.Len(t, streams, 1)
	for _, tr := range streams[0].Tracks {
		assert.True(t, tr.(*rtctest.Track).Stopped())
	}
	assert.Equal(t, 0, second.factory.Count())
	_, ok := second.co.Session()
	assert.False(t, ok)
	assert.Len(t, store.ListCalls(), 1)
}

func TestStartCall_WhileInProgress(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})

	startVoiceCall(t, caller, alice, bob)
	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: carol, CallType: domain.CallTypeVoice,
	}, Callbacks{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
	assert.Len(t, store.ListCalls(), 1)
}

func TestStartCall_MediaError(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	caller.devices.Err = errors.New("camera denied")

	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVideo,
	}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAccess))
	assert.Empty(t, store.ListCalls())
	assert.Equal(t, 0, caller.factory.Count())

	// The slot is free again.
	caller.devices.Err = nil
	startVoiceCall(t, caller, alice, bob)
}

func TestStartCall_OfferFailureEndsCall(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	caller.factory.Prepare = func(pc *rtctest.PeerConnection) {
		pc.CreateOfferErr = errors.New("no codecs")
	}

	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVoice,
	}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))
	assert.ErrorIs(t, err, ErrNegotiation)

	calls := store.ListCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.CallStatusEnded, calls[0].Status)
	assert.NotNil(t, calls[0].EndedAt)
	assert.Equal(t, []domain.CallStatus{domain.CallStatusPending, domain.CallStatusEnded}, store.StatusHistory(calls[0].ID))

	assert.True(t, caller.factory.Last().Closed())
	assert.True(t, caller.devices.Streams()[0].Tracks[0].(*rtctest.Track).Stopped())

	info, ok := caller.co.Session()
	require.True(t, ok)
	assert.False(t, info.Active)
	assert.Equal(t, domain.CallStatusEnded, info.Status)
}

func TestAnswer_MediaErrorRejects(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})
	callee.devices.Err = rtc.ErrMediaAccess

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAccess))
	assert.ErrorIs(t, err, rtc.ErrMediaAccess)

	assert.Equal(t, domain.CallStatusRejected, getCall(t, store, callID).Status)
	assert.Equal(t, 0, callee.factory.Count())

	assert.Eventually(t, sessionEnded(caller), time.Second, 5*time.Millisecond)
	assert.True(t, caller.factory.Last().Closed())
}

func TestAnswer_NegotiationFailureRejects(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})
	callee.factory.Prepare = func(pc *rtctest.PeerConnection) {
		pc.SetRemoteErr = errors.New("malformed sdp")
	}

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.NotErrorIs(t, err, rtc.ErrMediaAccess)

	assert.Equal(t, domain.CallStatusRejected, getCall(t, store, callID).Status)
	assert.True(t, callee.factory.Last().Closed())
	assert.True(t, callee.devices.Streams()[0].Tracks[0].(*rtctest.Track).Stopped())

	info, ok := callee.co.Session()
	require.True(t, ok)
	assert.False(t, info.Active)

	assert.Eventually(t, sessionEnded(caller), time.Second, 5*time.Millisecond)
}

func TestHangup_TearsDownBothSides(t *testing.T) {
	store := memory.NewCallStore()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	caller := newParty(store, Config{}, WithClock(clock.Now))
	callee := newParty(store, Config{}, WithClock(clock.Now))

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.NoError(t, err)

	clock.Advance(2*time.Minute + 5*time.Second)
	caller.co.Hangup(context.Background())
	caller.co.Hangup(context.Background())

	rec := getCall(t, store, callID)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, 2*time.Minute+5*time.Second, rec.Duration())
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusPending, domain.CallStatusRinging, domain.CallStatusConnected, domain.CallStatusEnded,
	}, store.StatusHistory(callID))

	info, ok := caller.co.Session()
	require.True(t, ok)
	assert.False(t, info.Active)
	assert.Equal(t, domain.CallStatusEnded, info.Status)
	assert.Equal(t, 2*time.Minute+5*time.Second, info.Duration())
	assert.True(t, caller.factory.Last().Closed())

	assert.Eventually(t, sessionEnded(callee), time.Second, 5*time.Millisecond)
	assert.True(t, callee.factory.Last().Closed())
	assert.True(t, callee.devices.Streams()[0].Tracks[0].(*rtctest.Track).Stopped())

	// Both sides may now start fresh calls.
	startVoiceCall(t, callee, bob, alice)
}

func TestHangup_WithoutSessionIsNoop(t *testing.T) {
	caller := newParty(memory.NewCallStore(), Config{})
	caller.co.Hangup(context.Background())
	_, ok := caller.co.Session()
	assert.False(t, ok)
}

func TestConnectionFailure_HangsUp(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})

	var mu sync.Mutex
	var states []webrtc.PeerConnectionState
	cb := Callbacks{OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}}

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), cb)
	require.NoError(t, err)

	callee.factory.Last().EmitState(webrtc.PeerConnectionStateConnected)
	callee.factory.Last().EmitState(webrtc.PeerConnectionStateFailed)

	assert.Eventually(t, func() bool {
		return getCall(t, store, callID).Status == domain.CallStatusEnded
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, sessionEnded(callee), time.Second, 5*time.Millisecond)
	assert.Eventually(t, sessionEnded(caller), time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateFailed}, states)
}

func TestRemoteTrack_DeliveredToCallback(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})

	got := make(chan rtc.RemoteTrack, 1)
	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVideo,
	}, Callbacks{OnRemoteTrack: func(t rtc.RemoteTrack) { got <- t }})
	require.NoError(t, err)

	caller.factory.Last().EmitTrack(rtc.RemoteTrack{ID: "v1", StreamID: "s1", Kind: webrtc.RTPCodecTypeVideo})

	select {
	case tr := <-got:
		assert.Equal(t, "v1", tr.ID)
		assert.Equal(t, webrtc.RTPCodecTypeVideo, tr.Kind)
	case <-time.After(time.Second):
		t.Fatal("remote track not delivered")
	}
}

func TestRingTimeout_MarksMissed(t *testing.T) {
	store := memory.NewCallStore()
	notifier := &recordingNotifier{}
	caller := newParty(store, Config{RingTimeout: 20 * time.Millisecond}, WithNotifier(notifier))

	callID := startVoiceCall(t, caller, alice, bob)

	assert.Eventually(t, func() bool {
		return getCall(t, store, callID).Status == domain.CallStatusMissed
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, sessionEnded(caller), time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(notifier.Missed()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(notifier.Incoming()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, caller.factory.Last().Closed())
}

func TestRingTimeout_StoppedByAnswer(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{RingTimeout: 30 * time.Millisecond})
	callee := newParty(store, Config{})

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, domain.CallStatusConnected, getCall(t, store, callID).Status)
}

func TestRejectCall(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})

	callID := startVoiceCall(t, caller, alice, bob)

	require.NoError(t, callee.co.RejectCall(context.Background(), callID))
	rec := getCall(t, store, callID)
	assert.Equal(t, domain.CallStatusRejected, rec.Status)
	assert.NotNil(t, rec.EndedAt)

	assert.Eventually(t, sessionEnded(caller), time.Second, 5*time.Millisecond)
	info, _ := caller.co.Session()
	assert.Equal(t, domain.CallStatusRejected, info.Status)
	assert.Zero(t, info.Duration())

	err := callee.co.RejectCall(context.Background(), callID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	err = callee.co.RejectCall(context.Background(), "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestMarkMissed_AfterConnectIsRefused(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})

	callID := startVoiceCall(t, caller, alice, bob)
	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.NoError(t, err)

	err = caller.co.MarkMissed(context.Background(), callID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Equal(t, domain.CallStatusConnected, getCall(t, store, callID).Status)
}

func TestToggleMuteAndVideo(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})

	assert.False(t, caller.co.ToggleMute())

	out, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVideo,
	}, Callbacks{})
	require.NoError(t, err)

	audio := out.LocalStream.TrackOfKind(webrtc.RTPCodecTypeAudio)
	video := out.LocalStream.TrackOfKind(webrtc.RTPCodecTypeVideo)
	require.NotNil(t, audio)
	require.NotNil(t, video)

	assert.True(t, caller.co.ToggleMute())
	assert.False(t, audio.Enabled())
	assert.False(t, caller.co.ToggleMute())
	assert.True(t, audio.Enabled())

	assert.True(t, caller.co.ToggleVideo())
	assert.False(t, video.Enabled())
	assert.True(t, audio.Enabled())
}

func TestToggleVideo_VoiceCallHasNoVideo(t *testing.T) {
	caller := newParty(memory.NewCallStore(), Config{})
	startVoiceCall(t, caller, alice, bob)
	assert.False(t, caller.co.ToggleVideo())
}

// hookedStore runs afterCreate once a call record has been created
type hookedStore struct {
	*memory.CallStore
	afterCreate func()
}

func (s *hookedStore) CreateCall(ctx context.Context, rec *domain.CallRecord) (string, error) {
	id, err := s.CallStore.CreateCall(ctx, rec)
	if err == nil && s.afterCreate != nil {
		s.afterCreate()
	}
	return id, err
}

func assertStopped(t *testing.T, stream *rtc.LocalStream) {
	t.Helper()
	for _, tr := range stream.Tracks {
		assert.True(t, tr.(*rtctest.Track).Stopped())
	}
}

func TestStartCall_HangupWhileAcquiringMedia(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{RingTimeout: time.Hour})
	caller.devices.OnAcquire = func() { caller.co.Hangup(context.Background()) }

	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVoice,
	}, Callbacks{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	assert.Empty(t, store.ListCalls())
	assert.Equal(t, 0, caller.factory.Count())
	assertStopped(t, caller.devices.Streams()[0])

	// bob is reachable by someone else.
	other := newParty(store, Config{})
	startVoiceCall(t, other, carol, bob)
}

func TestStartCall_HangupWhileCreatingRecord(t *testing.T) {
	store := &hookedStore{CallStore: memory.NewCallStore()}
	caller := &party{devices: &rtctest.Devices{}, factory: &rtctest.Factory{}}
	caller.co = NewCoordinator(store, caller.devices, caller.factory, Config{RingTimeout: time.Hour})
	store.afterCreate = func() { caller.co.Hangup(context.Background()) }

	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVoice,
	}, Callbacks{})
	require.Error(t, err)

	calls := store.ListCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.CallStatusEnded, calls[0].Status)
	assert.NotNil(t, calls[0].EndedAt)
	assert.Equal(t, 0, caller.factory.Count())
	assertStopped(t, caller.devices.Streams()[0])

	store.afterCreate = nil
	other := newParty(store.CallStore, Config{})
	startVoiceCall(t, other, carol, bob)

	// The caller's slot is free as well.
	startVoiceCall(t, caller, alice, carol)
}

func TestStartCall_HangupWhileCreatingPeerConnection(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	caller.factory.Prepare = func(*rtctest.PeerConnection) { caller.co.Hangup(context.Background()) }

	_, err := caller.co.StartCall(context.Background(), StartCallInput{
		CallerID: alice, CalleeID: bob, CallType: domain.CallTypeVoice,
	}, Callbacks{})
	require.Error(t, err)

	calls := store.ListCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.CallStatusEnded, calls[0].Status)
	assert.True(t, caller.factory.Last().Closed())
	assertStopped(t, caller.devices.Streams()[0])
}

func TestAnswer_HangupDuringSetupReleasesMedia(t *testing.T) {
	store := memory.NewCallStore()
	caller := newParty(store, Config{})
	callee := newParty(store, Config{})
	callID := startVoiceCall(t, caller, alice, bob)

	callee.factory.Prepare = func(*rtctest.PeerConnection) { callee.co.Hangup(context.Background()) }

	_, err := callee.co.AnswerIncomingCall(context.Background(), getCall(t, store, callID), Callbacks{})
	require.Error(t, err)

	assert.Equal(t, domain.CallStatusEnded, getCall(t, store, callID).Status)
	assert.True(t, callee.factory.Last().Closed())
	assertStopped(t, callee.devices.Streams()[0])
	assert.Eventually(t, sessionEnded(caller), time.Second, 5*time.Millisecond)

	callee.factory.Prepare = nil
	startVoiceCall(t, callee, bob, carol)
}
