package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/rtc"
	"secureconnect-calls/pkg/constants"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

var (
	// ErrNoActiveCall is returned by operations that need a call session when there is none
	ErrNoActiveCall = errors.New("no active call")
	// ErrNegotiation is wrapped by every SDP or peer connection setup failure
	ErrNegotiation = errors.New("negotiation failed")
)

// Callbacks receive media and connection events of the active session.
// Either field may be nil.
type Callbacks struct {
	OnRemoteTrack           func(t rtc.RemoteTrack)
	OnConnectionStateChange func(s webrtc.PeerConnectionState)
}

// Config holds negotiation settings
type Config struct {
	ICEServers []string
	// RingTimeout marks an unanswered outgoing call missed. Zero disables it.
	RingTimeout time.Duration
}

// StartCallInput contains call initiation data
type StartCallInput struct {
	ChatID         string
	CallerID       string
	CallerName     string
	CallerPhotoURL string
	CalleeID       string
	CallType       domain.CallType
}

// StartCallOutput contains the new call id and the captured local media
type StartCallOutput struct {
	CallID      string
	LocalStream *rtc.LocalStream
}

// Coordinator runs the call lifecycle for one client. It owns at most one
// session at a time.
type Coordinator struct {
	store    Store
	devices  rtc.MediaDevices
	factory  rtc.PeerConnectionFactory
	cfg      Config
	metrics  *metrics.Metrics
	notifier Notifier
	now      func() time.Time

	mu     sync.Mutex
	active *session
	last   *session
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithMetrics records call metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier alerts callees out of band
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(store Store, devices rtc.MediaDevices, factory rtc.PeerConnectionFactory, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		devices: devices,
		factory: factory,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a snapshot of the active session, or of the last one if none
// is active. ok is false if this coordinator never ran a call.
func (c *Coordinator) Session() (SessionInfo, bool) {
	c.mu.Lock()
	s := c.active
	if s == nil {
		s = c.last
	}
	c.mu.Unlock()

	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

func (c *Coordinator) reserve(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return apperrors.CallInProgressError()
	}
	c.active = s
	return nil
}

// release frees the active slot. Attempts that never created a call record are
// not remembered as the last session.
func (c *Coordinator) release(s *session) {
	started := s.info().CallID != ""

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
		if started {
			c.last = s
		}
	}
}

// StartCall places a call: it captures local media, creates the call record,
// writes the SDP offer (moving the call to ringing) and starts relaying ICE.
func (c *Coordinator) StartCall(ctx context.Context, input StartCallInput, cb Callbacks) (*StartCallOutput, error) {
	switch {
	case input.CallerID == "":
		return nil, apperrors.MissingFieldError("caller_id")
	case input.CalleeID == "":
		return nil, apperrors.MissingFieldError("callee_id")
	case input.CallerID == input.CalleeID:
		return nil, apperrors.ValidationError("Cannot call yourself")
	case !input.CallType.Valid():
		return nil, apperrors.ValidationError(fmt.Sprintf("Unknown call type %q", input.CallType))
	}

	s := &session{
		role:        RoleCaller,
		localUserID: input.CallerID,
		peerID:      input.CalleeID,
		callType:    input.CallType,
		callbacks:   cb,
	}
	if err := c.reserve(s); err != nil {
		return nil, err
	}

	stream, err := c.devices.GetUserMedia(ctx, rtc.Constraints{Audio: true, Video: input.CallType == domain.CallTypeVideo})
	if err != nil {
		c.release(s)
		c.metrics.RecordCallFailure(string(input.CallType), "media")
		return nil, apperrors.MediaAccessError(err)
	}
	if !s.attach(func() { s.stream = stream }) {
		stream.Stop()
		return nil, errHungUpDuringSetup()
	}

	callID, err := c.store.CreateCall(ctx, &domain.CallRecord{
		ChatID:         input.ChatID,
		CallerID:       input.CallerID,
		CallerName:     input.CallerName,
		CallerPhotoURL: input.CallerPhotoURL,
		CalleeID:       input.CalleeID,
		CallType:       input.CallType,
	})
	if err != nil {
		stream.Stop()
		c.release(s)
		if errors.Is(err, domain.ErrCalleeBusy) {
			c.metrics.RecordCallFailure(string(input.CallType), "busy")
			return nil, apperrors.CalleeBusyError(err)
		}
		c.metrics.RecordCallFailure(string(input.CallType), "store")
		return nil, apperrors.DatabaseError(err)
	}

	if !s.attach(func() {
		s.callID = callID
		s.status = domain.CallStatusPending
	}) {
		// The hangup ran before the record existed and could not end it.
		c.abandon(ctx, callID)
		return nil, errHungUpDuringSetup()
	}
	c.metrics.RecordCallStarted(string(input.CallType), string(RoleCaller))

	ctx = logger.WithCallID(ctx, callID)
	log := logger.FromContext(ctx).With(zap.String("role", string(RoleCaller)))
	log.Info("Starting call",
		zap.String("callee_id", input.CalleeID),
		zap.String("call_type", string(input.CallType)))

	pc, err := c.factory.NewPeerConnection(c.cfg.ICEServers)
	if err != nil {
		return nil, c.fail(ctx, s, negotiationError("peer connection setup", err))
	}
	if !s.attach(func() { s.pc = pc }) {
		closePeerConnection(pc, s.info().CallID)
		return nil, errHungUpDuringSetup()
	}
	c.wirePeerConnection(s, pc)

	if err := pc.AddStream(stream); err != nil {
		return nil, c.fail(ctx, s, negotiationError("track attachment", err))
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return nil, c.fail(ctx, s, negotiationError("offer creation", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, c.fail(ctx, s, negotiationError("local description", err))
	}

	rec, err := c.store.TransitionCall(ctx, callID, domain.EventOfferSent, domain.CallUpdate{Offer: &offer})
	if err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			// Ended before the offer landed; nothing is left to negotiate.
			c.endSession(ctx, s, false)
			return nil, apperrors.InvalidTransitionError(err)
		}
		return nil, c.fail(ctx, s, apperrors.DatabaseError(err))
	}
	s.observe(rec.Status, c.now())

	if err := c.watchPeerCandidates(ctx, s); err != nil {
		return nil, c.fail(ctx, s, apperrors.DatabaseError(err))
	}
	if err := c.watchCallRecord(ctx, s); err != nil {
		return nil, c.fail(ctx, s, apperrors.DatabaseError(err))
	}

	if c.cfg.RingTimeout > 0 {
		timer := time.AfterFunc(c.cfg.RingTimeout, func() { c.ringTimeout(s) })
		if !s.attach(func() { s.ringTimer = timer }) {
			timer.Stop()
		}
	}
	if s.isClosed() {
		return nil, errHungUpDuringSetup()
	}

	if c.notifier != nil {
		go func(rec domain.CallRecord) {
			nctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
			defer cancel()
			c.notifier.NotifyIncomingCall(nctx, &rec)
		}(*rec)
	}

	return &StartCallOutput{CallID: callID, LocalStream: stream}, nil
}

// AnswerIncomingCall accepts a ringing call as its callee: it captures local
// media, applies the caller's offer, writes the answer (moving the call to
// connected) and starts relaying ICE. A media failure rejects the call.
func (c *Coordinator) AnswerIncomingCall(ctx context.Context, rec *domain.CallRecord, cb Callbacks) (*rtc.LocalStream, error) {
	if rec == nil || rec.ID == "" {
		return nil, apperrors.MissingFieldError("call")
	}
	if rec.Offer == nil {
		return nil, apperrors.InvalidTransitionError(fmt.Errorf("%w: call %s has no offer yet", domain.ErrInvalidTransition, rec.ID))
	}
	if _, err := rec.Status.Apply(domain.EventAnswered); err != nil {
		return nil, apperrors.InvalidTransitionError(err)
	}

	s := &session{
		role:        RoleCallee,
		localUserID: rec.CalleeID,
		peerID:      rec.CallerID,
		callType:    rec.CallType,
		callbacks:   cb,
		callID:      rec.ID,
		status:      rec.Status,
	}
	if err := c.reserve(s); err != nil {
		return nil, err
	}

	ctx = logger.WithCallID(ctx, rec.ID)
	log := logger.FromContext(ctx).With(zap.String("role", string(RoleCallee)))

	stream, err := c.devices.GetUserMedia(ctx, rtc.Constraints{Audio: true, Video: rec.CallType == domain.CallTypeVideo})
	if err != nil {
		c.release(s)
		c.metrics.RecordCallFailure(string(rec.CallType), "media")
		now := c.now().UTC()
		if _, rerr := c.store.TransitionCall(ctx, rec.ID, domain.EventRejected, domain.CallUpdate{EndedAt: &now}); rerr != nil {
			log.Warn("Failed to reject call after media failure", zap.Error(rerr))
		}
		return nil, apperrors.MediaAccessError(err)
	}
	if !s.attach(func() { s.stream = stream }) {
		stream.Stop()
		return nil, errHungUpDuringSetup()
	}
	c.metrics.RecordCallStarted(string(rec.CallType), string(RoleCallee))

	pc, err := c.factory.NewPeerConnection(c.cfg.ICEServers)
	if err != nil {
		return nil, c.fail(ctx, s, negotiationError("peer connection setup", err))
	}
	if !s.attach(func() { s.pc = pc }) {
		closePeerConnection(pc, s.info().CallID)
		return nil, errHungUpDuringSetup()
	}
	c.wirePeerConnection(s, pc)

	if err := pc.AddStream(stream); err != nil {
		return nil, c.fail(ctx, s, negotiationError("track attachment", err))
	}
	if _, err := c.applyRemoteDescription(s, *rec.Offer); err != nil {
		return nil, c.fail(ctx, s, negotiationError("remote offer", err))
	}

	answer, err := pc.CreateAnswer()
	if err != nil {
		return nil, c.fail(ctx, s, negotiationError("answer creation", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, c.fail(ctx, s, negotiationError("local description", err))
	}

	now := c.now().UTC()
	updated, err := c.store.TransitionCall(ctx, rec.ID, domain.EventAnswered, domain.CallUpdate{Answer: &answer, AnsweredAt: &now})
	if err != nil {
		if errors.Is(err, domain.ErrTerminalState) || errors.Is(err, domain.ErrInvalidTransition) {
			// Caller hung up or the call timed out while we were answering.
			c.endSession(ctx, s, false)
			return nil, apperrors.InvalidTransitionError(err)
		}
		return nil, c.fail(ctx, s, apperrors.DatabaseError(err))
	}
	s.observe(updated.Status, now)

	if err := c.watchPeerCandidates(ctx, s); err != nil {
		return nil, c.fail(ctx, s, apperrors.DatabaseError(err))
	}
	if err := c.watchCallRecord(ctx, s); err != nil {
		return nil, c.fail(ctx, s, apperrors.DatabaseError(err))
	}

	if s.isClosed() {
		return nil, errHungUpDuringSetup()
	}
	log.Info("Answered call", zap.String("caller_id", rec.CallerID))
	return stream, nil
}

// HandleAnswer applies the callee's answer on the caller side. It runs at most
// once per session; a duplicate or late answer is ignored.
func (c *Coordinator) HandleAnswer(ctx context.Context, answer domain.SessionDescription) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return ErrNoActiveCall
	}
	if s.role != RoleCaller {
		return apperrors.InvalidTransitionError(fmt.Errorf("%w: only the caller applies an answer", domain.ErrInvalidTransition))
	}

	applied, err := c.applyRemoteDescription(s, answer)
	if err != nil {
		return c.fail(ctx, s, negotiationError("remote answer", err))
	}
	if applied {
		logger.Debug("Applied remote answer", zap.String("call_id", s.info().CallID))
	}
	return nil
}

// applyRemoteDescription sets desc unless a remote description already exists,
// then replays candidates that arrived early. It reports whether desc was applied.
func (c *Coordinator) applyRemoteDescription(s *session, desc domain.SessionDescription) (bool, error) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	pc := s.pc
	closed := s.closed
	s.mu.Unlock()
	if closed || pc == nil {
		return false, nil
	}
	if pc.HasRemoteDescription() {
		return false, nil
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	callID := s.callID
	s.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			logger.Warn("Failed to apply buffered ICE candidate",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
	return true, nil
}

func (c *Coordinator) addRemoteCandidate(s *session, cand domain.ICECandidate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	callID := s.callID
	s.mu.Unlock()

	c.metrics.RecordICECandidate("received")
	if err := pc.AddICECandidate(cand); err != nil {
		logger.Warn("Failed to apply ICE candidate",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

func (c *Coordinator) wirePeerConnection(s *session, pc rtc.PeerConnection) {
	pc.OnICECandidate(func(cand *domain.ICECandidate) {
		if cand == nil || s.isClosed() {
			return
		}
		s.mu.Lock()
		callID := s.callID
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
		defer cancel()
		if err := c.store.AddIceCandidate(ctx, callID, s.localUserID, *cand); err != nil {
			logger.Warn("Failed to publish ICE candidate",
				zap.String("call_id", callID),
				zap.Error(err))
			return
		}
		c.metrics.RecordICECandidate("sent")
	})

	pc.OnTrack(func(t rtc.RemoteTrack) {
		if cb := s.callbacks.OnRemoteTrack; cb != nil {
			cb(t)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cb := s.callbacks.OnConnectionStateChange; cb != nil {
			cb(state)
		}
		if rtc.IsTerminalConnectionState(state) {
			s.mu.Lock()
			callID := s.callID
			s.mu.Unlock()
			logger.Info("Peer connection lost, hanging up",
				zap.String("call_id", callID),
				zap.String("state", state.String()))
			go c.endSession(context.Background(), s, true)
		}
	})
}

func (c *Coordinator) watchPeerCandidates(ctx context.Context, s *session) error {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()

	unsub, err := SubscribeToIceCandidates(ctx, c.store, callID, s.localUserID, func(rec *domain.IceCandidateRecord) {
		c.addRemoteCandidate(s, rec.Candidate)
	})
	if err != nil {
		return err
	}
	if !s.addUnsub(unsub) {
		unsub()
	}
	return nil
}

func (c *Coordinator) watchCallRecord(ctx context.Context, s *session) error {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()

	unsub, err := SubscribeToCall(ctx, c.store, callID, func(rec *domain.CallRecord) {
		if s.isClosed() {
			return
		}
		if rec == nil {
			logger.Warn("Call record disappeared", zap.String("call_id", callID))
			go c.endSession(context.Background(), s, false)
			return
		}

		s.observe(rec.Status, c.now())

		if rec.Status.IsTerminal() {
			go c.endSession(context.Background(), s, false)
			return
		}

		if s.role == RoleCaller && rec.Answer != nil {
			s.stopRingTimer()
			if _, err := c.applyRemoteDescription(s, *rec.Answer); err != nil {
				go func() {
					_ = c.fail(context.Background(), s, negotiationError("remote answer", err))
				}()
			}
		}
	})
	if err != nil {
		return err
	}
	if !s.addUnsub(unsub) {
		unsub()
	}
	return nil
}

func (c *Coordinator) ringTimeout(s *session) {
	info := s.info()
	if !info.Active || info.Status.Rank() >= domain.CallStatusConnected.Rank() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
	defer cancel()

	if err := c.MarkMissed(ctx, info.CallID); err != nil {
		logger.Debug("Ring timeout lost to another transition",
			zap.String("call_id", info.CallID),
			zap.Error(err))
		return
	}
	c.endSession(ctx, s, false)
}

// fail tears down a session after a negotiation or store error and writes a
// terminal status so the peer is not left waiting. It returns cause.
func (c *Coordinator) fail(ctx context.Context, s *session, cause *apperrors.AppError) error {
	info := s.info()
	logger.Warn("Call attempt failed",
		zap.String("call_id", info.CallID),
		zap.String("role", string(info.Role)),
		zap.Error(cause))
	c.metrics.RecordCallFailure(string(info.CallType), string(cause.Code))

	if info.Role == RoleCallee && info.Status.Rank() < domain.CallStatusConnected.Rank() {
		c.closeLocal(s)
		c.writeTerminal(ctx, s, domain.EventRejected)
		c.finish(s)
		return cause
	}

	c.endSession(ctx, s, true)
	return cause
}

// ToggleMute flips the local audio track and reports whether it is now muted.
// Without an audio track it returns false.
func (c *Coordinator) ToggleMute() bool {
	enabled, ok := c.toggle(webrtc.RTPCodecTypeAudio)
	return ok && !enabled
}

// ToggleVideo flips the local video track and reports whether video is now off.
// Without a video track it returns false.
func (c *Coordinator) ToggleVideo() bool {
	enabled, ok := c.toggle(webrtc.RTPCodecTypeVideo)
	return ok && !enabled
}

func (c *Coordinator) toggle(kind webrtc.RTPCodecType) (enabled, ok bool) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return false, false
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	track := stream.TrackOfKind(kind)
	if track == nil {
		return false, false
	}
	enabled = !track.Enabled()
	track.SetEnabled(enabled)
	return enabled, true
}

// Hangup ends the active session: local media is stopped, the peer connection
// closed, subscriptions torn down and the call marked ended. It is safe to call
// any number of times; cleanup failures are logged, never returned.
func (c *Coordinator) Hangup(ctx context.Context) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.endSession(ctx, s, true)
}

// RejectCall declines an incoming call before any media is set up
func (c *Coordinator) RejectCall(ctx context.Context, callID string) error {
	now := c.now().UTC()
	_, err := c.store.TransitionCall(ctx, callID, domain.EventRejected, domain.CallUpdate{EndedAt: &now})
	if err != nil {
		return mapTransitionError(err)
	}
	logger.Info("Rejected call", zap.String("call_id", callID))
	return nil
}

// MarkMissed moves an unanswered call to missed
func (c *Coordinator) MarkMissed(ctx context.Context, callID string) error {
	now := c.now().UTC()
	rec, err := c.store.TransitionCall(ctx, callID, domain.EventMissed, domain.CallUpdate{EndedAt: &now})
	if err != nil {
		return mapTransitionError(err)
	}
	logger.Info("Call missed", zap.String("call_id", callID))

	if c.notifier != nil {
		go func(rec domain.CallRecord) {
			nctx, cancel := context.WithTimeout(context.Background(), constants.WriteTimeout)
			defer cancel()
			c.notifier.NotifyMissedCall(nctx, &rec)
		}(*rec)
	}
	return nil
}

func mapTransitionError(err error) error {
	switch {
	case errors.Is(err, domain.ErrCallNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.InvalidTransitionError(err)
	default:
		return apperrors.DatabaseError(err)
	}
}

// endSession releases local resources once and, when write is set, records
// the hangup on the call document.
func (c *Coordinator) endSession(ctx context.Context, s *session, write bool) {
	if !c.closeLocal(s) {
		return
	}
	if write {
		c.writeTerminal(ctx, s, domain.EventHangup)
	}
	c.finish(s)
}

// closeLocal stops media, closes the connection and drops subscriptions.
// Only the first call returns true.
func (c *Coordinator) closeLocal(s *session) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	timer := s.ringTimer
	s.ringTimer = nil
	pc := s.pc
	stream := s.stream
	callID := s.callID
	s.pending = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, u := range unsubs {
		u()
	}
	stream.Stop()
	if pc != nil {
		closePeerConnection(pc, callID)
	}
	c.release(s)
	return true
}

func closePeerConnection(pc rtc.PeerConnection, callID string) {
	if err := pc.Close(); err != nil {
		logger.Warn("Failed to close peer connection",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

// abandon ends a call record created after its session was already hung up
func (c *Coordinator) abandon(ctx context.Context, callID string) {
	now := c.now().UTC()
	if _, err := c.store.TransitionCall(ctx, callID, domain.EventHangup, domain.CallUpdate{EndedAt: &now}); err != nil &&
		!errors.Is(err, domain.ErrTerminalState) {
		logger.Warn("Failed to end abandoned call",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	logger.Info("Call hung up during setup", zap.String("call_id", callID))
}

func negotiationError(stage string, err error) *apperrors.AppError {
	return apperrors.NegotiationError(stage, fmt.Errorf("%w: %w", ErrNegotiation, err))
}

func errHungUpDuringSetup() error {
	return apperrors.InvalidTransitionError(fmt.Errorf("%w: hung up during call setup", domain.ErrTerminalState))
}

func (c *Coordinator) writeTerminal(ctx context.Context, s *session, event domain.CallEvent) {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if callID == "" {
		return
	}

	now := c.now().UTC()
	rec, err := c.store.TransitionCall(ctx, callID, event, domain.CallUpdate{EndedAt: &now})
	switch {
	case err == nil:
		s.observe(rec.Status, now)
	case errors.Is(err, domain.ErrTerminalState):
		// The peer got there first.
		c.metrics.RecordStaleTransition(string(event))
		logger.Debug("Call already terminal",
			zap.String("call_id", callID),
			zap.String("event", string(event)))
		if current, gerr := c.store.GetCall(ctx, callID); gerr == nil {
			s.observe(current.Status, now)
		}
	default:
		logger.Warn("Failed to record call end",
			zap.String("call_id", callID),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

func (c *Coordinator) finish(s *session) {
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = c.now()
	}
	s.mu.Unlock()

	info := s.info()
	if info.CallID == "" {
		return
	}
	c.metrics.RecordCallFinished(string(info.CallType), string(info.Status), info.Duration())
	logger.Info("Call session closed",
		zap.String("call_id", info.CallID),
		zap.String("role", string(info.Role)),
		zap.String("status", string(info.Status)),
		zap.Duration("duration", info.Duration()))
}
