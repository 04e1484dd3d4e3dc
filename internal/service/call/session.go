package call

import (
	"sync"
	"time"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/rtc"
)

// Role is the local party's side of a call
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// SessionInfo is a snapshot of the local call session for the timeline layer
type SessionInfo struct {
	CallID      string
	Role        Role
	CallType    domain.CallType
	PeerID      string
	Status      domain.CallStatus
	ConnectedAt time.Time
	EndedAt     time.Time
	Active      bool
}

// Duration is the connected time, zero if the call never connected.
// For a session still in progress it is measured up to now.
func (i SessionInfo) Duration() time.Duration {
	if i.ConnectedAt.IsZero() {
		return 0
	}
	end := i.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(i.ConnectedAt)
}

// session owns the media and peer connection of one call on this client
type session struct {
	role        Role
	localUserID string
	peerID      string
	callType    domain.CallType
	callbacks   Callbacks

	// negMu serializes remote description application with candidate flushing
	negMu sync.Mutex

	mu          sync.Mutex
	callID      string
	pc          rtc.PeerConnection
	stream      *rtc.LocalStream
	status      domain.CallStatus
	connectedAt time.Time
	endedAt     time.Time
	remoteSet   bool
	pending     []domain.ICECandidate
	unsubs      []domain.Unsubscribe
	ringTimer   *time.Timer
	closed      bool
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		CallID:      s.callID,
		Role:        s.role,
		CallType:    s.callType,
		PeerID:      s.peerID,
		Status:      s.status,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
		Active:      !s.closed,
	}
}

// observe advances the local status view; it never moves backwards
func (s *session) observe(status domain.CallStatus, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status.Rank() <= s.status.Rank() {
		return
	}
	s.status = status
	if status == domain.CallStatusConnected && s.connectedAt.IsZero() {
		s.connectedAt = now
	}
}

func (s *session) addUnsub(u domain.Unsubscribe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.unsubs = append(s.unsubs, u)
	return true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) stopRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// attach runs set under the session lock unless the session was already
// closed by a concurrent hangup. It reports whether set ran.
func (s *session) attach(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	set()
	return true
}
