// Package rtc is the media and negotiation boundary used by the call coordinator.
// The production implementation is backed by pion/webrtc; rtctest provides fakes.
package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"

	"secureconnect-calls/internal/domain"
)

// ErrMediaAccess is returned when a requested microphone or camera is missing or denied
var ErrMediaAccess = errors.New("media access denied or device unavailable")

// Constraints selects which local devices to capture
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is a captured local media track
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// LocalStream groups the tracks returned by one GetUserMedia call
type LocalStream struct {
	ID     string
	Tracks []LocalTrack
}

// TrackOfKind returns the first track of kind k, or nil
func (s *LocalStream) TrackOfKind(k webrtc.RTPCodecType) LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// Stop stops every track in the stream
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// RemoteTrack is a track received from the peer
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	// Track is set by the pion implementation
	Track *webrtc.TrackRemote
}

// MediaDevices acquires local media
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// PeerConnection is the subset of RTCPeerConnection the coordinator drives
type PeerConnection interface {
	AddStream(stream *LocalStream) error
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c domain.ICECandidate) error
	// OnICECandidate receives nil once gathering completes
	OnICECandidate(fn func(c *domain.ICECandidate))
	OnTrack(fn func(t RemoteTrack))
	OnConnectionStateChange(fn func(s webrtc.PeerConnectionState))
	Close() error
}

// PeerConnectionFactory creates peer connections bound to a set of ICE server URLs
type PeerConnectionFactory interface {
	NewPeerConnection(iceServers []string) (PeerConnection, error)
}

// IsTerminalConnectionState reports states after which the session must be cleaned up
func IsTerminalConnectionState(s webrtc.PeerConnectionState) bool {
	switch s {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
		webrtc.PeerConnectionStateDisconnected:
		return true
	}
	return false
}

// ToPion converts a stored description to the pion type
func ToPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

// FromPion converts a pion description for storage
func FromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

// CandidateToPion converts a stored candidate to the pion type
func CandidateToPion(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// CandidateFromPion converts a pion candidate for storage
func CandidateFromPion(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
