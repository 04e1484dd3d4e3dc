// Package rtctest provides in-memory fakes of the rtc interfaces for tests.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/rtc"
)

// Track is a fake LocalTrack
type Track struct {
	mu      sync.Mutex
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
	stopped bool
}

// NewTrack returns an enabled track of kind
func NewTrack(kind webrtc.RTPCodecType) *Track {
	return &Track{id: uuid.NewString(), kind: kind, enabled: true}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Devices is a fake MediaDevices. Err, when set, is returned from every call.
// OnAcquire, when set, runs after the stream is built and before it is returned.
type Devices struct {
	Err       error
	OnAcquire func()

	mu      sync.Mutex
	streams []*rtc.LocalStream
}

// GetUserMedia implements rtc.MediaDevices
func (d *Devices) GetUserMedia(_ context.Context, c rtc.Constraints) (*rtc.LocalStream, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	s := &rtc.LocalStream{ID: uuid.NewString()}
	if c.Audio {
		s.Tracks = append(s.Tracks, NewTrack(webrtc.RTPCodecTypeAudio))
	}
	if c.Video {
		s.Tracks = append(s.Tracks, NewTrack(webrtc.RTPCodecTypeVideo))
	}

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	if d.OnAcquire != nil {
		d.OnAcquire()
	}
	return s, nil
}

// Streams returns every stream handed out so far
func (d *Devices) Streams() []*rtc.LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*rtc.LocalStream(nil), d.streams...)
}

// PeerConnection is a fake rtc.PeerConnection that records what the coordinator does to it
type PeerConnection struct {
	// Failure injection, checked on the matching call
	CreateOfferErr  error
	CreateAnswerErr error
	SetRemoteErr    error

	mu          sync.Mutex
	streams     []*rtc.LocalStream
	local       *domain.SessionDescription
	remote      *domain.SessionDescription
	candidates  []domain.ICECandidate
	closed      bool
	onCandidate func(*domain.ICECandidate)
	onTrack     func(rtc.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (p *PeerConnection) AddStream(stream *rtc.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer connection closed")
	}
	p.streams = append(p.streams, stream)
	return nil
}

func (p *PeerConnection) CreateOffer() (domain.SessionDescription, error) {
	if p.CreateOfferErr != nil {
		return domain.SessionDescription{}, p.CreateOfferErr
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer " + uuid.NewString()}, nil
}

func (p *PeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	if p.CreateAnswerErr != nil {
		return domain.SessionDescription{}, p.CreateAnswerErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer " + uuid.NewString()}, nil
}

func (p *PeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *PeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	if p.SetRemoteErr != nil {
		return p.SetRemoteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		return fmt.Errorf("remote description already set to %s", p.remote.Type)
	}
	p.remote = &desc
	return nil
}

func (p *PeerConnection) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *PeerConnection) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("candidate added before remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *PeerConnection) OnICECandidate(fn func(*domain.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *PeerConnection) OnTrack(fn func(rtc.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// EmitCandidate simulates local ICE gathering
func (p *PeerConnection) EmitCandidate(c *domain.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitTrack simulates a remote track arriving
func (p *PeerConnection) EmitTrack(t rtc.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// EmitState simulates a connection state change
func (p *PeerConnection) EmitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Closed reports whether Close was called
func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// LocalDescription returns the last description set locally
func (p *PeerConnection) LocalDescription() *domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// RemoteDescription returns the remote description, if any
func (p *PeerConnection) RemoteDescription() *domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Candidates returns the remote candidates applied so far
func (p *PeerConnection) Candidates() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidate(nil), p.candidates...)
}

// Streams returns the local streams attached
func (p *PeerConnection) Streams() []*rtc.LocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*rtc.LocalStream(nil), p.streams...)
}

// Factory hands out fake PeerConnections. Prepare, when set, customizes each new connection.
type Factory struct {
	Err     error
	Prepare func(pc *PeerConnection)

	mu         sync.Mutex
	created    []*PeerConnection
	iceServers [][]string
}

// NewPeerConnection implements rtc.PeerConnectionFactory
func (f *Factory) NewPeerConnection(iceServers []string) (rtc.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	pc := &PeerConnection{}
	if f.Prepare != nil {
		f.Prepare(pc)
	}
	f.mu.Lock()
	f.created = append(f.created, pc)
	f.iceServers = append(f.iceServers, iceServers)
	f.mu.Unlock()
	return pc, nil
}

// Last returns the most recently created connection
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Count returns how many connections were created
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// ICEServers returns the server list passed for the i-th connection
func (f *Factory) ICEServers(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceServers[i]
}
