package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"secureconnect-calls/internal/domain"
)

// PionFactory creates pion-backed peer connections sharing one configured API
type PionFactory struct {
	api *webrtc.API
}

// NewPionFactory registers the default codecs and interceptors
func NewPionFactory() (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
	}, nil
}

// NewPeerConnection implements PeerConnectionFactory
func (f *PionFactory) NewPeerConnection(iceServers []string) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) AddStream(stream *LocalStream) error {
	for _, t := range stream.Tracks {
		st, ok := t.(*SampleTrack)
		if !ok {
			return fmt.Errorf("track %s is not a pion track", t.ID())
		}
		if _, err := p.pc.AddTrack(st.local); err != nil {
			return fmt.Errorf("failed to add %s track: %w", st.Kind(), err)
		}
	}
	return nil
}

func (p *pionPeerConnection) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return FromPion(offer), nil
}

func (p *pionPeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return FromPion(answer), nil
}

func (p *pionPeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	return p.pc.SetLocalDescription(ToPion(desc))
}

func (p *pionPeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(ToPion(desc))
}

func (p *pionPeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeerConnection) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(CandidateToPion(c))
}

func (p *pionPeerConnection) OnICECandidate(fn func(c *domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		cand := CandidateFromPion(c.ToJSON())
		fn(&cand)
	})
}

func (p *pionPeerConnection) OnTrack(fn func(t RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			Track:    track,
		})
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(s webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
