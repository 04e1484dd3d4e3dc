package rtc

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// opusSilence is a single 20ms Opus frame encoding silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleTrack is a local track fed with encoded samples by the host application.
// Samples written while the track is disabled are dropped.
type SampleTrack struct {
	local   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
}

func newSampleTrack(kind webrtc.RTPCodecType, streamID string) (*SampleTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, kind.String(), streamID)
	if err != nil {
		return nil, err
	}

	t := &SampleTrack{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string                { return t.local.ID() }
func (t *SampleTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *SampleTrack) Enabled() bool             { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *SampleTrack) Stop()                     { t.stopped.Store(true) }

// Stopped reports whether Stop has been called
func (t *SampleTrack) Stopped() bool { return t.stopped.Load() }

// WriteSample forwards an encoded sample to the peer
func (t *SampleTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// SampleDevices hands out SampleTracks. It reports ErrMediaAccess for devices it does not have.
type SampleDevices struct {
	HasMicrophone bool
	HasCamera     bool
}

// GetUserMedia implements MediaDevices
func (d *SampleDevices) GetUserMedia(_ context.Context, c Constraints) (*LocalStream, error) {
	if c.Audio && !d.HasMicrophone {
		return nil, fmt.Errorf("%w: no microphone", ErrMediaAccess)
	}
	if c.Video && !d.HasCamera {
		return nil, fmt.Errorf("%w: no camera", ErrMediaAccess)
	}

	stream := &LocalStream{ID: uuid.NewString()}
	if c.Audio {
		t, err := newSampleTrack(webrtc.RTPCodecTypeAudio, stream.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(webrtc.RTPCodecTypeVideo, stream.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	return stream, nil
}

// PumpSilence writes Opus silence frames to the stream's audio track until ctx is done
// or the track is stopped.
func PumpSilence(ctx context.Context, stream *LocalStream) {
	st, ok := stream.TrackOfKind(webrtc.RTPCodecTypeAudio).(*SampleTrack)
	if !ok {
		return
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				return
			}
		}
	}
}
