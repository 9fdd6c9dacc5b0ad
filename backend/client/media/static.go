package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrPermissionDenied = errors.New("permission denied")

// StaticSource produces sample tracks that are not backed by any device.
// Headless peers and tests use it; a caller may feed samples through
// webrtc.TrackLocalStaticSample.WriteSample.
type StaticSource struct {
	// DenyUserMedia and DenyDisplay emulate a refused permission prompt.
	DenyUserMedia bool
	DenyDisplay   bool
	// Prompt, if set, makes every request wait until it is closed, as a
	// pending permission prompt would.
	Prompt <-chan struct{}

	mx          sync.Mutex
	displayStop []chan struct{}
}

func (s *StaticSource) UserMedia(ctx context.Context, c Constraints) ([]SourceTrack, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.DenyUserMedia {
		return nil, ErrPermissionDenied
	}
	streamID := uuid.NewString()
	var tracks []SourceTrack
	if c.Audio {
		t, err := newSampleTrack(KindAudio, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(KindVideo, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (s *StaticSource) DisplayMedia(ctx context.Context) ([]SourceTrack, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.DenyDisplay {
		return nil, ErrPermissionDenied
	}
	t, err := newSampleTrack(KindVideo, "screen-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	t.Ended = stop
	s.mx.Lock()
	s.displayStop = append(s.displayStop, stop)
	s.mx.Unlock()
	return []SourceTrack{t}, nil
}

// StopSharing emulates the user stopping every display capture from the
// system UI.
func (s *StaticSource) StopSharing() {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, ch := range s.displayStop {
		close(ch)
	}
	s.displayStop = nil
}

func (s *StaticSource) wait(ctx context.Context) error {
	if s.Prompt == nil {
		return nil
	}
	select {
	case <-s.Prompt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newSampleTrack(kind Kind, streamID string) (SourceTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return SourceTrack{}, err
	}
	return SourceTrack{Kind: kind, Local: local}, nil
}
