// Package media owns local capture: camera, microphone and screen streams.
// Every stream handed out by the Manager must be given back via Release.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrMediaAccess means permission was denied or no device exists.
	ErrMediaAccess = errors.New("media access failed")
	ErrNoTracks    = errors.New("no live tracks of requested kind")
)

type Constraints struct {
	Video bool
	Audio bool
}

// SourceTrack is a raw track produced by a Source.
type SourceTrack struct {
	Kind  Kind
	Local webrtc.TrackLocal
	// Stop releases the underlying device.
	Stop func()
	// Ended, if not nil, is closed when capture stops on its own, e.g. the
	// user pressed the system "Stop sharing" button.
	Ended <-chan struct{}
}

// Source is a capture backend.
type Source interface {
	UserMedia(ctx context.Context, c Constraints) ([]SourceTrack, error)
	DisplayMedia(ctx context.Context) ([]SourceTrack, error)
}

type Stream struct {
	id      string
	display bool
	tracks  []*Track

	ended    chan struct{}
	endOnce  sync.Once
	released chan struct{}
	relOnce  sync.Once
}

func (s *Stream) ID() string       { return s.id }
func (s *Stream) IsDisplay() bool  { return s.display }
func (s *Stream) Tracks() []*Track { return s.tracks }

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind Kind) *Track {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// Ended is closed when the source stopped capture by itself.
func (s *Stream) Ended() <-chan struct{} { return s.ended }

type Config struct {
	Source Source
	Logger *zerolog.Logger
}

type Manager struct {
	src    Source
	logger zerolog.Logger

	mx             sync.Mutex
	live           map[string]*Stream
	onDisplayEnded func(*Stream)
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		src:    cfg.Source,
		logger: cfg.Logger.With().Str("component", "media").Logger(),
		live:   make(map[string]*Stream),
	}
}

// OnDisplayEnded sets the handler called when a display stream is stopped
// from outside the application. Setting it again replaces the previous one.
func (m *Manager) OnDisplayEnded(fn func(*Stream)) {
	m.mx.Lock()
	m.onDisplayEnded = fn
	m.mx.Unlock()
}

// Acquire requests camera and/or microphone. It may block for as long as
// the user takes to answer a permission prompt.
func (m *Manager) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	sts, err := m.src.UserMedia(ctx, c)
	if err != nil {
		m.logger.Warn().Err(err).Msg("user media request failed")
		return nil, errors.Join(ErrMediaAccess, err)
	}
	if len(sts) == 0 {
		return nil, errors.Join(ErrMediaAccess, ErrNoTracks)
	}
	s := m.register(sts, false)
	m.logger.Debug().
		Str("stream", s.id).
		Int("tracks", len(s.tracks)).
		Msg("user media acquired")
	return s, nil
}

// AcquireDisplay requests screen capture.
func (m *Manager) AcquireDisplay(ctx context.Context) (*Stream, error) {
	sts, err := m.src.DisplayMedia(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("display media request failed")
		return nil, errors.Join(ErrMediaAccess, err)
	}
	if len(sts) == 0 {
		return nil, errors.Join(ErrMediaAccess, ErrNoTracks)
	}
	s := m.register(sts, true)
	m.logger.Debug().Str("stream", s.id).Msg("display media acquired")
	return s, nil
}

func (m *Manager) register(sts []SourceTrack, display bool) *Stream {
	s := &Stream{
		id:       uuid.NewString(),
		display:  display,
		ended:    make(chan struct{}),
		released: make(chan struct{}),
	}
	for _, st := range sts {
		s.tracks = append(s.tracks, newTrack(st))
		if st.Ended != nil {
			go m.watchEnded(s, st.Ended)
		}
	}
	m.mx.Lock()
	m.live[s.id] = s
	m.mx.Unlock()
	return s
}

func (m *Manager) watchEnded(s *Stream, ended <-chan struct{}) {
	select {
	case <-s.released:
		return
	case <-ended:
	}
	select {
	case <-s.released:
		return
	default:
	}
	first := false
	s.endOnce.Do(func() {
		close(s.ended)
		first = true
	})
	if !first {
		return
	}
	m.logger.Debug().
		Str("stream", s.id).
		Bool("display", s.display).
		Msg("capture ended by source")

	m.mx.Lock()
	fn := m.onDisplayEnded
	m.mx.Unlock()
	if s.display && fn != nil {
		fn(s)
	}
}

// SetTrackEnabled mutes or unmutes every live user-media track of kind.
func (m *Manager) SetTrackEnabled(kind Kind, enabled bool) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	var found bool
	for _, s := range m.live {
		if s.display {
			continue
		}
		for _, t := range s.tracks {
			if t.kind == kind {
				t.setEnabled(enabled)
				found = true
			}
		}
	}
	if !found {
		return ErrNoTracks
	}
	return nil
}

// Release stops every track of s. Releasing twice is a no-op; nil is allowed.
func (m *Manager) Release(s *Stream) {
	if s == nil {
		return
	}
	s.relOnce.Do(func() {
		close(s.released)
		m.mx.Lock()
		delete(m.live, s.id)
		m.mx.Unlock()
		for _, t := range s.tracks {
			t.release()
		}
		m.logger.Debug().Str("stream", s.id).Msg("stream released")
	})
}

// LiveTracks counts tracks of streams that were not released yet.
func (m *Manager) LiveTracks() int {
	m.mx.Lock()
	defer m.mx.Unlock()

	var n int
	for _, s := range m.live {
		for _, t := range s.tracks {
			if t.Live() {
				n++
			}
		}
	}
	return n
}
