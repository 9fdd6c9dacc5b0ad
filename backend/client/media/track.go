package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindOf maps a pion codec type to a media kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

// Track is a local track owned by the Manager. Peer links borrow Local()
// and must never stop it.
type Track struct {
	kind    Kind
	local   *gatedTrack
	enabled *atomic.Bool

	stop     func()
	stopOnce sync.Once
	stopped  atomic.Bool
}

func newTrack(st SourceTrack) *Track {
	enabled := &atomic.Bool{}
	enabled.Store(true)
	return &Track{
		kind:    st.Kind,
		enabled: enabled,
		stop:    st.Stop,
		local: &gatedTrack{
			TrackLocal: st.Local,
			enabled:    enabled,
			bound:      make(map[webrtc.TrackLocalContext]*gatedContext),
		},
	}
}

func (t *Track) Kind() Kind    { return t.kind }
func (t *Track) ID() string    { return t.local.ID() }
func (t *Track) Enabled() bool { return t.enabled.Load() }

// Local is the track handed to peer connections.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Live reports whether the track has not been stopped yet.
func (t *Track) Live() bool { return !t.stopped.Load() }

func (t *Track) setEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) release() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			t.stop()
		}
	})
}

// gatedTrack wraps a pion track so that a disabled track keeps its RTP
// binding but drops outgoing packets. Toggling never touches negotiation.
type gatedTrack struct {
	webrtc.TrackLocal
	enabled *atomic.Bool

	mu    sync.Mutex
	bound map[webrtc.TrackLocalContext]*gatedContext
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	wrapped := &gatedContext{TrackLocalContext: ctx, enabled: g.enabled}
	g.mu.Lock()
	g.bound[ctx] = wrapped
	g.mu.Unlock()
	return g.TrackLocal.Bind(wrapped)
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	g.mu.Lock()
	wrapped, ok := g.bound[ctx]
	delete(g.bound, ctx)
	g.mu.Unlock()
	if !ok {
		return g.TrackLocal.Unbind(ctx)
	}
	return g.TrackLocal.Unbind(wrapped)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{w: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	w       webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (g *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !g.enabled.Load() {
		return len(payload), nil
	}
	return g.w.WriteRTP(header, payload)
}

func (g *gatedWriter) Write(b []byte) (int, error) {
	if !g.enabled.Load() {
		return len(b), nil
	}
	return g.w.Write(b)
}
