// Package peer runs the offer/answer/ICE exchange of a single call on top of
// pion/webrtc and lets the outgoing video be swapped without renegotiation.
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/client/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type State string

const (
	StateNew             State = "new"
	StateHaveLocalOffer  State = "have-local-offer"
	StateHaveRemoteOffer State = "have-remote-offer"
	StateStable          State = "stable"
	StateChecking        State = "checking"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateFailed          State = "failed"
	StateClosed          State = "closed"
)

const defaultDisconnectWait = 5 * time.Second

var (
	ErrClosed      = errors.New("peer link is closed")
	ErrNegotiation = errors.New("negotiation failed")
	ErrNoSender    = errors.New("no outbound track of this kind")
)

// LocalTrack is a borrowed local track; *media.Track implements it.
type LocalTrack interface {
	Kind() media.Kind
	Local() webrtc.TrackLocal
}

type outbound struct {
	sender trackSender
	track  webrtc.TrackLocal
}

// Link is one peer connection. SDP operations are serialized; candidates
// that arrive before the remote description wait in a FIFO queue.
type Link struct {
	conn              rtcConn
	logger            zerolog.Logger
	disconnectTimeout time.Duration

	// nmx serializes everything that talks SDP or ICE to the connection.
	nmx sync.Mutex

	mx        sync.Mutex
	state     State
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	outbound  map[media.Kind]outbound
	discTimer *time.Timer

	onLocalCandidate func(webrtc.ICECandidateInit)
	onStateChange    func(State)
	onRemoteTrack    func(*webrtc.TrackRemote)
}

func newLink(conn rtcConn, logger *zerolog.Logger, disconnectTimeout time.Duration) *Link {
	if disconnectTimeout <= 0 {
		disconnectTimeout = defaultDisconnectWait
	}
	l := &Link{
		conn:              conn,
		logger:            logger.With().Str("component", "peer").Logger(),
		disconnectTimeout: disconnectTimeout,
		state:             StateNew,
		outbound:          make(map[media.Kind]outbound),
	}
	conn.OnICECandidate(l.handleLocalCandidate)
	conn.OnConnectionStateChange(l.handleConnectionState)
	conn.OnTrack(l.handleRemoteTrack)
	return l
}

// OnLocalCandidate sets the handler for trickled local candidates.
func (l *Link) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	l.mx.Lock()
	l.onLocalCandidate = fn
	l.mx.Unlock()
}

func (l *Link) OnStateChange(fn func(State)) {
	l.mx.Lock()
	l.onStateChange = fn
	l.mx.Unlock()
}

// OnRemoteTrack sets the handler for inbound media. It is meant for
// rendering only.
func (l *Link) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	l.mx.Lock()
	l.onRemoteTrack = fn
	l.mx.Unlock()
}

func (l *Link) State() State {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.state
}

// PendingCandidates returns how many remote candidates wait for the remote
// description.
func (l *Link) PendingCandidates() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.pending)
}

// OutboundTrack returns the track currently sent for kind, or nil.
func (l *Link) OutboundTrack(kind media.Kind) webrtc.TrackLocal {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.outbound[kind].track
}

// CreateOffer attaches tracks that are not attached yet and returns the
// local offer, already set as local description.
func (l *Link) CreateOffer(ctx context.Context, tracks []LocalTrack) (webrtc.SessionDescription, error) {
	l.nmx.Lock()
	defer l.nmx.Unlock()

	if err := l.checkUsable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.attach(tracks); err != nil {
		return webrtc.SessionDescription{}, l.fail(err)
	}
	offer, err := l.conn.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, l.fail(err)
	}
	if err = l.conn.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, l.fail(err)
	}
	l.setSignalingState(StateHaveLocalOffer)
	l.logger.Debug().Msg("local offer created")
	return offer, nil
}

// HandleOffer applies a remote offer and returns the local answer.
func (l *Link) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, tracks []LocalTrack) (webrtc.SessionDescription, error) {
	l.nmx.Lock()
	defer l.nmx.Unlock()

	if err := l.checkUsable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.setSignalingState(StateHaveRemoteOffer)

	if err := l.attach(tracks); err != nil {
		return webrtc.SessionDescription{}, l.fail(err)
	}
	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, l.fail(err)
	}
	if err = l.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, l.fail(err)
	}
	l.setSignalingState(StateStable)
	l.logger.Debug().Msg("remote offer answered")
	return answer, nil
}

// HandleAnswer completes a negotiation started by CreateOffer.
func (l *Link) HandleAnswer(answer webrtc.SessionDescription) error {
	l.nmx.Lock()
	defer l.nmx.Unlock()

	if err := l.checkUsable(context.Background()); err != nil {
		return err
	}
	if err := l.setRemote(answer); err != nil {
		return err
	}
	l.setSignalingState(StateStable)
	l.logger.Debug().Msg("remote answer applied")
	return nil
}

// AddRemoteCandidate applies c right away if the remote description is set
// and queues it otherwise.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.nmx.Lock()
	defer l.nmx.Unlock()

	l.mx.Lock()
	if l.state == StateClosed {
		l.mx.Unlock()
		return ErrClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		n := len(l.pending)
		l.mx.Unlock()
		l.logger.Debug().Int("pending", n).Msg("remote candidate queued")
		return nil
	}
	l.mx.Unlock()

	if err := l.conn.AddICECandidate(c); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	return nil
}

// ReplaceOutboundTrack swaps the track sent for kind in place. Neither the
// link state nor the negotiated session changes.
func (l *Link) ReplaceOutboundTrack(kind media.Kind, track webrtc.TrackLocal) error {
	l.mx.Lock()
	if l.state == StateClosed {
		l.mx.Unlock()
		return ErrClosed
	}
	out, ok := l.outbound[kind]
	l.mx.Unlock()
	if !ok {
		return ErrNoSender
	}

	if err := out.sender.ReplaceTrack(track); err != nil {
		return err
	}

	l.mx.Lock()
	l.outbound[kind] = outbound{sender: out.sender, track: track}
	l.mx.Unlock()
	l.logger.Debug().Str("kind", string(kind)).Msg("outbound track replaced")
	return nil
}

// Close tears the connection down. It is safe to call more than once.
func (l *Link) Close() error {
	l.mx.Lock()
	if l.state == StateClosed {
		l.mx.Unlock()
		return nil
	}
	l.pending = nil
	if l.discTimer != nil {
		l.discTimer.Stop()
		l.discTimer = nil
	}
	fn := l.transition(StateClosed)
	l.mx.Unlock()

	fn()
	if err := l.conn.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("error while closing peer connection")
	}
	l.logger.Debug().Msg("link closed")
	return nil
}

func (l *Link) checkUsable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	switch l.state {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrNegotiation
	}
	return nil
}

func (l *Link) attach(tracks []LocalTrack) error {
	for _, t := range tracks {
		l.mx.Lock()
		_, attached := l.outbound[t.Kind()]
		l.mx.Unlock()
		if attached {
			continue
		}
		sender, err := l.conn.AddTrack(t.Local())
		if err != nil {
			return err
		}
		l.mx.Lock()
		l.outbound[t.Kind()] = outbound{sender: sender, track: t.Local()}
		l.mx.Unlock()
	}
	return nil
}

// setRemote sets the remote description and drains queued candidates in
// the order they arrived. Caller holds nmx.
func (l *Link) setRemote(desc webrtc.SessionDescription) error {
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		return l.fail(err)
	}
	l.mx.Lock()
	queued := l.pending
	l.pending = nil
	l.remoteSet = true
	l.mx.Unlock()

	for i, c := range queued {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Int("index", i).Msg("queued candidate rejected")
		}
	}
	if len(queued) > 0 {
		l.logger.Debug().Int("count", len(queued)).Msg("queued candidates applied")
	}
	return nil
}

func (l *Link) fail(err error) error {
	l.mx.Lock()
	var fn func()
	if l.state != StateClosed {
		fn = l.transition(StateFailed)
	}
	l.mx.Unlock()
	if fn != nil {
		fn()
	}
	l.logger.Error().Err(err).Msg("negotiation error")
	return errors.Join(ErrNegotiation, err)
}

// setSignalingState records offer/answer progress. Once ICE has started the
// connection state wins, so a renegotiation does not move the link back.
func (l *Link) setSignalingState(s State) {
	l.mx.Lock()
	var fn func()
	switch l.state {
	case StateNew, StateHaveLocalOffer, StateHaveRemoteOffer, StateStable:
		fn = l.transition(s)
	}
	l.mx.Unlock()
	if fn != nil {
		fn()
	}
}

// transition changes the state under mx and returns the notification to run
// after mx is released.
func (l *Link) transition(s State) func() {
	if l.state == s {
		return func() {}
	}
	l.logger.Debug().
		Str("from", string(l.state)).
		Str("to", string(s)).
		Msg("link state changed")
	l.state = s
	handler := l.onStateChange
	return func() {
		if handler != nil {
			handler(s)
		}
	}
}

func (l *Link) handleLocalCandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil {
		return
	}
	l.mx.Lock()
	fn := l.onLocalCandidate
	closed := l.state == StateClosed
	l.mx.Unlock()
	if fn != nil && !closed {
		fn(c.ToJSON())
	}
}

func (l *Link) handleConnectionState(pcs webrtc.PeerConnectionState) {
	var next State
	switch pcs {
	case webrtc.PeerConnectionStateConnecting:
		next = StateChecking
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		next = StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		next = StateFailed
	default:
		return
	}

	l.mx.Lock()
	if l.state == StateClosed || l.state == StateFailed {
		l.mx.Unlock()
		return
	}
	if l.discTimer != nil {
		l.discTimer.Stop()
		l.discTimer = nil
	}
	if next == StateDisconnected {
		l.discTimer = time.AfterFunc(l.disconnectTimeout, l.escalateDisconnect)
	}
	fn := l.transition(next)
	l.mx.Unlock()
	fn()
}

func (l *Link) escalateDisconnect() {
	l.mx.Lock()
	if l.state != StateDisconnected {
		l.mx.Unlock()
		return
	}
	l.discTimer = nil
	l.logger.Warn().
		Dur("timeout", l.disconnectTimeout).
		Msg("connection did not recover")
	fn := l.transition(StateFailed)
	l.mx.Unlock()
	fn()
}

func (l *Link) handleRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	l.logger.Debug().
		Str("kind", track.Kind().String()).
		Str("codec", track.Codec().MimeType).
		Msg("remote track")
	l.mx.Lock()
	fn := l.onRemoteTrack
	l.mx.Unlock()
	if fn != nil {
		fn(track)
	}
}
