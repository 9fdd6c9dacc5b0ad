// Package call drives one participant's call session: ringing, media,
// negotiation and teardown. Caller and callee share the same machine and
// differ only in who produces the offer.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/client/api"
	"github.com/adwski/webrtc-call/backend/client/chat"
	"github.com/adwski/webrtc-call/backend/client/media"
	"github.com/adwski/webrtc-call/backend/client/peer"
	"github.com/adwski/webrtc-call/backend/client/signaling"
	"github.com/adwski/webrtc-call/backend/metrics"
	"github.com/adwski/webrtc-call/backend/model"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultRingTimeout        = 30 * time.Second
	defaultNegotiationTimeout = 20 * time.Second
)

type Config struct {
	Logger    *zerolog.Logger
	Signaling Signaling
	Media     Media
	Links     LinkFactory
	Profiles  ProfileSource
	// History seeds chat logs, optional.
	History chat.HistorySource
	// Constraints for camera and microphone, both enabled when zero.
	Constraints media.Constraints

	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
}

// Machine owns at most one call at a time. State is only touched by the
// goroutine running Run; public methods post closures to it and wait for
// the answer. Observers are called from a separate goroutine in order and
// may call back into the Machine.
type Machine struct {
	sig      Signaling
	media    Media
	links    LinkFactory
	profiles ProfileSource
	chat     *chat.Channel
	logger   zerolog.Logger

	constraints        media.Constraints
	ringTimeout        time.Duration
	negotiationTimeout time.Duration

	q    *queue // machine loop
	work *queue // serialized link operations
	obs  *queue // observer notifications

	// runCtx bounds background work: media prompts, SDP operations.
	runCtx context.Context
	stop   context.CancelFunc
	done   chan struct{}

	snapMx sync.Mutex
	snap   Session

	obsMx         sync.Mutex
	onStateChange func(Session)
	onRemoteTrack func(*webrtc.TrackRemote)

	// loop owned
	sess           Session
	gen            uint64
	startedAt      time.Time
	link           Link
	stream         *media.Stream
	display        *media.Stream
	acqWaiter      chan error
	offerPending   bool
	displayPending bool
	ringTimer      *time.Timer
	negTimer       *time.Timer
}

func NewMachine(cfg Config) *Machine {
	constraints := cfg.Constraints
	if !constraints.Video && !constraints.Audio {
		constraints = media.Constraints{Video: true, Audio: true}
	}
	ringTimeout := cfg.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}
	negotiationTimeout := cfg.NegotiationTimeout
	if negotiationTimeout <= 0 {
		negotiationTimeout = defaultNegotiationTimeout
	}

	m := &Machine{
		sig:      cfg.Signaling,
		media:    cfg.Media,
		links:    cfg.Links,
		profiles: cfg.Profiles,
		logger: cfg.Logger.With().
			Str("component", "call").
			Str("userID", cfg.Signaling.UserID()).
			Logger(),
		constraints:        constraints,
		ringTimeout:        ringTimeout,
		negotiationTimeout: negotiationTimeout,
		q:                  newQueue(),
		work:               newQueue(),
		obs:                newQueue(),
		done:               make(chan struct{}),
		sess:               Session{Status: StatusIdle},
		snap:               Session{Status: StatusIdle},
	}
	m.runCtx, m.stop = context.WithCancel(context.Background())
	m.chat = chat.NewChannel(chat.Config{
		Logger:    cfg.Logger,
		Publisher: cfg.Signaling,
		History:   cfg.History,
		Sender:    cfg.Signaling.UserID(),
	})
	m.subscribe()
	return m
}

func (m *Machine) subscribe() {
	m.sig.OnCallInvite(func(p model.IncomingCallPayload) {
		m.q.push(func() { m.invited(p) })
	})
	m.sig.OnCallAccepted(func(p model.CallOutcomePayload) {
		m.q.push(func() { m.accepted(p) })
	})
	m.sig.OnCallRejected(func(p model.CallOutcomePayload) {
		m.q.push(func() { m.rejected(p) })
	})
	m.sig.OnCallOffline(func(p model.CallOutcomePayload) {
		m.q.push(func() { m.offline(p) })
	})
	m.sig.OnPeerLeft(func(p model.UserLeftPayload) {
		m.q.push(func() { m.peerLeft(p) })
	})
	m.sig.OnSignal(func(env model.SignalEnvelope) {
		m.q.push(func() { m.signal(env) })
	})
	m.sig.OnRelayError(func(p model.ErrorPayload) {
		m.q.push(func() { m.relayError(p) })
	})
	m.sig.OnDisconnect(func(err error) {
		m.q.push(func() { m.signalingLost(err) })
	})
	m.sig.OnChatMessage(func(msg model.ChatMessage) {
		m.chat.Deliver(msg)
	})
	m.media.OnDisplayEnded(func(s *media.Stream) {
		m.q.push(func() { m.displayEnded(s) })
	})
}

// Run processes events until ctx is done. An active call is ended first.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)

	obsCtx, obsCancel := context.WithCancel(context.Background())
	obsDone := make(chan struct{})
	go func() {
		m.obs.run(obsCtx, true)
		close(obsDone)
	}()
	go m.work.run(m.runCtx, false)

	m.logger.Debug().Msg("call machine started")
	for {
		select {
		case <-ctx.Done():
			m.finish(StatusEnded, ReasonHangup)
			m.stop()
			obsCancel()
			<-obsDone
			m.logger.Debug().Msg("call machine stopped")
			return
		case <-m.q.signal:
			for _, fn := range m.q.drain() {
				fn()
			}
		}
	}
}

// Session returns the latest snapshot.
func (m *Machine) Session() Session {
	m.snapMx.Lock()
	defer m.snapMx.Unlock()
	return m.snap
}

// Chat is the in-call chat. It is usable in every status once a room is
// bound, ringing included.
func (m *Machine) Chat() *chat.Channel { return m.chat }

// OnStateChange sets the session observer. Terminal snapshots carry a
// reason and are always followed by an IDLE one.
func (m *Machine) OnStateChange(fn func(Session)) {
	m.obsMx.Lock()
	m.onStateChange = fn
	m.obsMx.Unlock()
}

// OnRemoteTrack sets the handler for inbound media, meant for rendering.
func (m *Machine) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	m.obsMx.Lock()
	m.onRemoteTrack = fn
	m.obsMx.Unlock()
}

// StartCall rings calleeID. It returns once local media is acquired or the
// attempt has failed. The rest of the call is reported through
// OnStateChange.
func (m *Machine) StartCall(ctx context.Context, calleeID, chatID string) error {
	if m.Session().Status != StatusIdle {
		return ErrConcurrentCall
	}
	profile, err := m.profiles.GetProfile(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("profile lookup failed")
		return errors.Join(ErrProfileUnavailable, err)
	}

	var ready <-chan error
	err = m.do(ctx, func() error {
		var errS error
		ready, errS = m.startCall(profile, calleeID, chatID)
		return errS
	})
	if err != nil {
		return err
	}
	return m.wait(ctx, ready)
}

// Accept answers the ringing invitation. Like StartCall it returns after
// local media is acquired.
func (m *Machine) Accept(ctx context.Context) error {
	var ready <-chan error
	err := m.do(ctx, func() error {
		var errA error
		ready, errA = m.accept()
		return errA
	})
	if err != nil {
		return err
	}
	return m.wait(ctx, ready)
}

// Reject declines the ringing invitation.
func (m *Machine) Reject() error {
	return m.do(context.Background(), func() error {
		if m.sess.Status != StatusRingingIn {
			return ErrInvalidState
		}
		m.decline()
		return nil
	})
}

// Hangup ends the call in any status. It is a no-op when idle.
func (m *Machine) Hangup() error {
	return m.do(context.Background(), func() error {
		switch m.sess.Status {
		case StatusIdle:
		case StatusRingingIn:
			m.decline()
		case StatusRingingOut:
			m.rejectRemote(ReasonCancelled)
			m.finish(StatusEnded, ReasonHangup)
		default:
			m.finish(StatusEnded, ReasonHangup)
		}
		return nil
	})
}

func (m *Machine) SetMicEnabled(enabled bool) error {
	return m.do(context.Background(), func() error {
		return m.setTrackEnabled(media.KindAudio, enabled)
	})
}

func (m *Machine) SetCameraEnabled(enabled bool) error {
	return m.do(context.Background(), func() error {
		return m.setTrackEnabled(media.KindVideo, enabled)
	})
}

// StartScreenShare replaces the outgoing camera video with a screen
// capture. Permission errors leave the call as it was.
func (m *Machine) StartScreenShare(ctx context.Context) error {
	var ready <-chan error
	err := m.do(ctx, func() error {
		if m.sess.Status != StatusConnected {
			return ErrInvalidState
		}
		if m.sess.Media.ScreenSharing || m.displayPending {
			return nil
		}
		ready = m.acquireDisplay()
		return nil
	})
	if err != nil || ready == nil {
		return err
	}
	return m.wait(ctx, ready)
}

// StopScreenShare goes back to the camera.
func (m *Machine) StopScreenShare() error {
	return m.do(context.Background(), func() error {
		m.stopScreenShare()
		return nil
	})
}

func (m *Machine) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	m.q.push(func() { reply <- fn() })
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) wait(ctx context.Context, ready <-chan error) error {
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) startCall(profile api.Profile, calleeID, chatID string) (<-chan error, error) {
	if m.sess.Status != StatusIdle {
		return nil, ErrConcurrentCall
	}
	localID := m.sig.UserID()
	if calleeID == "" || calleeID == localID {
		return nil, ErrInvalidCallee
	}

	m.begin(Session{
		RoomID:       uuid.NewString(),
		ChatID:       chatID,
		Local:        Participant{UserID: localID, Role: model.RoleCaller},
		RemoteUserID: calleeID,
		Status:       StatusRingingOut,
	})
	if err := m.sig.JoinRoom(m.sess.RoomID); err != nil {
		m.finish(StatusFailed, ReasonSignalingLost)
		return nil, errors.Join(signaling.ErrSignalingUnavailable, err)
	}
	err := m.sig.StartCall(model.StartCallPayload{
		CallerName:     profile.DisplayName,
		ReceiverUserID: calleeID,
		ChatID:         chatID,
		RoomID:         m.sess.RoomID,
	})
	if err != nil {
		m.finish(StatusFailed, ReasonSignalingLost)
		return nil, errors.Join(signaling.ErrSignalingUnavailable, err)
	}
	m.ringTimer = m.after(m.ringTimeout, m.ringTimeoutExpired)
	// the caller prepares media while ringing so the offer can go out
	// right after acceptance
	return m.acquire(), nil
}

func (m *Machine) invited(p model.IncomingCallPayload) {
	if m.sess.Status != StatusIdle {
		m.logger.Info().
			Str("from", p.FromUserID).
			Str("roomID", p.RoomID).
			Msg("busy, rejecting incoming call")
		if err := m.sig.RejectCall(p.FromUserID, p.RoomID, string(ReasonBusy)); err != nil {
			m.logger.Warn().Err(err).Msg("cannot reject incoming call")
		}
		return
	}

	m.begin(Session{
		RoomID:       p.RoomID,
		ChatID:       p.ChatID,
		Local:        Participant{UserID: m.sig.UserID(), Role: model.RoleCallee},
		RemoteUserID: p.FromUserID,
		RemoteName:   p.Name,
		Status:       StatusRingingIn,
	})
	// joined while ringing so chat works before accept
	if err := m.sig.JoinRoom(p.RoomID); err != nil {
		m.logger.Error().Err(err).Msg("cannot join call room")
		m.finish(StatusFailed, ReasonSignalingLost)
		return
	}
	m.ringTimer = m.after(m.ringTimeout, m.ringTimeoutExpired)
}

func (m *Machine) begin(s Session) {
	m.gen++
	m.startedAt = time.Now()
	s.Media = MediaState{MicEnabled: true, CameraEnabled: true}
	m.sess = s
	m.logger.Info().
		Str("roomID", s.RoomID).
		Str("remote", s.RemoteUserID).
		Str("status", string(s.Status)).
		Msg("call session started")
	m.chat.Bind(s.RoomID, s.ChatID)
	if s.ChatID != "" {
		go func(chatID string) {
			if err := m.chat.LoadHistory(m.runCtx, chatID); err != nil {
				m.logger.Warn().Err(err).Str("chatID", chatID).Msg("chat history unavailable")
			}
		}(s.ChatID)
	}
	m.notify()
}

func (m *Machine) accept() (<-chan error, error) {
	switch m.sess.Status {
	case StatusRingingIn:
	case StatusIdle:
		return nil, ErrInvalidState
	default:
		return nil, ErrConcurrentCall
	}
	stopTimer(&m.ringTimer)
	m.sess.Status = StatusAccepted
	m.notify()
	if err := m.openLink(); err != nil {
		return nil, err
	}
	return m.acquire(), nil
}

// announceAccept runs once the callee's media is ready. call-accepted goes
// out before any negotiation, so the caller never offers to a callee
// without media.
func (m *Machine) announceAccept() {
	if err := m.sig.AcceptCall(m.sess.RemoteUserID, m.sess.RoomID); err != nil {
		m.logger.Error().Err(err).Msg("cannot announce acceptance")
		m.finish(StatusFailed, ReasonSignalingLost)
		return
	}
	m.sess.Status = StatusNegotiating
	m.notify()
	m.negTimer = m.after(m.negotiationTimeout, m.negotiationTimeoutExpired)
}

func (m *Machine) accepted(p model.CallOutcomePayload) {
	if m.sess.Status != StatusRingingOut || p.RoomID != m.sess.RoomID {
		m.logger.Debug().Str("roomID", p.RoomID).Msg("stale call-accepted ignored")
		return
	}
	stopTimer(&m.ringTimer)
	m.sess.Status = StatusNegotiating
	m.notify()
	m.negTimer = m.after(m.negotiationTimeout, m.negotiationTimeoutExpired)
	if err := m.openLink(); err != nil {
		return
	}
	if m.stream == nil {
		m.offerPending = true
		return
	}
	m.offer()
}

func (m *Machine) rejected(p model.CallOutcomePayload) {
	if m.sess.Status == StatusIdle || p.RoomID != m.sess.RoomID {
		return
	}
	if m.sess.Local.Role == model.RoleCallee {
		// the caller gave up
		m.finish(StatusEnded, ReasonCancelled)
		return
	}
	reason := Reason(p.Reason)
	if reason == ReasonNone {
		reason = ReasonRejected
	}
	m.finish(StatusRejected, reason)
}

func (m *Machine) offline(p model.CallOutcomePayload) {
	if m.sess.Status != StatusRingingOut || p.RoomID != m.sess.RoomID {
		return
	}
	m.finish(StatusRejected, ReasonOffline)
}

func (m *Machine) peerLeft(p model.UserLeftPayload) {
	if m.sess.Status == StatusIdle || p.RoomID != m.sess.RoomID || p.UserID != m.sess.RemoteUserID {
		return
	}
	m.finish(StatusEnded, ReasonPeerLeft)
}

func (m *Machine) relayError(p model.ErrorPayload) {
	m.logger.Warn().
		Str("roomID", p.RoomID).
		Str("message", p.Message).
		Msg("relay error")
	if m.sess.Status != StatusIdle && p.RoomID != "" && p.RoomID == m.sess.RoomID {
		m.finish(StatusFailed, ReasonRoomUnavailable)
	}
}

func (m *Machine) signalingLost(err error) {
	if m.sess.Status == StatusIdle {
		return
	}
	m.logger.Error().Err(err).Msg("signaling lost during call")
	m.finish(StatusFailed, ReasonSignalingLost)
}

func (m *Machine) decline() {
	m.rejectRemote(ReasonRejected)
	m.finish(StatusRejected, ReasonRejected)
}

func (m *Machine) rejectRemote(reason Reason) {
	if err := m.sig.RejectCall(m.sess.RemoteUserID, m.sess.RoomID, string(reason)); err != nil {
		m.logger.Warn().Err(err).Msg("cannot notify remote side")
	}
}

func (m *Machine) ringTimeoutExpired() {
	switch m.sess.Status {
	case StatusRingingOut:
		m.rejectRemote(ReasonUnreachable)
		m.finish(StatusRejected, ReasonUnreachable)
	case StatusRingingIn:
		m.rejectRemote(ReasonMissed)
		m.finish(StatusEnded, ReasonMissed)
	}
}

func (m *Machine) negotiationTimeoutExpired() {
	switch m.sess.Status {
	case StatusAccepted, StatusNegotiating:
		m.finish(StatusFailed, ReasonNegotiationTimeout)
	}
}

// after runs fn on the loop after d unless the session changed meanwhile.
func (m *Machine) after(d time.Duration, fn func()) *time.Timer {
	gen := m.gen
	return time.AfterFunc(d, func() {
		m.q.push(func() {
			if gen == m.gen {
				fn()
			}
		})
	})
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) acquire() <-chan error {
	ready := make(chan error, 1)
	m.acqWaiter = ready
	gen := m.gen
	go func() {
		stream, err := m.media.Acquire(m.runCtx, m.constraints)
		m.q.push(func() { m.acquired(gen, stream, err) })
	}()
	return ready
}

func (m *Machine) acquired(gen uint64, stream *media.Stream, err error) {
	if gen != m.gen {
		// resolved after the session was torn down
		if stream != nil {
			m.logger.Debug().Str("stream", stream.ID()).Msg("releasing late media")
			m.media.Release(stream)
		}
		return
	}
	waiter := m.acqWaiter
	m.acqWaiter = nil

	if err != nil {
		m.logger.Error().Err(err).Msg("local media unavailable")
		m.finish(StatusFailed, ReasonPermissionDenied)
		waiter <- err
		return
	}
	m.stream = stream
	if !m.sess.Media.MicEnabled {
		m.applyMute(media.KindAudio)
	}
	if !m.sess.Media.CameraEnabled {
		m.applyMute(media.KindVideo)
	}
	waiter <- nil

	switch {
	case m.sess.Status == StatusAccepted:
		m.announceAccept()
	case m.sess.Status == StatusNegotiating && m.offerPending:
		m.offer()
	}
}

func (m *Machine) openLink() error {
	link, err := m.links.NewLink()
	if err != nil {
		m.logger.Error().Err(err).Msg("cannot create peer link")
		m.finish(StatusFailed, ReasonNetwork)
		return errors.Join(ErrLinkFailed, err)
	}
	gen := m.gen
	link.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		m.q.push(func() {
			if gen == m.gen {
				m.sendSignal(model.SignalTypeICECandidate, c)
			}
		})
	})
	link.OnStateChange(func(s peer.State) {
		m.q.push(func() {
			if gen == m.gen {
				m.linkState(s)
			}
		})
	})
	link.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		m.obs.push(func() {
			m.obsMx.Lock()
			fn := m.onRemoteTrack
			m.obsMx.Unlock()
			if fn != nil {
				fn(t)
			}
		})
	})
	m.link = link
	return nil
}

func (m *Machine) offer() {
	m.offerPending = false
	link, tracks, gen := m.link, m.outboundTracks(), m.gen
	m.work.push(func() {
		offer, err := link.CreateOffer(m.runCtx, tracks)
		m.q.push(func() {
			if gen != m.gen {
				return
			}
			if err != nil {
				m.negotiationFailed(err)
				return
			}
			m.sendSignal(model.SignalTypeOffer, offer)
		})
	})
}

func (m *Machine) signal(env model.SignalEnvelope) {
	if m.sess.Status == StatusIdle || env.RoomID != m.sess.RoomID || env.FromUserID != m.sess.RemoteUserID {
		m.logger.Debug().
			Str("type", env.Type).
			Str("roomID", env.RoomID).
			Msg("signal outside of current call ignored")
		return
	}
	switch env.Type {
	case model.SignalTypeOffer:
		m.remoteOffer(env)
	case model.SignalTypeAnswer:
		m.remoteAnswer(env)
	case model.SignalTypeICECandidate:
		m.remoteCandidate(env)
	default:
		m.logger.Warn().Str("type", env.Type).Msg("unknown signal type")
	}
}

func (m *Machine) remoteOffer(env model.SignalEnvelope) {
	switch m.sess.Status {
	case StatusNegotiating, StatusConnected:
	default:
		// the offer raced our own acceptance
		m.logger.Warn().Str("status", string(m.sess.Status)).Msg("offer before acceptance ignored")
		return
	}
	if m.sess.Local.Role != model.RoleCallee || m.link == nil {
		m.logger.Warn().Msg("unexpected offer ignored")
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &sdp); err != nil {
		m.logger.Warn().Err(err).Msg("malformed offer")
		return
	}
	if m.sess.Status == StatusConnected {
		m.logger.Debug().Msg("remote renegotiation")
	}

	link, tracks, gen := m.link, m.outboundTracks(), m.gen
	m.work.push(func() {
		answer, err := link.HandleOffer(m.runCtx, sdp, tracks)
		m.q.push(func() {
			if gen != m.gen {
				return
			}
			if err != nil {
				m.negotiationFailed(err)
				return
			}
			m.sendSignal(model.SignalTypeAnswer, answer)
		})
	})
}

func (m *Machine) remoteAnswer(env model.SignalEnvelope) {
	if m.sess.Local.Role != model.RoleCaller || m.link == nil {
		m.logger.Warn().Msg("unexpected answer ignored")
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &sdp); err != nil {
		m.logger.Warn().Err(err).Msg("malformed answer")
		return
	}
	link, gen := m.link, m.gen
	m.work.push(func() {
		if err := link.HandleAnswer(sdp); err != nil {
			m.q.push(func() {
				if gen == m.gen {
					m.negotiationFailed(err)
				}
			})
		}
	})
}

func (m *Machine) remoteCandidate(env model.SignalEnvelope) {
	if m.link == nil {
		m.logger.Debug().Msg("candidate without link dropped")
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		m.logger.Warn().Err(err).Msg("malformed candidate")
		return
	}
	link := m.link
	m.work.push(func() {
		if err := link.AddRemoteCandidate(c); err != nil {
			m.logger.Debug().Err(err).Msg("remote candidate not applied")
		}
	})
}

func (m *Machine) negotiationFailed(err error) {
	m.logger.Error().Err(err).Msg("negotiation failed")
	m.finish(StatusFailed, ReasonNegotiationError)
}

func (m *Machine) linkState(s peer.State) {
	switch s {
	case peer.StateConnected:
		if m.sess.Status != StatusNegotiating {
			return
		}
		stopTimer(&m.negTimer)
		m.sess.Status = StatusConnected
		metrics.CallSetup.Observe(time.Since(m.startedAt).Seconds())
		m.notify()
	case peer.StateDisconnected:
		m.logger.Warn().Msg("peer link disconnected, waiting for recovery")
	case peer.StateFailed:
		switch m.sess.Status {
		case StatusAccepted, StatusNegotiating, StatusConnected:
			m.finish(StatusFailed, ReasonNetwork)
		}
	}
}

func (m *Machine) sendSignal(typ string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Str("type", typ).Msg("cannot encode signal")
		return
	}
	err = m.sig.Send(model.SignalEnvelope{
		Type:         typ,
		Payload:      b,
		TargetUserID: m.sess.RemoteUserID,
		RoomID:       m.sess.RoomID,
	})
	if err != nil {
		// lost relay is reported through OnDisconnect
		m.logger.Warn().Err(err).Str("type", typ).Msg("signal not sent")
	}
}

func (m *Machine) outboundTracks() []peer.LocalTrack {
	if m.stream == nil {
		return nil
	}
	tracks := make([]peer.LocalTrack, 0, len(m.stream.Tracks()))
	for _, t := range m.stream.Tracks() {
		if t.Kind() == media.KindVideo && m.display != nil {
			if d := m.display.Track(media.KindVideo); d != nil {
				tracks = append(tracks, d)
				continue
			}
		}
		tracks = append(tracks, t)
	}
	return tracks
}

func (m *Machine) setTrackEnabled(kind media.Kind, enabled bool) error {
	if m.sess.Status == StatusIdle {
		return ErrInvalidState
	}
	if kind == media.KindAudio {
		m.sess.Media.MicEnabled = enabled
	} else {
		m.sess.Media.CameraEnabled = enabled
	}
	if m.stream != nil {
		if err := m.media.SetTrackEnabled(kind, enabled); err != nil && !errors.Is(err, media.ErrNoTracks) {
			return err
		}
	}
	m.notify()
	return nil
}

// applyMute disables a track the user muted before media was ready.
func (m *Machine) applyMute(kind media.Kind) {
	if err := m.media.SetTrackEnabled(kind, false); err != nil && !errors.Is(err, media.ErrNoTracks) {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("cannot disable track")
	}
}

func (m *Machine) acquireDisplay() <-chan error {
	ready := make(chan error, 1)
	m.displayPending = true
	gen := m.gen
	go func() {
		s, err := m.media.AcquireDisplay(m.runCtx)
		m.q.push(func() { m.displayAcquired(gen, s, err, ready) })
	}()
	return ready
}

func (m *Machine) displayAcquired(gen uint64, s *media.Stream, err error, ready chan<- error) {
	if gen != m.gen {
		m.media.Release(s)
		ready <- ErrCallEnded
		return
	}
	m.displayPending = false
	if err != nil {
		// not fatal for the call
		m.logger.Warn().Err(err).Msg("screen capture unavailable")
		ready <- err
		return
	}
	if m.sess.Status != StatusConnected || m.link == nil {
		m.media.Release(s)
		ready <- ErrInvalidState
		return
	}
	video := s.Track(media.KindVideo)
	if video == nil {
		m.media.Release(s)
		ready <- media.ErrNoTracks
		return
	}
	if err = m.link.ReplaceOutboundTrack(media.KindVideo, video.Local()); err != nil {
		m.media.Release(s)
		ready <- err
		return
	}
	m.display = s
	m.sess.Media.ScreenSharing = true
	m.logger.Info().Msg("screen sharing started")
	m.notify()
	ready <- nil
}

func (m *Machine) displayEnded(s *media.Stream) {
	if m.display == nil || m.display.ID() != s.ID() {
		return
	}
	m.logger.Info().Msg("screen sharing stopped by the system, back to camera")
	m.stopScreenShare()
}

func (m *Machine) stopScreenShare() {
	if m.display == nil {
		return
	}
	var camera webrtc.TrackLocal
	if m.stream != nil {
		if t := m.stream.Track(media.KindVideo); t != nil {
			camera = t.Local()
		}
	}
	if m.link != nil {
		if err := m.link.ReplaceOutboundTrack(media.KindVideo, camera); err != nil {
			m.logger.Warn().Err(err).Msg("cannot restore camera track")
		}
	}
	m.media.Release(m.display)
	m.display = nil
	m.sess.Media.ScreenSharing = false
	m.notify()
}

// finish tears the session down in a fixed order: close link, release
// media, leave room, reset to IDLE.
func (m *Machine) finish(status Status, reason Reason) {
	if m.sess.Status == StatusIdle {
		return
	}
	// results of in-flight work become stale
	m.gen++
	stopTimer(&m.ringTimer)
	stopTimer(&m.negTimer)
	m.offerPending = false
	m.displayPending = false

	if m.link != nil {
		if err := m.link.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("error while closing peer link")
		}
		m.link = nil
	}
	if m.display != nil {
		m.media.Release(m.display)
		m.display = nil
	}
	if m.stream != nil {
		m.media.Release(m.stream)
		m.stream = nil
	}
	if m.acqWaiter != nil {
		// a late stream is released by acquired
		m.acqWaiter <- errors.Join(ErrCallEnded, reason.Err())
		m.acqWaiter = nil
	}
	if err := m.sig.LeaveRoom(m.sess.RoomID); err != nil {
		m.logger.Debug().Err(err).Msg("room not left")
	}
	m.chat.Unbind()

	m.sess.Status = status
	m.sess.Reason = reason
	m.logger.Info().
		Str("roomID", m.sess.RoomID).
		Str("status", string(status)).
		Str("reason", string(reason)).
		Msg("call finished")
	metrics.CallOutcomes.WithLabelValues(string(status), string(reason)).Inc()
	m.notify()

	m.sess = Session{Status: StatusIdle}
	m.notify()
}

func (m *Machine) notify() {
	s := m.sess
	m.snapMx.Lock()
	m.snap = s
	m.snapMx.Unlock()
	m.obs.push(func() {
		m.obsMx.Lock()
		fn := m.onStateChange
		m.obsMx.Unlock()
		if fn != nil {
			fn(s)
		}
	})
}
