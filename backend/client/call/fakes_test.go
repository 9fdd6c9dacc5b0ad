package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-call/backend/client/api"
	"github.com/adwski/webrtc-call/backend/client/media"
	"github.com/adwski/webrtc-call/backend/client/peer"
	"github.com/adwski/webrtc-call/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

// opLog records side effects of every fake in one sequence.
type opLog struct {
	mx      sync.Mutex
	entries []string
}

func (l *opLog) add(e string) {
	l.mx.Lock()
	l.entries = append(l.entries, e)
	l.mx.Unlock()
}

func (l *opLog) list() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *opLog) reset() {
	l.mx.Lock()
	l.entries = nil
	l.mx.Unlock()
}

type fakeSignaling struct {
	userID string
	log    *opLog

	mx      sync.Mutex
	rooms   map[string]bool
	sent    []model.SignalEnvelope
	starts  []model.StartCallPayload
	accepts []model.CallOutcomePayload
	rejects []model.CallOutcomePayload
	chats   []model.ChatMessage

	h sigHandlers
}

type sigHandlers struct {
	signal     func(model.SignalEnvelope)
	invite     func(model.IncomingCallPayload)
	accepted   func(model.CallOutcomePayload)
	rejected   func(model.CallOutcomePayload)
	offline    func(model.CallOutcomePayload)
	peerLeft   func(model.UserLeftPayload)
	chat       func(model.ChatMessage)
	relayErr   func(model.ErrorPayload)
	disconnect func(error)
}

func newFakeSignaling(userID string, log *opLog) *fakeSignaling {
	return &fakeSignaling{userID: userID, log: log, rooms: make(map[string]bool)}
}

func (f *fakeSignaling) UserID() string { return f.userID }

func (f *fakeSignaling) JoinRoom(roomID string) error {
	f.mx.Lock()
	f.rooms[roomID] = true
	f.mx.Unlock()
	f.log.add("join-room")
	return nil
}

func (f *fakeSignaling) LeaveRoom(roomID string) error {
	f.mx.Lock()
	delete(f.rooms, roomID)
	f.mx.Unlock()
	f.log.add("leave-room")
	return nil
}

func (f *fakeSignaling) InRoom(roomID string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.rooms[roomID]
}

func (f *fakeSignaling) Send(env model.SignalEnvelope) error {
	f.mx.Lock()
	f.sent = append(f.sent, env)
	f.mx.Unlock()
	return nil
}

func (f *fakeSignaling) StartCall(p model.StartCallPayload) error {
	f.mx.Lock()
	p.CallerID = f.userID
	f.starts = append(f.starts, p)
	f.mx.Unlock()
	return nil
}

func (f *fakeSignaling) AcceptCall(toUserID, roomID string) error {
	f.mx.Lock()
	f.accepts = append(f.accepts, model.CallOutcomePayload{ToUserID: toUserID, RoomID: roomID})
	f.mx.Unlock()
	f.log.add("call-accepted")
	return nil
}

func (f *fakeSignaling) RejectCall(toUserID, roomID, reason string) error {
	f.mx.Lock()
	f.rejects = append(f.rejects, model.CallOutcomePayload{ToUserID: toUserID, RoomID: roomID, Reason: reason})
	f.mx.Unlock()
	return nil
}

func (f *fakeSignaling) SendChat(msg model.ChatMessage) error {
	f.mx.Lock()
	f.chats = append(f.chats, msg)
	f.mx.Unlock()
	return nil
}

func (f *fakeSignaling) OnSignal(fn func(model.SignalEnvelope)) {
	f.mx.Lock()
	f.h.signal = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnCallInvite(fn func(model.IncomingCallPayload)) {
	f.mx.Lock()
	f.h.invite = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnCallAccepted(fn func(model.CallOutcomePayload)) {
	f.mx.Lock()
	f.h.accepted = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnCallRejected(fn func(model.CallOutcomePayload)) {
	f.mx.Lock()
	f.h.rejected = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnCallOffline(fn func(model.CallOutcomePayload)) {
	f.mx.Lock()
	f.h.offline = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnPeerLeft(fn func(model.UserLeftPayload)) {
	f.mx.Lock()
	f.h.peerLeft = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnChatMessage(fn func(model.ChatMessage)) {
	f.mx.Lock()
	f.h.chat = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnRelayError(fn func(model.ErrorPayload)) {
	f.mx.Lock()
	f.h.relayErr = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) OnDisconnect(fn func(error)) {
	f.mx.Lock()
	f.h.disconnect = fn
	f.mx.Unlock()
}

func (f *fakeSignaling) handlers() sigHandlers {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.h
}

func (f *fakeSignaling) Sent() []model.SignalEnvelope {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]model.SignalEnvelope(nil), f.sent...)
}

func (f *fakeSignaling) Starts() []model.StartCallPayload {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]model.StartCallPayload(nil), f.starts...)
}

func (f *fakeSignaling) Accepts() []model.CallOutcomePayload {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]model.CallOutcomePayload(nil), f.accepts...)
}

func (f *fakeSignaling) Rejects() []model.CallOutcomePayload {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]model.CallOutcomePayload(nil), f.rejects...)
}

func (f *fakeSignaling) Chats() []model.ChatMessage {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]model.ChatMessage(nil), f.chats...)
}

// waitSent waits for a signal of typ and returns it.
func (f *fakeSignaling) waitSent(t *testing.T, typ string) model.SignalEnvelope {
	t.Helper()
	var env model.SignalEnvelope
	require.Eventually(t, func() bool {
		for _, e := range f.Sent() {
			if e.Type == typ {
				env = e
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "no %s sent", typ)
	return env
}

type fakeLink struct {
	log         *opLog
	autoConnect bool

	mx            sync.Mutex
	state         peer.State
	closes        int
	offers        int
	remoteOffers  int
	remoteAnswers int
	candidates    []string
	replaced      []webrtc.TrackLocal
	outbound      map[media.Kind]webrtc.TrackLocal
	onState       func(peer.State)
}

func (l *fakeLink) attach(tracks []peer.LocalTrack) {
	for _, t := range tracks {
		if _, ok := l.outbound[t.Kind()]; !ok {
			l.outbound[t.Kind()] = t.Local()
		}
	}
}

func (l *fakeLink) CreateOffer(_ context.Context, tracks []peer.LocalTrack) (webrtc.SessionDescription, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.attach(tracks)
	l.offers++
	l.log.add("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (l *fakeLink) HandleOffer(_ context.Context, _ webrtc.SessionDescription, tracks []peer.LocalTrack) (webrtc.SessionDescription, error) {
	l.mx.Lock()
	l.attach(tracks)
	l.remoteOffers++
	l.mx.Unlock()
	l.log.add("handle-offer")
	if l.autoConnect {
		go l.setState(peer.StateConnected)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (l *fakeLink) HandleAnswer(webrtc.SessionDescription) error {
	l.mx.Lock()
	l.remoteAnswers++
	l.mx.Unlock()
	l.log.add("handle-answer")
	if l.autoConnect {
		go l.setState(peer.StateConnected)
	}
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mx.Lock()
	l.candidates = append(l.candidates, c.Candidate)
	l.mx.Unlock()
	l.log.add("candidate:" + c.Candidate)
	return nil
}

func (l *fakeLink) ReplaceOutboundTrack(kind media.Kind, track webrtc.TrackLocal) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if _, ok := l.outbound[kind]; !ok {
		return peer.ErrNoSender
	}
	l.outbound[kind] = track
	l.replaced = append(l.replaced, track)
	return nil
}

func (l *fakeLink) OnLocalCandidate(func(webrtc.ICECandidateInit)) {}
func (l *fakeLink) OnRemoteTrack(func(*webrtc.TrackRemote))        {}

func (l *fakeLink) OnStateChange(fn func(peer.State)) {
	l.mx.Lock()
	l.onState = fn
	l.mx.Unlock()
}

func (l *fakeLink) Close() error {
	l.mx.Lock()
	l.closes++
	first := l.closes == 1
	l.state = peer.StateClosed
	l.mx.Unlock()
	if first {
		l.log.add("close-link")
	}
	return nil
}

func (l *fakeLink) setState(s peer.State) {
	l.mx.Lock()
	if l.state == peer.StateClosed {
		l.mx.Unlock()
		return
	}
	l.state = s
	fn := l.onState
	l.mx.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *fakeLink) State() peer.State {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.state
}

func (l *fakeLink) Outbound(kind media.Kind) webrtc.TrackLocal {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.outbound[kind]
}

func (l *fakeLink) Replaced() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.replaced)
}

type fakeLinks struct {
	log         *opLog
	autoConnect bool
	err         error

	mx    sync.Mutex
	links []*fakeLink
}

func (f *fakeLinks) NewLink() (Link, error) {
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{
		log:         f.log,
		autoConnect: f.autoConnect,
		state:       peer.StateNew,
		outbound:    make(map[media.Kind]webrtc.TrackLocal),
	}
	f.mx.Lock()
	f.links = append(f.links, l)
	f.mx.Unlock()
	return l, nil
}

func (f *fakeLinks) last(t *testing.T) *fakeLink {
	t.Helper()
	f.mx.Lock()
	defer f.mx.Unlock()
	require.NotEmpty(t, f.links, "no link created")
	return f.links[len(f.links)-1]
}

// recordingMedia logs releases of a real manager.
type recordingMedia struct {
	*media.Manager
	log *opLog
	// trackErr, when set, fails every SetTrackEnabled call.
	trackErr error

	mx      sync.Mutex
	streams []*media.Stream
}

func (r *recordingMedia) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	s, err := r.Manager.Acquire(ctx, c)
	if err == nil {
		r.mx.Lock()
		r.streams = append(r.streams, s)
		r.mx.Unlock()
	}
	return s, err
}

func (r *recordingMedia) Release(s *media.Stream) {
	if s != nil {
		r.log.add("release-media")
	}
	r.Manager.Release(s)
}

func (r *recordingMedia) SetTrackEnabled(kind media.Kind, enabled bool) error {
	if r.trackErr != nil {
		return r.trackErr
	}
	return r.Manager.SetTrackEnabled(kind, enabled)
}

func (r *recordingMedia) lastStream(t *testing.T) *media.Stream {
	t.Helper()
	r.mx.Lock()
	defer r.mx.Unlock()
	require.NotEmpty(t, r.streams)
	return r.streams[len(r.streams)-1]
}

type failingProfiles struct{}

func (failingProfiles) GetProfile(context.Context) (api.Profile, error) {
	return api.Profile{}, errors.New("backend down")
}

// logBuffer collects machine logs written from its loop goroutine.
type logBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

type harnessOpts struct {
	source             *media.StaticSource
	trackErr           error
	logs               *logBuffer
	profiles           ProfileSource
	ringTimeout        time.Duration
	negotiationTimeout time.Duration
	autoConnect        bool
}

type harness struct {
	m      *Machine
	log    *opLog
	src    *media.StaticSource
	media  *recordingMedia
	links  *fakeLinks
	states chan Session
	stop   context.CancelFunc
}

func newHarness(t *testing.T, sig Signaling, log *opLog, opts harnessOpts) *harness {
	t.Helper()
	logger := zerolog.Nop()
	if opts.logs != nil {
		logger = zerolog.New(opts.logs)
	}

	src := opts.source
	if src == nil {
		src = &media.StaticSource{}
	}
	profiles := opts.profiles
	if profiles == nil {
		profiles = api.StaticProfile{ID: sig.UserID(), DisplayName: "Alice"}
	}
	rec := &recordingMedia{
		Manager:  media.NewManager(media.Config{Source: src, Logger: &logger}),
		log:      log,
		trackErr: opts.trackErr,
	}
	links := &fakeLinks{log: log, autoConnect: opts.autoConnect}

	m := NewMachine(Config{
		Logger:             &logger,
		Signaling:          sig,
		Media:              rec,
		Links:              links,
		Profiles:           profiles,
		RingTimeout:        opts.ringTimeout,
		NegotiationTimeout: opts.negotiationTimeout,
	})
	h := &harness{
		m:      m,
		log:    log,
		src:    src,
		media:  rec,
		links:  links,
		states: make(chan Session, 1024),
	}
	m.OnStateChange(func(s Session) {
		select {
		case h.states <- s:
		default:
			t.Errorf("state observer overflow at %s", s.Status)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.done
	})
	return h
}

// expect skips snapshots until one with status arrives.
func (h *harness) expect(t *testing.T, status Status) Session {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-h.states:
			if s.Status == status {
				return s
			}
		case <-timeout:
			t.Fatalf("status %s not reached, session is %s", status, h.m.Session().Status)
			return Session{}
		}
	}
}

func (f *fakeSignaling) fireInvite(p model.IncomingCallPayload)  { f.handlers().invite(p) }
func (f *fakeSignaling) fireAccepted(p model.CallOutcomePayload) { f.handlers().accepted(p) }
func (f *fakeSignaling) fireRejected(p model.CallOutcomePayload) { f.handlers().rejected(p) }
func (f *fakeSignaling) fireOffline(p model.CallOutcomePayload)  { f.handlers().offline(p) }
func (f *fakeSignaling) firePeerLeft(p model.UserLeftPayload)    { f.handlers().peerLeft(p) }
func (f *fakeSignaling) fireChat(msg model.ChatMessage)          { f.handlers().chat(msg) }
func (f *fakeSignaling) fireRelayError(p model.ErrorPayload)     { f.handlers().relayErr(p) }
func (f *fakeSignaling) fireDisconnect(err error)                { f.handlers().disconnect(err) }
func (f *fakeSignaling) fireSignal(env model.SignalEnvelope)     { f.handlers().signal(env) }

func sdpSignal(t *testing.T, typ, from, roomID string) model.SignalEnvelope {
	t.Helper()
	sdpType := webrtc.SDPTypeOffer
	if typ == model.SignalTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	b, err := json.Marshal(webrtc.SessionDescription{Type: sdpType, SDP: "remote-" + typ})
	require.NoError(t, err)
	return model.SignalEnvelope{Type: typ, Payload: b, FromUserID: from, RoomID: roomID}
}

func candidateSignal(t *testing.T, candidate, from, roomID string) model.SignalEnvelope {
	t.Helper()
	b, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return model.SignalEnvelope{Type: model.SignalTypeICECandidate, Payload: b, FromUserID: from, RoomID: roomID}
}
