// Package signaling is the client side of the relay: one websocket per
// logged-in user, typed call-control events and room-scoped signal
// delivery. Delivery is fire and forget, nothing is acknowledged or retried.
package signaling

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/adwski/webrtc-call/backend/transport/wsconn"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrSignalingUnavailable is reported when the relay connection is lost.
	ErrSignalingUnavailable = errors.New("signaling relay unavailable")
	ErrNotInRoom            = errors.New("room is not joined")
	ErrClosed               = errors.New("signaling connection is closed")
	ErrDial                 = errors.New("cannot connect to signaling relay")
)

// session is one websocket connection; a Conn goes through several of
// them when it reconnects.
type session struct {
	ws     *websocket.Conn
	wire   model.Wire
	cancel context.CancelFunc
	done   chan struct{}
}

type handlers struct {
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

// Conn is the signaling connection of one user. Every On* method keeps a
// single handler: subscribing again replaces the previous one. Handlers run
// on the receive goroutine one at a time and must not block.
type Conn struct {
	userID string
	role   model.Role
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger

	readTimeout time.Duration

	mx     sync.Mutex
	sess   *session
	rooms  map[string]struct{}
	closed bool
	h      handlers
}

func newConn(userID string, role model.Role, relayURL string, readTimeout time.Duration, dialer *websocket.Dialer, logger *zerolog.Logger) *Conn {
	return &Conn{
		userID:      userID,
		readTimeout: readTimeout,
		role:        role,
		url:         relayURL + "/signal/user/" + url.PathEscape(userID),
		dialer:      dialer,
		logger: logger.With().
			Str("component", "signaling").
			Str("userID", userID).
			Logger(),
		rooms: make(map[string]struct{}),
	}
}

func (c *Conn) UserID() string { return c.userID }

// Connected reports whether the websocket is up.
func (c *Conn) Connected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.sess != nil
}

// Reconnect dials the relay again after a loss and re-announces the role.
// Rooms are not re-joined. It is a no-op on a live connection.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mx.Lock()
	if c.sess != nil {
		c.mx.Unlock()
		return nil
	}
	c.closed = false
	c.mx.Unlock()
	return c.dial(ctx)
}

func (c *Conn) dial(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Join(ErrDial, err)
	}

	pipeCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		ws:     ws,
		wire:   model.NewWire(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mx.Lock()
	if c.closed || c.sess != nil {
		// closed or raced with another dial
		c.mx.Unlock()
		cancel()
		wsconn.Close(ws, &c.logger)
		if c.Connected() {
			return nil
		}
		return ErrClosed
	}
	c.sess = sess
	c.mx.Unlock()

	go func() {
		wsconn.Pipe(pipeCtx, ws, sess.wire, wsconn.ClientOptions(c.readTimeout, &c.logger))
		close(sess.done)
	}()
	go c.receive(sess)

	c.logger.Debug().Msg("connected to relay")
	return c.emit(model.AnnouncementTypeSetRole, model.SetRolePayload{
		Role:   c.role,
		UserID: c.userID,
	})
}

// Close disconnects without firing OnDisconnect. It is safe to call more
// than once.
func (c *Conn) Close() {
	c.mx.Lock()
	c.closed = true
	sess := c.sess
	c.sess = nil
	clear(c.rooms)
	c.mx.Unlock()

	if sess != nil {
		sess.cancel()
		<-sess.done
		c.logger.Debug().Msg("disconnected from relay")
	}
}

func (c *Conn) receive(sess *session) {
	for {
		select {
		case ann := <-sess.wire.RX:
			c.dispatch(ann)
		case <-sess.done:
			c.lost(sess)
			return
		}
	}
}

// lost handles a transport drop: joined rooms are forgotten and the
// disconnect handler is told.
func (c *Conn) lost(sess *session) {
	sess.cancel()

	c.mx.Lock()
	if c.sess != sess {
		c.mx.Unlock()
		return
	}
	c.sess = nil
	clear(c.rooms)
	fn := c.h.disconnect
	c.mx.Unlock()

	c.logger.Warn().Msg("relay connection lost")
	if fn != nil {
		fn(ErrSignalingUnavailable)
	}
}

func (c *Conn) JoinRoom(roomID string) error {
	if err := c.emit(model.AnnouncementTypeJoinRoom, model.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}
	c.mx.Lock()
	c.rooms[roomID] = struct{}{}
	c.mx.Unlock()
	c.logger.Debug().Str("roomID", roomID).Msg("room joined")
	return nil
}

// LeaveRoom forgets the room locally even if the relay cannot be told.
func (c *Conn) LeaveRoom(roomID string) error {
	c.mx.Lock()
	_, joined := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mx.Unlock()
	if !joined {
		return ErrNotInRoom
	}
	c.logger.Debug().Str("roomID", roomID).Msg("leaving room")
	return c.emit(model.AnnouncementTypeLeaveRoom, model.RoomPayload{RoomID: roomID})
}

// InRoom reports whether roomID is joined on the current connection.
func (c *Conn) InRoom(roomID string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Send publishes a signal envelope to env.TargetUserID.
func (c *Conn) Send(env model.SignalEnvelope) error {
	if !c.InRoom(env.RoomID) {
		return ErrNotInRoom
	}
	env.FromUserID = c.userID
	return c.emit(model.AnnouncementTypeSignal, env)
}

func (c *Conn) StartCall(p model.StartCallPayload) error {
	p.CallerID = c.userID
	return c.emit(model.AnnouncementTypeStartCall, p)
}

func (c *Conn) AcceptCall(toUserID, roomID string) error {
	return c.emit(model.AnnouncementTypeCallAccepted, model.CallOutcomePayload{
		ToUserID: toUserID,
		RoomID:   roomID,
	})
}

func (c *Conn) RejectCall(toUserID, roomID, reason string) error {
	return c.emit(model.AnnouncementTypeRejectCall, model.CallOutcomePayload{
		ToUserID: toUserID,
		RoomID:   roomID,
		Reason:   reason,
	})
}

// SendChat publishes msg to the other members of msg.RoomID.
func (c *Conn) SendChat(msg model.ChatMessage) error {
	if !c.InRoom(msg.RoomID) {
		return ErrNotInRoom
	}
	return c.emit(model.AnnouncementTypeSendMessage, msg)
}

func (c *Conn) emit(typ string, payload any) error {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		return err
	}

	c.mx.Lock()
	sess := c.sess
	c.mx.Unlock()
	if sess == nil {
		return ErrClosed
	}

	select {
	case sess.wire.TX <- ann:
		c.logger.Trace().Str("type", typ).Msg("announcement sent")
		return nil
	case <-sess.done:
		return ErrClosed
	}
}

func (c *Conn) dispatch(ann model.Announcement) {
	logger := c.logger.With().
		Str("type", ann.Type).
		Str("src", ann.SRC).
		Logger()

	c.mx.Lock()
	h := c.h
	c.mx.Unlock()

	var err error
	switch ann.Type {
	case model.AnnouncementTypeSignal:
		err = deliver(ann, h.signal)
	case model.AnnouncementTypeIncomingCall:
		err = deliver(ann, h.invite)
	case model.AnnouncementTypeCallAccepted:
		err = deliver(ann, h.accepted)
	case model.AnnouncementTypeCallRejected:
		err = deliver(ann, h.rejected)
	case model.AnnouncementTypeInstructorOffline:
		err = deliver(ann, h.offline)
	case model.AnnouncementTypeUserLeft:
		err = deliver(ann, h.peerLeft)
	case model.AnnouncementTypeNewMessage:
		err = deliver(ann, h.chat)
	case model.AnnouncementTypeError:
		err = deliver(ann, h.relayErr)
	default:
		logger.Warn().Msg("unknown announcement type")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("cannot decode announcement")
		return
	}
	logger.Trace().Msg("announcement dispatched")
}

func deliver[T any](ann model.Announcement, fn func(T)) error {
	if fn == nil {
		return nil
	}
	var v T
	if err := ann.Decode(&v); err != nil {
		return err
	}
	fn(v)
	return nil
}

func (c *Conn) OnSignal(fn func(model.SignalEnvelope)) {
	c.mx.Lock()
	c.h.signal = fn
	c.mx.Unlock()
}

func (c *Conn) OnCallInvite(fn func(model.IncomingCallPayload)) {
	c.mx.Lock()
	c.h.invite = fn
	c.mx.Unlock()
}

func (c *Conn) OnCallAccepted(fn func(model.CallOutcomePayload)) {
	c.mx.Lock()
	c.h.accepted = fn
	c.mx.Unlock()
}

func (c *Conn) OnCallRejected(fn func(model.CallOutcomePayload)) {
	c.mx.Lock()
	c.h.rejected = fn
	c.mx.Unlock()
}

// OnCallOffline is called when the invited user has no relay connection.
func (c *Conn) OnCallOffline(fn func(model.CallOutcomePayload)) {
	c.mx.Lock()
	c.h.offline = fn
	c.mx.Unlock()
}

func (c *Conn) OnPeerLeft(fn func(model.UserLeftPayload)) {
	c.mx.Lock()
	c.h.peerLeft = fn
	c.mx.Unlock()
}

func (c *Conn) OnChatMessage(fn func(model.ChatMessage)) {
	c.mx.Lock()
	c.h.chat = fn
	c.mx.Unlock()
}

// OnRelayError receives error announcements, e.g. a full room.
func (c *Conn) OnRelayError(fn func(model.ErrorPayload)) {
	c.mx.Lock()
	c.h.relayErr = fn
	c.mx.Unlock()
}

// OnDisconnect is called with ErrSignalingUnavailable when the transport
// drops. Explicit Close does not trigger it.
func (c *Conn) OnDisconnect(fn func(error)) {
	c.mx.Lock()
	c.h.disconnect = fn
	c.mx.Unlock()
}
