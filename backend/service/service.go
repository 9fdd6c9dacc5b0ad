package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrLeave      = errors.New("unable to leave room")
	ErrGet        = errors.New("unable to get room")
	ErrNotAMember = errors.New("user is not a member of this room")
	ErrDecode     = errors.New("unable to decode payload")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID string, userID string) (*model.Room, error)
		LeaveRoom(roomID string, userID string) (*model.Room, error)
		GetRoom(roomID string) (*model.Room, error)
		RoomsOf(userID string) []string
	}

	Switch interface {
		Connect(ctx context.Context, userID string, wire model.Wire, inbound func(context.Context, model.Announcement))
		Disconnect(userID string, wire model.Wire) bool
		IsConnected(userID string) bool
		Forward(ctx context.Context, ann model.Announcement) error
		Multicast(ctx context.Context, ann model.Announcement, dsts []string)
	}

	// Service implements the relay side of the signaling contract: it
	// interprets call-control announcements and routes them between users.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger

		mx    sync.RWMutex
		roles map[string]model.Role
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
		roles:  make(map[string]model.Role),
	}
}

func (svc *Service) CreateSignalingSession(ctx context.Context, userID string, wire model.Wire) error {
	svc.sw.Connect(ctx, userID, wire, svc.Handle)
	svc.logger.Debug().
		Str("userID", userID).
		Msg("signaling session connected")
	return nil
}

// DeleteSignalingSession detaches the user's wire and leaves every room the
// user was in, notifying the remaining members.
func (svc *Service) DeleteSignalingSession(ctx context.Context, userID string, wire model.Wire) error {
	if !svc.sw.Disconnect(userID, wire) {
		// replaced by a newer connection, keep room membership
		return nil
	}
	svc.mx.Lock()
	delete(svc.roles, userID)
	svc.mx.Unlock()

	var errs []error
	for _, roomID := range svc.store.RoomsOf(userID) {
		if err := svc.leave(ctx, roomID, userID); err != nil {
			errs = append(errs, err)
		}
	}
	svc.logger.Debug().
		Str("userID", userID).
		Msg("signaling session deleted")
	return errors.Join(errs...)
}

// IsOnline reports whether userID has a connected signaling endpoint.
func (svc *Service) IsOnline(userID string) bool {
	return svc.sw.IsConnected(userID)
}

func (svc *Service) GetRoom(roomID string) (*model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	svc.mx.RLock()
	for id, p := range room.Participants {
		p.Role = svc.roles[id]
		room.Participants[id] = p
	}
	svc.mx.RUnlock()
	return room, nil
}

// Handle processes one announcement received from ann.SRC.
func (svc *Service) Handle(ctx context.Context, ann model.Announcement) {
	logger := svc.logger.With().
		Str("src", ann.SRC).
		Str("type", ann.Type).
		Logger()

	var err error
	switch ann.Type {
	case model.AnnouncementTypeSetRole:
		err = svc.setRole(ann)
	case model.AnnouncementTypeJoinRoom:
		err = svc.joinRoom(ctx, ann)
	case model.AnnouncementTypeLeaveRoom:
		var p model.RoomPayload
		if err = decode(ann, &p); err == nil {
			err = svc.leave(ctx, p.RoomID, ann.SRC)
		}
	case model.AnnouncementTypeStartCall:
		err = svc.startCall(ctx, ann)
	case model.AnnouncementTypeCallAccepted:
		err = svc.callOutcome(ctx, ann, model.AnnouncementTypeCallAccepted)
	case model.AnnouncementTypeRejectCall:
		err = svc.callOutcome(ctx, ann, model.AnnouncementTypeCallRejected)
	case model.AnnouncementTypeSignal:
		err = svc.signal(ctx, ann)
	case model.AnnouncementTypeSendMessage:
		err = svc.chat(ctx, ann)
	default:
		logger.Warn().Msg("unknown announcement type")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("announcement failed")
		return
	}
	logger.Trace().Msg("announcement handled")
}

func (svc *Service) setRole(ann model.Announcement) error {
	var p model.SetRolePayload
	if err := decode(ann, &p); err != nil {
		return err
	}
	svc.mx.Lock()
	svc.roles[ann.SRC] = p.Role
	svc.mx.Unlock()
	return nil
}

func (svc *Service) joinRoom(ctx context.Context, ann model.Announcement) error {
	var p model.RoomPayload
	if err := decode(ann, &p); err != nil {
		return err
	}
	if _, err := svc.store.CreateOrJoinRoom(p.RoomID, ann.SRC); err != nil {
		svc.replyError(ctx, ann.SRC, p.RoomID, err)
		return errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("userID", ann.SRC).
		Str("roomID", p.RoomID).
		Msg("user joined room")
	return nil
}

func (svc *Service) leave(ctx context.Context, roomID, userID string) error {
	room, err := svc.store.LeaveRoom(roomID, userID)
	if err != nil {
		return errors.Join(ErrLeave, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("user left room")

	left, err := model.NewAnnouncement(model.AnnouncementTypeUserLeft, model.UserLeftPayload{
		UserID: userID,
		RoomID: roomID,
	})
	if err != nil {
		return err
	}
	left.SRC = userID
	svc.sw.Multicast(ctx, left, members(room))
	return nil
}

func (svc *Service) startCall(ctx context.Context, ann model.Announcement) error {
	var p model.StartCallPayload
	if err := decode(ann, &p); err != nil {
		return err
	}
	if !svc.sw.IsConnected(p.ReceiverUserID) {
		offline, err := model.NewAnnouncement(model.AnnouncementTypeInstructorOffline, model.CallOutcomePayload{
			FromUserID: p.ReceiverUserID,
			RoomID:     p.RoomID,
			Reason:     "offline",
		})
		if err != nil {
			return err
		}
		offline.DST = ann.SRC
		return svc.sw.Forward(ctx, offline)
	}
	invite, err := model.NewAnnouncement(model.AnnouncementTypeIncomingCall, model.IncomingCallPayload{
		FromUserID: ann.SRC,
		Name:       p.CallerName,
		ChatID:     p.ChatID,
		RoomID:     p.RoomID,
	})
	if err != nil {
		return err
	}
	invite.SRC = ann.SRC
	invite.DST = p.ReceiverUserID
	return svc.sw.Forward(ctx, invite)
}

func (svc *Service) callOutcome(ctx context.Context, ann model.Announcement, outType string) error {
	var p model.CallOutcomePayload
	if err := decode(ann, &p); err != nil {
		return err
	}
	out, err := model.NewAnnouncement(outType, model.CallOutcomePayload{
		FromUserID: ann.SRC,
		RoomID:     p.RoomID,
		Reason:     p.Reason,
	})
	if err != nil {
		return err
	}
	out.SRC = ann.SRC
	out.DST = p.ToUserID
	return svc.sw.Forward(ctx, out)
}

func (svc *Service) signal(ctx context.Context, ann model.Announcement) error {
	var env model.SignalEnvelope
	if err := decode(ann, &env); err != nil {
		return err
	}
	// sender identity comes from the websocket session, not the payload
	env.FromUserID = ann.SRC
	out, err := model.NewAnnouncement(model.AnnouncementTypeSignal, env)
	if err != nil {
		return err
	}
	out.SRC = ann.SRC
	out.DST = env.TargetUserID
	return svc.sw.Forward(ctx, out)
}

func (svc *Service) chat(ctx context.Context, ann model.Announcement) error {
	var msg model.ChatMessage
	if err := decode(ann, &msg); err != nil {
		return err
	}
	room, err := svc.store.GetRoom(msg.RoomID)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	if _, ok := room.Participants[ann.SRC]; !ok {
		return ErrNotAMember
	}
	msg.Sender = ann.SRC
	out, err := model.NewAnnouncement(model.AnnouncementTypeNewMessage, msg)
	if err != nil {
		return err
	}
	out.SRC = ann.SRC
	svc.sw.Multicast(ctx, out, members(room))
	return nil
}

func (svc *Service) replyError(ctx context.Context, userID, roomID string, cause error) {
	reply, err := model.NewAnnouncement(model.AnnouncementTypeError, model.ErrorPayload{
		Message: cause.Error(),
		RoomID:  roomID,
	})
	if err != nil {
		return
	}
	reply.DST = userID
	_ = svc.sw.Forward(ctx, reply)
}

func decode(ann model.Announcement, v any) error {
	if err := ann.Decode(v); err != nil {
		return errors.Join(ErrDecode, err)
	}
	return nil
}

func members(room *model.Room) []string {
	ids := make([]string, 0, len(room.Participants))
	for id := range room.Participants {
		ids = append(ids, id)
	}
	return ids
}
