package model

import (
	"encoding/json"
	"time"
)

const MaxRoomParticipants = 2

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
}

type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role,omitempty"`
}

// Announcement types sent by clients to the relay.
const (
	AnnouncementTypeSetRole      = "set-role"
	AnnouncementTypeJoinRoom     = "join-room"
	AnnouncementTypeLeaveRoom    = "leave-room"
	AnnouncementTypeStartCall    = "start-call"
	AnnouncementTypeCallAccepted = "call-accepted"
	AnnouncementTypeRejectCall   = "reject-call"
	AnnouncementTypeSignal       = "signal"
	AnnouncementTypeSendMessage  = "sendMessage"
)

// Announcement types sent by the relay to clients.
const (
	AnnouncementTypeIncomingCall      = "incoming-call"
	AnnouncementTypeCallRejected      = "call-rejected"
	AnnouncementTypeInstructorOffline = "instructor-offline"
	AnnouncementTypeUserLeft          = "user-left"
	AnnouncementTypeNewMessage        = "newMessage"
	AnnouncementTypeError             = "error"
)

// Announcement is the frame exchanged with the relay over a websocket.
type Announcement struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAnnouncement marshals payload into a new announcement of the given type.
func NewAnnouncement(typ string, payload any) (Announcement, error) {
	ann := Announcement{Type: typ}
	if payload == nil {
		return ann, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ann, err
	}
	ann.Payload = b
	return ann, nil
}

// Decode unmarshals the announcement payload into v.
func (a Announcement) Decode(v any) error {
	if len(a.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(a.Payload, v)
}

type SetRolePayload struct {
	Role   Role   `json:"role"`
	UserID string `json:"userId"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type StartCallPayload struct {
	CallerID       string `json:"callerId"`
	CallerName     string `json:"callerName"`
	ReceiverUserID string `json:"receiverUserId"`
	ChatID         string `json:"chatId"`
	RoomID         string `json:"roomId"`
}

type IncomingCallPayload struct {
	FromUserID string `json:"fromUserId"`
	Name       string `json:"name"`
	ChatID     string `json:"chatId"`
	RoomID     string `json:"roomId"`
}

// CallOutcomePayload is used for call-accepted, reject-call, call-rejected and
// instructor-offline.
type CallOutcomePayload struct {
	ToUserID   string `json:"toUserId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
	RoomID     string `json:"roomId"`
	Reason     string `json:"reason,omitempty"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// Signal envelope types.
const (
	SignalTypeOffer        = "offer"
	SignalTypeAnswer       = "answer"
	SignalTypeICECandidate = "ice-candidate"
)

// SignalEnvelope carries SDP and ICE between peers. The relay routes it by
// TargetUserID and never looks at the payload.
type SignalEnvelope struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId"`
	RoomID       string          `json:"roomId"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement),
	}
}
