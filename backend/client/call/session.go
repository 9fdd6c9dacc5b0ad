package call

import (
	"errors"

	"github.com/adwski/webrtc-call/backend/client/media"
	"github.com/adwski/webrtc-call/backend/client/signaling"
	"github.com/adwski/webrtc-call/backend/model"
)

type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusRingingOut  Status = "RINGING_OUT"
	StatusRingingIn   Status = "RINGING_IN"
	StatusAccepted    Status = "ACCEPTED"
	StatusNegotiating Status = "NEGOTIATING"
	StatusConnected   Status = "CONNECTED"
	StatusEnded       Status = "ENDED"
	StatusRejected    Status = "REJECTED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusFailed
}

type Participant struct {
	UserID string
	Role   model.Role
}

type MediaState struct {
	MicEnabled    bool
	CameraEnabled bool
	ScreenSharing bool
}

// Session is a snapshot of the current call.
type Session struct {
	RoomID       string
	ChatID       string
	Local        Participant
	RemoteUserID string
	RemoteName   string
	Status       Status
	Media        MediaState
	// Reason is set on terminal snapshots.
	Reason Reason
}

var (
	ErrConcurrentCall     = errors.New("another call is active")
	ErrInvalidState       = errors.New("operation is not allowed in current call state")
	ErrProfileUnavailable = errors.New("cannot load caller profile")
	ErrInvalidCallee      = errors.New("invalid callee")
	ErrCallEnded          = errors.New("call ended")
	ErrStopped            = errors.New("call machine is stopped")

	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrNegotiation        = errors.New("negotiation failed")
	ErrLinkFailed         = errors.New("peer connection failed")
	ErrPeerDeparted       = errors.New("peer left the call")
	ErrRoomUnavailable    = errors.New("call room is unavailable")
)

// Reason explains a terminal transition.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonHangup             Reason = "hangup"
	ReasonPeerLeft           Reason = "peer-left"
	ReasonRejected           Reason = "rejected"
	ReasonBusy               Reason = "busy"
	ReasonOffline            Reason = "offline"
	ReasonUnreachable        Reason = "unreachable"
	ReasonMissed             Reason = "missed"
	ReasonCancelled          Reason = "cancelled"
	ReasonNetwork            Reason = "network"
	ReasonNegotiationTimeout Reason = "negotiation-timeout"
	ReasonNegotiationError   Reason = "negotiation-error"
	ReasonSignalingLost      Reason = "signaling-lost"
	ReasonPermissionDenied   Reason = "permission-denied"
	ReasonRoomUnavailable    Reason = "room-unavailable"
)

// Message is a user facing text with retry guidance.
func (r Reason) Message() string {
	switch r {
	case ReasonHangup:
		return "The call has ended."
	case ReasonPeerLeft:
		return "The other participant left the call."
	case ReasonBusy:
		return "The user is in another call. Try again later."
	case ReasonOffline:
		return "The user is offline. Try again when they are online."
	case ReasonUnreachable:
		return "The user did not answer. Try again later."
	case ReasonMissed:
		return "The call was not answered in time."
	case ReasonCancelled:
		return "The caller cancelled the call."
	case ReasonNetwork:
		return "The connection to the other participant was lost. Check your network connection."
	case ReasonNegotiationTimeout:
		return "The call could not be connected in time. Check your network connection and try again."
	case ReasonNegotiationError:
		return "The call could not be set up. Try again."
	case ReasonSignalingLost:
		return "Connection to the call server was lost. Check your connection and reconnect."
	case ReasonPermissionDenied:
		return "Camera or microphone is not available. Check device permissions and try again."
	case ReasonRoomUnavailable:
		return "The call room is not available. Start a new call."
	case ReasonNone:
		return ""
	}
	return "The call was declined."
}

// Err maps the reason to the error it stands for, nil for a normal hangup.
func (r Reason) Err() error {
	switch r {
	case ReasonNone, ReasonHangup:
		return nil
	case ReasonPeerLeft:
		return ErrPeerDeparted
	case ReasonNetwork:
		return ErrLinkFailed
	case ReasonNegotiationTimeout:
		return ErrNegotiationTimeout
	case ReasonNegotiationError:
		return ErrNegotiation
	case ReasonSignalingLost:
		return signaling.ErrSignalingUnavailable
	case ReasonPermissionDenied:
		return media.ErrMediaAccess
	case ReasonRoomUnavailable:
		return ErrRoomUnavailable
	}
	return errors.New(r.Message())
}
