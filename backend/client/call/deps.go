package call

import (
	"context"

	"github.com/adwski/webrtc-call/backend/client/api"
	"github.com/adwski/webrtc-call/backend/client/media"
	"github.com/adwski/webrtc-call/backend/client/peer"
	"github.com/adwski/webrtc-call/backend/model"
	"github.com/pion/webrtc/v4"
)

type (
	// Signaling is satisfied by *signaling.Conn.
	Signaling interface {
		UserID() string
		JoinRoom(roomID string) error
		LeaveRoom(roomID string) error
		Send(env model.SignalEnvelope) error
		StartCall(p model.StartCallPayload) error
		AcceptCall(toUserID, roomID string) error
		RejectCall(toUserID, roomID, reason string) error
		SendChat(msg model.ChatMessage) error

		OnSignal(fn func(model.SignalEnvelope))
		OnCallInvite(fn func(model.IncomingCallPayload))
		OnCallAccepted(fn func(model.CallOutcomePayload))
		OnCallRejected(fn func(model.CallOutcomePayload))
		OnCallOffline(fn func(model.CallOutcomePayload))
		OnPeerLeft(fn func(model.UserLeftPayload))
		OnChatMessage(fn func(model.ChatMessage))
		OnRelayError(fn func(model.ErrorPayload))
		OnDisconnect(fn func(error))
	}

	// Media is satisfied by *media.Manager.
	Media interface {
		Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error)
		AcquireDisplay(ctx context.Context) (*media.Stream, error)
		SetTrackEnabled(kind media.Kind, enabled bool) error
		Release(s *media.Stream)
		OnDisplayEnded(fn func(*media.Stream))
	}

	// Link is satisfied by *peer.Link.
	Link interface {
		CreateOffer(ctx context.Context, tracks []peer.LocalTrack) (webrtc.SessionDescription, error)
		HandleOffer(ctx context.Context, offer webrtc.SessionDescription, tracks []peer.LocalTrack) (webrtc.SessionDescription, error)
		HandleAnswer(answer webrtc.SessionDescription) error
		AddRemoteCandidate(c webrtc.ICECandidateInit) error
		ReplaceOutboundTrack(kind media.Kind, track webrtc.TrackLocal) error
		OnLocalCandidate(fn func(webrtc.ICECandidateInit))
		OnStateChange(fn func(peer.State))
		OnRemoteTrack(fn func(*webrtc.TrackRemote))
		Close() error
	}

	LinkFactory interface {
		NewLink() (Link, error)
	}

	ProfileSource interface {
		GetProfile(ctx context.Context) (api.Profile, error)
	}
)

// LinkFactoryFunc adapts a function to LinkFactory.
type LinkFactoryFunc func() (Link, error)

func (f LinkFactoryFunc) NewLink() (Link, error) { return f() }

// PeerLinks builds links with a pion backed factory.
func PeerLinks(f *peer.Factory) LinkFactory {
	return LinkFactoryFunc(func() (Link, error) {
		l, err := f.NewLink()
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}
