package peer

import (
	"github.com/pion/webrtc/v4"
)

// rtcConn is the part of *webrtc.PeerConnection a Link needs.
type rtcConn interface {
	AddTrack(track webrtc.TrackLocal) (trackSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

type trackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type pionConn struct {
	*webrtc.PeerConnection
}

func (p pionConn) AddTrack(track webrtc.TrackLocal) (trackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP has to be drained for interceptors (NACK, reports) to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(buf); rtcpErr != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return p.PeerConnection.CreateOffer(nil)
}

func (p pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.PeerConnection.CreateAnswer(nil)
}
