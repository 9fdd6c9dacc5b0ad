package peer

import (
	"errors"
	"time"

	"github.com/adwski/webrtc-call/backend/logging"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	iceFailedTimeout     = 25 * time.Second
	iceKeepaliveInterval = 2 * time.Second
)

var ErrFactoryInit = errors.New("cannot initialize webrtc api")

type Config struct {
	Logger *zerolog.Logger
	// ICEServers are STUN/TURN urls.
	ICEServers []string
	// DisconnectTimeout bounds how long a link may stay disconnected
	// before it is considered failed.
	DisconnectTimeout time.Duration
	// IncludeLoopback lets two peers on one host connect over lo.
	IncludeLoopback bool
}

// Factory builds Links sharing one pion API instance.
type Factory struct {
	api               *webrtc.API
	rtcConfig         webrtc.Configuration
	logger            *zerolog.Logger
	disconnectTimeout time.Duration
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Join(ErrFactoryInit, err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, errors.Join(ErrFactoryInit, err)
	}

	disconnectTimeout := cfg.DisconnectTimeout
	if disconnectTimeout <= 0 {
		disconnectTimeout = defaultDisconnectWait
	}
	se := webrtc.SettingEngine{
		LoggerFactory: logging.PionFactory{Logger: *cfg.Logger},
	}
	se.SetICETimeouts(disconnectTimeout, iceFailedTimeout, iceKeepaliveInterval)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	rtcConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		rtcConfig:         rtcConfig,
		logger:            cfg.Logger,
		disconnectTimeout: disconnectTimeout,
	}, nil
}

// NewLink opens a fresh peer connection.
func (f *Factory) NewLink() (*Link, error) {
	pc, err := f.api.NewPeerConnection(f.rtcConfig)
	if err != nil {
		return nil, errors.Join(ErrFactoryInit, err)
	}
	return newLink(pionConn{PeerConnection: pc}, f.logger, f.disconnectTimeout), nil
}
