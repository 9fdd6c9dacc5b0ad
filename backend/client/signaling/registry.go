package signaling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultHandshakeTimeout = 5 * time.Second

type Config struct {
	Logger *zerolog.Logger
	// RelayURL is the websocket base url of the relay, e.g. ws://host:8081.
	RelayURL string
	// ReadTimeout is how long the relay may stay silent before the
	// connection counts as lost. Zero means wsconn.DefaultPongWait.
	ReadTimeout time.Duration
}

// Registry keeps one Conn per user id. It is created on login and closed
// on logout.
type Registry struct {
	relayURL    string
	readTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *zerolog.Logger

	mx    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		relayURL:    strings.TrimSuffix(cfg.RelayURL, "/"),
		readTimeout: cfg.ReadTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger: cfg.Logger,
		conns:  make(map[string]*Conn),
	}
}

// Connect returns the open connection of userID or opens one and announces
// role. A known but dropped connection is redialed, keeping its handlers.
func (r *Registry) Connect(ctx context.Context, userID string, role model.Role) (*Conn, error) {
	r.mx.Lock()
	c, ok := r.conns[userID]
	if !ok {
		c = newConn(userID, role, r.relayURL, r.readTimeout, r.dialer, r.logger)
		r.conns[userID] = c
	}
	r.mx.Unlock()

	if err := c.Reconnect(ctx); err != nil {
		if !ok {
			r.mx.Lock()
			if r.conns[userID] == c {
				delete(r.conns, userID)
			}
			r.mx.Unlock()
		}
		return nil, err
	}
	return c, nil
}

// Disconnect closes and forgets the connection of userID.
func (r *Registry) Disconnect(userID string) {
	r.mx.Lock()
	c, ok := r.conns[userID]
	delete(r.conns, userID)
	r.mx.Unlock()
	if ok {
		c.Close()
	}
}

// Close disconnects every user.
func (r *Registry) Close() {
	r.mx.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mx.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
