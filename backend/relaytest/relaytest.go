// Package relaytest runs an in-process signaling relay for tests.
package relaytest

import (
	"net/http/httptest"
	"strings"
	"testing"

	wsServer "github.com/adwski/webrtc-call/backend/server/websocket"
	"github.com/adwski/webrtc-call/backend/service"
	store "github.com/adwski/webrtc-call/backend/storage/memory"
	sw "github.com/adwski/webrtc-call/backend/switch"
	"github.com/rs/zerolog"
)

type Relay struct {
	*httptest.Server
	Service *service.Service

	ws *wsServer.Server
}

// Start runs a relay on a loopback listener and stops it on test cleanup.
func Start(t testing.TB) *Relay {
	t.Helper()

	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := wsServer.NewServer(wsServer.Config{
		Logger:           &logger,
		SignalingService: svc,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		srv.CloseSessions()
		ts.Close()
	})
	return &Relay{Server: ts, Service: svc, ws: srv}
}

// URL is the websocket base URL clients dial.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http")
}

// UserURL is the signaling endpoint of userID.
func (r *Relay) UserURL(userID string) string {
	return r.URL() + "/signal/user/" + userID
}

// CloseSessions drops every signaling connection, as a relay shutdown does.
func (r *Relay) CloseSessions() {
	r.ws.CloseSessions()
}
