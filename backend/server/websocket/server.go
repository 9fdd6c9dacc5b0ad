package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/adwski/webrtc-call/backend/transport/wsconn"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize   = 16384
	defaultWebsocketWriteBufferSize  = 16384
	defaultWebSocketHandshakeTimeout = 3 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, userID string, wire model.Wire) error
		DeleteSignalingSession(ctx context.Context, userID string, wire model.Wire) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger

		// base context of every signaling session, canceled on shutdown
		sessCtx    context.Context
		sessCancel context.CancelFunc
		sessions   sync.WaitGroup

		// latest session of every user, an older one is canceled on reconnect
		mx     sync.Mutex
		active map[string]*activeSession
	}

	activeSession struct {
		cancel context.CancelFunc
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		active: make(map[string]*activeSession),
	}
	srv.sessCtx, srv.sessCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/signal/user/{userID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	srv.CloseSessions()
}

// CloseSessions terminates all hijacked websocket sessions, which
// http.Server.Shutdown does not track.
func (srv *Server) CloseSessions() {
	srv.sessCancel()
	srv.sessions.Wait()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	wire := model.NewWire()

	ctx, cancel := context.WithCancel(srv.sessCtx) // long-living wire context

	sess := &activeSession{cancel: cancel}
	srv.mx.Lock()
	err = srv.svc.CreateSignalingSession(ctx, userID, wire)
	if err != nil {
		srv.mx.Unlock()
		srv.logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		wsconn.Close(conn, &srv.logger)
		return
	}
	prev := srv.active[userID]
	srv.active[userID] = sess
	srv.mx.Unlock()

	if prev != nil {
		srv.logger.Debug().
			Str("userID", userID).
			Msg("closing replaced signaling session")
		prev.cancel()
	}
	srv.logger.Debug().
		Str("userID", userID).
		Msg("signaling session created")

	srv.sessions.Add(1)
	go func() {
		defer srv.sessions.Done()
		srv.handleWSConn(ctx, cancel, conn, userID, wire)
		srv.forget(userID, sess)
	}()
}

func (srv *Server) forget(userID string, sess *activeSession) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if srv.active[userID] == sess {
		delete(srv.active, userID)
	}
}

func (srv *Server) destroySession(userID string, wire model.Wire, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSignalingSession(ctx, userID, wire)
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	userID string,
	wire model.Wire,
) {
	logger := srv.logger.With().
		Str("userID", userID).
		Logger()

	wsconn.Pipe(ctx, conn, wire, wsconn.ServerOptions(userID, &logger))
	cancel()
	srv.destroySession(userID, wire, &logger)
}
