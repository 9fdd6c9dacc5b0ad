// Package wsconn pumps relay announcements over a gorilla websocket. It is
// shared by the relay server and the client-side signaling adapter.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxMessageSize     = 65536
	DefaultCloseWriteDeadline = 2 * time.Second
	DefaultWriteDeadline      = 5 * time.Second

	// DefaultPongWait - DefaultPingInterval == is how long we give the other side to respond
	DefaultPingInterval = 5 * time.Second
	DefaultPongWait     = 7 * time.Second
)

// Options tune the pump. Zero PingInterval disables pings, zero PongWait
// disables the read deadline.
type Options struct {
	// SRC, when set, overrides the src of every received announcement.
	SRC            string
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Logger         *zerolog.Logger
}

// ServerOptions are the options the relay uses for its endpoints.
func ServerOptions(userID string, logger *zerolog.Logger) Options {
	return Options{
		SRC:            userID,
		PingInterval:   DefaultPingInterval,
		PongWait:       DefaultPongWait,
		MaxMessageSize: DefaultMaxMessageSize,
		Logger:         logger,
	}
}

// ClientOptions are used by signaling clients. The relay pings them, so
// the connection is dropped when nothing, pings included, arrives within
// readTimeout. Zero readTimeout means DefaultPongWait.
func ClientOptions(readTimeout time.Duration, logger *zerolog.Logger) Options {
	if readTimeout <= 0 {
		readTimeout = DefaultPongWait
	}
	return Options{
		PongWait:       readTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		Logger:         logger,
	}
}

// Pipe runs the sender and the receiver until either of them stops or ctx
// is canceled, then closes the connection. Received announcements are
// written to wire.RX, announcements read from wire.TX are sent.
func Pipe(ctx context.Context, conn *websocket.Conn, wire model.Wire, opts Options) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		receiver(ctx, wg, conn, wire.RX, opts, logger)
		cancel()
	}()
	go func() {
		sender(ctx, wg, conn, wire.TX, opts, logger)
		cancel()
	}()

	<-ctx.Done()
	// closing unblocks a receiver parked in ReadMessage
	Close(conn, logger)
	wg.Wait()
}

func sender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Announcement,
	opts Options,
	logger *zerolog.Logger,
) {
	var pingC <-chan time.Time
	if opts.PingInterval > 0 {
		pingTicker := time.NewTicker(opts.PingInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}
	defer wg.Done()

SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingC:
			wsErr := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(DefaultWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(DefaultWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func receiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- model.Announcement,
	opts Options,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	maxSize := opts.MaxMessageSize
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	conn.SetReadLimit(maxSize)
	readDeadLineFunc := func() error {
		if opts.PongWait <= 0 {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	}
	if opts.PongWait > 0 {
		conn.SetPongHandler(func(string) error {
			logger.Trace().Msg("got pong")
			return readDeadLineFunc()
		})
		conn.SetPingHandler(func(data string) error {
			logger.Trace().Msg("got ping")
			if err := readDeadLineFunc(); err != nil {
				return err
			}
			return pong(conn, data)
		})
		if err := readDeadLineFunc(); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			var netErr net.Error
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Warn().Err(wsErr).Msg("connection closed")
			case errors.As(wsErr, &netErr) && netErr.Timeout():
				logger.Warn().Err(wsErr).Msg("peer is silent, dropping connection")
			default:
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if wsErr = readDeadLineFunc(); wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to set websocket read deadline")
			return
		}

		var ann model.Announcement
		if wsErr = json.Unmarshal(msg, &ann); wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
			continue
		}
		if opts.SRC != "" {
			ann.SRC = opts.SRC
		}
		select {
		case rx <- ann:
		case <-ctx.Done():
			return
		}
	}
}

// pong answers a ping the way gorilla's default handler does.
func pong(conn *websocket.Conn, data string) error {
	err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(DefaultWriteDeadline))
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

// Close sends a close frame and closes the connection. It is safe to call
// concurrently with a running pipe.
func Close(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(DefaultCloseWriteDeadline))
	if wsErr != nil && wsErr != websocket.ErrCloseSent {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
