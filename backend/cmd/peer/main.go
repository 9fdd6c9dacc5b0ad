package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/webrtc-call/backend/client/api"
	"github.com/adwski/webrtc-call/backend/client/call"
	"github.com/adwski/webrtc-call/backend/client/chat"
	"github.com/adwski/webrtc-call/backend/client/media"
	"github.com/adwski/webrtc-call/backend/client/peer"
	"github.com/adwski/webrtc-call/backend/client/signaling"
	"github.com/adwski/webrtc-call/backend/config"
	"github.com/adwski/webrtc-call/backend/logging"
	"github.com/adwski/webrtc-call/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const reconnectInterval = 2 * time.Second

var errBadConfig = errors.New("invalid peer configuration")

func main() {
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	config.PeerFlags(fs)

	cfg, errCfg := config.Load(fs, os.Args[1:])
	logLevel := "debug"
	if cfg != nil {
		logLevel = cfg.LogLevel
	}
	logger, err := logging.New(os.Stdout, logLevel)
	if errCfg != nil {
		logger.Fatal().Err(errCfg).Msg("cannot load configuration")
	}
	if err != nil {
		logger.Warn().Err(err).Msg("unknown log level, using debug")
	}
	pc := cfg.Peer
	if err = validate(pc); err != nil {
		logger.Fatal().Err(err).Msg("cannot start peer")
	}
	logger = logger.With().Str("userID", pc.UserID).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := signaling.NewRegistry(signaling.Config{
		Logger:      &logger,
		RelayURL:    pc.RelayURL,
		ReadTimeout: pc.RelayReadTimeout,
	})
	defer registry.Close()
	conn, err := registry.Connect(ctx, pc.UserID, model.Role(pc.Role))
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot connect to relay")
	}

	src, err := mediaSource(pc, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open capture devices")
	}
	factory, err := peer.NewFactory(peer.Config{
		Logger:            &logger,
		ICEServers:        pc.ICEServers,
		DisconnectTimeout: pc.DisconnectTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot init webrtc")
	}

	var (
		profiles call.ProfileSource = api.StaticProfile{ID: pc.UserID, DisplayName: pc.UserID}
		history  chat.HistorySource
	)
	if pc.APIBaseURL != "" {
		client := api.NewClient(api.Config{
			Logger:  &logger,
			BaseURL: pc.APIBaseURL,
			Token:   pc.APIToken,
		})
		profiles, history = client, client
	}

	machine := call.NewMachine(call.Config{
		Logger:             &logger,
		Signaling:          conn,
		Media:              media.NewManager(media.Config{Source: src, Logger: &logger}),
		Links:              call.PeerLinks(factory),
		Profiles:           profiles,
		History:            history,
		RingTimeout:        pc.RingTimeout,
		NegotiationTimeout: pc.NegotiationTimeout,
	})

	finished := make(chan struct{})
	var finishOnce sync.Once
	machine.OnStateChange(func(s call.Session) {
		ev := logger.Info().
			Str("status", string(s.Status)).
			Str("roomID", s.RoomID).
			Str("remote", s.RemoteUserID)
		if s.Reason != call.ReasonNone {
			ev = ev.Str("reason", string(s.Reason)).Str("hint", s.Reason.Message())
		}
		ev.Msg("call state")

		switch {
		case s.Status == call.StatusRingingIn:
			go func() {
				if errA := machine.Accept(ctx); errA != nil {
					logger.Error().Err(errA).Msg("cannot accept call")
				}
			}()
		case s.Status.Terminal() && pc.Role == string(model.RoleCaller):
			finishOnce.Do(func() { close(finished) })
		}
	})
	machine.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		go readTrack(t, logger, pc.DumpFrames)
	})
	machine.Chat().OnMessage(func(msg model.ChatMessage) {
		logger.Info().
			Str("chatID", msg.ChatID).
			Str("sender", msg.Sender).
			Str("text", msg.Text).
			Msg("chat")
	})

	machineCtx, machineCancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		machine.Run(machineCtx)
	}()
	go func() {
		defer wg.Done()
		keepConnected(ctx, conn, logger)
	}()
	go readCommands(os.Stdin, machine, logger)

	if pc.Role == string(model.RoleCaller) {
		if err = machine.StartCall(ctx, pc.CallTo, pc.ChatID); err != nil {
			logger.Error().Err(err).Msg("call failed")
			finishOnce.Do(func() { close(finished) })
		}
	} else {
		logger.Info().Msg("waiting for calls")
	}

	select {
	case <-finished:
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	machineCancel()
	wg.Wait()
}

func validate(pc config.PeerConfig) error {
	if pc.UserID == "" {
		return errors.Join(errBadConfig, errors.New("user id is empty"))
	}
	switch model.Role(pc.Role) {
	case model.RoleCaller:
		if pc.CallTo == "" {
			return errors.Join(errBadConfig, errors.New("caller needs a user id to call"))
		}
	case model.RoleCallee:
	default:
		return errors.Join(errBadConfig, errors.New("unknown role "+pc.Role))
	}
	return nil
}

func mediaSource(pc config.PeerConfig, logger *zerolog.Logger) (media.Source, error) {
	if !pc.Devices {
		return &media.StaticSource{}, nil
	}
	return media.NewDeviceSource(logger)
}

// keepConnected redials the relay after a drop. An ongoing call still
// fails, the next one goes through the new connection.
func keepConnected(ctx context.Context, conn *signaling.Conn, logger zerolog.Logger) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.Connected() {
				continue
			}
			if err := conn.Reconnect(ctx); err != nil {
				logger.Debug().Err(err).Msg("relay still unreachable")
				continue
			}
			logger.Info().Msg("reconnected to relay")
		}
	}
}

func readTrack(t *webrtc.TrackRemote, logger zerolog.Logger, dump bool) {
	l := logger.With().
		Str("track", t.ID()).
		Str("kind", t.Kind().String()).
		Logger()
	l.Info().Str("codec", t.Codec().MimeType).Msg("remote track started")

	var packets int
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			l.Info().Int("packets", packets).Msg("remote track ended")
			return
		}
		packets++
		if dump && l.GetLevel() <= zerolog.TraceLevel {
			l.Trace().Msg(spew.Sdump(pkt.Header))
		}
	}
}

// readCommands turns stdin lines into call controls. Anything that is not
// a command goes to the chat.
func readCommands(f *os.File, machine *call.Machine, logger zerolog.Logger) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var err error
		switch line {
		case "/hangup":
			err = machine.Hangup()
		case "/reject":
			err = machine.Reject()
		case "/mute":
			err = machine.SetMicEnabled(false)
		case "/unmute":
			err = machine.SetMicEnabled(true)
		case "/camera off":
			err = machine.SetCameraEnabled(false)
		case "/camera on":
			err = machine.SetCameraEnabled(true)
		case "/share":
			err = machine.StartScreenShare(context.Background())
		case "/unshare":
			err = machine.StopScreenShare()
		default:
			_, err = machine.Chat().Send(line)
		}
		if err != nil {
			logger.Warn().Err(err).Str("command", line).Msg("command failed")
		}
	}
}
