package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-call/backend/config"
	"github.com/adwski/webrtc-call/backend/logging"
	httpServer "github.com/adwski/webrtc-call/backend/server/http"
	websocketServer "github.com/adwski/webrtc-call/backend/server/websocket"
	"github.com/adwski/webrtc-call/backend/service"
	store "github.com/adwski/webrtc-call/backend/storage/memory"
	sw "github.com/adwski/webrtc-call/backend/switch"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	config.RelayFlags(fs)

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

	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RoomService:    svc,
		ListenAddr:     cfg.Relay.APIListenAddr,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.Relay.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
