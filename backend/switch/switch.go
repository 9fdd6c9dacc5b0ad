package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/metrics"
	"github.com/adwski/webrtc-call/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrDeadEndpoint     = errors.New("dead endpoint")
)

// Switch is the relay forwarding fabric. Every user has at most one
// endpoint; connecting again replaces the previous wire.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

// Disconnect removes the endpoint if it is still bound to wire. A stale
// disconnect after a replacing Connect is a no-op.
func (sw *Switch) Disconnect(endpoint string, wire model.Wire) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	current, ok := sw.fwd[endpoint]
	if !ok || current.TX != wire.TX {
		return false
	}
	delete(sw.fwd, endpoint)
	metrics.RelayEndpoints.Dec()
	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
	return true
}

func (sw *Switch) Connect(ctx context.Context, endpoint string, wire model.Wire, inbound func(context.Context, model.Announcement)) {
	sw.mx.Lock()
	_, replaced := sw.fwd[endpoint]
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	if !replaced {
		metrics.RelayEndpoints.Inc()
	}
	sw.logger.Debug().
		Str("endpoint", endpoint).
		Bool("replaced", replaced).
		Msg("endpoint connected")
	go sw.receiveAnnouncements(ctx, endpoint, wire.RX, inbound)
}

// IsConnected reports whether endpoint has a live wire.
func (sw *Switch) IsConnected(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

func (sw *Switch) receiveAnnouncements(ctx context.Context, endpoint string, rx <-chan model.Announcement, inbound func(context.Context, model.Announcement)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ann, ok := <-rx:
			if !ok {
				return
			}
			if ann.SRC == "" {
				sw.logger.Error().
					Str("endpoint", endpoint).
					Msg("announcement with empty src")
				metrics.RelayDropped.WithLabelValues("invalid").Inc()
				continue
			}
			inbound(ctx, ann)
		}
	}
}

// Forward delivers ann to ann.DST.
func (sw *Switch) Forward(ctx context.Context, ann model.Announcement) error {
	sw.mx.RLock()
	wire, ok := sw.fwd[ann.DST]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("type", ann.Type).
		Str("src", ann.SRC).
		Str("dst", ann.DST).Logger()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		metrics.RelayDropped.WithLabelValues("no_endpoint").Inc()
		return ErrEndpointNotFound
	}
	if !send(ctx, ann, wire.TX, &logger) {
		metrics.RelayDropped.WithLabelValues("dead_endpoint").Inc()
		return ErrDeadEndpoint
	}
	metrics.RelayForwarded.WithLabelValues(ann.Type).Inc()
	return nil
}

// Multicast delivers ann to every endpoint in dsts except the source.
func (sw *Switch) Multicast(ctx context.Context, ann model.Announcement, dsts []string) {
	var sent bool
	for _, dst := range dsts {
		if dst == ann.SRC {
			continue
		}
		ann.DST = dst
		if err := sw.Forward(ctx, ann); err == nil {
			sent = true
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("multicast did not reach anyone")
	}
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) bool {
	var sent bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- ann:
		logger.Debug().Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent
}
