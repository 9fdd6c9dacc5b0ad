package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferedWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Announcement, 4),
		TX: make(chan model.Announcement, 4),
	}
}

func TestSwitch_Forward(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := bufferedWire()
	sw.Connect(ctx, "bob", bob, func(context.Context, model.Announcement) {})

	err := sw.Forward(ctx, model.Announcement{Type: "signal", SRC: "alice", DST: "bob"})
	require.NoError(t, err)
	got := <-bob.TX
	assert.Equal(t, "alice", got.SRC)

	err = sw.Forward(ctx, model.Announcement{Type: "signal", SRC: "alice", DST: "carol"})
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestSwitch_DeadEndpoint(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Connect(ctx, "bob", model.NewWire(), func(context.Context, model.Announcement) {})
	err := sw.Forward(ctx, model.Announcement{Type: "signal", SRC: "alice", DST: "bob"})
	assert.ErrorIs(t, err, ErrDeadEndpoint)
}

func TestSwitch_ReplaceAndStaleDisconnect(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := bufferedWire(), bufferedWire()
	sw.Connect(ctx, "bob", first, func(context.Context, model.Announcement) {})
	sw.Connect(ctx, "bob", second, func(context.Context, model.Announcement) {})

	assert.False(t, sw.Disconnect("bob", first))
	assert.True(t, sw.IsConnected("bob"))

	require.NoError(t, sw.Forward(ctx, model.Announcement{Type: "signal", SRC: "alice", DST: "bob"}))
	assert.Len(t, second.TX, 1)
	assert.Empty(t, first.TX)

	assert.True(t, sw.Disconnect("bob", second))
	assert.False(t, sw.IsConnected("bob"))
}

func TestSwitch_MulticastSkipsSource(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, bob := bufferedWire(), bufferedWire()
	sw.Connect(ctx, "alice", alice, func(context.Context, model.Announcement) {})
	sw.Connect(ctx, "bob", bob, func(context.Context, model.Announcement) {})

	sw.Multicast(ctx, model.Announcement{Type: "newMessage", SRC: "alice"}, []string{"alice", "bob"})
	assert.Empty(t, alice.TX)
	require.Len(t, bob.TX, 1)
	assert.Equal(t, "bob", (<-bob.TX).DST)
}

func TestSwitch_InboundDropsEmptySource(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan model.Announcement, 2)
	wire := bufferedWire()
	sw.Connect(ctx, "alice", wire, func(_ context.Context, ann model.Announcement) { got <- ann })

	wire.RX <- model.Announcement{Type: "signal"}
	wire.RX <- model.Announcement{Type: "signal", SRC: "alice"}

	select {
	case ann := <-got:
		assert.Equal(t, "alice", ann.SRC)
	case <-time.After(time.Second):
		t.Fatal("inbound announcement was not delivered")
	}
	assert.Empty(t, got)
}
