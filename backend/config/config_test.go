package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPeerDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	PeerFlags(fs)

	cfg, err := Load(fs, []string{"--env-file", ""})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "ws://localhost:8888", cfg.Peer.RelayURL)
	assert.Equal(t, 30*time.Second, cfg.Peer.RingTimeout)
	assert.Equal(t, 7*time.Second, cfg.Peer.RelayReadTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Peer.ICEServers)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("WEBRTC_CALL_PEER_USER_ID", "from-env")
	t.Setenv("WEBRTC_CALL_PEER_RING_TIMEOUT", "5s")

	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	PeerFlags(fs)

	cfg, err := Load(fs, []string{"--env-file", "", "--user-id", "from-flag", "--role", "caller"})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Peer.UserID)
	assert.Equal(t, "caller", cfg.Peer.Role)
	assert.Equal(t, 5*time.Second, cfg.Peer.RingTimeout)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("WEBRTC_CALL_RELAY_WS_LISTEN_ADDR=:9999\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("WEBRTC_CALL_RELAY_WS_LISTEN_ADDR") })

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	RelayFlags(fs)

	cfg, err := Load(fs, []string{"--env-file", envFile})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Relay.WSListenAddr)
	assert.Equal(t, ":8080", cfg.Relay.APIListenAddr)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	RelayFlags(fs)

	_, err := Load(fs, []string{"--env-file", filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
}

func TestLoadBadFlag(t *testing.T) {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	RelayFlags(fs)

	_, err := Load(fs, []string{"--no-such-flag"})
	require.ErrorIs(t, err, ErrParseFlags)
}
