// Package config loads settings of the relay and peer binaries from flags,
// environment (WEBRTC_CALL_ prefix), an optional .env file and an optional
// config file.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "WEBRTC_CALL"

var (
	ErrParseFlags = errors.New("failed to parse command line arguments")
	ErrReadConfig = errors.New("failed to read config")
	ErrEnvFile    = errors.New("failed to load env file")
)

type Config struct {
	LogLevel string      `mapstructure:"log_level"`
	Relay    RelayConfig `mapstructure:"relay"`
	Peer     PeerConfig  `mapstructure:"peer"`
}

type RelayConfig struct {
	APIListenAddr  string   `mapstructure:"api_listen_addr"`
	WSListenAddr   string   `mapstructure:"ws_listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PeerConfig struct {
	RelayURL           string        `mapstructure:"relay_url"`
	RelayReadTimeout   time.Duration `mapstructure:"relay_read_timeout"`
	APIBaseURL         string        `mapstructure:"api_base_url"`
	APIToken           string        `mapstructure:"api_token"`
	UserID             string        `mapstructure:"user_id"`
	Role               string        `mapstructure:"role"`
	CallTo             string        `mapstructure:"call_to"`
	ChatID             string        `mapstructure:"chat_id"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	Devices            bool          `mapstructure:"devices"`
	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	DisconnectTimeout  time.Duration `mapstructure:"disconnect_timeout"`
	DumpFrames         bool          `mapstructure:"dump_frames"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":           "log_level",
	"api-listen-addr":     "relay.api_listen_addr",
	"ws-listen-addr":      "relay.ws_listen_addr",
	"allowed-origins":     "relay.allowed_origins",
	"relay-url":           "peer.relay_url",
	"relay-read-timeout":  "peer.relay_read_timeout",
	"api-base-url":        "peer.api_base_url",
	"api-token":           "peer.api_token",
	"user-id":             "peer.user_id",
	"role":                "peer.role",
	"call-to":             "peer.call_to",
	"chat-id":             "peer.chat_id",
	"ice-servers":         "peer.ice_servers",
	"devices":             "peer.devices",
	"ring-timeout":        "peer.ring_timeout",
	"negotiation-timeout": "peer.negotiation_timeout",
	"disconnect-timeout":  "peer.disconnect_timeout",
	"dump-frames":         "peer.dump_frames",
}

// CommonFlags registers flags shared by both binaries.
func CommonFlags(fs *pflag.FlagSet) {
	fs.StringP("log-level", "l", "debug", "log level")
	fs.StringP("config", "c", "", "path to config file")
	fs.String("env-file", ".env", "optional dotenv file")
}

func RelayFlags(fs *pflag.FlagSet) {
	CommonFlags(fs)
	fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
	fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
	fs.StringSlice("allowed-origins", nil, "CORS allowed origins")
}

func PeerFlags(fs *pflag.FlagSet) {
	CommonFlags(fs)
	fs.StringP("relay-url", "r", "ws://localhost:8888", "signaling relay base url")
	fs.Duration("relay-read-timeout", 7*time.Second, "how long the relay may stay silent before the connection is dropped")
	fs.String("api-base-url", "", "REST backend base url (profile lookup)")
	fs.String("api-token", "", "REST backend bearer token")
	fs.StringP("user-id", "u", "", "own user id")
	fs.String("role", "callee", "caller or callee")
	fs.String("call-to", "", "user id to call (caller role)")
	fs.String("chat-id", "", "chat id linked to the call")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "ICE server urls")
	fs.Bool("devices", false, "capture real camera/microphone")
	fs.Duration("ring-timeout", 30*time.Second, "how long to ring before giving up")
	fs.Duration("negotiation-timeout", 20*time.Second, "upper bound for reaching connected state")
	fs.Duration("disconnect-timeout", 10*time.Second, "how long a disconnected link may recover")
	fs.Bool("dump-frames", false, "dump headers of received RTP packets at trace level")
}

// Load parses args into fs and merges flags, environment and files into a Config.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrParseFlags, err)
	}

	if f := fs.Lookup("env-file"); f != nil && f.Value.String() != "" {
		if err := godotenv.Load(f.Value.String()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(ErrEnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(ErrReadConfig, err)
		}
	}

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Join(ErrReadConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Join(ErrReadConfig, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "debug")

	v.SetDefault("relay.api_listen_addr", ":8080")
	v.SetDefault("relay.ws_listen_addr", ":8888")
	v.SetDefault("relay.allowed_origins", []string{})

	v.SetDefault("peer.relay_url", "ws://localhost:8888")
	v.SetDefault("peer.relay_read_timeout", "7s")
	v.SetDefault("peer.api_base_url", "")
	v.SetDefault("peer.api_token", "")
	v.SetDefault("peer.user_id", "")
	v.SetDefault("peer.role", "callee")
	v.SetDefault("peer.call_to", "")
	v.SetDefault("peer.chat_id", "")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.devices", false)
	v.SetDefault("peer.ring_timeout", "30s")
	v.SetDefault("peer.negotiation_timeout", "20s")
	v.SetDefault("peer.disconnect_timeout", "10s")
	v.SetDefault("peer.dump_frames", false)
}
