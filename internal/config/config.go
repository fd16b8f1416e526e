package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Telecall/internal/app/call"
	"github.com/dkeye/Telecall/internal/app/conn"
)

type Agent struct {
	Port             int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	APIURL           string        `mapstructure:"api_url" validate:"required,url"`
	SocketURL        string        `mapstructure:"socket_url" validate:"required,url"`
	SessionSecret    string        `mapstructure:"session_secret" validate:"required,min=16"`
	SecureCookie     bool          `mapstructure:"secure_cookie"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer" validate:"gte=0"`
	InboundBuffer    int           `mapstructure:"inbound_buffer" validate:"gte=0"`
	ICEServers       []string      `mapstructure:"ice_servers"`
}

// RelayUser is a token the development relay accepts and the user it maps to.
type RelayUser struct {
	Token string `mapstructure:"token" validate:"required"`
	ID    string `mapstructure:"id" validate:"required,max=64"`
	Name  string `mapstructure:"name" validate:"max=64"`
	Image string `mapstructure:"image"`
}

type RelayRoom struct {
	ID     string `mapstructure:"id"`
	First  string `mapstructure:"first" validate:"required"`
	Second string `mapstructure:"second" validate:"required,nefield=First"`
}

type Relay struct {
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadLimit    int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendBuffer   int           `mapstructure:"send_buffer" validate:"gt=0"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"gte=0"`
	ChatRate     int           `mapstructure:"chat_rate" validate:"gt=0"`
	ChatWindow   time.Duration `mapstructure:"chat_window" validate:"gt=0"`
	Kick         bool          `mapstructure:"kick_on_backpressure"`
	Users        []RelayUser   `mapstructure:"users" validate:"dive"`
	Rooms        []RelayRoom   `mapstructure:"rooms" validate:"dive"`
}

type Chat struct {
	MaxMessages int `mapstructure:"max_messages" validate:"gt=0"`
}

type Config struct {
	Mode      string       `mapstructure:"mode" validate:"oneof=debug release test"`
	LogLevel  string       `mapstructure:"log_level"`
	Agent     Agent        `mapstructure:"agent"`
	Relay     Relay        `mapstructure:"relay"`
	Call      call.Options `mapstructure:"call"`
	Chat      Chat         `mapstructure:"chat"`
	Reconnect conn.Backoff `mapstructure:"reconnect"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Loader reads the YAML file picked by CONFIG_ENV, CONFIG_FILE or --config,
// with TELECALL_* environment variables and flags on top.
type Loader struct {
	v    *viper.Viper
	file string
}

func NewLoader(args []string) (*Loader, error) {
	fs := pflag.NewFlagSet("telecall", pflag.ContinueOnError)
	fs.String("config", "", "path to the YAML config file")
	fs.String("mode", "", "debug | release")
	fs.String("log-level", "", "zerolog level")
	fs.Int("agent-port", 0, "agent HTTP port")
	fs.String("api-url", "", "chat backend base URL")
	fs.String("socket-url", "", "signaling socket URL")
	fs.Int("relay-port", 0, "relay HTTP port")
	fs.String("conflict-policy", "", "reject | queue | replace")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		fileName = f
	}
	if f, _ := fs.GetString("config"); f != "" {
		fileName = f
	}
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("TELECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("agent.api_url", "TELECALL_AGENT_API_URL", "NEXT_PUBLIC_API_URL")
	_ = v.BindEnv("agent.socket_url", "TELECALL_AGENT_SOCKET_URL", "NEXT_PUBLIC_SOCKET_URL")

	for key, flag := range map[string]string{
		"mode":                 "mode",
		"log_level":            "log-level",
		"agent.port":           "agent-port",
		"agent.api_url":        "api-url",
		"agent.socket_url":     "socket-url",
		"relay.port":           "relay-port",
		"call.conflict_policy": "conflict-policy",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}
	return &Loader{v: v, file: fileName}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("agent.port", 7070)
	v.SetDefault("agent.api_url", "http://localhost:8080/api")
	v.SetDefault("agent.socket_url", "ws://localhost:8080/ws")
	v.SetDefault("agent.session_secret", "telecall-dev-session-secret")
	v.SetDefault("agent.ping_period", "30s")
	v.SetDefault("agent.handshake_timeout", "10s")
	v.SetDefault("agent.request_timeout", "10s")
	v.SetDefault("agent.send_buffer", 256)
	v.SetDefault("agent.inbound_buffer", 64)
	v.SetDefault("agent.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.send_buffer", 32)
	v.SetDefault("relay.history_limit", 1000)
	v.SetDefault("relay.chat_rate", 20)
	v.SetDefault("relay.chat_window", "10s")
	v.SetDefault("relay.kick_on_backpressure", false)

	v.SetDefault("call.incoming_timeout", "30s")
	v.SetDefault("call.outgoing_timeout", "60s")
	v.SetDefault("call.conflict_policy", "reject")
	v.SetDefault("call.queue_limit", 4)

	v.SetDefault("chat.max_messages", 500)

	v.SetDefault("reconnect.initial", "1s")
	v.SetDefault("reconnect.max", "30s")
	v.SetDefault("reconnect.multiplier", 2.0)
}

// Load decodes and validates the current settings.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := l.v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("invalid config: %s: %w", verrs[0].Namespace(), err)
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch calls onChange with the freshly decoded config each time the file
// is written. Invalid edits are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) File() string { return l.file }

// Load is NewLoader followed by Loader.Load.
func Load(args []string) (*Config, error) {
	l, err := NewLoader(args)
	if err != nil {
		return nil, err
	}
	return l.Load()
}
