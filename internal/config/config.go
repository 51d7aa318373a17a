package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PEERCALL"

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	LogLevel   string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	Secret     string        `mapstructure:"secret" validate:"required"`

	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
	Call   CallConfig   `mapstructure:"call"`
	ICE    ICEConfig    `mapstructure:"ice"`
}

// RelayConfig tunes per-connection limits on the signaling server.
type RelayConfig struct {
	SendQueue     int           `mapstructure:"send_queue" validate:"min=1"`
	RateLimit     int           `mapstructure:"rate_limit" validate:"min=1"`
	RateInterval  time.Duration `mapstructure:"rate_interval" validate:"min=1ms"`
	DropTolerance int           `mapstructure:"drop_tolerance" validate:"min=0"`
}

type ClientConfig struct {
	SignalURL    string        `mapstructure:"signal_url" validate:"required,url"`
	UserID       string        `mapstructure:"user_id" validate:"max=36"`
	RedialMax    time.Duration `mapstructure:"redial_max" validate:"min=100ms"`
	AutoAnswer   bool          `mapstructure:"auto_answer"`
	AnswerWithin time.Duration `mapstructure:"answer_within"`
}

type CallConfig struct {
	DisconnectTimeout        time.Duration `mapstructure:"disconnect_timeout" validate:"min=1s"`
	RingTimeout              time.Duration `mapstructure:"ring_timeout" validate:"min=0"`
	MaxRenegotiationFailures int           `mapstructure:"max_renegotiation_failures" validate:"min=0"`
}

type ICEConfig struct {
	Servers             []ICEServer   `mapstructure:"servers" validate:"dive"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout" validate:"min=1s"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout" validate:"min=1s"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval" validate:"min=100ms"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls" validate:"min=1,dive,required"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// WebRTC converts the configured servers for pion.
func (c ICEConfig) WebRTC() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "peercall-dev-secret")

	v.SetDefault("relay.send_queue", 32)
	v.SetDefault("relay.rate_limit", 50)
	v.SetDefault("relay.rate_interval", "1s")
	v.SetDefault("relay.drop_tolerance", 0)

	v.SetDefault("client.signal_url", "ws://localhost:8080/ws")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.redial_max", "10s")
	v.SetDefault("client.auto_answer", false)
	v.SetDefault("client.answer_within", "0s")

	v.SetDefault("call.disconnect_timeout", "5s")
	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.max_renegotiation_failures", 3)

	v.SetDefault("ice.servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
		{"urls": []string{"stun:stun1.l.google.com:19302"}},
	})
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.keepalive_interval", "2s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev when unset), then applies
// PEERCALL_* environment variables and any flags bound from flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), flags)
}

// LoadFile is Load with an explicit file. A missing file means defaults.
func LoadFile(fileName string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"port":         "port",
	"mode":         "mode",
	"log-level":    "log_level",
	"server":       "client.signal_url",
	"id":           "client.user_id",
	"auto-answer":  "client.auto_answer",
	"ring-timeout": "call.ring_timeout",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
