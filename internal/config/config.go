// Package config loads settings for both binaries. Values come from, in
// increasing priority: built-in defaults, an optional YAML file, a .env
// file, CIVIC_* environment variables and command-line flags bound by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/civicpulse/realtime/internal/realtime"
)

// EnvPrefix is prepended to every environment variable, so realtime.host
// is read from CIVIC_REALTIME_HOST.
const EnvPrefix = "CIVIC"

type Config struct {
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
	Relay    RelayConfig    `mapstructure:"relay"`
}

type RealtimeConfig struct {
	Host              string        `mapstructure:"host" validate:"required"`
	Secure            bool          `mapstructure:"secure"`
	Path              string        `mapstructure:"path" validate:"required,startswith=/"`
	AutoConnect       bool          `mapstructure:"auto_connect"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" validate:"gte=0"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay" validate:"gte=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// Connection converts the section into a realtime.Config.
func (r RealtimeConfig) Connection() realtime.Config {
	return realtime.Config{
		Host:              r.Host,
		Secure:            r.Secure,
		Path:              r.Path,
		AutoConnect:       r.AutoConnect,
		ReconnectAttempts: r.ReconnectAttempts,
		ReconnectDelay:    r.ReconnectDelay,
		MaxReconnectDelay: r.MaxReconnectDelay,
		HeartbeatInterval: r.HeartbeatInterval,
		DialTimeout:       r.DialTimeout,
		WriteTimeout:      r.WriteTimeout,
	}
}

// AuthConfig holds the client bearer token and the relay signing secret.
type AuthConfig struct {
	Token  string `mapstructure:"token"`
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer" validate:"required"`
}

type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Driver    string        `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN       string        `mapstructure:"dsn" validate:"required_if=Enabled true"`
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

type MetricsConfig struct {
	// Addr is where the client serves /metrics. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type RelayConfig struct {
	Addr          string        `mapstructure:"addr" validate:"required"`
	Path          string        `mapstructure:"path" validate:"required,startswith=/"`
	AdminToken    string        `mapstructure:"admin_token"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisChannel  string        `mapstructure:"redis_channel" validate:"required_with=RedisAddr"`
	PresenceTTL   time.Duration `mapstructure:"presence_ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	RateLimit     float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst     int           `mapstructure:"rate_burst" validate:"gt=0"`
}

// SetDefaults registers every key with its default value. AutomaticEnv
// only resolves keys viper already knows, so this must run before Load.
func SetDefaults(v *viper.Viper) {
	rt := realtime.DefaultConfig()
	v.SetDefault("realtime.host", "localhost:3001")
	v.SetDefault("realtime.secure", false)
	v.SetDefault("realtime.path", rt.Path)
	v.SetDefault("realtime.auto_connect", rt.AutoConnect)
	v.SetDefault("realtime.reconnect_attempts", rt.ReconnectAttempts)
	v.SetDefault("realtime.reconnect_delay", rt.ReconnectDelay)
	v.SetDefault("realtime.max_reconnect_delay", rt.MaxReconnectDelay)
	v.SetDefault("realtime.heartbeat_interval", rt.HeartbeatInterval)
	v.SetDefault("realtime.dial_timeout", rt.DialTimeout)
	v.SetDefault("realtime.write_timeout", rt.WriteTimeout)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "civic-platform")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.dsn", "./civic-journal.db")
	v.SetDefault("journal.retention", 7*24*time.Hour)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("relay.addr", ":3001")
	v.SetDefault("relay.path", "/ws")
	v.SetDefault("relay.admin_token", "")
	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("relay.redis_channel", "civic:realtime")
	v.SetDefault("relay.presence_ttl", 90*time.Second)
	v.SetDefault("relay.sweep_interval", 30*time.Second)
	v.SetDefault("relay.rate_limit", 20.0)
	v.SetDefault("relay.rate_burst", 40)
}

// Load reads the configuration into a Config. When file is empty, civic.yaml
// is looked up in the working directory and $HOME/.config/civic and its
// absence is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", file, err)
		}
	} else {
		v.SetConfigName("civic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/civic")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are given) without overriding the real environment. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateClient checks the sections the realtime client uses.
func (c *Config) ValidateClient() error {
	return validateSections(c.Realtime, c.Journal, c.Log)
}

// ValidateRelay checks the sections the relay server uses, including the
// signing secret.
func (c *Config) ValidateRelay() error {
	if len(c.Auth.Secret) < 16 {
		return errors.New("config: auth.secret must be at least 16 bytes (CIVIC_AUTH_SECRET)")
	}
	return validateSections(c.Auth, c.Relay, c.Log)
}

func validateSections(sections ...any) error {
	for _, s := range sections {
		if err := validate.Struct(s); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				fields := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
				}
				return fmt.Errorf("config: invalid %s", strings.Join(fields, ", "))
			}
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
