// Package config resolves codesync endpoints and tuning once, at process
// start. Core packages receive the resulting values explicitly and never read
// the environment themselves.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DefaultLanguage          = "python"
	DefaultDebounce          = 600 * time.Millisecond
	DefaultCompletionTimeout = 10 * time.Second
)

var ErrInvalid = errors.New("config: invalid")

// Endpoints is one deployment's pair of HTTP and websocket base URLs.
type Endpoints struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// Known deployment endpoint sets. Production has no built-in host and must
// be supplied by file or environment.
var DefaultEndpoints = map[string]Endpoints{
	EnvDevelopment: {
		BaseURL: "http://localhost:8000",
		WSURL:   "ws://localhost:8000/ws",
	},
	EnvProduction: {},
}

// Config is the client-side configuration for a room session.
type Config struct {
	Env string `toml:"env"`

	// Empty fields are filled from DefaultEndpoints[Env].
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`

	Language          string        `toml:"language"`
	Debounce          time.Duration `toml:"debounce"`
	CompletionTimeout time.Duration `toml:"completion_timeout"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Env:               EnvDevelopment,
		Language:          DefaultLanguage,
		Debounce:          DefaultDebounce,
		CompletionTimeout: DefaultCompletionTimeout,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds a Config from defaults, an optional TOML file and CODESYNC_*
// environment overrides, in that order, then resolves and validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.Env = strings.ToLower(EnvString("CODESYNC_ENV", cfg.Env))
	cfg.BaseURL = EnvString("CODESYNC_BASE_URL", cfg.BaseURL)
	cfg.WSURL = EnvString("CODESYNC_WS_URL", cfg.WSURL)
	cfg.Language = EnvString("CODESYNC_LANGUAGE", cfg.Language)
	cfg.Debounce = EnvDuration("CODESYNC_DEBOUNCE", cfg.Debounce)
	cfg.CompletionTimeout = EnvDuration("CODESYNC_COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	cfg.LogLevel = EnvString("CODESYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("CODESYNC_LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve fills missing endpoints from the selected deployment and applies
// defaults to zero-valued tuning fields.
func (c *Config) Resolve() error {
	if c.Env == "" {
		c.Env = EnvDevelopment
	}
	eps, ok := DefaultEndpoints[c.Env]
	if !ok {
		return fmt.Errorf("%w: unknown env %q", ErrInvalid, c.Env)
	}
	if c.BaseURL == "" {
		c.BaseURL = eps.BaseURL
	}
	if c.WSURL == "" {
		c.WSURL = eps.WSURL
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	return c.Validate()
}

// Validate checks that both endpoints are usable absolute URLs.
func (c Config) Validate() error {
	if err := checkURL(c.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: base_url: %v", ErrInvalid, err)
	}
	if err := checkURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: ws_url: %v", ErrInvalid, err)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("missing")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

// RelayConfig configures the reference relay server.
type RelayConfig struct {
	Addr          string        `toml:"addr"`
	DBPath        string        `toml:"db_path"`
	FlushInterval time.Duration `toml:"flush_interval"`
	RedisAddr     string        `toml:"redis_addr"`

	MessagesPerSecond float64 `toml:"messages_per_second"`
	MessageBurst      int     `toml:"message_burst"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// DefaultRelay returns the relay defaults used for local development.
func DefaultRelay() RelayConfig {
	return RelayConfig{
		Addr:              ":8000",
		DBPath:            "./data/codesync.db",
		FlushInterval:     5 * time.Second,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// LoadRelay mirrors Load for the relay, using RELAY_* overrides.
func LoadRelay(path string) (RelayConfig, error) {
	cfg := DefaultRelay()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return RelayConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.Addr = EnvString("RELAY_ADDR", cfg.Addr)
	cfg.DBPath = EnvString("RELAY_DB_PATH", cfg.DBPath)
	cfg.FlushInterval = EnvDuration("RELAY_FLUSH_INTERVAL", cfg.FlushInterval)
	cfg.RedisAddr = EnvString("RELAY_REDIS_ADDR", cfg.RedisAddr)
	cfg.MessagesPerSecond = EnvFloat("RELAY_MESSAGES_PER_SECOND", cfg.MessagesPerSecond)
	cfg.MessageBurst = EnvInt("RELAY_MESSAGE_BURST", cfg.MessageBurst)
	cfg.LogLevel = EnvString("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("RELAY_LOG_FORMAT", cfg.LogFormat)

	if cfg.Addr == "" {
		return RelayConfig{}, fmt.Errorf("%w: relay addr", ErrInvalid)
	}
	return cfg, nil
}
