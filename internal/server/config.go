// Package server provides configuration helpers that define runtime defaults,
// validation, and layered file, environment and flag loading for the chat service.
package server

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/room"
)

// ConfigPathEnv names the environment variable holding an optional config
// file path.
const ConfigPathEnv = "CHAT_CONFIG"

// RateLimitConfig defines the parameters for per-session chat rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst" env:"BURST"`
	RefillInterval time.Duration `mapstructure:"refill_interval" env:"REFILL_INTERVAL"`
}

// Config holds the server configuration.
type Config struct {
	// Addr is the TCP listen address for the framed protocol.
	Addr string `mapstructure:"addr" env:"CHAT_ADDR"`
	// WebSocketAddr enables the WebSocket gateway when non-empty.
	WebSocketAddr string `mapstructure:"ws_addr" env:"CHAT_WS_ADDR"`

	Capacity     int `mapstructure:"capacity" env:"CHAT_CAPACITY"`
	HistoryLimit int `mapstructure:"history_limit" env:"CHAT_HISTORY_LIMIT"`

	IdleTimeout     time.Duration `mapstructure:"idle_timeout" env:"CHAT_IDLE_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" env:"CHAT_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" env:"CHAT_SHUTDOWN_TIMEOUT"`

	// MaxRecordSize bounds inbound record bodies in bytes.
	MaxRecordSize int `mapstructure:"max_record_size" env:"CHAT_MAX_RECORD_SIZE"`
	// SendQueueSize is the per-session outbound queue length. A member whose
	// queue is full when a broadcast arrives is evicted.
	SendQueueSize int `mapstructure:"send_queue_size" env:"CHAT_SEND_QUEUE_SIZE"`

	RateLimit      RateLimitConfig `mapstructure:"rate_limit" envPrefix:"CHAT_RATE_LIMIT_"`
	AllowedOrigins []string        `mapstructure:"allowed_origins" env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel     string `mapstructure:"log_level" env:"CHAT_LOG_LEVEL"`
	OTelEndpoint string `mapstructure:"otel_endpoint" env:"CHAT_OTEL_ENDPOINT"`
}

func defaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:18000",
		Capacity:        room.DefaultCapacity,
		HistoryLimit:    500,
		IdleTimeout:     5 * time.Minute,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxRecordSize:   protocol.DefaultMaxRecordSize,
		SendQueueSize:   64,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		AllowedOrigins: []string{
			"http://localhost:18080",
			"http://127.0.0.1:18080",
		},
		LogLevel: "info",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	cfg.WebSocketAddr = strings.TrimSpace(cfg.WebSocketAddr)

	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxRecordSize <= 0 || cfg.MaxRecordSize > protocol.MaxBodySize {
		cfg.MaxRecordSize = def.MaxRecordSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	return cfg
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from CHAT_* environment variables,
// falling back to defaults for anything unset.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// ParseConfig builds the configuration from, in increasing precedence:
// defaults, the optional config file (-config or CHAT_CONFIG), CHAT_*
// environment variables and command-line flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, fmt.Errorf("flag parser is required")
	}

	configPath := os.Getenv(ConfigPathEnv)
	var flagged Config
	var origins string
	fs.StringVar(&configPath, "config", configPath, "path to a JSON, YAML or TOML config file")
	fs.StringVar(&flagged.Addr, "addr", "", "TCP listen address")
	fs.StringVar(&flagged.WebSocketAddr, "ws-addr", "", "WebSocket gateway listen address (empty disables it)")
	fs.IntVar(&flagged.Capacity, "capacity", 0, "maximum number of joined members")
	fs.IntVar(&flagged.HistoryLimit, "history-limit", 0, "retained history entries (0 keeps all)")
	fs.DurationVar(&flagged.IdleTimeout, "idle-timeout", 0, "close sessions idle for this long")
	fs.StringVar(&origins, "allowed-origins", "", "comma separated WebSocket origins")
	fs.StringVar(&flagged.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&flagged.OTelEndpoint, "otel-endpoint", "", "OTLP/HTTP trace endpoint")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if strings.TrimSpace(configPath) != "" {
		if err := readConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = flagged.Addr
		case "ws-addr":
			cfg.WebSocketAddr = flagged.WebSocketAddr
		case "capacity":
			cfg.Capacity = flagged.Capacity
		case "history-limit":
			cfg.HistoryLimit = flagged.HistoryLimit
		case "idle-timeout":
			cfg.IdleTimeout = flagged.IdleTimeout
		case "allowed-origins":
			cfg.AllowedOrigins = parseOrigins(origins)
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		case "otel-endpoint":
			cfg.OTelEndpoint = flagged.OTelEndpoint
		}
	})

	return sanitizeConfig(cfg), nil
}

func readConfigFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
