// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the caucus service.
package server

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security controls,
// storage paths, and message retention policy.
type Config struct {
	Port            string          `env:"SERVER_PORT"`
	AllowedOrigins  []string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64           `env:"MAX_MESSAGE_SIZE"`
	IdentityDBPath  string          `env:"IDENTITY_DB_PATH"`
	MessageDBPath   string          `env:"MESSAGE_DB_PATH"`
	Retention       time.Duration   `env:"MESSAGE_RETENTION"`
	SendBufferSize  int             `env:"SEND_BUFFER_SIZE"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT"`
	RateLimit       RateLimitConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  4096,
		IdentityDBPath:  "identities.db",
		MessageDBPath:   "messages.db",
		Retention:       7 * 24 * time.Hour,
		SendBufferSize:  256,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.IdentityDBPath == "" {
		cfg.IdentityDBPath = "identities.db"
	}

	if cfg.MessageDBPath == "" {
		cfg.MessageDBPath = "messages.db"
	}

	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:            cfg.Port,
		AllowedOrigins:  append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize:  cfg.MaxMessageSize,
		IdentityDBPath:  cfg.IdentityDBPath,
		MessageDBPath:   cfg.MessageDBPath,
		Retention:       cfg.Retention,
		SendBufferSize:  cfg.SendBufferSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Unset variables keep their defaults; a malformed environment is logged and
// the defaults are kept wholesale.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		log.Printf("Invalid environment configuration, keeping defaults: %v", err)
		cfg = defaultConfig()
	}
	return &cfg
}
