// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Like delivery scopes.
const (
	LikeScopeTopic  = "topic"
	LikeScopeSender = "sender"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `envconfig:"BURST" default:"5"`
	RefillInterval time.Duration `envconfig:"REFILL_INTERVAL" default:"1s"`
}

// Config holds the relay configuration settings including security controls,
// persistence selection and fan-out behavior.
type Config struct {
	Port           string          `envconfig:"SERVER_PORT" default:":8080"`
	Env            string          `envconfig:"ENV" default:"development"`
	LogLevel       string          `envconfig:"LOG_LEVEL" default:"info"`
	AllowedOrigins []string        `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize int64           `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	RateLimit      RateLimitConfig `envconfig:"RATE_LIMIT"`

	// SendBuffer is the number of outbound frames queued per session before
	// the session is treated as a slow consumer and evicted.
	SendBuffer int `envconfig:"SEND_BUFFER" default:"256"`

	// StoreWorkers bounds concurrent persistence gateway calls.
	StoreWorkers int64         `envconfig:"STORE_WORKERS" default:"16"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	// LikeScope is "topic" to fan like updates out to the whole group, or
	// "sender" to reply to the liking session only.
	LikeScope string `envconfig:"LIKE_SCOPE" default:"topic"`

	// HistoryReplay is the number of recent messages sent to a session when
	// it joins. Zero disables replay.
	HistoryReplay int `envconfig:"HISTORY_REPLAY" default:"0"`

	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/relay.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	RedisPrefix string `envconfig:"REDIS_CHANNEL_PREFIX" default:"relay:"`
}

func defaultConfig() Config {
	return Config{
		Port:     ":8080",
		Env:      "development",
		LogLevel: "info",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SendBuffer:   256,
		StoreWorkers: 16,
		StoreTimeout: 5 * time.Second,
		LikeScope:    LikeScopeTopic,
		SQLitePath:   "./data/relay.db",
		RedisPrefix:  "relay:",
	}
}

// sanitize replaces unusable values with defaults. It returns a copy so
// callers can keep mutating their own Config.
func (c Config) sanitize() Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}

	if c.Env == "" {
		c.Env = def.Env
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}

	if c.StoreWorkers <= 0 {
		c.StoreWorkers = def.StoreWorkers
	}

	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}

	switch strings.ToLower(strings.TrimSpace(c.LikeScope)) {
	case LikeScopeSender:
		c.LikeScope = LikeScopeSender
	default:
		c.LikeScope = LikeScopeTopic
	}

	if c.HistoryReplay < 0 {
		c.HistoryReplay = 0
	}

	if c.RedisPrefix == "" {
		c.RedisPrefix = def.RedisPrefix
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads configuration from environment variables.
// In development, it loads a .env file first if one is present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	cfg = cfg.sanitize()
	return &cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
