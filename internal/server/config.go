// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls,
// the room set, and collaborator settings (database path, encryption key).
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// AuthTimeout bounds the authentication and room-selection reads; the
	// steady-state receive loop is only bounded by the keepalive deadline.
	AuthTimeout  time.Duration
	WriteTimeout time.Duration

	// Rooms is the fixed room set. When DynamicRooms is set, unknown rooms
	// are created on demand instead of mapping to the default room.
	Rooms        []string
	DynamicRooms bool
	HistoryLimit int

	DatabasePath string
	SecretKey    string
	AllowDevKey  bool
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
		Host: "",
		Port: 5555,
		AllowedOrigins: []string{
			"http://localhost:5555",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		AuthTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Rooms:        []string{"general", "random", "support"},
		HistoryLimit: 100,
		DatabasePath: "chat_app.db",
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 5555
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 30 * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	if len(cfg.Rooms) == 0 {
		cfg.Rooms = defaultConfig().Rooms
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "chat_app.db"
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

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitized.Rooms = append([]string(nil), cfg.Rooms...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.Rooms = append([]string(nil), cfg.Rooms...)
	return cfg
}

// Addr returns the host:port bind address for the listener.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// DefaultRoom returns the room unknown selections map to.
func (c *Config) DefaultRoom() string {
	if len(c.Rooms) == 0 {
		return "general"
	}
	return c.Rooms[0]
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from CHAT_* environment
// variables, falling back to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if host, ok := os.LookupEnv("CHAT_HOST"); ok {
		cfg.Host = host
	}

	if port := os.Getenv("CHAT_PORT"); port != "" {
		cfg.Port = parseIntValue(port, cfg.Port)
	}

	if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if maxSize := os.Getenv("CHAT_MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("CHAT_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("CHAT_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if timeout := os.Getenv("CHAT_AUTH_TIMEOUT"); timeout != "" {
		cfg.AuthTimeout = parseSeconds(timeout, cfg.AuthTimeout)
	}

	if rooms := os.Getenv("CHAT_ROOMS"); rooms != "" {
		cfg.Rooms = splitAndTrim(rooms)
	}

	if limit := os.Getenv("CHAT_HISTORY_LIMIT"); limit != "" {
		cfg.HistoryLimit = parseIntValue(limit, cfg.HistoryLimit)
	}

	if path := os.Getenv("CHAT_DB_PATH"); path != "" {
		cfg.DatabasePath = path
	}

	if key := os.Getenv("CHAT_SECRET_KEY"); key != "" {
		cfg.SecretKey = key
	}

	if os.Getenv("CHAT_DYNAMIC_ROOMS") == "1" {
		cfg.DynamicRooms = true
	}

	if os.Getenv("CHAT_ALLOW_DEV_KEY") == "1" {
		cfg.AllowDevKey = true
	}

	return &cfg
}

func splitAndTrim(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
