// Package server provides configuration helpers that define runtime defaults,
// file and environment loading, and validation for the GoRelay service.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gorelay/internal/auth"
)

// Protocol field limits. Names and secrets must be at least MinFieldLength
// bytes and shorter than MaxFieldLength after trimming.
const (
	MinFieldLength = 2
	MaxFieldLength = 31
)

// RateLimitConfig defines the parameters for per-session chat rate limiting.
// A zero Burst disables the limiter.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// AuditConfig names the audit log files.
type AuditConfig struct {
	Dir      string `yaml:"dir"`
	LoginLog string `yaml:"login_log"`
	ChatLog  string `yaml:"chat_log"`
	// Archive is an optional CBOR event archive path.
	Archive string `yaml:"archive"`
}

// AuthConfig selects how the shared secret is hashed.
type AuthConfig struct {
	Algorithm string            `yaml:"algorithm"`
	HashFile  string            `yaml:"hash_file"`
	Argon2    auth.Argon2Params `yaml:"argon2"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface"`
	Instance  string `yaml:"instance"`
}

// Config holds the relay configuration.
type Config struct {
	ListenAddr      string          `yaml:"listen_addr"`
	HTTPAddr        string          `yaml:"http_addr"`
	Secret          string          `yaml:"secret"`
	LogLevel        string          `yaml:"log_level"`
	MaxConnections  int             `yaml:"max_connections"`
	AcceptDelay     time.Duration   `yaml:"accept_delay"`
	MaxLineSize     int             `yaml:"max_line_size"`
	ChunkSize       int             `yaml:"chunk_size"`
	OutboxSize      int             `yaml:"outbox_size"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Audit           AuditConfig     `yaml:"audit"`
	Auth            AuthConfig      `yaml:"auth"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
}

const (
	defaultListenAddr      = ":9000"
	defaultHTTPAddr        = ":8080"
	defaultMaxConnections  = 100
	defaultAcceptDelay     = time.Second
	defaultBufferSize      = 2082
	defaultOutboxSize      = 256
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

func defaultConfig() Config {
	return Config{
		ListenAddr:      defaultListenAddr,
		HTTPAddr:        defaultHTTPAddr,
		LogLevel:        "info",
		MaxConnections:  defaultMaxConnections,
		AcceptDelay:     defaultAcceptDelay,
		MaxLineSize:     defaultBufferSize,
		ChunkSize:       defaultBufferSize,
		OutboxSize:      defaultOutboxSize,
		WriteTimeout:    defaultWriteTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		Audit: AuditConfig{
			Dir:      ".",
			LoginLog: "login.log",
			ChatLog:  "chatting.log",
		},
		Auth: AuthConfig{
			Algorithm: auth.AlgorithmArgon2ID,
			HashFile:  "user_auth.txt",
			Argon2:    auth.DefaultArgon2Params(),
		},
	}
}

// sanitizeConfig replaces out-of-range values with defaults. A negative
// AcceptDelay becomes zero; zero is a valid setting.
func sanitizeConfig(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.AcceptDelay < 0 {
		cfg.AcceptDelay = 0
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = defaultBufferSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultBufferSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.Audit.LoginLog == "" {
		cfg.Audit.LoginLog = "login.log"
	}
	if cfg.Audit.ChatLog == "" {
		cfg.Audit.ChatLog = "chatting.log"
	}
	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = auth.AlgorithmArgon2ID
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads a YAML file over the defaults. ${VAR} references in the
// file are expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// getenv is swapped in tests.
var getenv = os.Getenv

// ApplyEnv overrides cfg with any GORELAY_* environment variables that are
// set. Values that fail to parse keep the current setting.
func ApplyEnv(cfg *Config) {
	if v := getenv("GORELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("GORELAY_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := getenv("GORELAY_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := getenv("GORELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("GORELAY_MAX_CONNECTIONS"); v != "" {
		cfg.MaxConnections = parseIntValue(v, cfg.MaxConnections)
	}
	if v := getenv("GORELAY_ACCEPT_DELAY"); v != "" {
		cfg.AcceptDelay = parseDuration(v, cfg.AcceptDelay)
	}
	if v := getenv("GORELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseOrigins(v)
	}
	if v := getenv("GORELAY_RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parseIntValue(v, cfg.RateLimit.Burst)
	}
	if v := getenv("GORELAY_RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseDuration(v, cfg.RateLimit.RefillInterval)
	}
	if v := getenv("GORELAY_AUDIT_DIR"); v != "" {
		cfg.Audit.Dir = v
	}
	if v := getenv("GORELAY_AUDIT_ARCHIVE"); v != "" {
		cfg.Audit.Archive = v
	}
	if v := getenv("GORELAY_AUTH_ALGORITHM"); v != "" {
		cfg.Auth.Algorithm = v
	}
	if v := getenv("GORELAY_DISCOVERY"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Discovery.Enabled = enabled
		}
	}
}

// Validate reports the first setting that prevents the relay from starting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1, got %d", c.MaxConnections)
	}
	switch c.Auth.Algorithm {
	case auth.AlgorithmArgon2ID, auth.AlgorithmDJB2:
	default:
		return fmt.Errorf("auth.algorithm %q: %w", c.Auth.Algorithm, auth.ErrUnknownAlgorithm)
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
