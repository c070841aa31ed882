package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	// Server
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Presence
	AwayThresholdSeconds       int  `yaml:"away_threshold_seconds"`
	DeadThresholdSeconds       int  `yaml:"dead_threshold_seconds"`
	HeartbeatIntervalSeconds   int  `yaml:"heartbeat_interval_seconds"`
	IncludeAnonymousInSnapshot bool `yaml:"include_anonymous_in_snapshot"`

	// Transport
	MaxConns int `yaml:"max_conns"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Persistence
	RedisAddr          string `yaml:"redis_addr"`
	PresenceTTLSeconds int    `yaml:"presence_ttl_seconds"`

	// Rate limiting (requests per second)
	RateLimitAPI rate.Limit `yaml:"rate_limit_api"`
	RateLimitWS  rate.Limit `yaml:"rate_limit_ws"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		ListenAddr:               ":8080",
		AllowedOrigins:           []string{"http://localhost:3000"},
		AwayThresholdSeconds:     30,
		DeadThresholdSeconds:     90,
		HeartbeatIntervalSeconds: 10,
		PresenceTTLSeconds:       300,
		RateLimitAPI:             10,
		RateLimitWS:              5,
	}
}

// Load reads configuration from the YAML file at path (skipped when
// path is empty) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AwayThreshold returns the idle duration after which a connection is
// marked away. Zero disables the away transition.
func (c *Config) AwayThreshold() time.Duration {
	return time.Duration(c.AwayThresholdSeconds) * time.Second
}

// DeadThreshold returns the idle duration after which a connection is
// evicted.
func (c *Config) DeadThreshold() time.Duration {
	return time.Duration(c.DeadThresholdSeconds) * time.Second
}

// HeartbeatInterval returns how often the monitor sweeps.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// PresenceTTL returns the expiry applied to durable presence rows.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitOrigins(origins)
	}
	if v, ok := envInt("AWAY_THRESHOLD_SECONDS"); ok {
		c.AwayThresholdSeconds = v
	}
	if v, ok := envInt("DEAD_THRESHOLD_SECONDS"); ok {
		c.DeadThresholdSeconds = v
	}
	if v, ok := envInt("HEARTBEAT_INTERVAL_SECONDS"); ok {
		c.HeartbeatIntervalSeconds = v
	}
	if v := os.Getenv("INCLUDE_ANONYMOUS_IN_SNAPSHOT"); v != "" {
		c.IncludeAnonymousInSnapshot = v == "true" || v == "1"
	}
	if v, ok := envInt("MAX_CONNS"); ok {
		c.MaxConns = v
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWTSecret = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
	if v, ok := envInt("PRESENCE_TTL_SECONDS"); ok {
		c.PresenceTTLSeconds = v
	}
	if v, ok := envInt("RATE_LIMIT_API"); ok {
		c.RateLimitAPI = rate.Limit(v)
	}
	if v, ok := envInt("RATE_LIMIT_WS"); ok {
		c.RateLimitWS = rate.Limit(v)
	}
}

func (c *Config) validate() error {
	if c.DeadThresholdSeconds <= 0 {
		return fmt.Errorf("config: dead_threshold_seconds must be positive")
	}
	if c.AwayThresholdSeconds < 0 {
		return fmt.Errorf("config: away_threshold_seconds must not be negative")
	}
	if c.AwayThresholdSeconds > 0 && c.AwayThresholdSeconds >= c.DeadThresholdSeconds {
		return fmt.Errorf("config: away_threshold_seconds must be below dead_threshold_seconds")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config: heartbeat_interval_seconds must be positive")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// splitOrigins parses comma-separated origins.
func splitOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
