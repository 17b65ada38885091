// Package config loads process configuration from the environment and
// keeps the default cluster list, which may come from a watched file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Session store kinds accepted by SessionStore.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is decoded from the environment. Durations are milliseconds.
type Config struct {
	HTTPAddr     string `env:"MCP_HTTP_ADDR,default=:3000"`
	EndpointPath string `env:"MCP_ENDPOINT_PATH,default=/mcp"`

	InactivityTimeoutMS int64 `env:"MCP_SESSION_INACTIVITY_TIMEOUT,default=1200000"`
	MaxLifetimeMS       int64 `env:"MCP_SESSION_MAX_LIFETIME,default=86400000"`
	CleanupIntervalMS   int64 `env:"MCP_SESSION_CLEANUP_INTERVAL,default=60000"`

	LegacySSE    bool          `env:"MCP_LEGACY_SSE,default=true"`
	SessionStore string        `env:"MCP_SESSION_STORE,default=memory"`
	RedisAddr    string        `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix    string        `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	MarkerTTL    time.Duration `env:"SESSIONS_MARKER_TTL,default=25h"`
	// SigningKey is a base64 Ed25519 seed. When set, session ids are signed.
	SigningKey string `env:"MCP_SESSION_SIGNING_KEY"`

	Clusters     string `env:"ONTAP_CLUSTERS"`
	ClustersFile string `env:"ONTAP_CLUSTERS_FILE"`
	VerifyTLS    bool   `env:"ONTAP_VERIFY_TLS,default=false"`

	AuthIssuer   string `env:"MCP_AUTH_ISSUER"`
	AuthAudience string `env:"MCP_AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"MCP_AUTH_JWKS_URL"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.EndpointPath, "/") {
		return fmt.Errorf("MCP_ENDPOINT_PATH must start with '/': %q", c.EndpointPath)
	}
	if c.InactivityTimeoutMS <= 0 || c.MaxLifetimeMS <= 0 || c.CleanupIntervalMS <= 0 {
		return errors.New("session timeouts must be positive")
	}
	switch c.SessionStore {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}
	if c.SigningKey != "" {
		if _, err := c.SigningSeed(); err != nil {
			return err
		}
	}
	if (c.AuthIssuer == "") != (c.AuthAudience == "") {
		return errors.New("MCP_AUTH_ISSUER and MCP_AUTH_AUDIENCE must be set together")
	}
	return nil
}

func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMS) * time.Millisecond
}

func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeMS) * time.Millisecond
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMS) * time.Millisecond
}

// AuthEnabled reports whether bearer authentication is configured.
func (c *Config) AuthEnabled() bool { return c.AuthIssuer != "" }

// SigningSeed decodes SigningKey.
func (c *Config) SigningSeed() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("MCP_SESSION_SIGNING_KEY: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("MCP_SESSION_SIGNING_KEY: want a 32 byte seed, got %d bytes", len(b))
	}
	return b, nil
}
