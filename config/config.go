// Package config carries engine-wide tunables. Values load from the
// environment via envdecode struct tags or are constructed directly in code.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// RateLimitScope selects the key space for tool rate limits.
type RateLimitScope string

const (
	// ScopeGlobal buckets by (plugin, tool) across all sessions.
	ScopeGlobal RateLimitScope = "global"
	// ScopeSession buckets by (session, plugin, tool).
	ScopeSession RateLimitScope = "session"
)

// Config is the engine configuration. The zero value is not usable; start
// from Default or FromEnv.
type Config struct {
	// ServerName and ServerVersion populate serverInfo in initialize results.
	ServerName    string `env:"MCP_SERVER_NAME,default=mcp-engine"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=0.1.0"`

	// ShutdownGrace bounds how long in-flight calls may run after shutdown
	// begins before their cancellation tokens fire.
	ShutdownGrace time.Duration `env:"MCP_SHUTDOWN_GRACE,default=5s"`

	// CallTimeout is the default deadline for a single tool call. A tool's
	// own deadline never extends past session shutdown.
	CallTimeout time.Duration `env:"MCP_CALL_TIMEOUT,default=30s"`

	// OutboundTimeout is the default deadline for server-initiated requests
	// such as sampling round trips.
	OutboundTimeout time.Duration `env:"MCP_OUTBOUND_TIMEOUT,default=60s"`

	// FailureThreshold is the number of consecutive execution failures after
	// which a plugin is moved to the Error state. Single failures stay
	// tool-level.
	FailureThreshold int `env:"MCP_PLUGIN_FAILURE_THRESHOLD,default=3"`

	// RateLimitScope is "global" or "session". The product default is global
	// per (plugin, tool); deployments that want per-session budgets opt in.
	RateLimitScope RateLimitScope `env:"MCP_RATE_LIMIT_SCOPE,default=global"`

	// RedisAddr, when set, enables the Redis notification broker instead of
	// the in-memory one. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default="`
	// RedisKeyPrefix namespaces broker keys. ENV: MCP_REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"MCP_REDIS_KEY_PREFIX,default=mcp:broker:"`
}

// Default returns the baked-in defaults without consulting the environment.
func Default() Config {
	return Config{
		ServerName:       "mcp-engine",
		ServerVersion:    "0.1.0",
		ShutdownGrace:    5 * time.Second,
		CallTimeout:      30 * time.Second,
		OutboundTimeout:  60 * time.Second,
		FailureThreshold: 3,
		RateLimitScope:   ScopeGlobal,
		RedisKeyPrefix:   "mcp:broker:",
	}
}

// FromEnv populates a Config from the environment, falling back to tag
// defaults.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config from env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive, got %s", c.ShutdownGrace)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	switch c.RateLimitScope {
	case ScopeGlobal, ScopeSession:
	default:
		return fmt.Errorf("rate limit scope must be %q or %q, got %q", ScopeGlobal, ScopeSession, c.RateLimitScope)
	}
	return nil
}
