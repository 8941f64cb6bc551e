// SPDX-License-Identifier: MIT

// Package config loads broker configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"time"
)

// AppConfig holds the runtime configuration of the broker daemon.
type AppConfig struct {
	// HTTP server
	Listen   string
	Hostname string // externally reachable hostname handed to clients

	// Bridge subprocess
	BridgeBinary   string
	AppPortStart   int
	AppPortEnd     int
	StartupTimeout time.Duration
	IdleTimeout    time.Duration

	// ProbeAppPorts switches app-port allocation from a direct random pick
	// to a scan for a free port pair. Off by default; the bridge binding the
	// port is the authoritative check either way.
	ProbeAppPorts bool

	// Persistence
	DBPath string

	// Robot status snapshots
	RedisAddr     string
	RedisPassword string
	StatusMaxAge  time.Duration

	// Auth
	APITokens []ScopedToken

	// Rate limiting
	RateLimitRPS   int
	RateLimitBurst int

	// Logging
	LogLevel   string
	LogService string

	Version string
}

// ScopedToken binds a bearer token to a user identity and its roles.
type ScopedToken struct {
	Token  string   `yaml:"token"`
	UserID string   `yaml:"userId"`
	Roles  []string `yaml:"roles"`
}

// Defaults returns the built-in configuration defaults.
func Defaults() AppConfig {
	return AppConfig{
		Listen:         ":8080",
		Hostname:       "localhost",
		BridgeBinary:   "fleet-bridge",
		AppPortStart:   11000,
		AppPortEnd:     11999,
		StartupTimeout: 4 * time.Second,
		IdleTimeout:    20 * time.Minute,
		DBPath:         "broker.db",
		RedisAddr:      "localhost:6379",
		StatusMaxAge:   5 * time.Minute,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		LogLevel:       "info",
		LogService:     "brokerd",
	}
}

// FromEnv overlays environment variables on top of cfg.
func FromEnv(cfg AppConfig) AppConfig {
	cfg.Listen = ParseString("BROKER_LISTEN", cfg.Listen)
	cfg.Hostname = ParseString("BROKER_HOSTNAME", cfg.Hostname)
	cfg.BridgeBinary = ParseString("BROKER_BRIDGE_BIN", cfg.BridgeBinary)

	if raw := ParseString("BROKER_APP_PORT_RANGE", ""); raw != "" {
		if start, end, ok := ParseRange(raw); ok {
			cfg.AppPortStart = start
			cfg.AppPortEnd = end
		}
	}

	cfg.StartupTimeout = ParseDuration("BROKER_STARTUP_TIMEOUT", cfg.StartupTimeout)
	cfg.IdleTimeout = ParseDuration("BROKER_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ProbeAppPorts = ParseBool("BROKER_PROBE_PORTS", cfg.ProbeAppPorts)
	cfg.DBPath = ParseString("BROKER_DB_PATH", cfg.DBPath)
	cfg.RedisAddr = ParseString("BROKER_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("BROKER_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.StatusMaxAge = ParseDuration("BROKER_STATUS_MAX_AGE", cfg.StatusMaxAge)
	cfg.RateLimitRPS = ParseInt("BROKER_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = ParseInt("BROKER_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("LOG_SERVICE", cfg.LogService)
	return cfg
}

// Validate fails fast on configurations the broker cannot run with.
func (c AppConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.Hostname == "" {
		return fmt.Errorf("config: hostname must not be empty")
	}
	if c.BridgeBinary == "" {
		return fmt.Errorf("config: bridge binary must not be empty")
	}
	if c.AppPortStart <= 0 || c.AppPortStart > 65535 {
		return fmt.Errorf("config: app port range start out of bounds: %d", c.AppPortStart)
	}
	if c.AppPortEnd <= 0 || c.AppPortEnd > 65535 {
		return fmt.Errorf("config: app port range end out of bounds: %d", c.AppPortEnd)
	}
	if c.AppPortStart > c.AppPortEnd {
		return fmt.Errorf("config: app port range start %d exceeds end %d", c.AppPortStart, c.AppPortEnd)
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("config: startup timeout must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	for i, tok := range c.APITokens {
		if tok.Token == "" {
			return fmt.Errorf("config: api token %d has empty token", i)
		}
		if tok.UserID == "" {
			return fmt.Errorf("config: api token %d has empty user id", i)
		}
	}
	return nil
}
