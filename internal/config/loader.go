// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader assembles the effective configuration with precedence
// ENV > file > defaults.
type Loader struct {
	path    string
	version string
}

// NewLoader creates a loader. An empty path skips the file layer.
func NewLoader(path, version string) *Loader {
	return &Loader{path: path, version: version}
}

// Load produces a validated AppConfig.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.path != "" {
		fileCfg, err := loadFile(l.path)
		if err != nil {
			return AppConfig{}, err
		}
		cfg = mergeFile(cfg, fileCfg)
	}

	cfg = FromEnv(cfg)
	cfg = tokensFromEnv(cfg)
	cfg.Version = l.version

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// fileConfig mirrors AppConfig for YAML decoding. Durations are strings in
// Go duration format ("4s", "20m").
type fileConfig struct {
	Listen         string        `yaml:"listen"`
	Hostname       string        `yaml:"hostname"`
	BridgeBinary   string        `yaml:"bridgeBinary"`
	AppPortRange   string        `yaml:"appPortRange"`
	ProbeAppPorts  *bool         `yaml:"probeAppPorts"`
	StartupTimeout string        `yaml:"startupTimeout"`
	IdleTimeout    string        `yaml:"idleTimeout"`
	DBPath         string        `yaml:"dbPath"`
	RedisAddr      string        `yaml:"redisAddr"`
	RedisPassword  string        `yaml:"redisPassword"`
	StatusMaxAge   string        `yaml:"statusMaxAge"`
	APITokens      []ScopedToken `yaml:"apiTokens"`
	RateLimitRPS   int           `yaml:"rateLimitRPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
	LogLevel       string        `yaml:"logLevel"`
	LogService     string        `yaml:"logService"`
}

func loadFile(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("config: file %s does not exist", path)
		}
		return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var cfg AppConfig
	cfg.Listen = fc.Listen
	cfg.Hostname = fc.Hostname
	cfg.BridgeBinary = fc.BridgeBinary
	if fc.AppPortRange != "" {
		start, end, ok := ParseRange(fc.AppPortRange)
		if !ok {
			return AppConfig{}, fmt.Errorf("config: invalid appPortRange %q in %s", fc.AppPortRange, path)
		}
		cfg.AppPortStart = start
		cfg.AppPortEnd = end
	}
	if fc.ProbeAppPorts != nil {
		cfg.ProbeAppPorts = *fc.ProbeAppPorts
	}
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.StartupTimeout, "startupTimeout", &cfg.StartupTimeout},
		{fc.IdleTimeout, "idleTimeout", &cfg.IdleTimeout},
		{fc.StatusMaxAge, "statusMaxAge", &cfg.StatusMaxAge},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: invalid %s %q in %s: %w", d.name, d.raw, path, err)
		}
		*d.dst = parsed
	}
	cfg.DBPath = fc.DBPath
	cfg.RedisAddr = fc.RedisAddr
	cfg.RedisPassword = fc.RedisPassword
	cfg.APITokens = fc.APITokens
	cfg.RateLimitRPS = fc.RateLimitRPS
	cfg.RateLimitBurst = fc.RateLimitBurst
	cfg.LogLevel = fc.LogLevel
	cfg.LogService = fc.LogService
	return cfg, nil
}

// mergeFile overlays non-zero file values on top of base.
func mergeFile(base, file AppConfig) AppConfig {
	if file.Listen != "" {
		base.Listen = file.Listen
	}
	if file.Hostname != "" {
		base.Hostname = file.Hostname
	}
	if file.BridgeBinary != "" {
		base.BridgeBinary = file.BridgeBinary
	}
	if file.AppPortStart != 0 {
		base.AppPortStart = file.AppPortStart
	}
	if file.AppPortEnd != 0 {
		base.AppPortEnd = file.AppPortEnd
	}
	// Probing defaults off, so the file layer can only switch it on.
	if file.ProbeAppPorts {
		base.ProbeAppPorts = true
	}
	if file.StartupTimeout != 0 {
		base.StartupTimeout = file.StartupTimeout
	}
	if file.IdleTimeout != 0 {
		base.IdleTimeout = file.IdleTimeout
	}
	if file.DBPath != "" {
		base.DBPath = file.DBPath
	}
	if file.RedisAddr != "" {
		base.RedisAddr = file.RedisAddr
	}
	if file.RedisPassword != "" {
		base.RedisPassword = file.RedisPassword
	}
	if file.StatusMaxAge != 0 {
		base.StatusMaxAge = file.StatusMaxAge
	}
	if len(file.APITokens) > 0 {
		base.APITokens = file.APITokens
	}
	if file.RateLimitRPS != 0 {
		base.RateLimitRPS = file.RateLimitRPS
	}
	if file.RateLimitBurst != 0 {
		base.RateLimitBurst = file.RateLimitBurst
	}
	if file.LogLevel != "" {
		base.LogLevel = file.LogLevel
	}
	if file.LogService != "" {
		base.LogService = file.LogService
	}
	return base
}

// tokensFromEnv parses BROKER_API_TOKENS entries of the form
// "token:userId:role1|role2" separated by commas.
func tokensFromEnv(cfg AppConfig) AppConfig {
	raw := ParseString("BROKER_API_TOKENS", "")
	if raw == "" {
		return cfg
	}
	var tokens []ScopedToken
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		tok := ScopedToken{Token: parts[0]}
		if len(parts) > 1 {
			tok.UserID = parts[1]
		}
		if len(parts) > 2 {
			for _, role := range strings.Split(parts[2], "|") {
				if role = strings.TrimSpace(role); role != "" {
					tok.Roles = append(tok.Roles, role)
				}
			}
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) > 0 {
		cfg.APITokens = tokens
	}
	return cfg
}
