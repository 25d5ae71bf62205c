// Package config loads the proxy's YAML configuration file, read-only
// after boot. Field names and validation follow the
// Config/BanConfig/UpstreamConfig shape, with a Validate()/ConfigError
// pattern.
package config

import (
	"fmt"
	"strings"

	"github.com/user/llm-proxy-go/internal/router"
)

// Config is the top-level configuration document.
type Config struct {
	ListenAddr           string                  `yaml:"listen_addr"`
	WorkerThreads        int                     `yaml:"worker_threads"`
	RequestTimeoutMs     uint64                  `yaml:"request_timeout_ms"`
	ProxyTokens          []string                `yaml:"proxy_tokens"`
	AdminTokens          []string                `yaml:"admin_tokens"`
	DataDir              string                  `yaml:"data_dir"`
	UsageInjectUpstreams []string                `yaml:"usage_inject_upstreams"`
	Ban                  router.BanConfig        `yaml:"ban"`
	Upstreams            []router.UpstreamConfig `yaml:"upstreams"`
	LogLevel             string                  `yaml:"log_level"`
	LogRotation          LogRotationConfig       `yaml:"log_rotation"`
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// normalize trims whitespace from token/id lists and drops empties,
// matching Config::normalize().
func (c *Config) normalize() {
	c.ProxyTokens = trimAndPrune(c.ProxyTokens)
	c.AdminTokens = trimAndPrune(c.AdminTokens)
	c.UsageInjectUpstreams = trimAndPrune(c.UsageInjectUpstreams)
	c.Ban.Normalize()

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogRotation.MaxSizeMB == 0 {
		c.LogRotation.MaxSizeMB = 100
	}
	if c.LogRotation.MaxBackups == 0 {
		c.LogRotation.MaxBackups = 5
	}
	if c.LogRotation.MaxAgeDays == 0 {
		c.LogRotation.MaxAgeDays = 30
	}
}

func trimAndPrune(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for errors, matching
// Config::validate().
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return &ConfigError{Field: "listen_addr", Message: "must not be empty"}
	}
	if c.RequestTimeoutMs == 0 {
		return &ConfigError{Field: "request_timeout_ms", Message: "must be positive"}
	}
	if len(c.AdminTokens) == 0 {
		return &ConfigError{Field: "admin_tokens", Message: "must not be empty"}
	}
	if c.DataDir == "" {
		return &ConfigError{Field: "data_dir", Message: "must not be empty"}
	}
	if len(c.Upstreams) == 0 {
		return &ConfigError{Field: "upstreams", Message: "must not be empty"}
	}
	for i, u := range c.Upstreams {
		if strings.TrimSpace(u.ID) == "" {
			return &ConfigError{Field: fmt.Sprintf("upstreams[%d].id", i), Message: "must not be empty"}
		}
		if !strings.HasPrefix(u.BaseURL, "http://") && !strings.HasPrefix(u.BaseURL, "https://") {
			return &ConfigError{Field: fmt.Sprintf("upstreams[%d].base_url", i), Message: "must start with http:// or https://"}
		}
	}
	return nil
}

// UsageInjectSet returns the configured usage-inject upstream ids as a set.
func (c *Config) UsageInjectSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.UsageInjectUpstreams))
	for _, id := range c.UsageInjectUpstreams {
		out[id] = struct{}{}
	}
	return out
}

// ProxyTokenSet returns the configured proxy tokens as a set. An empty set
// means proxy-token auth is disabled.
func (c *Config) ProxyTokenSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.ProxyTokens))
	for _, t := range c.ProxyTokens {
		out[t] = struct{}{}
	}
	return out
}

// AdminTokenSet returns the configured admin tokens as a set.
func (c *Config) AdminTokenSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.AdminTokens))
	for _, t := range c.AdminTokens {
		out[t] = struct{}{}
	}
	return out
}
