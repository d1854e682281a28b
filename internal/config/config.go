// Package config loads and validates gateway configuration.
//
// DESIGN: One YAML file, environment references expanded before parsing.
// Defaults are applied after unmarshal so a minimal config stays minimal.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server      ServerConfig        `yaml:"server"`
	Store       StoreConfig         `yaml:"store"`
	Accounts    AccountsConfig      `yaml:"accounts"`
	Providers   ProvidersConfig     `yaml:"providers"`
	Routes      []Route             `yaml:"routes"`
	QuotaGroups map[string][]string `yaml:"quota_groups"`
	Monitoring  MonitoringConfig    `yaml:"monitoring"`
	CostControl CostControlConfig   `yaml:"cost_control"`
}

// ServerConfig configures the client-facing HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	APIKeys      []string      `yaml:"api_keys"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig configures the shared sqlite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AccountsConfig points at the account import file.
type AccountsConfig struct {
	File string `yaml:"file"`
}

// ProvidersConfig groups per-upstream settings.
type ProvidersConfig struct {
	Antigravity AntigravityConfig `yaml:"antigravity"`
	Kiro        KiroConfig        `yaml:"kiro"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
}

// AntigravityConfig configures the Gemini-style upstream.
type AntigravityConfig struct {
	// BaseURLs are tried in order when the preferred endpoint has no capacity.
	BaseURLs []string `yaml:"base_urls"`
}

// KiroConfig configures the AWS-Q-style upstream.
type KiroConfig struct {
	Region string `yaml:"region"`
}

// OpenAIConfig configures the Responses-style upstream.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MonitoringConfig configures telemetry output.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// Route maps a client-facing model identifier to an upstream platform and
// model. Match is compared exactly first, then as a substring; an empty
// Match is the catch-all default.
type Route struct {
	Match    string `yaml:"match"`
	Platform string `yaml:"platform"`
	Model    string `yaml:"model"`
}

// Resolve returns the platform and upstream model for a client model name.
// Exact match wins over substring match; the catch-all route wins over
// nothing. ok is false only when no route applies.
func (c *Config) Resolve(model string) (platform, upstreamModel string, ok bool) {
	var fallback *Route
	var substr *Route
	for i := range c.Routes {
		r := &c.Routes[i]
		switch {
		case r.Match == "":
			if fallback == nil {
				fallback = r
			}
		case r.Match == model:
			return r.Platform, r.Model, true
		case strings.Contains(model, r.Match) && substr == nil:
			substr = r
		}
	}
	if substr != nil {
		return substr.Platform, substr.Model, true
	}
	if fallback != nil {
		return fallback.Platform, fallback.Model, true
	}
	return "", "", false
}

// Load reads, expands, parses, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses config bytes with environment expansion applied.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Store.Path == "" {
		c.Store.Path = "gateway.db"
	}
	if c.Providers.Kiro.Region == "" {
		c.Providers.Kiro.Region = "us-east-1"
	}
	if len(c.Providers.Antigravity.BaseURLs) == 0 {
		c.Providers.Antigravity.BaseURLs = []string{
			"https://cloudcode-pa.googleapis.com",
			"https://daily-cloudcode-pa.sandbox.googleapis.com",
		}
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = "https://chatgpt.com/backend-api/codex"
	}
}

func (c *Config) validate() error {
	for i, r := range c.Routes {
		switch r.Platform {
		case "antigravity", "kiro", "openai":
		default:
			return fmt.Errorf("routes[%d]: unknown platform %q", i, r.Platform)
		}
		if r.Model == "" {
			return fmt.Errorf("routes[%d]: model is required", i)
		}
	}
	return c.CostControl.Validate()
}

// QuotaAliases returns the model names sharing a quota bucket with model,
// always including model itself.
func (c *Config) QuotaAliases(model string) []string {
	for _, group := range c.QuotaGroups {
		for _, m := range group {
			if m == model {
				return group
			}
		}
	}
	return []string{model}
}
