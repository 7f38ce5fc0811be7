// Package config provides YAML configuration parsing for evalwatch.
//
// This package enables running evalwatch as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Security reviews
//	port: 8080
//
//	backend:
//	  url: https://reviews.example.com/api/v1
//	  headers:
//	    Authorization: "Bearer ${REVIEWS_TOKEN}"
//
//	polling:
//	  max_concurrency: 10
//	  refresh: "@every 1m"
//	  backoff:
//	    min: 2s
//	    max: 60s
//	    growth: 1.25
//
//	scopes:
//	  - name: Billing
//	    tenant: acme
//	    system: billing-api
//
//	scope_grids:
//	  - name: Platform
//	    tenants: [acme, globex]
//	    systems: [search-api, auth-api]
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"text/template"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// minPollInterval is the minimum allowed backoff floor for production configs.
// This prevents accidental DoS of the backend with overly aggressive polling.
const minPollInterval = 1 * time.Second

// Config is the root configuration structure for evalwatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "evalwatch" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// Backend locates the evaluation status API.
	Backend BackendConfig `yaml:"backend"`

	// Polling tunes how evaluations are polled.
	Polling PollingConfig `yaml:"polling"`

	// Scopes defines individual tenant/system scopes.
	Scopes []ScopeConfig `yaml:"scopes"`

	// ScopeGrids defines scopes that expand via cartesian product of
	// tenants and systems.
	ScopeGrids []ScopeGridConfig `yaml:"scope_grids"`
}

// BackendConfig defines the evaluation status API.
type BackendConfig struct {
	// URL is the API root.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// Headers are custom HTTP headers sent with each request, typically
	// Authorization. Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`
}

// PollingConfig defines polling behaviour shared by every scope.
type PollingConfig struct {
	// MaxConcurrency caps status fetches in flight. Defaults to 10.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RateLimit caps status fetches per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the burst allowed above RateLimit. Defaults to 1 when a
	// rate limit is set.
	RateBurst int `yaml:"rate_burst"`

	// FetchTimeout bounds each status fetch and list load. Defaults to 30s.
	FetchTimeout Duration `yaml:"fetch_timeout"`

	// Refresh is a cron schedule on which scope lists are reloaded, such as
	// "@every 1m" or "*/5 * * * *". Defaults to "@every 1m"; "off" disables
	// refreshing.
	Refresh string `yaml:"refresh"`

	// ProgressPath is the dot path of the numeric progress indicator in the
	// progress payload. Empty uses the default fields.
	ProgressPath string `yaml:"progress_path"`

	// Backoff overrides the default delay curve.
	Backoff *BackoffConfig `yaml:"backoff"`
}

// BackoffConfig defines the delay curve between fetches of one evaluation.
type BackoffConfig struct {
	// Min is the shortest delay. Must be at least 1s.
	Min Duration `yaml:"min"`

	// Max caps the delay.
	Max Duration `yaml:"max"`

	// Growth multiplies the delay after a fetch shows no progress.
	Growth float64 `yaml:"growth"`

	// Tiers raise the minimum delay the longer an evaluation runs.
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig raises the minimum delay to Interval once an evaluation has been
// polled for After.
type TierConfig struct {
	After    Duration `yaml:"after"`
	Interval Duration `yaml:"interval"`
}

// ScopeConfig defines a single scope.
type ScopeConfig struct {
	// Name is the display name shown in the dashboard.
	Name string `yaml:"name"`

	// Tenant and System address the evaluation list in the backend.
	Tenant string `yaml:"tenant"`
	System string `yaml:"system"`
}

// ScopeGridConfig defines scopes that expand via cartesian product.
//
// For example, with tenants [acme, globex] and systems [api, web], the grid
// expands to 4 scopes: acme/api, acme/web, globex/api, globex/web.
type ScopeGridConfig struct {
	// Name is the base name for generated scopes.
	Name string `yaml:"name"`

	// NameTemplate is an optional Go template for generated scope names.
	// {{.name}}, {{.tenant}} and {{.system}} are available. Defaults to
	// "{{.name}} {{.tenant}}/{{.system}}".
	NameTemplate string `yaml:"name_template"`

	Tenants []string `yaml:"tenants"`
	Systems []string `yaml:"systems"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the backend URL and header values.
// Defaults are applied for Port (8080), MaxConcurrency (10), FetchTimeout
// (30s) and Refresh (every minute).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Polling.MaxConcurrency == 0 {
		cfg.Polling.MaxConcurrency = 10
	}
	if cfg.Polling.FetchTimeout == 0 {
		cfg.Polling.FetchTimeout = Duration(30 * time.Second)
	}
	if cfg.Polling.Refresh == "" {
		cfg.Polling.Refresh = "@every 1m"
	}
	if cfg.Polling.RateLimit > 0 && cfg.Polling.RateBurst == 0 {
		cfg.Polling.RateBurst = 1
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RefreshSchedule returns the cron schedule for list refreshes, empty when
// refreshing is off.
func (c *Config) RefreshSchedule() string {
	if c.Polling.Refresh == "off" {
		return ""
	}
	return c.Polling.Refresh
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if err := c.Backend.expandAndValidate(); err != nil {
		return err
	}
	if err := c.Polling.validate(); err != nil {
		return err
	}
	if sched := c.RefreshSchedule(); sched != "" {
		if _, err := cron.ParseStandard(sched); err != nil {
			return fmt.Errorf("polling: invalid refresh schedule %q: %w", sched, err)
		}
	}

	for i := range c.Scopes {
		s := &c.Scopes[i]
		if s.Name == "" {
			return fmt.Errorf("scopes[%d]: name is required", i)
		}
		if s.Tenant == "" {
			return fmt.Errorf("scopes[%d] (%s): tenant is required", i, s.Name)
		}
		if s.System == "" {
			return fmt.Errorf("scopes[%d] (%s): system is required", i, s.Name)
		}
	}

	for i := range c.ScopeGrids {
		g := &c.ScopeGrids[i]

		if g.Name == "" {
			return fmt.Errorf("scope_grids[%d]: name is required", i)
		}

		// fail fast before SDK tries to use invalid template
		if g.NameTemplate != "" {
			if _, err := template.New("").Parse(g.NameTemplate); err != nil {
				return fmt.Errorf("scope_grids[%d] (%s): invalid name_template: %w", i, g.Name, err)
			}
		}

		for dim, values := range map[string][]string{"tenants": g.Tenants, "systems": g.Systems} {
			if len(values) == 0 {
				return fmt.Errorf("scope_grids[%d] (%s): %s has no values", i, g.Name, dim)
			}
			seen := make(map[string]struct{}, len(values))
			for _, v := range values {
				if v == "" {
					return fmt.Errorf("scope_grids[%d] (%s): %s has an empty value", i, g.Name, dim)
				}
				if _, exists := seen[v]; exists {
					return fmt.Errorf("scope_grids[%d] (%s): %s has duplicate value %q", i, g.Name, dim, v)
				}
				seen[v] = struct{}{}
			}
		}
	}

	if len(c.Scopes) == 0 && len(c.ScopeGrids) == 0 {
		return errors.New("at least one scope or scope grid must be defined")
	}

	return nil
}

func (b *BackendConfig) expandAndValidate() error {
	if b.URL == "" {
		return errors.New("backend: url is required")
	}
	expanded, err := expandEnvVars(b.URL)
	if err != nil {
		return fmt.Errorf("backend: url: %w", err)
	}
	b.URL = expanded

	parsedURL, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("backend: invalid url: %w", err)
	}
	if parsedURL.Scheme == "" {
		return errors.New("backend: url must have a scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("backend: url scheme must be http or https, got %q", parsedURL.Scheme)
	}

	for k, v := range b.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("backend: headers[%s]: %w", k, err)
		}
		b.Headers[k] = expanded
	}
	return nil
}

func (p *PollingConfig) validate() error {
	if p.MaxConcurrency < 0 {
		return fmt.Errorf("polling: max_concurrency must be positive, got %d", p.MaxConcurrency)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("polling: rate_limit cannot be negative, got %v", p.RateLimit)
	}
	if p.RateBurst < 0 {
		return fmt.Errorf("polling: rate_burst cannot be negative, got %d", p.RateBurst)
	}
	if p.FetchTimeout.Duration() < time.Second {
		return fmt.Errorf("polling: fetch_timeout must be at least 1s, got %s", p.FetchTimeout.Duration())
	}

	b := p.Backoff
	if b == nil {
		return nil
	}
	if b.Min.Duration() < minPollInterval {
		return fmt.Errorf("polling: backoff.min must be at least %s, got %s", minPollInterval, b.Min.Duration())
	}
	if b.Max != 0 && b.Max < b.Min {
		return fmt.Errorf("polling: backoff.max (%s) must not be below backoff.min (%s)", b.Max.Duration(), b.Min.Duration())
	}
	if b.Max.Duration() > time.Hour {
		return fmt.Errorf("polling: backoff.max must not exceed 1h, got %s", b.Max.Duration())
	}
	if b.Growth < 0 {
		return fmt.Errorf("polling: backoff.growth cannot be negative, got %v", b.Growth)
	}
	for i, t := range b.Tiers {
		if t.Interval.Duration() < minPollInterval {
			return fmt.Errorf("polling: backoff.tiers[%d]: interval must be at least %s, got %s",
				i, minPollInterval, t.Interval.Duration())
		}
	}
	return nil
}
