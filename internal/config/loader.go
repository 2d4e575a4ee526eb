package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener: address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && cfg.Logging.File.Path == "" {
		return fmt.Errorf("logging: file path is required when file output is enabled")
	}
	if cfg.AccessLog.BufferSize < 0 {
		return fmt.Errorf("access_log: buffer_size must be >= 0")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}

	if err := validateFilters("default_filters", cfg.DefaultFilters); err != nil {
		return err
	}

	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if err := validateRoute(route); err != nil {
			return fmt.Errorf("route %s: %w", route.ID, err)
		}
	}

	return nil
}

func validateRoute(route RouteConfig) error {
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("path must start with /")
	}

	u, err := url.Parse(route.URI)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("uri scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("uri must have a host")
	}

	for _, m := range route.Methods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			return fmt.Errorf("invalid method %q", m)
		}
	}
	if route.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}

	for _, h := range route.Match.Headers {
		if err := validateMatcher("header", h.Name, h.Value, h.Present, h.Regex); err != nil {
			return err
		}
	}
	for _, q := range route.Match.Query {
		if err := validateMatcher("query", q.Name, q.Value, q.Present, q.Regex); err != nil {
			return err
		}
	}

	return validateFilters("filters", route.Filters)
}

// validateMatcher requires exactly one of value, present or regex.
func validateMatcher(kind, name, value string, present *bool, regex string) error {
	if name == "" {
		return fmt.Errorf("%s match: name is required", kind)
	}
	set := 0
	if value != "" {
		set++
	}
	if present != nil {
		set++
	}
	if regex != "" {
		set++
		if _, err := regexp.Compile(regex); err != nil {
			return fmt.Errorf("%s match %s: invalid regex: %w", kind, name, err)
		}
	}
	if set != 1 {
		return fmt.Errorf("%s match %s: exactly one of value, present or regex is required", kind, name)
	}
	return nil
}

func validateFilters(field string, filters []FilterConfig) error {
	for i, f := range filters {
		if f.Name == "" {
			return fmt.Errorf("%s[%d]: name is required", field, i)
		}
	}
	return nil
}
