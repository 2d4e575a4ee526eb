package config

import "time"

// Config is the root gateway configuration.
type Config struct {
	Listener       ListenerConfig  `yaml:"listener"`
	Admin          AdminConfig     `yaml:"admin"`
	Logging        LoggingConfig   `yaml:"logging"`
	AccessLog      AccessLogConfig `yaml:"access_log"`
	Tracing        TracingConfig   `yaml:"tracing"`
	Redis          RedisConfig     `yaml:"redis"`
	Transport      TransportConfig `yaml:"transport"`
	DefaultFilters []FilterConfig  `yaml:"default_filters"`
	Routes         []RouteConfig   `yaml:"routes"`
}

// ListenerConfig defines the public HTTP listener.
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// AdminConfig defines the admin API listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level string        `yaml:"level"`
	File  LogFileConfig `yaml:"file"`
}

// LogFileConfig defines an additional rotating log file (powered by lumberjack).
type LogFileConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`    // megabytes before rotation
	MaxBackups int    `yaml:"max_backups"` // rotated files to keep
	MaxAge     int    `yaml:"max_age"`     // days to retain rotated files
	Compress   bool   `yaml:"compress"`
}

// AccessLogConfig toggles the built-in access log filters.
type AccessLogConfig struct {
	Errors       bool `yaml:"errors"`        // GW_ERR / GW_4XX5XX lines
	RouteMapping bool `yaml:"route_mapping"` // route -> target lines
	BufferSize   int  `yaml:"buffer_size"`   // async sink queue length
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig defines the Redis connection used by distributed rate limiting.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportConfig defines the backend HTTP transport.
type TransportConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
}

// RouteConfig defines a single route
type RouteConfig struct {
	ID         string         `yaml:"id"`
	Path       string         `yaml:"path"`
	PathPrefix bool           `yaml:"path_prefix"`
	Methods    []string       `yaml:"methods"`
	Match      MatchConfig    `yaml:"match"`
	URI        string         `yaml:"uri"`
	Timeout    time.Duration  `yaml:"timeout"`
	Filters    []FilterConfig `yaml:"filters"`
}

// FilterConfig names a registered filter and its string arguments.
type FilterConfig struct {
	Name string            `yaml:"name"`
	Args map[string]string `yaml:"args"`
}

// MatchConfig defines additional match criteria beyond path
type MatchConfig struct {
	Domains []string            `yaml:"domains"`
	Headers []HeaderMatchConfig `yaml:"headers"`
	Query   []QueryMatchConfig  `yaml:"query"`
}

// HeaderMatchConfig defines a single header match criterion
type HeaderMatchConfig struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Present *bool  `yaml:"present"`
	Regex   string `yaml:"regex"`
}

// QueryMatchConfig defines a single query parameter match criterion
type QueryMatchConfig struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Present *bool  `yaml:"present"`
	Regex   string `yaml:"regex"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
			File: LogFileConfig{
				Path:       "logs/gateway.log",
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			},
		},
		AccessLog: AccessLogConfig{
			Errors:       true,
			RouteMapping: true,
			BufferSize:   1024,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "prefixgate",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Redis: RedisConfig{
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Transport: TransportConfig{
			DialTimeout:           5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
		},
	}
}
