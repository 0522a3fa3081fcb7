// Package config provides YAML configuration loading with validation and
// environment variable substitution for the ops gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ops gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Auth         AuthConfig         `yaml:"auth" json:"auth"`
	Probe        ProbeConfig        `yaml:"probe" json:"probe"`
	Loki         LokiConfig         `yaml:"loki" json:"loki"`
	Prometheus   PrometheusConfig   `yaml:"prometheus" json:"prometheus"`
	Alertmanager AlertmanagerConfig `yaml:"alertmanager" json:"alertmanager"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
	Admin        AdminConfig        `yaml:"admin" json:"admin"`
	Services     []ServiceConfig    `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// AuthConfig holds the shared-secret API key settings. The gateway fails
// closed: with an empty APIKey every authenticated route returns 401.
type AuthConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"`
	Header string `yaml:"header" json:"header"` // default: "X-API-Key"

	// UpstreamService names the one downstream that receives UpstreamKey
	// on probes and monitoring relays (the API backend in the source
	// deployment). Empty disables credential forwarding.
	UpstreamService string `yaml:"upstream_service" json:"upstream_service"`
	UpstreamKey     string `yaml:"upstream_key" json:"upstream_key"`
}

// ProbeConfig holds health probe timing settings.
type ProbeConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"` // per-probe ceiling; default: 10s

	// AggregateMargin is added to Timeout to form the overall deadline of
	// one aggregation pass. Probes still pending at the deadline are
	// reported as unhealthy.
	AggregateMargin time.Duration `yaml:"aggregate_margin" json:"aggregate_margin"` // default: 2s
}

// AggregateTimeout returns the overall deadline for one aggregation pass.
func (p ProbeConfig) AggregateTimeout() time.Duration {
	return p.Timeout + p.AggregateMargin
}

// LokiConfig holds the log store query settings.
type LokiConfig struct {
	URL       string        `yaml:"url" json:"url"`
	QueryPath string        `yaml:"query_path" json:"query_path"` // default: "/loki/api/v1/query_range"
	Username  string        `yaml:"username" json:"username"`
	Password  string        `yaml:"password" json:"password"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`     // default: 30s
	MaxHours  int           `yaml:"max_hours" json:"max_hours"` // lookback ceiling; default: 24
	MaxLimit  int           `yaml:"max_limit" json:"max_limit"` // result ceiling; default: 1000
}

// PrometheusConfig holds the metrics store query settings.
type PrometheusConfig struct {
	URL       string   `yaml:"url" json:"url"`
	QueryPath string   `yaml:"query_path" json:"query_path"` // default: "/api/v1/query"
	Queries   []string `yaml:"queries" json:"queries"`       // fixed query set for /api/metrics
}

// AlertmanagerConfig holds the alert manager relay settings.
type AlertmanagerConfig struct {
	URL        string `yaml:"url" json:"url"`
	AlertsPath string `yaml:"alerts_path" json:"alerts_path"` // default: "/api/v2/alerts"
}

// MetricsConfig holds Prometheus metrics endpoint settings for the gateway
// itself. Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds access log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// RateLimitConfig holds the global rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// ServiceConfig defines one statically configured downstream service.
type ServiceConfig struct {
	Name           string            `yaml:"name" json:"name"`
	Group          string            `yaml:"group" json:"group"` // default: "ops_services"
	URL            string            `yaml:"url" json:"url"`
	HealthPath     string            `yaml:"health_path" json:"health_path,omitempty"`
	MonitoringPath string            `yaml:"monitoring_path" json:"monitoring_path,omitempty"`
	MetricsPath    string            `yaml:"metrics_path" json:"metrics_path,omitempty"`
	LogsPath       string            `yaml:"logs_path" json:"logs_path,omitempty"`
	Capabilities   []string          `yaml:"capabilities" json:"capabilities,omitempty"`
	Metadata       map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}

	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = 10 * time.Second
	}
	if cfg.Probe.AggregateMargin == 0 {
		cfg.Probe.AggregateMargin = 2 * time.Second
	}

	if cfg.Loki.QueryPath == "" {
		cfg.Loki.QueryPath = "/loki/api/v1/query_range"
	}
	if cfg.Loki.Timeout == 0 {
		cfg.Loki.Timeout = 30 * time.Second
	}
	if cfg.Loki.MaxHours == 0 {
		cfg.Loki.MaxHours = 24
	}
	if cfg.Loki.MaxLimit == 0 {
		cfg.Loki.MaxLimit = 1000
	}

	if cfg.Prometheus.QueryPath == "" {
		cfg.Prometheus.QueryPath = "/api/v1/query"
	}
	if len(cfg.Prometheus.Queries) == 0 {
		cfg.Prometheus.Queries = []string{
			"up",
			"http_requests_total",
			"process_cpu_seconds_total",
			"process_resident_memory_bytes",
		}
	}

	if cfg.Alertmanager.AlertsPath == "" {
		cfg.Alertmanager.AlertsPath = "/api/v2/alerts"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	for i := range cfg.Services {
		if cfg.Services[i].Group == "" {
			cfg.Services[i].Group = "ops_services"
		}
		if cfg.Services[i].HealthPath == "" {
			cfg.Services[i].HealthPath = "/health"
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if cfg.Probe.Timeout < 0 {
		return fmt.Errorf("probe.timeout must be non-negative")
	}
	if cfg.Probe.AggregateMargin < 0 {
		return fmt.Errorf("probe.aggregate_margin must be non-negative")
	}

	if cfg.Loki.MaxHours < 1 {
		return fmt.Errorf("loki.max_hours must be positive")
	}
	if cfg.Loki.MaxLimit < 1 {
		return fmt.Errorf("loki.max_limit must be positive")
	}
	if cfg.Loki.URL != "" {
		if err := validateURL("loki.url", cfg.Loki.URL); err != nil {
			return err
		}
	}
	if cfg.Prometheus.URL != "" {
		if err := validateURL("prometheus.url", cfg.Prometheus.URL); err != nil {
			return err
		}
	}
	if cfg.Alertmanager.URL != "" {
		if err := validateURL("alertmanager.url", cfg.Alertmanager.URL); err != nil {
			return err
		}
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("services[%d].url is required", i)
		}
		if err := validateURL(fmt.Sprintf("services[%d].url", i), s.URL); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name: %s", s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.APIKey == "" {
		warnings = append(warnings, "auth.api_key is not configured; all authenticated routes will be denied")
	}
	if strings.Contains(cfg.Auth.APIKey, "${") {
		warnings = append(warnings, "auth.api_key contains unresolved environment variable")
	}
	if cfg.Loki.URL == "" {
		warnings = append(warnings, "loki.url is not configured; /api/logs will fail")
	}
	if cfg.Prometheus.URL == "" {
		warnings = append(warnings, "prometheus.url is not configured; /api/metrics will fail")
	}
	return warnings
}
