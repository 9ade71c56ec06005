// Package config provides YAML configuration loading with validation and
// environment variable substitution for the request governor service.
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

// Config is the top-level service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Admin       AdminConfig       `yaml:"admin" json:"admin"`
	Governor    GovernorConfig    `yaml:"governor" json:"governor"`
	Upstream    UpstreamConfig    `yaml:"upstream" json:"upstream"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
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

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and level settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// RateLimitConfig holds the per-client limiter settings for the HTTP surface.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT authentication settings for the admin endpoints.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// GovernorConfig holds the pacing, circuit breaker, cap, and cache-advice
// settings for one governed upstream dependency.
type GovernorConfig struct {
	Name string `yaml:"name" json:"name"` // upstream label in logs/metrics; default: "search"

	BaseInterval    time.Duration `yaml:"base_interval" json:"base_interval"`       // minimum dispatch spacing when healthy; default: 1s
	MaxBackoff      time.Duration `yaml:"max_backoff" json:"max_backoff"`           // pacing interval ceiling; default: 5m
	ErrorThreshold  int           `yaml:"error_threshold" json:"error_threshold"`   // consecutive failures that open the circuit; default: 4
	CircuitCooldown time.Duration `yaml:"circuit_cooldown" json:"circuit_cooldown"` // how long the circuit stays open; default: 20m

	RateLimitFloor        time.Duration `yaml:"rate_limit_floor" json:"rate_limit_floor"`                 // minimum 429 cooldown; default: 60s
	RateLimitDefaultDelay time.Duration `yaml:"rate_limit_default_delay" json:"rate_limit_default_delay"` // 429 cooldown with no upstream hints; default: 5m

	DailyLimit int `yaml:"daily_limit" json:"daily_limit"` // hard daily request cap; default: 2000
	QuotaLimit int `yaml:"quota_limit" json:"quota_limit"` // advisory period budget; default: 60000

	UpstreamTimeout time.Duration `yaml:"upstream_timeout" json:"upstream_timeout"` // hard per-call timeout; default: 15s
	IdleWait        time.Duration `yaml:"idle_wait" json:"idle_wait"`               // empty-queue poll interval; default: 100ms
	CapWait         time.Duration `yaml:"cap_wait" json:"cap_wait"`                 // daily-cap back-pressure interval; default: 10s
	BlockedWait     time.Duration `yaml:"blocked_wait" json:"blocked_wait"`         // circuit/rate-limit poll interval; default: 1s

	NormalTTL      time.Duration `yaml:"normal_ttl" json:"normal_ttl"`             // cache advice when healthy; default: 1h
	RateLimitedTTL time.Duration `yaml:"rate_limited_ttl" json:"rate_limited_ttl"` // cache advice while rate limited; default: 4h
	EmergencyTTL   time.Duration `yaml:"emergency_ttl" json:"emergency_ttl"`       // cache advice while the circuit is open; default: 24h
}

// UpstreamConfig holds the governed upstream API client settings.
type UpstreamConfig struct {
	BaseURL          string `yaml:"base_url" json:"base_url"`
	Path             string `yaml:"path" json:"path"`                     // default endpoint path; default: "/v1/search"
	APIKey           string `yaml:"api_key" json:"api_key"`               // typically ${SEARCH_API_KEY}
	APIKeyHeader     string `yaml:"api_key_header" json:"api_key_header"` // default: "X-API-Key"
	MaxResponseBytes int64  `yaml:"max_response_bytes" json:"max_response_bytes"` // default: 1048576
}

// CacheConfig holds result cache settings.
// Enabled defaults to true; set to false to disable caching.
type CacheConfig struct {
	Enabled    *bool `yaml:"enabled" json:"enabled"`
	MaxEntries int64 `yaml:"max_entries" json:"max_entries"` // default: 10000
}

// IsEnabled returns whether the result cache is enabled (defaults to true).
func (c CacheConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// PersistenceConfig holds usage-counter persistence settings.
type PersistenceConfig struct {
	StatePath string `yaml:"state_path" json:"state_path"` // default: "data/governor-state.json"
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
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
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

	// Governor defaults
	gov := &cfg.Governor
	if gov.Name == "" {
		gov.Name = "search"
	}
	if gov.BaseInterval == 0 {
		gov.BaseInterval = time.Second
	}
	if gov.MaxBackoff == 0 {
		gov.MaxBackoff = 5 * time.Minute
	}
	if gov.ErrorThreshold == 0 {
		gov.ErrorThreshold = 4
	}
	if gov.CircuitCooldown == 0 {
		gov.CircuitCooldown = 20 * time.Minute
	}
	if gov.RateLimitFloor == 0 {
		gov.RateLimitFloor = 60 * time.Second
	}
	if gov.RateLimitDefaultDelay == 0 {
		gov.RateLimitDefaultDelay = 5 * time.Minute
	}
	if gov.DailyLimit == 0 {
		gov.DailyLimit = 2000
	}
	if gov.QuotaLimit == 0 {
		gov.QuotaLimit = 60000
	}
	if gov.UpstreamTimeout == 0 {
		gov.UpstreamTimeout = 15 * time.Second
	}
	if gov.IdleWait == 0 {
		gov.IdleWait = 100 * time.Millisecond
	}
	if gov.CapWait == 0 {
		gov.CapWait = 10 * time.Second
	}
	if gov.BlockedWait == 0 {
		gov.BlockedWait = time.Second
	}
	if gov.NormalTTL == 0 {
		gov.NormalTTL = time.Hour
	}
	if gov.RateLimitedTTL == 0 {
		gov.RateLimitedTTL = 4 * time.Hour
	}
	if gov.EmergencyTTL == 0 {
		gov.EmergencyTTL = 24 * time.Hour
	}

	// Upstream defaults
	if cfg.Upstream.Path == "" {
		cfg.Upstream.Path = "/v1/search"
	}
	if cfg.Upstream.APIKeyHeader == "" {
		cfg.Upstream.APIKeyHeader = "X-API-Key"
	}
	if cfg.Upstream.MaxResponseBytes == 0 {
		cfg.Upstream.MaxResponseBytes = 1048576 // 1 MB
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}

	if cfg.Persistence.StatePath == "" {
		cfg.Persistence.StatePath = "data/governor-state.json"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	// Governor validation
	gov := cfg.Governor
	if gov.BaseInterval <= 0 {
		return fmt.Errorf("governor.base_interval must be positive")
	}
	if gov.MaxBackoff < gov.BaseInterval {
		return fmt.Errorf("governor.max_backoff must be at least base_interval")
	}
	if gov.ErrorThreshold < 1 {
		return fmt.Errorf("governor.error_threshold must be positive")
	}
	if gov.CircuitCooldown <= 0 {
		return fmt.Errorf("governor.circuit_cooldown must be positive")
	}
	if gov.RateLimitFloor <= 0 {
		return fmt.Errorf("governor.rate_limit_floor must be positive")
	}
	if gov.RateLimitDefaultDelay <= 0 {
		return fmt.Errorf("governor.rate_limit_default_delay must be positive")
	}
	if gov.DailyLimit < 1 {
		return fmt.Errorf("governor.daily_limit must be positive")
	}
	if gov.QuotaLimit < 0 {
		return fmt.Errorf("governor.quota_limit must be non-negative")
	}
	if gov.UpstreamTimeout <= 0 {
		return fmt.Errorf("governor.upstream_timeout must be positive")
	}
	if gov.IdleWait <= 0 || gov.CapWait <= 0 || gov.BlockedWait <= 0 {
		return fmt.Errorf("governor wait intervals must be positive")
	}
	if gov.NormalTTL <= 0 {
		return fmt.Errorf("governor.normal_ttl must be positive")
	}
	if gov.RateLimitedTTL <= gov.NormalTTL {
		return fmt.Errorf("governor.rate_limited_ttl must exceed normal_ttl")
	}
	if gov.EmergencyTTL <= gov.RateLimitedTTL {
		return fmt.Errorf("governor.emergency_ttl must exceed rate_limited_ttl")
	}

	// Upstream validation
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url: host is required")
	}
	if !strings.HasPrefix(cfg.Upstream.Path, "/") {
		return fmt.Errorf("upstream.path must start with /")
	}
	if cfg.Upstream.MaxResponseBytes < 1 {
		return fmt.Errorf("upstream.max_response_bytes must be positive")
	}

	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}

	if cfg.Persistence.StatePath == "" {
		return fmt.Errorf("persistence.state_path is required")
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
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
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

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if strings.Contains(cfg.Upstream.APIKey, "${") {
		warnings = append(warnings, "upstream.api_key contains unresolved environment variable")
	}
	if cfg.Upstream.APIKey == "" {
		warnings = append(warnings, "upstream.api_key is empty; upstream calls will be unauthenticated")
	}
	return warnings
}
