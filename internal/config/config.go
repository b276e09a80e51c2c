// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Database      DatabaseConfig       `yaml:"database"`
	Auth          AuthConfig           `yaml:"auth"`
	Selector      SelectorConfig       `yaml:"selector"`
	Cache         CacheConfig          `yaml:"cache"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	ProviderTypes []ProviderTypeEntry  `yaml:"provider_types"`
	ServiceKeys   []ServiceKeyEntry    `yaml:"service_keys"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// SelectorConfig tunes the two independent health tracks every ProviderKey
// is judged against: a burst of 429s trips rate_limited with a doubling
// backoff, a burst of 5xx/connection failures trips unhealthy with a flat
// cool-off.
type SelectorConfig struct {
	RateLimitStreak     int           `yaml:"rate_limit_streak"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
	RateLimitBackoff    time.Duration `yaml:"rate_limit_backoff"`
	RateLimitMaxBackoff time.Duration `yaml:"rate_limit_max_backoff"`

	UnhealthyStreak  int           `yaml:"unhealthy_streak"`
	UnhealthyWindow  time.Duration `yaml:"unhealthy_window"`
	UnhealthyCoolOff time.Duration `yaml:"unhealthy_cool_off"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds management-API authentication settings. AdminToken is a
// shared secret presented via X-Admin-Token; it is the only way into the
// /admin/v1 surface, since the gateway otherwise knows callers only as
// ServiceKeys, which carry no management role.
type AuthConfig struct {
	AdminToken string `yaml:"admin_token"`
}

// FieldPathsEntry mirrors gateway.FieldPaths for YAML seeding.
type FieldPathsEntry struct {
	ModelPath            string `yaml:"model_path"`
	UsagePromptPath      string `yaml:"usage_prompt_path"`
	UsageCompletionPath  string `yaml:"usage_completion_path"`
	UsageCacheCreatePath string `yaml:"usage_cache_create_path"`
	UsageCacheReadPath   string `yaml:"usage_cache_read_path"`
	StreamEventDelimiter string `yaml:"stream_event_delimiter"`
	TerminalMarker       string `yaml:"terminal_marker"`
}

// OAuthEntry mirrors gateway.OAuthCatalogParams for YAML seeding.
type OAuthEntry struct {
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	PKCERequired bool     `yaml:"pkce_required"`
}

// ModelPriceEntry mirrors gateway.ModelPrice for YAML seeding.
type ModelPriceEntry struct {
	PromptPrice      float64 `yaml:"prompt_price"`
	CompletionPrice  float64 `yaml:"completion_price"`
	CacheCreatePrice float64 `yaml:"cache_create_price"`
	CacheReadPrice   float64 `yaml:"cache_read_price"`
}

// ProviderTypeEntry is one upstream API family in the catalog: how to
// build its adapter, how to extract usage from its responses for
// strategy-driven billing, and which models it prices.
type ProviderTypeEntry struct {
	ID               string                     `yaml:"id"`
	DisplayName      string                     `yaml:"display_name"`
	BaseURL          string                     `yaml:"base_url"`
	AuthHeaderName   string                     `yaml:"auth_header_name"`
	AuthHeaderFormat string                     `yaml:"auth_header_format"`
	SupportsAuthTypes []string                  `yaml:"supports_auth_types"`
	FieldPaths       FieldPathsEntry            `yaml:"field_paths"`
	OAuth            *OAuthEntry                `yaml:"oauth"`
	PriceTable       map[string]ModelPriceEntry `yaml:"price_table"`
}

// ProviderKeyEntry is one pooled upstream credential seeded under a
// ServiceKeyEntry.
type ProviderKeyEntry struct {
	ProviderTypeID    string `yaml:"provider_type_id"`
	AuthType          string `yaml:"auth_type"` // "api_key" | "oauth"
	Secret            string `yaml:"secret"`    // for auth_type=api_key
	Weight            int    `yaml:"weight"`
	MaxRequestPerMin  int    `yaml:"max_request_per_min"`
	MaxPromptTokenMin int    `yaml:"max_prompt_token_min"`
	MaxRequestPerDay  int    `yaml:"max_request_per_day"`
	ProjectID         string `yaml:"project_id"`
}

// QuotaEntry mirrors gateway.QuotaLimits for YAML seeding.
type QuotaEntry struct {
	MaxRequestsPerMinute int64   `yaml:"max_requests_per_minute"`
	MaxRequestsPerDay    int64   `yaml:"max_requests_per_day"`
	MaxTokensPerDay      int64   `yaml:"max_tokens_per_day"`
	MaxCostPerDay        float64 `yaml:"max_cost_per_day"`
}

// ServiceKeyEntry is a caller-facing bearer key seeded at bootstrap, with
// its own pool of ProviderKeys drawn from one ProviderType.
type ServiceKeyEntry struct {
	DisplayName    string             `yaml:"display_name"`
	OwnerUserID    string             `yaml:"owner_user_id"`
	Key            string             `yaml:"key"` // plaintext "gnd_..." secret, hashed on bootstrap
	ProviderTypeID string             `yaml:"provider_type_id"`
	ProviderKeys   []ProviderKeyEntry `yaml:"provider_keys"`
	Strategy       string             `yaml:"strategy"` // round_robin | weighted | health_best | smart
	RetryCount     int                `yaml:"retry_count"`
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	Quota          QuotaEntry         `yaml:"quota"`
	TimeZone       string             `yaml:"time_zone"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "gandalf.db",
		},
		Selector: SelectorConfig{
			RateLimitStreak:     3,
			RateLimitWindow:     60 * time.Second,
			RateLimitBackoff:    60 * time.Second,
			RateLimitMaxBackoff: 15 * time.Minute,

			UnhealthyStreak:  5,
			UnhealthyWindow:  5 * time.Minute,
			UnhealthyCoolOff: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
