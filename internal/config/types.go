package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the credits billing server.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Plisio         PlisioConfig         `yaml:"plisio"`
	Billing        BillingConfig        `yaml:"billing"`
	Storage        StorageConfig        `yaml:"storage"`
	Identity       IdentityConfig       `yaml:"identity"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	RoutePrefix        string   `yaml:"route_prefix"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// AdminAPIKey protects the reconcile/cleanup triggers and /metrics.
	// Empty disables the check (development only).
	AdminAPIKey string `yaml:"admin_api_key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// PlisioConfig holds settings for the crypto invoicing provider.
type PlisioConfig struct {
	// APIKey is the server-held secret. It authenticates outbound calls
	// (query parameter) and is the HMAC secret for inbound callbacks.
	APIKey string `yaml:"api_key"`

	BaseURL        string   `yaml:"base_url"`
	SourceCurrency string   `yaml:"source_currency"` // fiat pricing currency, e.g. EUR
	CallbackURL    string   `yaml:"callback_url"`    // public URL the provider posts status to
	Timeout        Duration `yaml:"timeout"`
}

// BillingConfig holds credit purchase settings.
type BillingConfig struct {
	// SupportedCurrencies is the fixed allow-list validated at issuance time.
	SupportedCurrencies []string `yaml:"supported_currencies"`

	// OrderPrefix is prepended to generated order numbers.
	OrderPrefix string `yaml:"order_prefix"`

	// ReconcileInterval enables the background sweep when > 0.
	ReconcileInterval Duration `yaml:"reconcile_interval"`
}

// StorageConfig holds persistence backend settings.
type StorageConfig struct {
	Backend           string `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL       string `yaml:"postgres_url"`
	MongoDBURL        string `yaml:"mongodb_url"`
	MongoDBDatabase   string `yaml:"mongodb_database"`
	TransactionsTable string `yaml:"transactions_table"`
	BalancesTable     string `yaml:"balances_table"`
}

// IdentityConfig maps user API keys to internal user IDs.
// This models the externally-provided "authenticated user identity" collaborator.
type IdentityConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // api key -> user id
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`
	PerIPEnabled  bool     `yaml:"per_ip_enabled"`
	PerIPLimit    int      `yaml:"per_ip_limit"`
	PerIPWindow   Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker settings for external services.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Provider BreakerServiceConfig `yaml:"provider"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// Duration wraps time.Duration for YAML parsing of values like "30s", "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}
