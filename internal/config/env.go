package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the CREDIBILL_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "CREDIBILL_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "CREDIBILL_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "CREDIBILL_ADMIN_API_KEY")
	if v := os.Getenv("CREDIBILL_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Log config
	setIfEnv(&c.Log.Level, "CREDIBILL_LOG_LEVEL")
	setIfEnv(&c.Log.Format, "CREDIBILL_LOG_FORMAT")
	setIfEnv(&c.Log.Environment, "CREDIBILL_ENVIRONMENT")

	// Provider config
	setIfEnv(&c.Plisio.APIKey, "CREDIBILL_PLISIO_API_KEY")
	setIfEnv(&c.Plisio.BaseURL, "CREDIBILL_PLISIO_BASE_URL")
	setIfEnv(&c.Plisio.SourceCurrency, "CREDIBILL_PLISIO_SOURCE_CURRENCY")
	setIfEnv(&c.Plisio.CallbackURL, "CREDIBILL_PLISIO_CALLBACK_URL")
	setDurationIfEnv(&c.Plisio.Timeout, "CREDIBILL_PLISIO_TIMEOUT")

	// Billing config
	if v := os.Getenv("CREDIBILL_SUPPORTED_CURRENCIES"); v != "" {
		c.Billing.SupportedCurrencies = splitAndTrim(v)
	}
	setIfEnv(&c.Billing.OrderPrefix, "CREDIBILL_ORDER_PREFIX")
	setDurationIfEnv(&c.Billing.ReconcileInterval, "CREDIBILL_RECONCILE_INTERVAL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "CREDIBILL_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "CREDIBILL_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "CREDIBILL_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "CREDIBILL_MONGODB_DATABASE")
	setIfEnv(&c.Storage.TransactionsTable, "CREDIBILL_TRANSACTIONS_TABLE")
	setIfEnv(&c.Storage.BalancesTable, "CREDIBILL_BALANCES_TABLE")

	// Identity config
	setBoolIfEnv(&c.Identity.Enabled, "CREDIBILL_IDENTITY_ENABLED")
	// Load user API keys (CREDIBILL_USER_KEY_<NAME>=<api-key>:<user-id>)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "CREDIBILL_USER_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		kv := strings.SplitN(parts[1], ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		if c.Identity.Keys == nil {
			c.Identity.Keys = make(map[string]string)
		}
		c.Identity.Keys[kv[0]] = kv[1]
	}

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "CREDIBILL_RATELIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "CREDIBILL_RATELIMIT_GLOBAL_LIMIT")
	setDurationIfEnv(&c.RateLimit.GlobalWindow, "CREDIBILL_RATELIMIT_GLOBAL_WINDOW")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "CREDIBILL_RATELIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "CREDIBILL_RATELIMIT_PER_IP_LIMIT")
	setDurationIfEnv(&c.RateLimit.PerIPWindow, "CREDIBILL_RATELIMIT_PER_IP_WINDOW")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "CREDIBILL_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// splitAndTrim splits a comma-separated value and trims whitespace from each item.
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
