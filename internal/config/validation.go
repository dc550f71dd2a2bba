package config

import (
	"fmt"
	"strings"
)

// finalize validates the configuration and normalizes derived values.
// Called after YAML parsing and environment overrides.
func (c *Config) finalize() error {
	if c.Server.Address == "" {
		return fmt.Errorf("config: server address is required")
	}

	if c.Plisio.APIKey == "" {
		return fmt.Errorf("config: plisio api_key is required (CREDIBILL_PLISIO_API_KEY)")
	}
	if c.Plisio.BaseURL == "" {
		return fmt.Errorf("config: plisio base_url is required")
	}
	c.Plisio.BaseURL = strings.TrimSuffix(c.Plisio.BaseURL, "/")
	if c.Plisio.Timeout.Duration <= 0 {
		return fmt.Errorf("config: plisio timeout must be positive")
	}

	if len(c.Billing.SupportedCurrencies) == 0 {
		return fmt.Errorf("config: at least one supported currency is required")
	}
	// Currency allow-list is matched case-insensitively; store upper-case once.
	for i, cur := range c.Billing.SupportedCurrencies {
		c.Billing.SupportedCurrencies[i] = strings.ToUpper(strings.TrimSpace(cur))
	}
	c.Plisio.SourceCurrency = strings.ToUpper(strings.TrimSpace(c.Plisio.SourceCurrency))

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("config: postgres backend requires postgres_url")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			return fmt.Errorf("config: mongodb backend requires mongodb_url")
		}
		if c.Storage.MongoDBDatabase == "" {
			c.Storage.MongoDBDatabase = "credibill"
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q (want memory, postgres, or mongodb)", c.Storage.Backend)
	}

	if c.Identity.Enabled && len(c.Identity.Keys) == 0 {
		return fmt.Errorf("config: identity enabled but no user API keys configured")
	}

	return nil
}
