package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Plisio: PlisioConfig{
			BaseURL:        "https://api.plisio.net/api/v1",
			SourceCurrency: "EUR",
			Timeout:        Duration{Duration: 10 * time.Second},
		},
		Billing: BillingConfig{
			SupportedCurrencies: []string{
				"ETH", "BTC", "LTC", "DASH", "ZEC", "DOGE", "BCH", "XMR",
				"USDT", "USDC", "SHIB", "BTT_TRX", "USDT_TRX", "TRX",
				"BNB", "BUSD", "USDT_BSC", "ETC", "TON",
			},
			OrderPrefix: "ORDER",
			// 0 disables the background sweep; the reconcile endpoint still works.
			ReconcileInterval: Duration{Duration: 0},
		},
		Storage: StorageConfig{
			Backend:           "memory",
			TransactionsTable: "transactions",
			BalancesTable:     "user_credits",
		},
		Identity: IdentityConfig{
			Enabled: true,
			Keys:    make(map[string]string),
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to stop spam, not restrict legitimate use
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Provider: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
