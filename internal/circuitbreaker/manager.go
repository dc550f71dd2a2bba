package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/credibill/server/internal/config"
)

// ServiceType identifies external services for circuit breaker isolation.
type ServiceType string

const (
	// ServiceProvider is the crypto invoicing provider API.
	ServiceProvider ServiceType = "provider_api"
)

// Manager manages circuit breakers for external services. Each service has its
// own breaker so a misbehaving dependency cannot trip calls to another.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear internal counts.
	Interval time.Duration

	// Timeout is the open-state period before transitioning to half-open.
	Timeout time.Duration

	// Trip conditions: consecutive failures, or failure ratio over a minimum
	// request count.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceProvider] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceProvider), BreakerConfig{
		MaxRequests:         cfg.Provider.MaxRequests,
		Interval:            cfg.Provider.Interval.Duration,
		Timeout:             cfg.Provider.Timeout.Duration,
		ConsecutiveFailures: cfg.Provider.ConsecutiveFailures,
		FailureRatio:        cfg.Provider.FailureRatio,
		MinRequests:         cfg.Provider.MinRequests,
	}))
	return m
}

// Execute wraps a function call with circuit breaker protection.
// If the breaker is disabled or not configured for the service, the function
// executes directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// IsOpen reports whether the breaker for a service is currently open.
func (m *Manager) IsOpen(service ServiceType) bool {
	if m == nil || !m.enabled {
		return false
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return false
	}
	return breaker.State() == gobreaker.StateOpen
}

func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	consecutive := cfg.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 5
	}
	ratio := cfg.FailureRatio
	if ratio == 0 {
		ratio = 0.5
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 10
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= consecutive {
				return true
			}
			if counts.Requests >= minRequests {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= ratio
			}
			return false
		},
	}
}
