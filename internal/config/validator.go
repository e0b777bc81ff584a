package config

import (
	"fmt"
	"math"
)

// weightSumTolerance is the allowed deviation of the selection weight sum
// from 1.0.
const weightSumTolerance = 0.001

// Validate checks the configuration for errors. It must be called after
// ApplyDefaults.
func (c *RouterConfig) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.validate(); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true
	}

	if err := c.Selection.validate(); err != nil {
		return fmt.Errorf("selection: %w", err)
	}
	if err := c.CircuitBreaker.validate(); err != nil {
		return fmt.Errorf("circuitBreaker: %w", err)
	}
	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := c.Cache.validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Secrets.validate(); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	return nil
}

func (b *BackendConfig) validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.Class != BackendClassCloud && b.Class != BackendClassSelfHosted {
		return fmt.Errorf("class must be %q or %q, got %q",
			BackendClassCloud, BackendClassSelfHosted, b.Class)
	}
	if b.CostPerToken < 0 {
		return fmt.Errorf("costPerToken must not be negative")
	}
	if b.Priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}
	if b.BaseURL == "" {
		return fmt.Errorf("baseURL is required")
	}
	return nil
}

func (s *SelectionConfig) validate() error {
	for name, w := range map[string]float64{
		"availabilityWeight": s.AvailabilityWeight,
		"costWeight":         s.CostWeight,
		"performanceWeight":  s.PerformanceWeight,
		"preferenceWeight":   s.PreferenceWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %g", name, w)
		}
	}
	sum := s.AvailabilityWeight + s.CostWeight + s.PerformanceWeight + s.PreferenceWeight
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %g", sum)
	}
	return nil
}

func (c *CircuitBreakerConfig) validate() error {
	if c.TripThreshold < 1 {
		return fmt.Errorf("tripThreshold must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoffBase must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoffMax must not be below backoffBase")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probeInterval must be positive")
	}
	if c.ProbeConcurrency < 1 {
		return fmt.Errorf("probeConcurrency must be at least 1")
	}
	return nil
}

func (d *DispatchConfig) validate() error {
	if d.RequestDeadline <= 0 {
		return fmt.Errorf("requestDeadline must be positive")
	}
	if d.SafetyMargin < 0 {
		return fmt.Errorf("safetyMargin must not be negative")
	}
	if d.SafetyMargin.Duration() >= d.RequestDeadline.Duration() {
		return fmt.Errorf("safetyMargin must be below requestDeadline")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("maxBytes must be positive")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.Durable != nil {
		switch c.Durable.Type {
		case DurableStoreSQLite:
			if c.Durable.Path == "" {
				return fmt.Errorf("durable.path is required for sqlite")
			}
		case DurableStoreRedis:
			if c.Durable.URL == "" {
				return fmt.Errorf("durable.url is required for redis")
			}
		default:
			return fmt.Errorf("durable.type must be %q or %q, got %q",
				DurableStoreSQLite, DurableStoreRedis, c.Durable.Type)
		}
	}
	return nil
}

func (s *SecretsConfig) validate() error {
	switch s.Source {
	case "env":
		return nil
	case "vault":
		if s.Vault == nil || s.Vault.Address == "" {
			return fmt.Errorf("vault.address is required when source is vault")
		}
		return nil
	default:
		return fmt.Errorf("source must be \"env\" or \"vault\", got %q", s.Source)
	}
}
