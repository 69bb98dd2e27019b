package config

import (
	"errors"
	"fmt"
	"slices"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		tiers := c.KnownTiers()
		for i, k := range c.Auth.APIKeys {
			if k.TenantID == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].tenant_id is required", i))
			}
			if k.ServiceTier != "" && k.ServiceTier != "default" && !slices.Contains(tiers, k.ServiceTier) {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].service_tier %q is not a configured tier", i, k.ServiceTier))
			}
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.Auth.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit.requests_per_minute must be >= 0"))
	}
	for tier, t := range c.Auth.RateLimit.Tiers {
		if t.RequestsPerMinute < 0 || t.Burst < 0 {
			errs = append(errs, fmt.Errorf("auth.rate_limit.tiers.%s: rates must be >= 0", tier))
		}
	}

	if c.Gate.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gate.inactivity_timeout must be > 0, got %s", c.Gate.InactivityTimeout))
	}
	for i, t := range c.Gate.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("gate.tenants[%d].id is required", i))
		}
	}

	errs = append(errs, validateSizing("pool.defaults", c.Pool.Defaults)...)
	for lang := range c.Pool.Languages {
		switch lang {
		case "python", "javascript":
		default:
			errs = append(errs, fmt.Errorf("pool.languages: unsupported language %q", lang))
		}
		errs = append(errs, validateSizing("pool.languages."+lang, c.Pool.SizingFor(lang))...)
	}
	if c.Pool.ProvisionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.provision_timeout must be > 0"))
	}
	if c.Pool.MaxQueueWait < 0 {
		errs = append(errs, fmt.Errorf("pool.max_queue_wait must be >= 0"))
	}

	switch c.Runtime.Type {
	case "process":
	case "kubernetes":
		if len(c.Runtime.Kubernetes.Templates) == 0 {
			errs = append(errs, fmt.Errorf("runtime.kubernetes.templates is required when runtime.type is \"kubernetes\""))
		}
		if c.Runtime.Kubernetes.CallbackURL != "" && c.Runtime.Kubernetes.CapabilityKey == "" && c.Runtime.Kubernetes.CapabilityKeyFile == "" {
			errs = append(errs, fmt.Errorf("runtime.kubernetes.capability_key is required when callback_url is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("runtime.type must be \"process\" or \"kubernetes\", got %q", c.Runtime.Type))
	}

	o := c.Orchestrator
	if o.DefaultDeadline <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.default_deadline must be > 0"))
	}
	if o.MaxDeadline < o.DefaultDeadline {
		errs = append(errs, fmt.Errorf("orchestrator.max_deadline (%s) must be >= default_deadline (%s)", o.MaxDeadline, o.DefaultDeadline))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_retries must be >= 0, got %d", o.MaxRetries))
	}

	return errors.Join(errs...)
}

func validateSizing(path string, s PoolSizing) []error {
	var errs []error
	if s.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("%s.max_size must be > 0, got %d", path, s.MaxSize))
	}
	if s.MinWarm < 0 || s.MinWarm > s.MaxSize {
		errs = append(errs, fmt.Errorf("%s.min_warm must be between 0 and max_size, got %d", path, s.MinWarm))
	}
	if s.MaxExecutions < 0 {
		errs = append(errs, fmt.Errorf("%s.max_executions must be >= 0", path))
	}
	return errs
}
