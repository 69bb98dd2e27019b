// Package config provides unified configuration for the toolrunner server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (TOOLRUNNER_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"slices"
	"time"
)

// Config holds all configuration for the toolrunner server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Gate          GateConfig          `yaml:"gate"`
	Pool          PoolConfig          `yaml:"pool"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Validation    ValidationConfig    `yaml:"validation"`
	Observability ObservabilityConfig `yaml:"observability"`
	MCP           MCPConfig           `yaml:"mcp"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 60s
}

// StorageConfig holds persistence settings for tools, session windows,
// execution audit records, and the tenant vault.
type StorageConfig struct {
	Type       string         `yaml:"type"`        // "memory" or "postgres", default: "memory"
	MaxResults int            `yaml:"max_results"` // memory audit ring size, default: 10000
	Postgres   PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: true
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey", "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-tenant request rate limits. Zero disables.
type RateLimitConfig struct {
	RequestsPerMinute int                       `yaml:"requests_per_minute"`
	Tiers             map[string]TierRateConfig `yaml:"tiers"` // per service tier overrides
}

// TierRateConfig is the rate limit of one service tier.
type TierRateConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"` // default: requests_per_minute
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig holds JWT/OIDC bearer token settings.
type JWTConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	JWKSURL     string `yaml:"jwks_url"`
	TenantClaim string `yaml:"tenant_claim"` // default: "tenant_id"
	TierClaim   string `yaml:"tier_claim"`   // default: "tier"
}

// GateConfig holds session/quota admission settings.
type GateConfig struct {
	InactivityTimeout    time.Duration  `yaml:"inactivity_timeout"`     // default: 30m
	DefaultSessionsLimit int            `yaml:"default_sessions_limit"` // default: 25; <= 0 means unlimited
	ReconcileInterval    time.Duration  `yaml:"reconcile_interval"`     // default: 5m; 0 disables
	Tenants              []TenantConfig `yaml:"tenants"`
}

// TenantConfig seeds the static billing source with per-tenant limits.
type TenantConfig struct {
	ID            string `yaml:"id" json:"id"`
	SessionsLimit int    `yaml:"sessions_limit" json:"sessions_limit"`
	SessionsUsed  int    `yaml:"sessions_used" json:"sessions_used"`
	Tier          string `yaml:"tier" json:"tier"`
}

// PoolConfig holds worker pool sizing and lifecycle settings.
type PoolConfig struct {
	Defaults  PoolSizing            `yaml:"defaults"`
	Languages map[string]PoolSizing `yaml:"languages"` // per-language overrides keyed by language

	// Dedicated lists service tiers that receive their own pool partition.
	Dedicated []string `yaml:"dedicated"`

	ScaleInterval    time.Duration `yaml:"scale_interval"`    // default: 5s
	HealthInterval   time.Duration `yaml:"health_interval"`   // default: 30s
	ProvisionTimeout time.Duration `yaml:"provision_timeout"` // default: 10s
	MaxQueueWait     time.Duration `yaml:"max_queue_wait"`    // default: 5s
}

// PoolSizing holds the sizing knobs of one pool partition. Zero values
// inherit from PoolConfig.Defaults.
type PoolSizing struct {
	MinWarm       int           `yaml:"min_warm"`       // default: 1
	MaxSize       int           `yaml:"max_size"`       // default: 8
	IdleTTL       time.Duration `yaml:"idle_ttl"`       // default: 5m
	MaxExecutions int           `yaml:"max_executions"` // default: 0 (never recycle)
}

// RuntimeConfig selects and configures the sandbox runtime.
type RuntimeConfig struct {
	Type       string                  `yaml:"type"` // "process" or "kubernetes", default: "process"
	Process    ProcessRuntimeConfig    `yaml:"process"`
	Kubernetes KubernetesRuntimeConfig `yaml:"kubernetes"`
}

// ProcessRuntimeConfig configures local subprocess sandboxes.
type ProcessRuntimeConfig struct {
	PythonPath  string `yaml:"python_path"`  // default: "python3"
	NodePath    string `yaml:"node_path"`    // default: "node"
	ScratchRoot string `yaml:"scratch_root"` // default: os.TempDir()
	MemoryLimit int64  `yaml:"memory_limit"` // address-space bytes, default: 512 MiB
	CPUSeconds  int64  `yaml:"cpu_seconds"`  // default: 30
	MaxOutput   int    `yaml:"max_output"`   // bytes of stdout accepted, default: 1 MiB

	// ReadOnlyPaths are the directories a sandbox may read besides its
	// scratch directory. Empty selects the process runtime defaults.
	ReadOnlyPaths []string `yaml:"read_only_paths"`
	Unconfined    bool     `yaml:"unconfined"` // disable Landlock confinement
}

// KubernetesRuntimeConfig configures agent-sandbox backed workers.
type KubernetesRuntimeConfig struct {
	Namespace         string            `yaml:"namespace"` // default: "default"
	Templates         map[string]string `yaml:"templates"` // language -> SandboxTemplate name
	ClaimTimeout      time.Duration     `yaml:"claim_timeout"`
	ServerPort        int               `yaml:"server_port"`  // sandbox-server port, default: 8080
	CallbackURL       string            `yaml:"callback_url"` // vault callback base URL
	CapabilityKey     string            `yaml:"capability_key"`
	CapabilityKeyFile string            `yaml:"capability_key_file"` // _file variant
}

// OrchestratorConfig holds execution deadline and retry settings.
type OrchestratorConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"` // default: 30s
	MaxDeadline     time.Duration `yaml:"max_deadline"`     // default: 30s
	MaxRetries      int           `yaml:"max_retries"`      // default: 3
	InitialBackoff  time.Duration `yaml:"initial_backoff"`  // default: 100ms
	MaxBackoff      time.Duration `yaml:"max_backoff"`      // default: 2s
}

// ValidationConfig holds registration-time static checks.
type ValidationConfig struct {
	// Forbidden overrides the identifier denylist per language.
	Forbidden      map[string][]string `yaml:"forbidden"`
	MaxSourceBytes int                 `yaml:"max_source_bytes"` // default: 256 KiB
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig feeds debug.Init. TOOLRUNNER_DEBUG, TOOLRUNNER_LOG_LEVEL
// and TOOLRUNNER_LOG_FORMAT take precedence.
type LoggingConfig struct {
	Debug  string `yaml:"debug"`  // comma-separated categories
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" or "json", default: "text"
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"` // OTLP/HTTP endpoint; empty disables export
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"` // default: "toolrunner"
}

// MCPConfig holds the MCP server surface settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/mcp"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			Type:       "memory",
			MaxResults: 10000,
			Postgres: PostgresConfig{
				MaxConns:       25,
				MigrateOnStart: true,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Gate: GateConfig{
			InactivityTimeout:    30 * time.Minute,
			DefaultSessionsLimit: 25,
			ReconcileInterval:    5 * time.Minute,
		},
		Pool: PoolConfig{
			Defaults: PoolSizing{
				MinWarm: 1,
				MaxSize: 8,
				IdleTTL: 5 * time.Minute,
			},
			ScaleInterval:    5 * time.Second,
			HealthInterval:   30 * time.Second,
			ProvisionTimeout: 10 * time.Second,
			MaxQueueWait:     5 * time.Second,
		},
		Runtime: RuntimeConfig{
			Type: "process",
			Process: ProcessRuntimeConfig{
				PythonPath:  "python3",
				NodePath:    "node",
				MemoryLimit: 512 << 20,
				CPUSeconds:  30,
				MaxOutput:   1 << 20,
			},
			Kubernetes: KubernetesRuntimeConfig{
				Namespace:    "default",
				ClaimTimeout: 2 * time.Minute,
				ServerPort:   8080,
			},
		},
		Orchestrator: OrchestratorConfig{
			DefaultDeadline: 30 * time.Second,
			MaxDeadline:     30 * time.Second,
			MaxRetries:      3,
			InitialBackoff:  100 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
		},
		Validation: ValidationConfig{
			MaxSourceBytes: 256 << 10,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  "INFO",
				Format: "text",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				ServiceName: "toolrunner",
			},
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
	}
}

// SizingFor returns the effective pool sizing for a language, with zero
// fields inherited from the defaults.
func (p PoolConfig) SizingFor(language string) PoolSizing {
	s := p.Defaults
	o, ok := p.Languages[language]
	if !ok {
		return s
	}
	if o.MinWarm != 0 {
		s.MinWarm = o.MinWarm
	}
	if o.MaxSize != 0 {
		s.MaxSize = o.MaxSize
	}
	if o.IdleTTL != 0 {
		s.IdleTTL = o.IdleTTL
	}
	if o.MaxExecutions != 0 {
		s.MaxExecutions = o.MaxExecutions
	}
	return s
}

// KnownTiers returns every service tier the configuration names: the
// dedicated pool tiers, the rate limited tiers and the tiers of seeded
// tenants.
func (c *Config) KnownTiers() []string {
	var tiers []string
	add := func(t string) {
		if t != "" && !slices.Contains(tiers, t) {
			tiers = append(tiers, t)
		}
	}
	for _, t := range c.Pool.Dedicated {
		add(t)
	}
	for t := range c.Auth.RateLimit.Tiers {
		add(t)
	}
	for _, t := range c.Gate.Tenants {
		add(t.Tier)
	}
	slices.Sort(tiers)
	return tiers
}
