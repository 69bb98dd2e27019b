package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, TOOLRUNNER_CONFIG env, ./config.yaml, /etc/toolrunner/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. TOOLRUNNER_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/toolrunner/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("TOOLRUNNER_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/toolrunner/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps TOOLRUNNER_* environment variables to config fields.
// Malformed numeric or duration values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	var err error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = d
	}

	setInt("TOOLRUNNER_PORT", &cfg.Server.Port)
	setString("TOOLRUNNER_STORAGE", &cfg.Storage.Type)
	setString("TOOLRUNNER_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	setString("TOOLRUNNER_AUTH_TYPE", &cfg.Auth.Type)
	setString("TOOLRUNNER_JWT_ISSUER", &cfg.Auth.JWT.Issuer)
	setString("TOOLRUNNER_JWT_JWKS_URL", &cfg.Auth.JWT.JWKSURL)
	setInt("TOOLRUNNER_RATE_LIMIT_RPM", &cfg.Auth.RateLimit.RequestsPerMinute)
	setDuration("TOOLRUNNER_INACTIVITY_TIMEOUT", &cfg.Gate.InactivityTimeout)
	setInt("TOOLRUNNER_SESSIONS_LIMIT", &cfg.Gate.DefaultSessionsLimit)
	setString("TOOLRUNNER_RUNTIME", &cfg.Runtime.Type)
	setString("TOOLRUNNER_PYTHON", &cfg.Runtime.Process.PythonPath)
	setString("TOOLRUNNER_NODE", &cfg.Runtime.Process.NodePath)
	setString("TOOLRUNNER_SANDBOX_NAMESPACE", &cfg.Runtime.Kubernetes.Namespace)
	setString("TOOLRUNNER_CALLBACK_URL", &cfg.Runtime.Kubernetes.CallbackURL)
	setInt("TOOLRUNNER_POOL_MIN_WARM", &cfg.Pool.Defaults.MinWarm)
	setInt("TOOLRUNNER_POOL_MAX_SIZE", &cfg.Pool.Defaults.MaxSize)
	setDuration("TOOLRUNNER_MAX_QUEUE_WAIT", &cfg.Pool.MaxQueueWait)
	setDuration("TOOLRUNNER_DEADLINE", &cfg.Orchestrator.DefaultDeadline)
	setInt("TOOLRUNNER_MAX_RETRIES", &cfg.Orchestrator.MaxRetries)
	setString("TOOLRUNNER_OTLP_ENDPOINT", &cfg.Observability.Tracing.Endpoint)
	if err != nil {
		return err
	}

	// TOOLRUNNER_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("TOOLRUNNER_API_KEYS"); v != "" {
		keys, perr := parseAPIKeysJSON(v)
		if perr != nil {
			return perr
		}
		if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	// TOOLRUNNER_TENANTS: JSON array of tenant quota configs.
	if v := os.Getenv("TOOLRUNNER_TENANTS"); v != "" {
		var tenants []TenantConfig
		if perr := json.Unmarshal([]byte(v), &tenants); perr != nil {
			return fmt.Errorf("parsing tenants JSON: %w", perr)
		}
		cfg.Gate.Tenants = tenants
	}

	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	// runtime.kubernetes.capability_key_file -> runtime.kubernetes.capability_key
	k := &cfg.Runtime.Kubernetes
	if k.CapabilityKeyFile != "" && k.CapabilityKey == "" {
		val, err := readSecretFile(k.CapabilityKeyFile)
		if err != nil {
			return fmt.Errorf("runtime.kubernetes.capability_key_file: %w", err)
		}
		k.CapabilityKey = val
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
