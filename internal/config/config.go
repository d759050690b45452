package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Roles       string            `toml:"roles"`
	Database    DatabaseConfig    `toml:"database"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	Arbitration ArbitrationConfig `toml:"arbitration"`
	Plugins     PluginsConfig     `toml:"plugins"`
	Observer    ObserverConfig    `toml:"observer"`
}

type DatabaseConfig struct {
	// Driver selects the node store: "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
	// CacheCapacity bounds the graph's in-memory node cache.
	CacheCapacity int `toml:"cache_capacity"`
}

type DispatcherConfig struct {
	Concurrency int  `toml:"concurrency"`
	TimeoutMS   int  `toml:"timeout_ms"`
	MaxRetries  int  `toml:"max_retries"`
	BaseDelayMS int  `toml:"base_delay_ms"`
	Jitter      bool `toml:"jitter"`
	// RPM and TPM rate-limit each agent invoker per minute. Zero disables.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type ArbitrationConfig struct {
	DefaultStrategy  string `toml:"default_strategy"`
	FallbackStrategy string `toml:"fallback_strategy"`
	TimeoutMS        int    `toml:"timeout_ms"`
	// TaskTypeStrategies maps task types to strategy names.
	TaskTypeStrategies map[string]string `toml:"task_type_strategies"`
	// Circuit breaker knobs are parsed for strategy configs that read them;
	// the engine itself does not trip circuits.
	CircuitThreshold int `toml:"circuit_threshold"`
	CircuitCooldownS int `toml:"circuit_cooldown_s"`
}

type PluginsConfig struct {
	// Dir is scanned for strategy_*.go plugin files. Empty disables discovery.
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	AuditLog string `toml:"audit_log"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Roles: "roles.toml",
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Path:          "concord.db",
			CacheCapacity: 1024,
		},
		Dispatcher: DispatcherConfig{
			Concurrency: 4,
			TimeoutMS:   30_000,
			MaxRetries:  3,
			BaseDelayMS: 1_000,
		},
		Arbitration: ArbitrationConfig{
			DefaultStrategy:  "confidence_weight",
			FallbackStrategy: "majority_vote",
			TimeoutMS:        30_000,
		},
		Plugins: PluginsConfig{Dir: "plugins"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "concord.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONCORD_ROLES"); v != "" {
		cfg.Roles = v
	}
	if v := os.Getenv("CONCORD_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CONCORD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONCORD_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CONCORD_PLUGINS_DIR"); v != "" {
		cfg.Plugins.Dir = v
	}
	if v := os.Getenv("CONCORD_DEFAULT_STRATEGY"); v != "" {
		cfg.Arbitration.DefaultStrategy = v
	}
	if v := os.Getenv("CONCORD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.Concurrency = n
		}
	}
	if v := os.Getenv("CONCORD_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("CONCORD_AUDIT_LOG"); v != "" {
		cfg.Observer.AuditLog = v
	}

	return cfg
}
