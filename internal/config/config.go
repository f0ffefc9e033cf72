package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Redis    RedisConfig    `toml:"redis"`
	Bus      BusConfig      `toml:"bus"`
	Webhook  WebhookConfig  `toml:"webhook"`
	GitHub   GitHubConfig   `toml:"github"`
	Worker   WorkerConfig   `toml:"worker"`
	Cache    CacheConfig    `toml:"cache"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type BusConfig struct {
	Prefix   string `toml:"prefix"`
	PoolMin  int    `toml:"pool_min"`
	PoolCap  int    `toml:"pool_cap"`
	PoolWarm int    `toml:"pool_warm"`
}

type WebhookConfig struct {
	Addr           string   `toml:"addr"`
	Path           string   `toml:"path"`
	Secret         string   `toml:"secret"`
	Trigger        string   `toml:"trigger"`
	BotLogins      []string `toml:"bot_logins"`
	StaleAfterMins int      `toml:"stale_after_minutes"`
}

type GitHubConfig struct {
	ConfigDir string `toml:"config_dir"`
}

type WorkerConfig struct {
	Agent         string `toml:"agent"`
	Group         string `toml:"group"`
	WallClockMins int    `toml:"wall_clock_minutes"`
	Retention     int64  `toml:"retention"`
}

type CacheConfig struct {
	TTLMins       int `toml:"ttl_minutes"`
	MaxEntries    int `toml:"max_entries"`
	MaxPerRequest int `toml:"max_per_request"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"` // "sqlite" or "postgres"
	Path        string `toml:"path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Bus:     BusConfig{Prefix: "lilac"},
		Webhook: WebhookConfig{Addr: ":8787", Path: "/webhook", Trigger: "/lilac", StaleAfterMins: 30},
		GitHub:  GitHubConfig{ConfigDir: "."},
		Worker:  WorkerConfig{Group: "workers", WallClockMins: 60, Retention: 4096},
		Cache:   CacheConfig{TTLMins: 30, MaxEntries: 256, MaxPerRequest: 512},
		Store:   StoreConfig{Backend: "sqlite", Path: "lilac.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "lilac.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LILAC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LILAC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LILAC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("LILAC_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("LILAC_WEBHOOK_ADDR"); v != "" {
		cfg.Webhook.Addr = v
	}
	if v := os.Getenv("LILAC_GITHUB_CONFIG_DIR"); v != "" {
		cfg.GitHub.ConfigDir = v
	}
	if v := os.Getenv("LILAC_POSTGRES_DSN"); v != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.PostgresDSN = v
	}
	if os.Getenv("LILAC_OBSERVER_ENABLED") == "true" || os.Getenv("LILAC_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
