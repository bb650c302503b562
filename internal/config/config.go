// Package config assembles recall's configuration. Defaults come from each
// package's own DefaultConfig; an optional YAML file is overlaid on top and
// RECALL_* environment variables win over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/cache"
	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/graphdb"
	"github.com/omnii/recall/internal/schedule"
	"github.com/omnii/recall/internal/temporal"
)

const (
	BackendSQLite = "sqlite"
	BackendNeo4j  = "neo4j"
	BackendRedis  = "redis"
)

type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Log      LogConfig             `yaml:"log"`
	Database DatabaseConfig        `yaml:"database"`
	Graph    GraphConfig           `yaml:"graph"`
	Cache    CacheConfig           `yaml:"cache"`
	Temporal temporal.Config       `yaml:"temporal"`
	Slots    schedule.SlotConfig   `yaml:"slots"`
	Actions  schedule.ActionBoosts `yaml:"actions"`
	Memory   engine.Config         `yaml:"memory"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// RateLimit is the sustained request rate per client IP; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Mode string `yaml:"mode"` // "dev" or "prod"
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty resolves to store.DefaultDBPath()
}

type GraphConfig struct {
	Backend        string `yaml:"backend"`
	graphdb.Config `yaml:",inline"`
}

type CacheConfig struct {
	Backend        string          `yaml:"backend"`
	Redis          RedisConfig     `yaml:"redis"`
	StaleRetention time.Duration   `yaml:"stale_retention"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	RetryBackoff   time.Duration   `yaml:"retry_backoff"`
	TTL            cache.TTLPolicy `yaml:"ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            37777,
			RateLimit:       50,
			RateBurst:       100,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Mode: "dev"},
		Graph: GraphConfig{
			Backend: BackendSQLite,
			Config: graphdb.Config{
				User:            "neo4j",
				MaxPool:         50,
				Timeout:         10 * time.Second,
				BreakerFailures: 5,
				BreakerCooldown: 30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Backend:        BackendSQLite,
			Redis:          RedisConfig{Addr: "localhost:6379", Prefix: "recall"},
			StaleRetention: 7 * 24 * time.Hour,
			SweepInterval:  time.Hour,
			RetryBackoff:   200 * time.Millisecond,
			TTL:            cache.DefaultTTLPolicy(),
		},
		Temporal: temporal.DefaultConfig(),
		Slots:    schedule.DefaultSlotConfig(),
		Actions:  schedule.DefaultActionBoosts(),
		Memory:   engine.DefaultConfig(),
	}
}

// DefaultConfigPath returns ~/.recall/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall", "config.yaml"), nil
}

// Load overlays the YAML file at path onto Default, then applies the
// environment. A missing file is fine when path is the default location;
// an explicitly named file must exist.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, apperr.Validation("config.load", "parse %s: %v", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Bind = getEnv("RECALL_BIND", c.Server.Bind)
	c.Log.Mode = getEnv("RECALL_LOG_MODE", c.Log.Mode)
	c.Database.Path = getEnv("RECALL_DB_PATH", c.Database.Path)

	c.Graph.Backend = strings.ToLower(getEnv("RECALL_GRAPH_BACKEND", c.Graph.Backend))
	c.Graph.URI = getEnv("RECALL_NEO4J_URI", c.Graph.URI)
	c.Graph.User = getEnv("RECALL_NEO4J_USER", c.Graph.User)
	c.Graph.Password = getEnv("RECALL_NEO4J_PASSWORD", c.Graph.Password)
	c.Graph.Database = getEnv("RECALL_NEO4J_DATABASE", c.Graph.Database)

	c.Cache.Backend = strings.ToLower(getEnv("RECALL_CACHE_BACKEND", c.Cache.Backend))
	c.Cache.Redis.Addr = getEnv("RECALL_REDIS_ADDR", c.Cache.Redis.Addr)
	c.Cache.Redis.Password = getEnv("RECALL_REDIS_PASSWORD", c.Cache.Redis.Password)

	var err error
	if c.Server.Port, err = getEnvInt("RECALL_PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Cache.Redis.DB, err = getEnvInt("RECALL_REDIS_DB", c.Cache.Redis.DB); err != nil {
		return err
	}
	return nil
}

// Validate checks the composed configuration, including every embedded
// package config.
func (c Config) Validate() error {
	const op = "config.validate"
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperr.Validation(op, "server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst <= 0) {
		return apperr.Validation(op, "server.rate_burst must be positive when rate_limit is set")
	}

	switch c.Graph.Backend {
	case BackendSQLite:
	case BackendNeo4j:
		if strings.TrimSpace(c.Graph.URI) == "" {
			return apperr.Validation(op, "graph.uri is required for the neo4j backend")
		}
	default:
		return apperr.Validation(op, "unknown graph backend %q", c.Graph.Backend)
	}

	switch c.Cache.Backend {
	case BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Cache.Redis.Addr) == "" {
			return apperr.Validation(op, "cache.redis.addr is required for the redis backend")
		}
	default:
		return apperr.Validation(op, "unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.StaleRetention < 0 || c.Cache.SweepInterval < 0 {
		return apperr.Validation(op, "cache retention and sweep interval must not be negative")
	}

	for _, v := range []interface{ Validate() error }{c.Cache.TTL, c.Temporal, c.Slots, c.Actions, c.Memory} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("config.env", "%s: %q is not an integer", key, v)
	}
	return n, nil
}
