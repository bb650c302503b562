package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/omnii/recall/internal/cache"
	"github.com/omnii/recall/internal/config"
	"github.com/omnii/recall/internal/graphdb"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/metrics"
	"github.com/omnii/recall/internal/store"
)

// loadConfig reads --config, falling back to the default path where a
// missing file is not an error.
func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath, true)
	}
	path, err := config.DefaultConfigPath()
	if err != nil {
		return config.Load("", false)
	}
	return config.Load(path, false)
}

// backends holds the opened storage for one process.
type backends struct {
	db    *store.DB
	graph memory.Graph
	cache cache.Backend

	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openBackends opens SQLite and, when configured, Neo4j and Redis in its
// place. SQLite is always opened: it holds the cache table by default and is
// the fallback graph.
func openBackends(ctx context.Context, cfg config.Config, log *logger.Logger, m *metrics.Collector) (*backends, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Metrics = m

	b := &backends{db: db, graph: db, cache: db.CacheBackend()}
	b.closers = append(b.closers, db.Close)
	log.Info("database opened", "path", dbPath)

	if cfg.Graph.Backend == config.BackendNeo4j {
		g, err := graphdb.New(ctx, cfg.Graph.Config, log, m)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open neo4j: %w", err)
		}
		b.graph = g
		b.closers = append(b.closers, g.Close)
		log.Info("graph backend", "backend", "neo4j", "uri", cfg.Graph.URI)
	}

	if cfg.Cache.Backend == config.BackendRedis {
		rb, err := cache.NewRedisBackend(ctx, cache.RedisOptions{
			Addr:           cfg.Cache.Redis.Addr,
			Password:       cfg.Cache.Redis.Password,
			DB:             cfg.Cache.Redis.DB,
			Prefix:         cfg.Cache.Redis.Prefix,
			StaleRetention: cfg.Cache.StaleRetention,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		b.cache = rb
		b.closers = append(b.closers, rb.Close)
		log.Info("cache backend", "backend", "redis", "addr", cfg.Cache.Redis.Addr)
	}
	return b, nil
}

func newCache(b *backends, cfg config.Config, log *logger.Logger, m *metrics.Collector) *cache.Cache {
	return cache.New(b.cache, cache.Options{
		Policy:         cfg.Cache.TTL,
		StaleRetention: cfg.Cache.StaleRetention,
		RetryBackoff:   cfg.Cache.RetryBackoff,
		Logger:         log,
		Metrics:        m,
	})
}
