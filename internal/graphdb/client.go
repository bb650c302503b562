// Package graphdb is the Neo4j implementation of memory.Graph. Every call
// goes through a circuit breaker; an open breaker or an unreachable server
// surfaces as apperr store_unavailable.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sony/gobreaker"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/metrics"
)

type Config struct {
	URI      string        `yaml:"uri"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	MaxPool  int           `yaml:"max_pool"`
	Timeout  time.Duration `yaml:"timeout"`

	// Breaker opens after this many consecutive backend failures.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type Graph struct {
	driver   neo4j.DriverWithContext
	database string
	breaker  *gobreaker.CircuitBreaker
	log      *logger.Logger
	metrics  *metrics.Collector
}

// New connects, verifies connectivity and ensures the schema constraints.
func New(ctx context.Context, cfg Config, log *logger.Logger, m *metrics.Collector) (*Graph, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, apperr.Validation("graphdb.new", "neo4j uri is required")
	}
	if cfg.User == "" {
		cfg.User = "neo4j"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPool <= 0 {
		cfg.MaxPool = 50
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxPool
		c.SocketConnectTimeout = cfg.Timeout
	})
	if err != nil {
		return nil, fmt.Errorf("graphdb: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, apperr.Unavailable("graphdb.new", fmt.Errorf("verify connectivity: %w", err))
	}

	g := &Graph{
		driver:   driver,
		database: cfg.Database,
		log:      log.With("component", "graphdb"),
		metrics:  m,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "neo4j",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.KindOf(err) == apperr.KindValidation ||
				apperr.KindOf(err) == apperr.KindNotFound ||
				errors.Is(err, context.Canceled) || errors.Is(err, memory.ErrVersionConflict)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	if err := g.EnsureSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return g, nil
}

// EnsureSchema creates the uniqueness constraints MERGE relies on.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT user_id_unique IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
		`CREATE CONSTRAINT message_id_unique IF NOT EXISTS FOR (m:ChatMessage) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT concept_id_unique IF NOT EXISTS FOR (c:Concept) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT memory_id_unique IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE INDEX message_user_ts IF NOT EXISTS FOR (m:ChatMessage) ON (m.user_id, m.timestamp)`,
		`CREATE INDEX concept_user IF NOT EXISTS FOR (c:Concept) ON (c.user_id)`,
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: g.database})
	defer session.Close(ctx)

	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return apperr.Unavailable("graphdb.schema", err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return apperr.Unavailable("graphdb.schema", err)
		}
	}
	return nil
}

func (g *Graph) Ping(ctx context.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return apperr.Unavailable("graphdb.ping", err)
	}
	return nil
}

func (g *Graph) Close() error {
	return g.driver.Close(context.Background())
}

// write runs fn in a managed write transaction behind the breaker.
func (g *Graph) write(ctx context.Context, op string, fn neo4j.ManagedTransactionWork) (any, error) {
	return g.run(ctx, op, neo4j.AccessModeWrite, fn)
}

func (g *Graph) read(ctx context.Context, op string, fn neo4j.ManagedTransactionWork) (any, error) {
	return g.run(ctx, op, neo4j.AccessModeRead, fn)
}

func (g *Graph) run(ctx context.Context, op string, mode neo4j.AccessMode, fn neo4j.ManagedTransactionWork) (out any, err error) {
	defer func(start time.Time) { g.metrics.ObserveGraph(op, start, err) }(time.Now())

	out, err = g.breaker.Execute(func() (any, error) {
		session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: g.database})
		defer session.Close(ctx)
		if mode == neo4j.AccessModeWrite {
			return session.ExecuteWrite(ctx, fn)
		}
		return session.ExecuteRead(ctx, fn)
	})
	return out, classify("graphdb."+op, err)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case apperr.KindOf(err) != "":
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.Unavailable(op, fmt.Errorf("circuit open: %w", err))
	}
	return apperr.Unavailable(op, err)
}

// collect runs a statement and drains its records.
func collect(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func exec(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) error {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}
