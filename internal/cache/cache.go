// Package cache implements the typed freshness cache that fronts upstream
// fetches. Expiry is evaluated lazily on read: an expired entry is still
// returned, flagged Expired, until the sweeper reclaims it after the stale
// retention period.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/metrics"
	"github.com/omnii/recall/internal/retry"
)

// Result is what Get reports. StaleAt is the entry's expiry time.
type Result struct {
	Hit       bool            `json:"hit"`
	Expired   bool            `json:"expired"`
	Data      json.RawMessage `json:"data,omitempty"`
	StaleAt   *time.Time      `json:"stale_at,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

type Options struct {
	Policy         TTLPolicy
	StaleRetention time.Duration // how long expired entries survive a sweep
	RetryBackoff   time.Duration
	Clock          func() time.Time
	Logger         *logger.Logger
	Metrics        *metrics.Collector
}

type Cache struct {
	backend        Backend
	policy         TTLPolicy
	staleRetention time.Duration
	backoff        time.Duration
	now            func() time.Time
	log            *logger.Logger
	metrics        *metrics.Collector

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(backend Backend, opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Cache{
		backend:        backend,
		policy:         opts.Policy,
		staleRetention: opts.StaleRetention,
		backoff:        opts.RetryBackoff,
		now:            opts.Clock,
		log:            opts.Logger.With("component", "cache"),
		metrics:        opts.Metrics,
	}
}

// Policy returns the TTL table in effect.
func (c *Cache) Policy() TTLPolicy {
	return c.policy
}

// Get reads an entry. A miss is not an error.
func (c *Cache) Get(ctx context.Context, userID string, dt DataType, cacheKey string) (Result, error) {
	k, err := makeKey("cache.get", userID, dt, cacheKey)
	if err != nil {
		return Result{}, err
	}

	var (
		e     Entry
		found bool
	)
	err = retry.Once(ctx, c.backoff, func(ctx context.Context) error {
		var err error
		e, found, err = c.backend.Load(ctx, k)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !found {
		c.metrics.ObserveCacheLookup(string(dt), metrics.CacheMiss)
		return Result{}, nil
	}

	expired := e.ExpiresAt.Before(c.now())
	if expired {
		c.metrics.ObserveCacheLookup(string(dt), metrics.CacheStale)
	} else {
		c.metrics.ObserveCacheLookup(string(dt), metrics.CacheHit)
	}
	staleAt, updatedAt := e.ExpiresAt, e.UpdatedAt
	return Result{
		Hit:       true,
		Expired:   expired,
		Data:      e.Data,
		StaleAt:   &staleAt,
		UpdatedAt: &updatedAt,
	}, nil
}

// Put upserts an entry with expires_at = now + ttl. A zero ttl selects the
// policy default; types without a default then fail validation.
func (c *Cache) Put(ctx context.Context, userID string, dt DataType, cacheKey string, data json.RawMessage, ttl time.Duration) (Entry, error) {
	const op = "cache.put"
	k, err := makeKey(op, userID, dt, cacheKey)
	if err != nil {
		return Entry{}, err
	}
	if ttl < 0 {
		return Entry{}, apperr.Validation(op, "ttl must not be negative")
	}
	if ttl == 0 {
		def, ok := c.policy.Lookup(dt)
		if !ok {
			return Entry{}, apperr.Validation(op, "data type %q has no default ttl; pass one explicitly", dt)
		}
		ttl = def
	}
	if len(data) == 0 || !json.Valid(data) {
		return Entry{}, apperr.Validation(op, "cache data must be valid JSON")
	}

	now := c.now()
	e := Entry{
		Key:       k,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err = retry.Once(ctx, c.backoff, func(ctx context.Context) error {
		return c.backend.Save(ctx, e)
	})
	if err != nil {
		return Entry{}, err
	}
	c.metrics.ObserveCacheWrite(string(dt))
	return e, nil
}

// Invalidate deletes one entry, or every entry of (userID, dt) when cacheKey
// is empty. It returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context, userID string, dt DataType, cacheKey string) (int, error) {
	const op = "cache.invalidate"
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(string(dt)) == "" {
		return 0, apperr.Validation(op, "user id and data type are required")
	}

	var n int
	err := retry.Once(ctx, c.backoff, func(ctx context.Context) error {
		var err error
		if cacheKey == "" {
			n, err = c.backend.DeleteType(ctx, userID, dt)
		} else {
			n, err = c.backend.Delete(ctx, Key{UserID: userID, DataType: dt, CacheKey: cacheKey})
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	c.log.Debug("cache invalidated", "user_id", userID, "data_type", dt, "removed", n)
	return n, nil
}

// Count reports how many entries (fresh or stale) exist for (userID, dt).
func (c *Cache) Count(ctx context.Context, userID string, dt DataType) (int, error) {
	return c.backend.Count(ctx, userID, dt)
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

func makeKey(op, userID string, dt DataType, cacheKey string) (Key, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return Key{}, apperr.Validation(op, "user id is required")
	case strings.TrimSpace(string(dt)) == "":
		return Key{}, apperr.Validation(op, "data type is required")
	case cacheKey == "":
		return Key{}, apperr.Validation(op, "cache key is required")
	}
	return Key{UserID: userID, DataType: dt, CacheKey: cacheKey}, nil
}
