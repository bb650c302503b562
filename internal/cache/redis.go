package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/omnii/recall/internal/apperr"
)

type RedisOptions struct {
	Addr           string
	Password       string
	DB             int
	Prefix         string
	StaleRetention time.Duration
	Clock          func() time.Time
}

// RedisBackend stores one JSON document per entry and keeps a set index per
// (user, data type) for type-wide invalidation. Redis expires documents on
// its own once the stale retention has passed.
type RedisBackend struct {
	rdb       *goredis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, apperr.Validation("cache.redis", "redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperr.Unavailable("cache.redis", fmt.Errorf("redis ping: %w", err))
	}
	return newRedisBackend(rdb, opts), nil
}

func newRedisBackend(rdb *goredis.Client, opts RedisOptions) *RedisBackend {
	if opts.Prefix == "" {
		opts.Prefix = "recall"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RedisBackend{rdb: rdb, prefix: opts.Prefix, retention: opts.StaleRetention, now: opts.Clock}
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

func (b *RedisBackend) entryKey(k Key) string {
	return fmt.Sprintf("%s:cache:%s:%s:%s", b.prefix,
		url.QueryEscape(k.UserID), url.QueryEscape(string(k.DataType)), url.QueryEscape(k.CacheKey))
}

func (b *RedisBackend) indexKey(userID string, dt DataType) string {
	return fmt.Sprintf("%s:cache-idx:%s:%s", b.prefix, url.QueryEscape(userID), url.QueryEscape(string(dt)))
}

func (b *RedisBackend) Load(ctx context.Context, k Key) (Entry, bool, error) {
	raw, err := b.rdb.Get(ctx, b.entryKey(k)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, apperr.Unavailable("cache.redis.load", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

// Save runs a WATCH/MULTI/EXEC transaction so a concurrent writer with a
// newer updated_at is never overwritten.
func (b *RedisBackend) Save(ctx context.Context, e Entry) error {
	key := b.entryKey(e.Key)
	idx := b.indexKey(e.UserID, e.DataType)

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			var cur Entry
			if json.Unmarshal(raw, &cur) == nil {
				if cur.UpdatedAt.After(e.UpdatedAt) {
					return nil
				}
				e.CreatedAt = cur.CreatedAt
			}
		}

		doc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		ttl := e.ExpiresAt.Add(b.retention).Sub(b.now())
		if ttl < time.Second {
			ttl = time.Second
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, doc, ttl)
			pipe.SAdd(ctx, idx, key)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = b.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return apperr.Unavailable("cache.redis.save", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, k Key) (int, error) {
	key := b.entryKey(k)
	var del *goredis.IntCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, key)
		pipe.SRem(ctx, b.indexKey(k.UserID, k.DataType), key)
		return nil
	})
	if err != nil {
		return 0, apperr.Unavailable("cache.redis.delete", err)
	}
	return int(del.Val()), nil
}

func (b *RedisBackend) DeleteType(ctx context.Context, userID string, dt DataType) (int, error) {
	idx := b.indexKey(userID, dt)
	members, err := b.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, apperr.Unavailable("cache.redis.delete_type", err)
	}
	var del *goredis.IntCmd
	_, err = b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(members) > 0 {
			del = pipe.Del(ctx, members...)
		}
		pipe.Del(ctx, idx)
		return nil
	})
	if err != nil {
		return 0, apperr.Unavailable("cache.redis.delete_type", err)
	}
	if del == nil {
		return 0, nil
	}
	return int(del.Val()), nil
}

// Sweep prunes index sets of members Redis already expired and deletes
// documents whose expiry is before the cutoff.
func (b *RedisBackend) Sweep(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	iter := b.rdb.Scan(ctx, 0, b.prefix+":cache-idx:*", 100).Iterator()
	for iter.Next(ctx) {
		idx := iter.Val()
		members, err := b.rdb.SMembers(ctx, idx).Result()
		if err != nil {
			return removed, apperr.Unavailable("cache.redis.sweep", err)
		}
		for _, key := range members {
			raw, err := b.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				b.rdb.SRem(ctx, idx, key)
				continue
			}
			if err != nil {
				return removed, apperr.Unavailable("cache.redis.sweep", err)
			}
			var e Entry
			if json.Unmarshal(raw, &e) != nil || e.ExpiresAt.Before(before) {
				if _, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, idx, key)
					return nil
				}); err != nil {
					return removed, apperr.Unavailable("cache.redis.sweep", err)
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, apperr.Unavailable("cache.redis.sweep", err)
	}
	return removed, nil
}

func (b *RedisBackend) Count(ctx context.Context, userID string, dt DataType) (int, error) {
	members, err := b.rdb.SMembers(ctx, b.indexKey(userID, dt)).Result()
	if err != nil {
		return 0, apperr.Unavailable("cache.redis.count", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	n, err := b.rdb.Exists(ctx, members...).Result()
	if err != nil {
		return 0, apperr.Unavailable("cache.redis.count", err)
	}
	return int(n), nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return apperr.Unavailable("cache.redis.ping", err)
	}
	return nil
}
