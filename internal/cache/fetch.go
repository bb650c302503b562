package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Loader fetches a payload from the origin.
type Loader func(ctx context.Context) (json.RawMessage, error)

// Fetch is a read-through helper. Fresh hits are served from the cache; on a
// miss or expiry the loader runs and its result is stored. When the loader
// fails and a stale entry exists, the stale entry is returned with
// Expired=true instead of the error.
func (c *Cache) Fetch(ctx context.Context, userID string, dt DataType, cacheKey string, ttl time.Duration, load Loader) (Result, error) {
	res, err := c.Get(ctx, userID, dt, cacheKey)
	if err != nil {
		return Result{}, err
	}
	if res.Hit && !res.Expired {
		return res, nil
	}

	data, loadErr := load(ctx)
	if loadErr != nil {
		if res.Hit {
			c.log.Warn("origin fetch failed, serving stale entry",
				"user_id", userID, "data_type", dt, "error", loadErr)
			return res, nil
		}
		return Result{}, loadErr
	}

	e, err := c.Put(ctx, userID, dt, cacheKey, data, ttl)
	if err != nil {
		return Result{}, err
	}
	staleAt, updatedAt := e.ExpiresAt, e.UpdatedAt
	return Result{Hit: true, Data: e.Data, StaleAt: &staleAt, UpdatedAt: &updatedAt}, nil
}
