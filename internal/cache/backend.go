package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Key is the composite identity of a cache entry.
type Key struct {
	UserID   string   `json:"user_id"`
	DataType DataType `json:"data_type"`
	CacheKey string   `json:"cache_key"`
}

// Entry is one stored payload.
type Entry struct {
	Key
	Data      json.RawMessage `json:"cache_data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Backend persists entries. Implementations report unreachable storage as
// apperr store_unavailable.
type Backend interface {
	// Load returns the entry for k; found is false when absent.
	Load(ctx context.Context, k Key) (e Entry, found bool, err error)

	// Save upserts e. A stored entry with a newer UpdatedAt wins; CreatedAt of
	// the first write is preserved.
	Save(ctx context.Context, e Entry) error

	Delete(ctx context.Context, k Key) (int, error)
	DeleteType(ctx context.Context, userID string, dt DataType) (int, error)

	// Sweep removes entries whose ExpiresAt is before the given time.
	Sweep(ctx context.Context, before time.Time) (int, error)

	// Count returns the number of stored entries for (userID, dt).
	Count(ctx context.Context, userID string, dt DataType) (int, error)

	Ping(ctx context.Context) error
}
