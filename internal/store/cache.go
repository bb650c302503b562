package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/omnii/recall/internal/cache"
)

// CacheBackend stores cache entries in the cache_entries table.
type CacheBackend struct {
	db *DB
}

var _ cache.Backend = (*CacheBackend)(nil)

func (db *DB) CacheBackend() *CacheBackend {
	return &CacheBackend{db: db}
}

func (b *CacheBackend) Load(ctx context.Context, k cache.Key) (cache.Entry, bool, error) {
	var (
		e                           cache.Entry
		data                        string
		created, updated, expiresAt int64
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT cache_data, created_at, updated_at, expires_at FROM cache_entries
		WHERE user_id = ? AND data_type = ? AND cache_key = ?
	`, k.UserID, string(k.DataType), k.CacheKey).Scan(&data, &created, &updated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, false, nil
	}
	if err != nil {
		return e, false, unavailable("store.cache_load", err)
	}
	e.Key = k
	e.Data = json.RawMessage(data)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	e.ExpiresAt = fromMillis(expiresAt)
	return e, true, nil
}

// Save upserts by composite key. The WHERE on the conflict branch makes the
// newer updated_at win regardless of arrival order.
func (b *CacheBackend) Save(ctx context.Context, e cache.Entry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cache_entries (user_id, data_type, cache_key, cache_data, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, data_type, cache_key) DO UPDATE SET
			cache_data = excluded.cache_data,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		WHERE excluded.updated_at >= cache_entries.updated_at
	`, e.UserID, string(e.DataType), e.CacheKey, string(e.Data),
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt), toMillis(e.ExpiresAt))
	return unavailable("store.cache_save", err)
}

func (b *CacheBackend) Delete(ctx context.Context, k cache.Key) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE user_id = ? AND data_type = ? AND cache_key = ?`,
		k.UserID, string(k.DataType), k.CacheKey)
	return affected(res, err, "store.cache_delete")
}

func (b *CacheBackend) DeleteType(ctx context.Context, userID string, dt cache.DataType) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE user_id = ? AND data_type = ?`, userID, string(dt))
	return affected(res, err, "store.cache_delete_type")
}

func (b *CacheBackend) Sweep(ctx context.Context, before time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, toMillis(before))
	return affected(res, err, "store.cache_sweep")
}

func (b *CacheBackend) Count(ctx context.Context, userID string, dt cache.DataType) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE user_id = ? AND data_type = ?`, userID, string(dt)).Scan(&n)
	if err != nil {
		return 0, unavailable("store.cache_count", err)
	}
	return n, nil
}

func (b *CacheBackend) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}

func affected(res sql.Result, err error, op string) (int, error) {
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return int(n), nil
}
