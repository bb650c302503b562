package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/omnii/recall/internal/cache"
)

func TestCacheBackendUpsert(t *testing.T) {
	db := testDB(t)
	b := db.CacheBackend()
	ctx := context.Background()
	k := cache.Key{UserID: "u1", DataType: cache.TypeEmail, CacheKey: "inbox"}

	first := cache.Entry{Key: k, Data: json.RawMessage(`{"v":1}`), CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}
	second := cache.Entry{Key: k, Data: json.RawMessage(`{"v":2}`), CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute), ExpiresAt: t0.Add(6 * time.Minute)}

	if err := b.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n, err := b.Count(ctx, "u1", cache.TypeEmail)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	e, found, err := b.Load(ctx, k)
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if string(e.Data) != `{"v":2}` {
		t.Errorf("data = %s, want latest write", e.Data)
	}
	if !e.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want first write %v", e.CreatedAt, t0)
	}
}

func TestCacheBackendOlderWriteLoses(t *testing.T) {
	db := testDB(t)
	b := db.CacheBackend()
	ctx := context.Background()
	k := cache.Key{UserID: "u1", DataType: cache.TypeTask, CacheKey: "open"}

	b.Save(ctx, cache.Entry{Key: k, Data: json.RawMessage(`"new"`), CreatedAt: t0, UpdatedAt: t0.Add(time.Minute), ExpiresAt: t0.Add(time.Hour)})
	b.Save(ctx, cache.Entry{Key: k, Data: json.RawMessage(`"old"`), CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(time.Hour)})

	e, _, _ := b.Load(ctx, k)
	if string(e.Data) != `"new"` {
		t.Errorf("data = %s, want newer write to win", e.Data)
	}
}

func TestCacheBackendDeleteAndSweep(t *testing.T) {
	db := testDB(t)
	b := db.CacheBackend()
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		b.Save(ctx, cache.Entry{
			Key:       cache.Key{UserID: "u1", DataType: cache.TypeContact, CacheKey: key},
			Data:      json.RawMessage(`{}`),
			CreatedAt: t0, UpdatedAt: t0,
			ExpiresAt: t0.Add(time.Duration(i) * time.Hour),
		})
	}

	n, err := b.Sweep(ctx, t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}

	n, _ = b.Delete(ctx, cache.Key{UserID: "u1", DataType: cache.TypeContact, CacheKey: "c"})
	if n != 1 {
		t.Errorf("Delete removed %d, want 1", n)
	}
	n, _ = b.DeleteType(ctx, "u1", cache.TypeContact)
	if n != 0 {
		t.Errorf("DeleteType removed %d, want 0", n)
	}
}

func TestCacheThroughSQLite(t *testing.T) {
	db := testDB(t)
	now := t0
	c := cache.New(db.CacheBackend(), cache.Options{
		Policy:         cache.DefaultTTLPolicy(),
		StaleRetention: time.Hour,
		Clock:          func() time.Time { return now },
	})
	ctx := context.Background()

	if _, err := c.Put(ctx, "u1", cache.TypeEmail, "inbox", json.RawMessage(`["hi"]`), 5*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := c.Get(ctx, "u1", cache.TypeEmail, "inbox")
	if err != nil || !res.Hit || res.Expired {
		t.Fatalf("fresh Get = %+v, %v", res, err)
	}

	now = now.Add(6 * time.Minute)
	res, err = c.Get(ctx, "u1", cache.TypeEmail, "inbox")
	if err != nil || !res.Hit || !res.Expired || string(res.Data) != `["hi"]` {
		t.Fatalf("stale Get = %+v, %v", res, err)
	}
}
