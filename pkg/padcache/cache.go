// Package padcache implements the Pad Cache: a write-through hot store
// for pad scene state and metadata, backed by Redis so live state
// survives process restarts, fronted by a bounded in-process LRU for the
// read-mostly metadata path.
package padcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/pkg/pad"
)

// Cache is the write-through Pad Cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	l1  *lru.Cache[string, pad.Pad]
}

const l1Size = 4096

// New constructs a Cache against an existing Redis client.
func New(rdb *redis.Client, ttl time.Duration) (*Cache, error) {
	l1, err := lru.New[string, pad.Pad](l1Size)
	if err != nil {
		return nil, fmt.Errorf("create l1 cache: %w", err)
	}
	return &Cache{rdb: rdb, ttl: ttl, l1: l1}, nil
}

func key(padID string) string { return "pad:meta:" + padID }

// record is the JSON shape stored in Redis; WorkerID is included since
// it too lives only in the cache.
type record struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	DisplayName string    `json:"display_name"`
	Sharing     string    `json:"sharing"`
	Whitelist   []string  `json:"whitelist"`
	Scene       pad.Scene `json:"scene"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	WorkerID    string    `json:"worker_id"`
}

func toRecord(p pad.Pad) record {
	wl := make([]string, 0, len(p.Whitelist))
	for u := range p.Whitelist {
		wl = append(wl, u)
	}
	return record{
		ID: p.ID, OwnerID: p.OwnerID, DisplayName: p.DisplayName,
		Sharing: string(p.Sharing), Whitelist: wl, Scene: p.Scene,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, WorkerID: p.WorkerID,
	}
}

func (r record) toPad() pad.Pad {
	wl := make(map[string]struct{}, len(r.Whitelist))
	for _, u := range r.Whitelist {
		wl[u] = struct{}{}
	}
	return pad.Pad{
		ID: r.ID, OwnerID: r.OwnerID, DisplayName: r.DisplayName,
		Sharing: pad.SharingPolicy(r.Sharing), Whitelist: wl, Scene: r.Scene,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, WorkerID: r.WorkerID,
	}
}

// Get returns the cached pad record, or coreerr.ErrNotCached on a miss.
func (c *Cache) Get(ctx context.Context, padID string) (pad.Pad, error) {
	if p, ok := c.l1.Get(padID); ok {
		return p.Clone(), nil
	}

	raw, err := c.rdb.Get(ctx, key(padID)).Result()
	if err == redis.Nil {
		return pad.Pad{}, coreerr.ErrNotCached
	}
	if err != nil {
		return pad.Pad{}, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}

	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return pad.Pad{}, fmt.Errorf("decode cached pad: %w", err)
	}
	p := r.toPad()
	c.l1.Add(padID, p)
	return p.Clone(), nil
}

// Put atomically writes every field of p and renews its TTL.
func (c *Cache) Put(ctx context.Context, p pad.Pad) error {
	payload, err := json.Marshal(toRecord(p))
	if err != nil {
		return fmt.Errorf("encode pad: %w", err)
	}
	if err := c.rdb.Set(ctx, key(p.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	c.l1.Add(p.ID, p.Clone())
	return nil
}

// PatchField applies mutate to a fresh copy of the cached record, bumps
// updated_at, and writes the whole record back with Put (renewing its
// TTL); it is used for incremental scene writes. The
// reconciler is the sole writer to a pad's scene fields and this is the
// only write path it uses, so no external locking is needed there.
func (c *Cache) PatchField(ctx context.Context, padID string, mutate func(p *pad.Pad)) error {
	current, err := c.Get(ctx, padID)
	if err != nil {
		return err
	}
	mutate(&current)
	current.UpdatedAt = time.Now().UTC()
	return c.Put(ctx, current)
}

// Invalidate removes a pad's cache entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, padID string) error {
	c.l1.Remove(padID)
	if err := c.rdb.Del(ctx, key(padID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return nil
}

// RenewTTL refreshes the cache entry's expiry without rewriting its
// value, used by the reconciler to keep a pad it still owns alive in
// cache between scene mutations.
func (c *Cache) RenewTTL(ctx context.Context, padID string) error {
	if err := c.rdb.Expire(ctx, key(padID), c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return nil
}
