package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper answers whether an idempotency key has been admitted within
// the retention window. Seen both checks and records the key.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
}

type memoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &memoryDeduper{ttl: ttl, items: make(map[string]time.Time)}
}

func (d *memoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= d.ttl {
		return true, nil
	}
	d.items[key] = now
	if len(d.items) > 100000 {
		d.compact(now)
	}
	return false, nil
}

func (d *memoryDeduper) compact(now time.Time) {
	for k, ts := range d.items {
		if now.Sub(ts) > d.ttl {
			delete(d.items, k)
		}
	}
}

type redisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper shares the retention window across replicas using
// SET NX with a TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisDeduper{client: client, ttl: ttl}
}

func (d *redisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "idem:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
