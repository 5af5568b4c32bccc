// Package feed keeps a short, per-day list of the latest gate entries for the
// security dashboard so it does not have to query the ledger on every poll.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gateattend/internal/attendance"
)

// DefaultCapacity bounds how many entries are kept per day.
const DefaultCapacity = 50

// Feed stores recent gate entries, newest first.
type Feed interface {
	Push(ctx context.Context, e attendance.Entry) error
	Recent(ctx context.Context, day time.Time, limit int) ([]attendance.Entry, error)
}

func dayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// MemoryFeed is a capped in-process feed.
type MemoryFeed struct {
	mu       sync.Mutex
	capacity int
	days     map[string][]attendance.Entry
}

// NewMemory creates an in-memory feed keeping up to capacity entries per day.
func NewMemory(capacity int) *MemoryFeed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryFeed{capacity: capacity, days: make(map[string][]attendance.Entry)}
}

func (f *MemoryFeed) Push(_ context.Context, e attendance.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := dayKey(e.ScannedAt)
	list := append([]attendance.Entry{e}, f.days[key]...)
	if len(list) > f.capacity {
		list = list[:f.capacity]
	}
	f.days[key] = list
	return nil
}

func (f *MemoryFeed) Recent(_ context.Context, day time.Time, limit int) ([]attendance.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.days[dayKey(day)]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]attendance.Entry, limit)
	copy(out, list[:limit])
	return out, nil
}

// RedisFeed keeps one capped list per day under prefix:YYYY-MM-DD.
type RedisFeed struct {
	client   *redis.Client
	prefix   string
	capacity int
	ttl      time.Duration
}

// NewRedis creates a redis-backed feed. Keys expire after two days.
func NewRedis(client *redis.Client, prefix string, capacity int) *RedisFeed {
	if prefix == "" {
		prefix = "attendance:gate"
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisFeed{client: client, prefix: prefix, capacity: capacity, ttl: 48 * time.Hour}
}

func (f *RedisFeed) key(t time.Time) string {
	return f.prefix + ":" + dayKey(t)
}

// Push prepends e to its day's list and trims it to capacity.
func (f *RedisFeed) Push(ctx context.Context, e attendance.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := f.key(e.ScannedAt)
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(f.capacity-1))
	pipe.Expire(ctx, key, f.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push feed entry: %w", err)
	}
	return nil
}

// Recent reads up to limit entries for day. Undecodable items are skipped.
func (f *RedisFeed) Recent(ctx context.Context, day time.Time, limit int) ([]attendance.Entry, error) {
	if limit <= 0 || limit > f.capacity {
		limit = f.capacity
	}
	raw, err := f.client.LRange(ctx, f.key(day), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	out := make([]attendance.Entry, 0, len(raw))
	for _, r := range raw {
		var e attendance.Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
