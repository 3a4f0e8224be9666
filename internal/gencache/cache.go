// Package gencache remembers AI generation results so an identical photo and
// style request is served without calling the provider again.
//
// The cache has two tiers. When a distributed Tier is configured every read and
// write goes there; otherwise a bounded in-process map is used. Tier errors are
// logged and treated as misses: the cache never fails a generation.
package gencache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTTL           = 7 * 24 * time.Hour
	DefaultMaxEntries    = 1000
	DefaultEvictFraction = 0.2
)

type Entry struct {
	Key       string    `json:"key"`
	ResultURL string    `json:"result_url"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Tier is a shared key/value store with per-key TTL.
// Get returns (nil, nil) on a miss.
type Tier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Saves     int64   `json:"saves"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

type Cache struct {
	mu            sync.Mutex
	entries       map[string]Entry
	maxEntries    int
	evictFraction float64
	ttl           time.Duration

	remote Tier
	log    *slog.Logger
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	saves     atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithEvictFraction sets the share of local entries dropped when the tier is full.
func WithEvictFraction(f float64) Option {
	return func(c *Cache) {
		if f > 0 && f <= 1 {
			c.evictFraction = f
		}
	}
}

// WithTier routes reads and writes to a distributed tier instead of local memory.
func WithTier(t Tier) Option {
	return func(c *Cache) { c.remote = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(log *slog.Logger, opts ...Option) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		entries:       make(map[string]Entry),
		maxEntries:    DefaultMaxEntries,
		evictFraction: DefaultEvictFraction,
		ttl:           DefaultTTL,
		log:           log,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL is the lifetime given to entries stored with Put.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the live entry for key, or nil.
func (c *Cache) Get(ctx context.Context, key string) *Entry {
	var entry *Entry
	if c.remote != nil {
		e, err := c.remote.Get(ctx, key)
		if err != nil {
			c.log.Warn("generation cache read failed", "key", key, "err", err)
		} else if e != nil && !e.expired(c.now()) {
			entry = e
		}
	} else {
		entry = c.getLocal(key)
	}

	if entry == nil {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return entry
}

func (c *Cache) getLocal(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.size.Store(int64(len(c.entries)))
		return nil
	}
	return &e
}

// Put stores resultURL under key for the cache TTL and returns the stored entry.
func (c *Cache) Put(ctx context.Context, key, resultURL string) Entry {
	return c.PutTTL(ctx, key, resultURL, c.ttl)
}

func (c *Cache) PutTTL(ctx context.Context, key, resultURL string, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := Entry{
		Key:       key,
		ResultURL: resultURL,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if c.remote != nil {
		if err := c.remote.Set(ctx, key, entry, ttl); err != nil {
			c.log.Warn("generation cache write failed", "key", key, "err", err)
			return entry
		}
	} else {
		c.putLocal(entry)
	}
	c.saves.Add(1)
	return entry
}

func (c *Cache) putLocal(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[entry.Key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[entry.Key] = entry
	c.size.Store(int64(len(c.entries)))
}

// evictOldestLocked drops the oldest evictFraction of entries by creation time.
func (c *Cache) evictOldestLocked() {
	n := int(float64(len(c.entries)) * c.evictFraction)
	if n < 1 {
		n = 1
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].CreatedAt.Before(c.entries[keys[j]].CreatedAt)
	})
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
	c.evictions.Add(int64(n))
}

// Invalidate removes key from whichever tier is active.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.log.Warn("generation cache delete failed", "key", key, "err", err)
		}
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.size.Store(int64(len(c.entries)))
	c.mu.Unlock()
}

// Sweep drops expired local entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	c.size.Store(int64(len(c.entries)))
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.remote != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("generation cache swept", "removed", n)
			}
		}
	}
}

// Stats reads the counters without taking the cache lock.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Saves:     c.saves.Load(),
		Evictions: c.evictions.Load(),
		Entries:   int(c.size.Load()),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
