// Package cache memoizes price fetches for a TTL.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"commoditydash/internal/fetcher"
	"commoditydash/internal/observability"
	"commoditydash/internal/prices"
)

// Loader computes a price table on a miss. *fetcher.Fetcher satisfies it.
type Loader interface {
	Fetch(ctx context.Context, p fetcher.Params) (*prices.Table, error)
}

// entry stores one cached table with its expiry.
type entry struct {
	storedAt  time.Time
	expiresAt time.Time
	table     *prices.Table
}

// Prices caches tables per (tickers, start, end, interval). At most one load
// per key is in flight; concurrent callers for the same key share it.
// Failures are not cached.
type Prices struct {
	loader      Loader
	ttl         time.Duration
	maxItems    int
	loadTimeout time.Duration
	now      func() time.Time
	metrics  *observability.Metrics

	group singleflight.Group
	mu    sync.RWMutex
	items map[string]entry
}

// Option configures a Prices cache.
type Option func(*Prices)

// WithMaxItems caps the number of cached keys; 0 means unbounded.
func WithMaxItems(n int) Option {
	return func(c *Prices) { c.maxItems = n }
}

// WithLoadTimeout bounds a shared load; 0 means no limit beyond the loader's own.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Prices) { c.loadTimeout = d }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Prices) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records hits, misses and shared loads.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Prices) { c.metrics = m }
}

// New wraps l. A non-positive ttl disables caching but keeps single-flight.
func New(l Loader, ttl time.Duration, opts ...Option) *Prices {
	c := &Prices{
		loader: l,
		ttl:    ttl,
		now:    time.Now,
		items:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key identifies a fetch. Retries and backoff do not change the result and
// are not part of it.
func Key(p fetcher.Params) string {
	var b strings.Builder
	b.WriteString(strings.Join(prices.UniqueTickers(p.Tickers), ","))
	for _, t := range []time.Time{p.Start, p.End} {
		b.WriteByte('|')
		if !t.IsZero() {
			b.WriteString(t.UTC().Format(time.RFC3339Nano))
		}
	}
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(p.Interval))
	return b.String()
}

// Fetch returns a fresh cached table or loads it. The caller owns the result.
//
// A load is shared by every caller of the same key and is detached from their
// cancellation: a caller whose ctx ends stops waiting and gets ctx.Err(), while
// the load carries on for the others.
func (c *Prices) Fetch(ctx context.Context, p fetcher.Params) (*prices.Table, error) {
	key := Key(p)
	if t, ok := c.lookup(key); ok {
		c.metrics.RecordCacheLookup(observability.CacheHit)
		return t.Clone(), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if t, ok := c.lookup(key); ok {
			return t, nil
		}
		loadCtx, cancel := c.loadContext(ctx)
		defer cancel()
		t, err := c.loader.Fetch(loadCtx, p)
		if err != nil {
			return nil, err
		}
		t = t.Clone()
		c.store(key, t)
		return t, nil
	})

	select {
	case <-ctx.Done():
		c.metrics.RecordCacheLookup(observability.CacheMiss)
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordCacheLookup(observability.CacheShared)
		} else {
			c.metrics.RecordCacheLookup(observability.CacheMiss)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*prices.Table).Clone(), nil
	}
}

// loadContext keeps ctx's values but not its cancellation.
func (c *Prices) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.loadTimeout > 0 {
		return context.WithTimeout(detached, c.loadTimeout)
	}
	return context.WithCancel(detached)
}

func (c *Prices) lookup(key string) (*prices.Table, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.table, true
}

func (c *Prices) store(key string, t *prices.Table) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{storedAt: now, expiresAt: now.Add(c.ttl), table: t}

	if c.maxItems <= 0 || len(c.items) <= c.maxItems {
		return
	}
	// expired entries go first, then the oldest
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
	for len(c.items) > c.maxItems {
		var (
			oldestKey string
			oldest    time.Time
		)
		for k, e := range c.items {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey, oldest = k, e.storedAt
			}
		}
		delete(c.items, oldestKey)
	}
}

// Invalidate drops every cached entry.
func (c *Prices) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
}

// Len returns the number of cached keys, expired ones included.
func (c *Prices) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
