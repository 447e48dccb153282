// Package cache provides a TTL and capacity bounded read-through cache for
// scored results. Concurrent requests for the same key are collapsed so the
// expensive feature-fetch-and-score path runs at most once per key at a time.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/cryptoguard/internal/scoring"
)

var (
	lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoguard",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by outcome.",
	}, []string{"outcome"})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptoguard",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted to stay under the capacity bound.",
	})
)

func init() {
	prometheus.MustRegister(lookupsTotal, evictionsTotal)
}

// ComputeFunc produces the result for a key on a cache miss.
type ComputeFunc func(ctx context.Context) (*scoring.Result, error)

type entry struct {
	key       string
	result    *scoring.Result
	expiresAt time.Time
}

// Cache is a fixed-capacity LRU with per-entry TTL. Only successful results
// are stored; a failed computation leaves the cache untouched so the next
// request retries.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	ttl        time.Duration
	maxEntries int

	group singleflight.Group
	now   func() time.Time
}

// New creates a cache holding at most maxEntries results for up to ttl each.
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock overrides the time source (tests).
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// GetOrCompute returns the cached result for key, or runs compute and caches
// its result. The boolean reports whether the result was served from cache.
// Concurrent callers with the same key share a single compute invocation.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*scoring.Result, bool, error) {
	if res, ok := c.get(key); ok {
		lookupsTotal.WithLabelValues("hit").Inc()
		return res, true, nil
	}

	shared := false
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the entry while we waited
		// for the flight slot.
		if res, ok := c.get(key); ok {
			shared = true
			return res, nil
		}
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, res)
		return res, nil
	})
	if err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	}
	if shared {
		lookupsTotal.WithLabelValues("hit").Inc()
	} else {
		lookupsTotal.WithLabelValues("miss").Inc()
	}
	return v.(*scoring.Result), shared, nil
}

// Len returns the number of live entries, counting expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry. Used when operators want a clean slate after a
// model swap instead of waiting out the TTL.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache) get(key string) (*scoring.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.result, true
}

func (c *Cache) put(key string, res *scoring.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.result = res
		ent.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&entry{
		key:       key,
		result:    res,
		expiresAt: c.now().Add(c.ttl),
	})

	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
		evictionsTotal.Inc()
	}
}
