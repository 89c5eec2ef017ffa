// Package cacheagent implements the two-tier in-memory priority cache
// described in spec.md §4.1: a High bucket whose evictions spill to
// storage, and a Low bucket that is dropped silently (including on
// memory-pressure signals).
//
// Trade-offs (carried from the teacher's L1Cache):
//   - Mutex-protected map + container/list chosen over sync.Map for
//     predictable O(1) LRU ordering. sync.Map lacks ordered iteration
//     and atomic eviction is awkward to express with it.
//   - A single mutex per bucket-pair is acceptable below the throughput
//     this library targets (a client-side image cache, not a shared
//     server-side KV store); shard if that ever changes.
package cacheagent

import (
	"container/list"
	"sync"
	"time"

	"github.com/ductranprof99/go-image-downloader/resource"
)

// Entry is a cached image plus the bookkeeping the LRU policy needs.
type Entry struct {
	Image      interface{}
	Priority   resource.Priority
	LastAccess time.Time
}

// EvictDelegate is notified exactly once per High-bucket eviction,
// after the entry has been removed from the bucket, with the evicted
// image, so the caller (normally the Coordinator) can spill it to
// storage. It is never called while the Cache's internal mutex is held.
type EvictDelegate func(url string, priority resource.Priority, img interface{})

type bucketEntry struct {
	url        string
	image      interface{}
	lastAccess time.Time
	element    *list.Element
}

// bucket is a single LRU-ordered map; Cache holds exactly two.
type bucket struct {
	items   map[string]*bucketEntry
	lru     *list.List
	maxSize int
}

func newBucket(maxSize int) *bucket {
	return &bucket{
		items:   make(map[string]*bucketEntry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func (b *bucket) get(url string) (*bucketEntry, bool) {
	e, ok := b.items[url]
	if !ok {
		return nil, false
	}
	b.lru.MoveToFront(e.element)
	return e, true
}

func (b *bucket) peek(url string) (*bucketEntry, bool) {
	e, ok := b.items[url]
	return e, ok
}

func (b *bucket) delete(url string) (*bucketEntry, bool) {
	e, ok := b.items[url]
	if !ok {
		return nil, false
	}
	b.lru.Remove(e.element)
	delete(b.items, url)
	return e, true
}

// insert adds or replaces url in the bucket. If it overflows maxSize,
// the LRU element is evicted first and returned so the caller can spill
// it (the high bucket's delegate contract) or drop it silently (low).
func (b *bucket) insert(url string, img interface{}, now time.Time) (evicted *bucketEntry) {
	if e, ok := b.items[url]; ok {
		e.image = img
		e.lastAccess = now
		b.lru.MoveToFront(e.element)
		return nil
	}

	if b.maxSize > 0 && len(b.items) >= b.maxSize {
		back := b.lru.Back()
		if back != nil {
			victim := back.Value.(*bucketEntry)
			b.lru.Remove(back)
			delete(b.items, victim.url)
			evicted = victim
		}
	}

	e := &bucketEntry{url: url, image: img, lastAccess: now}
	e.element = b.lru.PushFront(e)
	b.items[url] = e
	return evicted
}

func (b *bucket) clear() {
	b.items = make(map[string]*bucketEntry)
	b.lru = list.New()
}

// Cache is the two-bucket priority cache from spec.md §4.1.
type Cache struct {
	mu    sync.Mutex
	high  *bucket
	low   *bucket
	onEvictHigh EvictDelegate

	// stats, mirroring cache-manager's atomic counters (carried into
	// pkg/stats territory but kept local since they're cache-internal).
	hits, misses, evictions int64
}

// Config bounds each bucket's capacity. A limit of 0 means unbounded.
type Config struct {
	HighLimit int
	LowLimit  int
}

// New creates a Cache with the given per-bucket capacities.
func New(cfg Config) *Cache {
	return &Cache{
		high: newBucket(cfg.HighLimit),
		low:  newBucket(cfg.LowLimit),
	}
}

// OnEvictHigh registers the spill delegate. It is invoked synchronously
// by the goroutine that triggered the eviction (Put), but only after the
// Cache's internal lock has been released (no component holds a lock
// across a user-supplied callback — spec.md §5).
func (c *Cache) OnEvictHigh(fn EvictDelegate) {
	c.mu.Lock()
	c.onEvictHigh = fn
	c.mu.Unlock()
}

// Get returns the cached image for url, searching High then Low
// (spec.md C3). A hit refreshes LastAccess but never changes bucket
// membership.
func (c *Cache) Get(url string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.high.get(url); ok {
		e.lastAccess = now
		c.hits++
		return e.image, true
	}
	if e, ok := c.low.get(url); ok {
		e.lastAccess = now
		c.hits++
		return e.image, true
	}
	c.misses++
	return nil, false
}

// Contains reports whether url is cached in either bucket, without
// affecting LRU order.
func (c *Cache) Contains(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.high.peek(url); ok {
		return true
	}
	_, ok := c.low.peek(url)
	return ok
}

// Put inserts or replaces url at the given priority. If url already
// exists in the other bucket it is moved, not duplicated (C2). Overflow
// in the target bucket evicts its LRU entry first; for the High bucket
// that eviction is spilled via the registered delegate, for Low it is
// silent.
func (c *Cache) Put(url string, img interface{}, priority resource.Priority) {
	c.mu.Lock()
	now := time.Now()

	// Moving priority: drop from the bucket that isn't the target.
	if priority == resource.High {
		c.low.delete(url)
	} else {
		c.high.delete(url)
	}

	target := c.low
	if priority == resource.High {
		target = c.high
	}
	evicted := target.insert(url, img, now)
	var delegate EvictDelegate
	var evictedURL string
	var evictedImg interface{}
	if evicted != nil {
		c.evictions++
		if priority == resource.High {
			delegate = c.onEvictHigh
			evictedURL = evicted.url
			evictedImg = evicted.image
		}
	}
	c.mu.Unlock()

	if delegate != nil {
		delegate(evictedURL, resource.High, evictedImg)
	}
}

// PutImportant is an alias for Put(url, img, High).
func (c *Cache) PutImportant(url string, img interface{}) {
	c.Put(url, img, resource.High)
}

// ClearImportant removes url from the High bucket only.
func (c *Cache) ClearImportant(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.high.delete(url)
}

// Evict removes url from whichever bucket holds it, without spilling —
// the coordinator's forceReload uses this (url is never in both
// buckets per C2, so at least one delete is a no-op).
func (c *Cache) Evict(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.high.delete(url)
	c.low.delete(url)
}

// HighCount returns the number of entries currently in the High bucket.
func (c *Cache) HighCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.high.items)
}

// LowCount returns the number of entries currently in the Low bucket.
func (c *Cache) LowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.low.items)
}

// ClearLow empties the Low bucket. High is left pointwise unchanged
// (P3) — this is the handler for the system memory-pressure signal.
func (c *Cache) ClearLow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.low.clear()
}

// ClearAll empties both buckets without spilling.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.high.clear()
	c.low.clear()
}

// HardReset empties both buckets and resets internal stats counters.
func (c *Cache) HardReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.high.clear()
	c.low.clear()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Stats is a point-in-time snapshot for the coordinator's statistics
// surface (spec.md §6), mirroring cache-manager's MetricsResponse shape.
type Stats struct {
	HighCount, LowCount         int
	HighCapacity, LowCapacity   int
	Hits, Misses, Evictions     int64
}

// Snapshot returns the current cache statistics.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		HighCount:    len(c.high.items),
		LowCount:     len(c.low.items),
		HighCapacity: c.high.maxSize,
		LowCapacity:  c.low.maxSize,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
}
