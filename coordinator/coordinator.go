// Package coordinator implements the public-facing orchestration layer
// from spec.md §4.4: it wires CacheAgent, StorageAgent, and
// NetworkScheduler together behind a single request API, performing the
// cache→storage→network lookup chain and fanning lifecycle events out
// to observers.
//
// Grounded on cache-manager/service.go's CacheManager: the same
// try-L1-then-fallback shape (there: L1 cache → coalescer → origin
// fetch; here: CacheAgent → StorageAgent → NetworkScheduler), the same
// discipline of never holding a lock across a user callback, and the
// same svc/once singleton pairing for an ambient Default() instance
// alongside a non-global New() for tests.
package coordinator

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/ductranprof99/go-image-downloader/cacheagent"
	"github.com/ductranprof99/go-image-downloader/netsched"
	"github.com/ductranprof99/go-image-downloader/pkg/events"
	"github.com/ductranprof99/go-image-downloader/pkg/stats"
	"github.com/ductranprof99/go-image-downloader/resource"
	"github.com/ductranprof99/go-image-downloader/storageagent"
)

// ProgressFunc reports fractional download progress in [0, 1].
type ProgressFunc func(progress float64)

// CompletionFunc reports a request's outcome: the decoded image (nil on
// error), an error (nil on success), and which tier served it.
type CompletionFunc func(img image.Image, err error, fromCache, fromStorage bool)

// Coordinator is the system's public entry point. Construct with New,
// or use the package-level Configure/Default for an ambient singleton.
type Coordinator struct {
	cache *cacheagent.Cache
	store *storageagent.Store
	sched *netsched.Scheduler

	observers *events.Manager
	audit     *stats.RingBuffer

	mu     sync.Mutex
	models map[string]*resource.Model
}

// New constructs a non-global Coordinator, required by spec.md §9's
// "must not preclude multiple instances in tests". cfg.Fetcher and
// cfg.Codec are mandatory — they're the abstracted transport/decode
// collaborators spec.md §1 scopes out of this library.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("coordinator: Config.Fetcher is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("coordinator: Config.Codec is required")
	}
	cfg = applyDefaults(cfg)

	store, err := storageagent.New(cfg.StoragePath, cfg.Codec, cfg.DiskCacheSizeLimit)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	cache := cacheagent.New(cacheagent.Config{HighLimit: cfg.HighCacheLimit, LowLimit: cfg.LowCacheLimit})
	sched := netsched.New(cfg.Fetcher, cfg.MaxConcurrent)
	if cfg.DownloadRate > 0 {
		sched.SetRateLimit(cfg.DownloadRate, cfg.DownloadBurst)
	}

	c := &Coordinator{
		cache:     cache,
		store:     store,
		sched:     sched,
		observers: &events.Manager{},
		audit:     stats.NewRingBuffer(256),
		models:    make(map[string]*resource.Model),
	}
	cache.OnEvictHigh(c.onCacheEvictHigh)
	return c, nil
}

// Reconfigure applies runtime-adjustable tunables (concurrency cap,
// rate limit, disk size cap). Cache bucket capacities are fixed at
// construction — the container/list-backed buckets don't support
// resizing in place, a known limitation recorded in DESIGN.md.
func (c *Coordinator) Reconfigure(cfg Config) {
	if cfg.MaxConcurrent > 0 {
		c.sched.SetMaxConcurrent(cfg.MaxConcurrent)
	}
	if cfg.DownloadRate > 0 {
		c.sched.SetRateLimit(cfg.DownloadRate, cfg.DownloadBurst)
	}
	c.store.SetSizeLimit(cfg.DiskCacheSizeLimit)
}

func (c *Coordinator) getOrCreateModel(url string) *resource.Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[url]
	if !ok {
		m = resource.New(url)
		c.models[url] = m
	}
	return m
}

// ensureCaller mints a fresh CallerHandle when the caller didn't supply
// one (the zero value of a uuid.UUID-backed CallerHandle).
func ensureCaller(caller netsched.CallerHandle) netsched.CallerHandle {
	if caller == (netsched.CallerHandle{}) {
		return netsched.NewCallerHandle()
	}
	return caller
}

// onCacheEvictHigh is the CacheAgent eviction delegate (spec.md §4.4's
// "cache spill from high eviction"): it notifies observers and, if the
// evicted entry isn't already on disk, persists it.
func (c *Coordinator) onCacheEvictHigh(url string, _ resource.Priority, img interface{}) {
	c.observers.NotifyEvict(url)
	c.audit.Add(stats.Event{URL: url, Kind: "evict-spill", Timestamp: time.Now()})

	if c.store.Has(url) {
		return
	}
	decoded, ok := img.(image.Image)
	if !ok {
		return
	}
	c.store.Put(url, decoded, func(ok bool) {
		if !ok {
			c.audit.Add(stats.Event{URL: url, Kind: "storage-fail", Timestamp: time.Now(), Detail: "spill put failed"})
		}
	})
}

// Request is the Coordinator's primary entry point (spec.md §4.4): a
// cache probe, then an async storage probe, then — on a full miss — a
// network download, with observer notification and audit logging at
// every stage. It returns the CallerHandle used for this request
// (minted fresh if caller was the zero value), so the caller can later
// target it with Cancel.
func (c *Coordinator) Request(
	url string,
	priority resource.Priority,
	save storageagent.Mode,
	progressFn ProgressFunc,
	completionFn CompletionFunc,
	caller netsched.CallerHandle,
) (netsched.CallerHandle, error) {
	if url == "" {
		return netsched.CallerHandle{}, newError(KindInvalidURL, url, ErrInvalidURL)
	}
	effectiveCaller := ensureCaller(caller)

	model := c.getOrCreateModel(url)
	c.mu.Lock()
	model.ShouldSaveToStorage = save == storageagent.ModeDisk
	c.mu.Unlock()

	if raw, ok := c.cache.Get(url); ok {
		img := raw.(image.Image)
		c.mu.Lock()
		model.Touch(time.Now())
		c.mu.Unlock()
		c.observers.NotifyDidLoad(url, true, false)
		c.audit.Add(stats.Event{URL: url, Kind: "cache-hit", Timestamp: time.Now()})
		if completionFn != nil {
			completionFn(img, nil, true, false)
		}
		return effectiveCaller, nil
	}

	c.store.Get(url, func(img image.Image, hit bool) {
		if hit {
			c.cache.Put(url, img, priority)
			c.mu.Lock()
			model.MarkAvailable(img)
			model.Touch(time.Now())
			c.mu.Unlock()
			c.observers.NotifyDidLoad(url, false, true)
			c.audit.Add(stats.Event{URL: url, Kind: "storage-hit", Timestamp: time.Now()})
			if completionFn != nil {
				completionFn(img, nil, false, true)
			}
			return
		}
		c.startNetwork(url, priority, save, progressFn, completionFn, effectiveCaller, model)
	})

	return effectiveCaller, nil
}

// RequestSimple is sugar for Request(url, Low, ModeDisk, nil, cb, zero).
func (c *Coordinator) RequestSimple(url string, completionFn CompletionFunc) netsched.CallerHandle {
	caller, _ := c.Request(url, resource.Low, storageagent.ModeDisk, nil, completionFn, netsched.CallerHandle{})
	return caller
}

// ForceReload bypasses the cache and storage probes: it evicts any
// existing cache entry and removes the storage entry before going
// straight to the network (spec.md §4.4).
func (c *Coordinator) ForceReload(
	url string,
	priority resource.Priority,
	save storageagent.Mode,
	progressFn ProgressFunc,
	completionFn CompletionFunc,
	caller netsched.CallerHandle,
) (netsched.CallerHandle, error) {
	if url == "" {
		return netsched.CallerHandle{}, newError(KindInvalidURL, url, ErrInvalidURL)
	}
	effectiveCaller := ensureCaller(caller)
	model := c.getOrCreateModel(url)
	c.mu.Lock()
	model.ShouldSaveToStorage = save == storageagent.ModeDisk
	c.mu.Unlock()

	c.cache.Evict(url)
	c.store.Remove(url, func(bool) {
		c.startNetwork(url, priority, save, progressFn, completionFn, effectiveCaller, model)
	})
	return effectiveCaller, nil
}

// startNetwork is the shared tail of Request (on a full miss) and
// ForceReload: mark Downloading, notify, enqueue on the scheduler, and
// react to its eventual outcome.
func (c *Coordinator) startNetwork(
	url string,
	priority resource.Priority,
	save storageagent.Mode,
	progressFn ProgressFunc,
	completionFn CompletionFunc,
	caller netsched.CallerHandle,
	model *resource.Model,
) {
	c.mu.Lock()
	model.MarkDownloading(priority)
	c.mu.Unlock()
	c.observers.NotifyWillStart(url)
	c.audit.Add(stats.Event{URL: url, Kind: "download-start", Timestamp: time.Now()})

	c.sched.Download(url, priority, netsched.Options{
		CallerHandle: caller,
		ProgressFn: func(p float64) {
			c.mu.Lock()
			model.MarkProgress(p)
			c.mu.Unlock()
			c.observers.NotifyProgress(url, p)
			if progressFn != nil {
				progressFn(p)
			}
		},
		CompletionFn: func(img image.Image, err error) {
			if err != nil {
				cerr := translateNetworkErr(url, err)
				c.mu.Lock()
				model.MarkFailed(cerr)
				c.mu.Unlock()
				c.observers.NotifyDidFail(url, cerr)
				c.audit.Add(stats.Event{URL: url, Kind: "download-fail", Timestamp: time.Now(), Detail: cerr.Error()})
				if completionFn != nil {
					completionFn(nil, cerr, false, false)
				}
				return
			}

			c.cache.Put(url, img, priority)
			c.mu.Lock()
			model.MarkAvailable(img)
			c.mu.Unlock()

			if save == storageagent.ModeDisk {
				c.store.Put(url, img, func(ok bool) {
					// Storage failures during this opportunistic write are
					// logged and swallowed (spec.md §7): the caller already
					// has the image via completionFn below.
					if !ok {
						c.audit.Add(stats.Event{URL: url, Kind: "storage-fail", Timestamp: time.Now(), Detail: "opportunistic put failed"})
					}
				})
			}

			c.observers.NotifyDidLoad(url, false, false)
			c.audit.Add(stats.Event{URL: url, Kind: "download-done", Timestamp: time.Now()})
			if completionFn != nil {
				completionFn(img, nil, false, false)
			}
		},
	})
}

// Cancel removes caller's callback from url's in-flight or pending
// task (spec.md §4.3/§4.4).
func (c *Coordinator) Cancel(url string, caller netsched.CallerHandle) {
	c.sched.Cancel(url, caller)
}

// CancelAll unconditionally cancels url's task regardless of caller
// count.
func (c *Coordinator) CancelAll(url string) {
	c.sched.CancelAll(url)
}

// ClearLowCache empties the Low cache bucket (the system memory-pressure
// handler); High entries are untouched.
func (c *Coordinator) ClearLowCache() {
	c.cache.ClearLow()
}

// ClearAllCache empties both cache buckets without spilling.
func (c *Coordinator) ClearAllCache() {
	c.cache.ClearAll()
}

// ClearStorage asynchronously removes every persisted blob. Unlike the
// opportunistic put during a download completion, failures here are
// reported to the caller rather than swallowed (spec.md §7).
func (c *Coordinator) ClearStorage(cb func(err error)) {
	c.store.ClearAll(func(ok bool) {
		if cb == nil {
			return
		}
		if !ok {
			cb(newError(KindStorage, "", ErrStorageFailure))
			return
		}
		cb(nil)
	})
}

// HardReset synchronously returns the Coordinator to a freshly
// configured state: both cache buckets cleared and stats reset, every
// stored blob removed, and every tracked ResourceModel forgotten. It
// blocks until the storage clear completes.
func (c *Coordinator) HardReset() {
	c.cache.HardReset()

	done := make(chan struct{})
	c.store.ClearAll(func(bool) { close(done) })
	<-done

	c.mu.Lock()
	c.models = make(map[string]*resource.Model)
	c.mu.Unlock()
}

// AddObserver registers an observer for lifecycle notifications.
func (c *Coordinator) AddObserver(o events.Observer) {
	c.observers.Add(o)
}

// RemoveObserver unregisters an observer by identity.
func (c *Coordinator) RemoveObserver(o events.Observer) {
	c.observers.Remove(o)
}

// CacheHigh returns the current High-bucket entry count.
func (c *Coordinator) CacheHigh() int { return c.cache.HighCount() }

// CacheLow returns the current Low-bucket entry count.
func (c *Coordinator) CacheLow() int { return c.cache.LowCount() }

// StorageBytes returns the current total size on disk.
func (c *Coordinator) StorageBytes() int64 { return c.store.CurrentSize() }

// ActiveDownloads returns the number of in-flight network downloads.
func (c *Coordinator) ActiveDownloads() int { return c.sched.ActiveCount() }

// QueuedDownloads returns the number of pending (not yet started)
// downloads.
func (c *Coordinator) QueuedDownloads() int { return c.sched.QueuedCount() }

// Peek is a non-blocking, non-mutating read of url's current lifecycle
// state, recovered from original_source/Sources/CNI/Manager/CNIManager.h's
// synchronous "is this cached/downloading" probe — used by callers
// (image-view widgets, out of scope) to decide whether to render a
// placeholder before calling Request. It performs no I/O and does not
// update LastAccessDate.
func (c *Coordinator) Peek(url string) (resource.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[url]
	if !ok {
		return resource.Unknown, false
	}
	return m.State, true
}

// RecentEvents returns up to limit of the most recent lifecycle events
// (newest first), recovered from invalidation/audit.go's audit-trail
// concept, adapted to an in-memory ring (see DESIGN.md).
func (c *Coordinator) RecentEvents(limit int) []stats.Event {
	return c.audit.Recent(limit)
}
