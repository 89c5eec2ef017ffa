// Package events implements the thread-safe observer manager described in
// spec.md §4.4: a weak-reference-flavored set of observers, snapshotted
// under lock and notified outside it, where each notification method is
// optional.
//
// Generalized from the teacher's encore.dev/pubsub-based topics
// (cache-manager/subscriptions.go, pkg/pubsub/events.go): this package
// keeps pkg/pubsub's framework-free event-type discipline but replaces
// the Encore broker with a plain in-process fan-out, since the
// Coordinator has exactly one process's observers to notify, not a
// fleet of service instances to coordinate across (that concern was
// Encore's pubsub.Topic, which requires the Encore platform's codegen
// step to exist at all — see DESIGN.md).
package events

import "sync"

// Observer is the marker type registered with a Manager. Concrete
// observers implement any subset of WillStartObserver, ProgressObserver,
// DidLoadObserver, DidFailObserver, EvictObserver below; methods not
// implemented are simply skipped during notification (spec.md §4.4).
type Observer interface{}

// WillStartObserver is notified before a network download begins.
type WillStartObserver interface {
	ImageWillStartDownloading(url string)
}

// ProgressObserver is notified as a download reports progress.
type ProgressObserver interface {
	ImageDownloadProgress(url string, progress float64)
}

// DidLoadObserver is notified once an image becomes available, from
// whichever tier served it.
type DidLoadObserver interface {
	ImageDidLoad(url string, fromCache, fromStorage bool)
}

// DidFailObserver is notified when a request terminates in failure.
type DidFailObserver interface {
	ImageDidFail(url string, err error)
}

// EvictObserver is notified when a High-priority cache entry is spilled
// to storage (cacheDidEvictImageForURL in spec.md §4.1).
type EvictObserver interface {
	CacheDidEvictImage(url string)
}

// Manager is a thread-safe observer set. The zero value is usable.
type Manager struct {
	mu        sync.RWMutex
	observers []Observer
}

// Add registers an observer. Adding the same observer twice registers
// it twice; callers that care should dedupe themselves.
func (m *Manager) Add(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Remove unregisters an observer by identity. Safe to call from within
// a notification callback (see snapshot below) — it only affects the
// manager's list, not any in-flight notification pass.
func (m *Manager) Remove(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// snapshot takes a copy of the observer list under lock, so that
// notification itself never runs while holding the lock — tolerating
// observers that add/remove other observers (including themselves)
// mid-notification (spec.md §9, observer list iteration design note).
func (m *Manager) snapshot() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Observer, len(m.observers))
	copy(out, m.observers)
	return out
}

// NotifyWillStart fires ImageWillStartDownloading on every observer that
// implements WillStartObserver.
func (m *Manager) NotifyWillStart(url string) {
	for _, o := range m.snapshot() {
		if w, ok := o.(WillStartObserver); ok {
			w.ImageWillStartDownloading(url)
		}
	}
}

// NotifyProgress fires ImageDownloadProgress on every observer that
// implements ProgressObserver.
func (m *Manager) NotifyProgress(url string, progress float64) {
	for _, o := range m.snapshot() {
		if p, ok := o.(ProgressObserver); ok {
			p.ImageDownloadProgress(url, progress)
		}
	}
}

// NotifyDidLoad fires ImageDidLoad on every observer that implements
// DidLoadObserver.
func (m *Manager) NotifyDidLoad(url string, fromCache, fromStorage bool) {
	for _, o := range m.snapshot() {
		if d, ok := o.(DidLoadObserver); ok {
			d.ImageDidLoad(url, fromCache, fromStorage)
		}
	}
}

// NotifyDidFail fires ImageDidFail on every observer that implements
// DidFailObserver.
func (m *Manager) NotifyDidFail(url string, err error) {
	for _, o := range m.snapshot() {
		if d, ok := o.(DidFailObserver); ok {
			d.ImageDidFail(url, err)
		}
	}
}

// NotifyEvict fires CacheDidEvictImage on every observer that implements
// EvictObserver.
func (m *Manager) NotifyEvict(url string) {
	for _, o := range m.snapshot() {
		if e, ok := o.(EvictObserver); ok {
			e.CacheDidEvictImage(url)
		}
	}
}
