package netsched

import (
	"context"
	"image"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ductranprof99/go-image-downloader/resource"
)

// CallerHandle is the opaque token identifying a requester for the
// purpose of targeted cancellation (spec.md §9). Realized as a
// uuid.UUID: comparable, zero-allocation to compare, and minted from
// the corpus's already-required github.com/google/uuid dependency.
type CallerHandle uuid.UUID

// NewCallerHandle mints a fresh, unique CallerHandle.
func NewCallerHandle() CallerHandle {
	return CallerHandle(uuid.New())
}

// zeroCaller is the CallerHandle zero value, used to detect "caller
// didn't supply one" in Download's options.
var zeroCaller CallerHandle

// Executor posts a completion onto a declared context: a thread pool
// handle, a named queue, or "run inline" (spec.md §9's "Callback
// fan-out to per-caller queues" design note).
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(fn func())

// Execute calls f(fn).
func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs the callback synchronously on whichever goroutine the
// scheduler is using to deliver it (the default when no Executor is
// supplied).
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// State is a Task's lifecycle state (spec.md §3).
type State int

const (
	Pending State = iota
	Downloading
	Completed
	Failed
	Cancelled
)

// ProgressFunc reports fractional download progress in [0, 1].
type ProgressFunc func(progress float64)

// CompletionFunc reports the final outcome of a download: an image on
// success, or an error (possibly ErrCancelled) on failure.
type CompletionFunc func(img image.Image, err error)

// callbackEntry is one registered Callback (spec.md §3).
type callbackEntry struct {
	caller       CallerHandle
	executor     Executor
	progressFn   ProgressFunc
	completionFn CompletionFunc
}

// Task is the in-flight (or pending) unit of work for a single URL,
// fanning its outcome out to every coalesced caller (spec.md §3/§4.3).
//
// Task.state has a single atomic transition out of Downloading, into
// exactly one of {Completed, Failed, Cancelled} — modelled with a
// mutex-guarded check-and-set rather than sync/atomic CAS because the
// transition also needs to snapshot the callback list in the same
// critical section (spec.md §9, "completion-or-cancel ordering under
// races").
type Task struct {
	mu        sync.Mutex
	url       string
	priority  resource.Priority
	state     State
	progress  atomic.Float64
	callbacks []*callbackEntry
	// cancelled holds callbacks removed by Cancel while the task was
	// Downloading and that removal emptied the callback list — the
	// transport is being torn down but hasn't observed it yet, so these
	// can't be delivered synchronously. completeTask fires them with
	// ErrCancelled once the terminal transition actually happens.
	cancelled []*callbackEntry
	cancelFn  context.CancelFunc
	// fired is set once callbacks have been invoked for a terminal
	// outcome (by either the fetch goroutine or an explicit CancelAll),
	// guarding against a second delivery racing in afterwards.
	fired bool
}

// URL returns the task's URL.
func (t *Task) URL() string {
	return t.url
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the task's current progress snapshot.
func (t *Task) Progress() float64 {
	return t.progress.Load()
}

// reportProgress clamps p to be monotonic non-decreasing and fans it
// out to every callback's ProgressFn, honoring each one's Executor
// (spec.md N4). A no-op once the task has left Downloading.
func (t *Task) reportProgress(p float64) {
	t.mu.Lock()
	if t.state != Downloading {
		t.mu.Unlock()
		return
	}
	cur := t.progress.Load()
	if p < cur {
		p = cur
	}
	if p > 1 {
		p = 1
	}
	t.progress.Store(p)
	callbacks := append([]*callbackEntry(nil), t.callbacks...)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		if cb.progressFn == nil {
			continue
		}
		cb.executor.Execute(func() { cb.progressFn(p) })
	}
}
