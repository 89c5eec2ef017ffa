// Package netsched implements the NetworkScheduler from spec.md §4.3:
// a priority queue with a concurrency cap, request coalescing, and
// per-caller cancellation.
//
// Grounded on two teacher shapes generalized together: the worker-pool
// dispatch loop in warming/worker_pool.go (fixed worker count pulling
// off one queue, retry-with-backoff) and the coalescing map in
// cache-manager/singleflight.go (per-key in-flight tracking, guarded by
// a mutex rather than the real golang.org/x/sync/singleflight, because
// singleflight.Do only returns one (value, error) pair per call and
// can't fan progress out to N distinct callers or let a subset of them
// cancel independently). The Task cancellation state machine — a
// context.CancelFunc torn down on the last subscriber leaving, status
// transitions guarded by a single mutex — is grounded on the
// Job/JobStatus/subscribers shape in the retrieved gcsfuse downloader
// (internal/cache/file/downloader/job.go).
package netsched

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ductranprof99/go-image-downloader/resource"
)

// ErrCancelled is returned to a callback whose task was cancelled
// (spec.md §7's Cancelled error kind, signalled rather than suppressed
// — see SPEC_FULL.md §7's Open Question decision).
var ErrCancelled = errors.New("netsched: download cancelled")

// Options configures a single Download call.
type Options struct {
	ProgressFn   ProgressFunc
	CompletionFn CompletionFunc
	CallerHandle CallerHandle // zero value means "mint one for me"
	Executor     Executor     // nil means Inline
}

// Scheduler is the NetworkScheduler. Construct with New.
type Scheduler struct {
	fetcher       Fetcher
	mu            sync.Mutex
	maxConcurrent int
	limiter       *rate.Limiter

	pendingHigh []*Task
	pendingLow  []*Task
	active      map[string]*Task
	known       map[string]*Task
}

// New creates a Scheduler with the given concurrency cap (spec.md
// default is 4; callers pass whatever they like).
func New(fetcher Fetcher, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Scheduler{
		fetcher:       fetcher,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]*Task),
		known:         make(map[string]*Task),
	}
}

// SetMaxConcurrent reconfigures the concurrency cap. Raising it
// immediately triggers dispatch; lowering it does not abort in-flight
// tasks, it only suppresses new starts until drain (spec.md §4.3).
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
	s.tryDispatch()
}

// SetRateLimit throttles new dispatch starts to rps requests/second
// with the given burst (SPEC_FULL.md §6.3's additive throttle). Passing
// rps<=0 removes the limiter (unlimited, the default).
func (s *Scheduler) SetRateLimit(rps float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rps <= 0 {
		s.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// ActiveCount returns the number of in-flight downloads.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// QueuedCount returns the number of pending (not yet started) downloads.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingHigh) + len(s.pendingLow)
}

// Download is the scheduler's only entry point (spec.md §4.3). It
// returns the CallerHandle used for this request — either the one
// supplied in opts, or a freshly minted one.
func (s *Scheduler) Download(url string, priority resource.Priority, opts Options) CallerHandle {
	caller := opts.CallerHandle
	if caller == zeroCaller {
		caller = NewCallerHandle()
	}
	executor := opts.Executor
	if executor == nil {
		executor = Inline
	}
	cb := &callbackEntry{
		caller:       caller,
		executor:     executor,
		progressFn:   opts.ProgressFn,
		completionFn: opts.CompletionFn,
	}

	s.mu.Lock()
	if task, exists := s.known[url]; exists {
		task.mu.Lock()
		task.callbacks = append(task.callbacks, cb)
		promote := priority == resource.High && task.priority == resource.Low && task.state == Pending
		if promote {
			task.priority = resource.High
		}
		task.mu.Unlock()

		if promote {
			s.pendingLow = removeURL(s.pendingLow, url)
			s.pendingHigh = append(s.pendingHigh, task)
		}
		s.mu.Unlock()
		s.tryDispatch()
		return caller
	}

	task := &Task{url: url, priority: priority, state: Pending, callbacks: []*callbackEntry{cb}}
	s.known[url] = task
	if priority == resource.High {
		s.pendingHigh = append(s.pendingHigh, task)
	} else {
		s.pendingLow = append(s.pendingLow, task)
	}
	s.mu.Unlock()

	s.tryDispatch()
	return caller
}

// removeURL returns queue with the task for url removed. Queues never
// hold two entries for the same URL, so at most one match exists.
func removeURL(queue []*Task, url string) []*Task {
	for i, t := range queue {
		if t.url == url {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

// tryDispatch starts as many pending tasks as the concurrency cap and
// (optional) rate limiter allow, High queue first (spec.md N1/N2).
func (s *Scheduler) tryDispatch() {
	for {
		s.mu.Lock()
		if len(s.active) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		var task *Task
		if len(s.pendingHigh) > 0 {
			task = s.pendingHigh[0]
			s.pendingHigh = s.pendingHigh[1:]
		} else if len(s.pendingLow) > 0 {
			task = s.pendingLow[0]
			s.pendingLow = s.pendingLow[1:]
		} else {
			s.mu.Unlock()
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			// Put it back at the head of its queue and retry shortly;
			// admission is throttled, not denied.
			if task.priority == resource.High {
				s.pendingHigh = append([]*Task{task}, s.pendingHigh...)
			} else {
				s.pendingLow = append([]*Task{task}, s.pendingLow...)
			}
			s.mu.Unlock()
			time.AfterFunc(10*time.Millisecond, s.tryDispatch)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		task.mu.Lock()
		task.state = Downloading
		task.cancelFn = cancel
		task.mu.Unlock()
		s.active[task.url] = task
		s.mu.Unlock()

		go s.runTask(task, ctx)
	}
}

func (s *Scheduler) runTask(task *Task, ctx context.Context) {
	img, err := s.fetcher.Fetch(ctx, task.url, func(p float64) { task.reportProgress(p) })
	s.completeTask(task, img, err)
}

// completeTask performs the single atomic Downloading -> terminal
// transition and fires every callback exactly once (spec.md N4), then
// removes the task from active/known and re-triggers dispatch.
//
// If the task was already finalized by a concurrent CancelAll, the
// state check below makes this a no-op except for the transport being
// long since torn down — no double delivery, no double removal.
func (s *Scheduler) completeTask(task *Task, img image.Image, err error) {
	task.mu.Lock()
	if task.state != Downloading || task.fired {
		task.mu.Unlock()
		return
	}
	switch {
	case errors.Is(err, context.Canceled):
		task.state = Cancelled
		err = ErrCancelled
	case err != nil:
		task.state = Failed
	default:
		task.state = Completed
	}
	task.fired = true
	callbacks := append([]*callbackEntry(nil), task.callbacks...)
	cancelled := append([]*callbackEntry(nil), task.cancelled...)
	task.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		if cb.completionFn == nil {
			continue
		}
		cb.executor.Execute(func() { cb.completionFn(img, err) })
	}
	// Callbacks whose caller cancelled them while the task was still
	// Downloading were held back (see Cancel) rather than dropped —
	// deliver their ErrCancelled now that the task has actually reached
	// a terminal state, regardless of how the fetch itself resolved.
	for _, cb := range cancelled {
		cb := cb
		if cb.completionFn == nil {
			continue
		}
		cb.executor.Execute(func() { cb.completionFn(nil, ErrCancelled) })
	}

	s.mu.Lock()
	delete(s.active, task.url)
	delete(s.known, task.url)
	s.mu.Unlock()

	s.tryDispatch()
}

// Cancel removes all callbacks registered by caller from url's task. If
// that empties the task's callback list: a pending task is dequeued and
// destroyed, an active task has its transport cancelled (spec.md
// §4.3). A task with remaining callbacks is left untouched. The
// removed callback(s) are signalled ErrCancelled (spec.md §7's
// "Cancelled IS signalled" decision) rather than dropped.
func (s *Scheduler) Cancel(url string, caller CallerHandle) {
	s.mu.Lock()
	task, ok := s.known[url]
	s.mu.Unlock()
	if !ok {
		return
	}

	task.mu.Lock()
	if task.fired {
		// Already resolved (possibly racing a concurrent CancelAll or
		// the fetch's own completion) — nothing left to cancel.
		task.mu.Unlock()
		return
	}
	var removed []*callbackEntry
	kept := task.callbacks[:0:0]
	for _, cb := range task.callbacks {
		if cb.caller == caller {
			removed = append(removed, cb)
		} else {
			kept = append(kept, cb)
		}
	}
	task.callbacks = kept
	empty := len(kept) == 0
	state := task.state
	cancelFn := task.cancelFn

	// If this empties an active task, its transport is about to be torn
	// down but hasn't observed cancellation yet — hold these back for
	// completeTask to deliver once the terminal transition lands,
	// instead of firing them now and then losing them from the snapshot
	// completeTask takes later.
	deferDelivery := state == Downloading && empty
	if deferDelivery {
		task.cancelled = append(task.cancelled, removed...)
	}
	task.mu.Unlock()

	if !deferDelivery {
		for _, cb := range removed {
			cb := cb
			if cb.completionFn == nil {
				continue
			}
			cb.executor.Execute(func() { cb.completionFn(nil, ErrCancelled) })
		}
	}

	if !empty {
		return
	}

	switch state {
	case Pending:
		s.mu.Lock()
		s.pendingHigh = removeURL(s.pendingHigh, url)
		s.pendingLow = removeURL(s.pendingLow, url)
		delete(s.known, url)
		s.mu.Unlock()

		task.mu.Lock()
		task.state = Cancelled
		task.fired = true
		task.mu.Unlock()

	case Downloading:
		if cancelFn != nil {
			cancelFn()
		}
		// completeTask (invoked once Fetch observes ctx.Done) delivers
		// task.cancelled and performs the actual active/known cleanup
		// and dispatch retry.
	}
}

// CancelAll unconditionally cancels url's task regardless of how many
// callbacks remain, surfacing ErrCancelled to each of them exactly once
// (spec.md §4.3).
func (s *Scheduler) CancelAll(url string) {
	s.mu.Lock()
	task, ok := s.known[url]
	s.mu.Unlock()
	if !ok {
		return
	}

	task.mu.Lock()
	if task.fired {
		task.mu.Unlock()
		return
	}
	callbacks := append([]*callbackEntry(nil), task.callbacks...)
	task.callbacks = nil
	state := task.state
	cancelFn := task.cancelFn
	task.state = Cancelled
	task.fired = true
	task.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		if cb.completionFn == nil {
			continue
		}
		cb.executor.Execute(func() { cb.completionFn(nil, ErrCancelled) })
	}

	s.mu.Lock()
	s.pendingHigh = removeURL(s.pendingHigh, url)
	s.pendingLow = removeURL(s.pendingLow, url)
	delete(s.active, url)
	delete(s.known, url)
	s.mu.Unlock()

	if state == Downloading && cancelFn != nil {
		cancelFn()
	}
	s.tryDispatch()
}
