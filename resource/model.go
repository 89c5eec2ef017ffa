// Package resource defines the per-URL state record shared by the cache,
// storage, and network components: ResourceModel from spec §3.
//
// Design Philosophy (carried from pkg/models in the teacher repo):
//   - Minimal allocations on hot paths.
//   - Explicit state, not inferred from nil-checks scattered across
//     callers — a Model is always in exactly one of four states.
//   - Clean separation between identity (URL/Identifier) and mutable
//     state (everything else).
package resource

import (
	"image"
	"time"

	"github.com/ductranprof99/go-image-downloader/pkg/hashid"
)

// State is one of the four lifecycle states a Model can be in.
type State int

const (
	// Unknown means no cache/storage/network activity has been recorded
	// for this URL yet.
	Unknown State = iota
	Downloading
	Available
	Failed
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Downloading:
		return "downloading"
	case Available:
		return "available"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Priority governs eviction protection and queue ordering.
type Priority int

const (
	Low Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

// Model is the per-URL state record described in spec.md §3.
//
// Invariants:
//   I1: State == Available implies Image != nil, Err == nil, Progress == 1.
//   I2: State == Failed implies Image == nil, Err != nil.
//   I3: Identifier is a pure function of URL.
//
// A Model is not safe for concurrent mutation by multiple goroutines;
// its caller (the coordinator) owns the locking and
// only ever hand out copies or mutate under their own mutex.
type Model struct {
	URL                 string
	Identifier          string
	State               State
	Priority            Priority
	Image               image.Image
	Err                 error
	Progress            float64
	LastAccessDate      time.Time
	ShouldSaveToStorage bool
}

// New creates a fresh Model in the Unknown state for url.
func New(url string) *Model {
	return &Model{
		URL:        url,
		Identifier: hashid.Of(url),
		State:      Unknown,
	}
}

// MarkDownloading transitions the model into Downloading, resetting
// progress as spec.md §3 requires on retry.
func (m *Model) MarkDownloading(priority Priority) {
	m.State = Downloading
	m.Priority = priority
	m.Progress = 0
	m.Image = nil
	m.Err = nil
}

// MarkProgress updates progress, clamped to be monotonic non-decreasing
// while Downloading (spec.md §3).
func (m *Model) MarkProgress(p float64) {
	if m.State != Downloading {
		return
	}
	if p < m.Progress {
		p = m.Progress
	}
	if p > 1 {
		p = 1
	}
	m.Progress = p
}

// MarkAvailable transitions the model to Available, satisfying I1.
func (m *Model) MarkAvailable(img image.Image) {
	m.State = Available
	m.Image = img
	m.Err = nil
	m.Progress = 1
}

// MarkFailed transitions the model to Failed, satisfying I2.
func (m *Model) MarkFailed(err error) {
	m.State = Failed
	m.Image = nil
	m.Err = err
}

// Touch records a successful lookup.
func (m *Model) Touch(now time.Time) {
	m.LastAccessDate = now
}
