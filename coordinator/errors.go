package coordinator

import (
	"errors"
	"fmt"

	"github.com/ductranprof99/go-image-downloader/netsched"
)

// Kind is one of spec.md §7's error taxonomy values.
type Kind int

const (
	KindInvalidURL Kind = iota
	KindNetwork
	KindDecode
	KindStorage
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid-url"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	case KindStorage:
		return "storage"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel causes, matched with errors.Is. Error.Unwrap returns one of
// these for KindInvalidURL, KindCancelled and KindStorage; for
// KindNetwork it returns the raw Fetcher error, and for KindDecode the
// Fetcher's error that wraps ErrDecodeFailure (see WrapDecodeFailure),
// so errors.Is still matches it. This follows the teacher's plain
// errors.New/fmt.Errorf style throughout cache-manager/service.go — no
// custom error package, stdlib only.
var (
	ErrInvalidURL     = errors.New("coordinator: invalid url")
	ErrCancelled      = errors.New("coordinator: download cancelled")
	ErrDecodeFailure  = errors.New("coordinator: image decode failed")
	ErrStorageFailure = errors.New("coordinator: storage operation failed")
)

// Error is the concrete error type returned to callers, carrying enough
// context (Kind, URL) to branch on without string matching.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("coordinator: %s %q: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}

// WrapDecodeFailure lets a Fetcher implementation mark a failure as a
// decode failure rather than a generic transport failure, so the
// Coordinator can surface Kind == KindDecode instead of KindNetwork.
// Fetchers that don't distinguish may simply not call this — the
// failure then surfaces as KindNetwork, which is still a correct,
// if less specific, classification.
func WrapDecodeFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrDecodeFailure, err)
}

// translateNetworkErr classifies an error returned from
// netsched.Scheduler's CompletionFunc into the taxonomy's Kind values.
func translateNetworkErr(url string, err error) *Error {
	switch {
	case errors.Is(err, netsched.ErrCancelled):
		return newError(KindCancelled, url, ErrCancelled)
	case errors.Is(err, ErrDecodeFailure):
		return newError(KindDecode, url, err)
	default:
		return newError(KindNetwork, url, err)
	}
}
