package netsched

import (
	"context"
	"image"
)

// Fetcher is the abstracted network transport (spec.md §1 scopes raw
// HTTP and image decode out of the core): given a url, it returns a
// decoded image or an error, reporting fractional progress as bytes
// arrive. Implementations must respect ctx cancellation promptly —
// that's how Scheduler tears down an active task's transport on the
// last callback's cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, url string, report ProgressFunc) (image.Image, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, url string, report ProgressFunc) (image.Image, error)

// Fetch calls f(ctx, url, report).
func (f FetcherFunc) Fetch(ctx context.Context, url string, report ProgressFunc) (image.Image, error) {
	return f(ctx, url, report)
}
