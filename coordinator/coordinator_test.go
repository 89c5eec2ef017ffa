package coordinator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/ductranprof99/go-image-downloader/netsched"
	"github.com/ductranprof99/go-image-downloader/resource"
	"github.com/ductranprof99/go-image-downloader/storageagent"
)

// fakeImage is a minimal image.Image carrying an identifying tag, used
// throughout these tests in place of a real decoded bitmap.
type fakeImage struct{ tag string }

func (f *fakeImage) ColorModel() color.Model { return color.RGBAModel }
func (f *fakeImage) Bounds() image.Rectangle { return image.Rect(0, 0, 1, 1) }
func (f *fakeImage) At(x, y int) color.Color { return color.RGBA{} }

// fakeCodec encodes/decodes fakeImage via its tag, so storageagent.Store
// doesn't need a real image format in these tests.
type fakeCodec struct{}

func (fakeCodec) Encode(img image.Image) ([]byte, error) {
	return []byte(img.(*fakeImage).tag), nil
}

func (fakeCodec) Decode(data []byte) (image.Image, error) {
	return &fakeImage{tag: string(data)}, nil
}

// scriptedFetcher returns a fixed (image, error) per URL, optionally
// gated so a test can hold it "in flight" until release is called.
type scriptedFetcher struct {
	mu      sync.Mutex
	results map[string]struct {
		img image.Image
		err error
	}
	gates map[string]chan struct{}
	calls int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		results: make(map[string]struct {
			img image.Image
			err error
		}),
		gates: make(map[string]chan struct{}),
	}
}

func (f *scriptedFetcher) set(url string, img image.Image, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[url] = struct {
		img image.Image
		err error
	}{img, err}
}

func (f *scriptedFetcher) gate(url string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.gates[url]
	if !ok {
		ch = make(chan struct{})
		f.gates[url] = ch
	}
	return ch
}

func (f *scriptedFetcher) release(url string) { close(f.gate(url)) }

func (f *scriptedFetcher) Fetch(ctx context.Context, url string, report netsched.ProgressFunc) (image.Image, error) {
	f.mu.Lock()
	f.calls++
	res, ok := f.results[url]
	f.mu.Unlock()

	select {
	case <-f.gate(url):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !ok {
		return &fakeImage{tag: url}, nil
	}
	return res.img, res.err
}

func newTestCoordinator(t *testing.T, fetcher netsched.Fetcher, maxConcurrent int) *Coordinator {
	t.Helper()
	cfg := Config{
		MaxConcurrent:  maxConcurrent,
		HighCacheLimit: 10,
		LowCacheLimit:  10,
		StoragePath:    t.TempDir(),
		Fetcher:        fetcher,
		Codec:          fakeCodec{},
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// Scenario A — cache hit.
func TestScenarioACacheHit(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 2)

	var first image.Image
	var wg sync.WaitGroup
	wg.Add(1)
	c.Request("https://a/1", resource.Low, storageagent.ModeNone, nil, func(img image.Image, err error, fromCache, fromStorage bool) {
		first = img
		wg.Done()
	}, netsched.CallerHandle{})

	waitFor(t, func() bool { return fetcher.calls == 1 })
	fetcher.release("https://a/1")
	wg.Wait()
	if first == nil {
		t.Fatal("expected first request to resolve an image")
	}

	beforeActive := c.ActiveDownloads()
	var second image.Image
	var fromCache bool
	wg.Add(1)
	c.Request("https://a/1", resource.Low, storageagent.ModeNone, nil, func(img image.Image, err error, fc, fs bool) {
		second, fromCache = img, fc
		wg.Done()
	}, netsched.CallerHandle{})
	wg.Wait()

	if !fromCache {
		t.Fatal("expected second request to be a cache hit")
	}
	if second != first {
		t.Fatal("expected cache hit to return the same image")
	}
	if c.ActiveDownloads() != beforeActive {
		t.Fatal("cache hit must not start a new download")
	}
}

// Scenario B — storage promotion.
func TestScenarioBStoragePromotion(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 2)

	prePut := make(chan struct{})
	c.store.Put("https://a/2", &fakeImage{tag: "persisted"}, func(ok bool) { close(prePut) })
	<-prePut

	var wg sync.WaitGroup
	wg.Add(1)
	var fromStorage bool
	var img image.Image
	c.Request("https://a/2", resource.High, storageagent.ModeDisk, nil, func(i image.Image, err error, fc, fs bool) {
		img, fromStorage = i, fs
		wg.Done()
	}, netsched.CallerHandle{})
	wg.Wait()

	if !fromStorage {
		t.Fatal("expected storage hit")
	}
	if img == nil {
		t.Fatal("expected an image from storage")
	}
	if c.CacheHigh() != 1 {
		t.Fatalf("expected storage hit promoted into High bucket, got CacheHigh=%d", c.CacheHigh())
	}
	if fetcher.calls != 0 {
		t.Fatal("expected no network call on storage hit")
	}
}

// Scenario C — High preemption at the queue.
func TestScenarioCHighPreemption(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 1)

	var order []string
	var mu sync.Mutex
	record := func(name string) CompletionFunc {
		return func(img image.Image, err error, fc, fs bool) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	c.Request("https://l1", resource.Low, storageagent.ModeNone, nil, record("L1"), netsched.CallerHandle{})
	waitFor(t, func() bool { return fetcher.calls == 1 })

	c.Request("https://l2", resource.Low, storageagent.ModeNone, nil, record("L2"), netsched.CallerHandle{})
	c.Request("https://h1", resource.High, storageagent.ModeNone, nil, record("H1"), netsched.CallerHandle{})

	fetcher.release("https://l1")
	waitFor(t, func() bool { return fetcher.calls == 2 })
	fetcher.release("https://h1")
	waitFor(t, func() bool { return fetcher.calls == 3 })
	fetcher.release("https://l2")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "L1" || order[1] != "H1" || order[2] != "L2" {
		t.Fatalf("expected completion order [L1 H1 L2], got %v", order)
	}
}

// Scenario D — coalesced cancel.
func TestScenarioDCoalescedCancel(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 2)

	callerA := netsched.NewCallerHandle()
	var errA error
	var imgB image.Image
	var wg sync.WaitGroup
	wg.Add(1)

	c.Request("https://u", resource.Low, storageagent.ModeNone, nil, func(img image.Image, err error, fc, fs bool) {
		errA = err
	}, callerA)
	c.Request("https://u", resource.Low, storageagent.ModeNone, nil, func(img image.Image, err error, fc, fs bool) {
		imgB = img
		wg.Done()
	}, netsched.CallerHandle{})

	waitFor(t, func() bool { return fetcher.calls == 1 })
	c.Cancel("https://u", callerA)
	fetcher.release("https://u")
	wg.Wait()

	if imgB == nil {
		t.Fatal("expected surviving caller to receive the image")
	}
	var cerr *Error
	if !errors.As(errA, &cerr) || cerr.Kind != KindCancelled {
		t.Fatalf("cancelled caller's completion must receive KindCancelled: got %v", errA)
	}
}

// Scenario E — high-bucket spill.
func TestScenarioEHighBucketSpill(t *testing.T) {
	fetcher := newScriptedFetcher()
	cfg := Config{
		MaxConcurrent:  2,
		HighCacheLimit: 1,
		LowCacheLimit:  10,
		StoragePath:    t.TempDir(),
		Fetcher:        fetcher,
		Codec:          fakeCodec{},
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	c.cache.PutImportant("u1", &fakeImage{tag: "i1"})
	c.cache.PutImportant("u2", &fakeImage{tag: "i2"}) // evicts u1, spills via delegate

	waitFor(t, func() bool { return c.store.Has("u1") })
	if _, ok := c.cache.Get("u1"); ok {
		t.Fatal("expected u1 evicted from cache")
	}
	if _, ok := c.cache.Get("u2"); !ok {
		t.Fatal("expected u2 to remain cached")
	}
}

// Scenario F — force reload.
func TestScenarioFForceReload(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.set("https://u", &fakeImage{tag: "new"}, nil)
	c := newTestCoordinator(t, fetcher, 2)

	c.cache.Put("https://u", &fakeImage{tag: "old"}, resource.Low)
	putDone := make(chan struct{})
	c.store.Put("https://u", &fakeImage{tag: "old"}, func(bool) { close(putDone) })
	<-putDone

	var wg sync.WaitGroup
	wg.Add(1)
	var got image.Image
	c.ForceReload("https://u", resource.Low, storageagent.ModeDisk, nil, func(img image.Image, err error, fc, fs bool) {
		got = img
		wg.Done()
	}, netsched.CallerHandle{})

	waitFor(t, func() bool { return fetcher.calls >= 1 })
	fetcher.release("https://u")
	wg.Wait()

	if got == nil || got.(*fakeImage).tag != "new" {
		t.Fatalf("expected force reload to deliver the new image, got %+v", got)
	}
	waitFor(t, func() bool {
		cached, ok := c.cache.Get("https://u")
		return ok && cached.(*fakeImage).tag == "new"
	})
}

func TestInvalidURLRejectedSynchronously(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 2)

	_, err := c.Request("", resource.Low, storageagent.ModeNone, nil, nil, netsched.CallerHandle{})
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindInvalidURL {
		t.Fatalf("expected KindInvalidURL, got %v", err)
	}
}

func TestNetworkFailureSurfacesViaCompletion(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.set("https://bad", nil, errors.New("boom"))
	c := newTestCoordinator(t, fetcher, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	c.Request("https://bad", resource.Low, storageagent.ModeNone, nil, func(img image.Image, err error, fc, fs bool) {
		gotErr = err
		wg.Done()
	}, netsched.CallerHandle{})

	waitFor(t, func() bool { return fetcher.calls == 1 })
	fetcher.release("https://bad")
	wg.Wait()

	var cerr *Error
	if !errors.As(gotErr, &cerr) || cerr.Kind != KindNetwork {
		t.Fatalf("expected KindNetwork, got %v", gotErr)
	}
}

func TestPeekReflectsLifecycle(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 2)

	if _, ok := c.Peek("https://unseen"); ok {
		t.Fatal("expected Peek to report unknown for a never-requested URL")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	c.Request("https://p", resource.Low, storageagent.ModeNone, nil, func(image.Image, error, bool, bool) { wg.Done() }, netsched.CallerHandle{})

	waitFor(t, func() bool {
		st, ok := c.Peek("https://p")
		return ok && st == resource.Downloading
	})

	fetcher.release("https://p")
	wg.Wait()

	st, ok := c.Peek("https://p")
	if !ok || st != resource.Available {
		t.Fatalf("expected Available after completion, got %v", st)
	}
}

func TestHardResetClearsEverything(t *testing.T) {
	fetcher := newScriptedFetcher()
	c := newTestCoordinator(t, fetcher, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	c.Request("https://r", resource.High, storageagent.ModeDisk, nil, func(image.Image, error, bool, bool) { wg.Done() }, netsched.CallerHandle{})
	waitFor(t, func() bool { return fetcher.calls == 1 })
	fetcher.release("https://r")
	wg.Wait()

	waitFor(t, func() bool { return c.store.Has("https://r") })
	c.HardReset()

	if c.CacheHigh() != 0 || c.CacheLow() != 0 {
		t.Fatal("expected HardReset to clear cache")
	}
	if c.store.Has("https://r") {
		t.Fatal("expected HardReset to clear storage")
	}
	if _, ok := c.Peek("https://r"); ok {
		t.Fatal("expected HardReset to forget tracked resource models")
	}
}
