package coordinator

import (
	"os"
	"path/filepath"

	"github.com/ductranprof99/go-image-downloader/netsched"
	"github.com/ductranprof99/go-image-downloader/storageagent"
)

// Config is the Coordinator's tunable surface, playing the role of the
// teacher's cachemanager.Config / monitoring.Config: a plain struct of
// tunables with a DefaultConfig constructor supplying zero-value
// fallbacks (mirrors monitoring.DefaultConfig()).
type Config struct {
	MaxConcurrent      int
	HighCacheLimit     int
	LowCacheLimit      int
	StoragePath        string
	DiskCacheSizeLimit int64 // bytes, 0 = unlimited
	DownloadRate       float64
	DownloadBurst      int

	// Fetcher and Codec are the abstracted external collaborators
	// spec.md §1 scopes out of the core (raw HTTP transport, image
	// decode). A Coordinator cannot be constructed without them.
	Fetcher netsched.Fetcher
	Codec   storageagent.Codec
}

// DefaultConfig returns the baseline tunables (maxConcurrent=4 per
// spec.md §4.3's stated default, generous cache/storage limits, a
// platform temp-dir storage path). Fetcher and Codec are left nil —
// callers must always supply them.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      4,
		HighCacheLimit:     100,
		LowCacheLimit:      200,
		StoragePath:        filepath.Join(os.TempDir(), "go-image-downloader"),
		DiskCacheSizeLimit: 0,
		DownloadRate:       0,
		DownloadBurst:      1,
	}
}

// applyDefaults fills zero-valued tunables from DefaultConfig, leaving
// Fetcher/Codec (which have no sane default) untouched.
func applyDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.HighCacheLimit <= 0 {
		cfg.HighCacheLimit = d.HighCacheLimit
	}
	if cfg.LowCacheLimit <= 0 {
		cfg.LowCacheLimit = d.LowCacheLimit
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = d.StoragePath
	}
	if cfg.DownloadBurst <= 0 {
		cfg.DownloadBurst = d.DownloadBurst
	}
	return cfg
}
