// Package cache provides caching for rendered images and range query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maldi-atlas/server/internal/spectral"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages the PNG and range image caches.
type Manager struct {
	imageCache *bigcache.BigCache
	queryCache *lru.Cache[string, *spectral.Image]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ImageTTL <= 0 {
		cfg.ImageTTL = 10 * time.Minute
	}
	if cfg.ImageCacheSizeMB <= 0 {
		cfg.ImageCacheSizeMB = 64
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 256
	}

	imageCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // 512KB per PNG
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	imageCache, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	queryCache, err := lru.New[string, *spectral.Image](cfg.QueryCacheSize)
	if err != nil {
		imageCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		imageCache: imageCache,
		queryCache: queryCache,
	}, nil
}

// GetImage retrieves an encoded image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.imageCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores an encoded image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.imageCache.Set(key, data)
}

// GetRange retrieves a range image from cache. Callers must not modify it.
func (m *Manager) GetRange(key string) (*spectral.Image, bool) {
	return m.queryCache.Get(key)
}

// SetRange stores a range image in cache.
func (m *Manager) SetRange(key string, img *spectral.Image) {
	m.queryCache.Add(key, img)
}

// RangeImageKey generates a cache key for a summed range image.
func RangeImageKey(dataset string, slice int, ranges [][2]float64, opts spectral.Options, method string) string {
	base := fmt.Sprintf("range:%s/%d:%s:%s:%s", dataset, slice, opts.Correction, opts.Resolution, method)
	return base + ":" + hashRanges(ranges)
}

// PNGKey generates a cache key for a rendered heatmap or composite.
// Each channel is a list of m/z ranges; a heatmap has exactly one channel.
func PNGKey(dataset string, slice int, channels [][][2]float64, opts spectral.Options, colormap string, percentile float64, logScale bool) string {
	base := fmt.Sprintf("png:%s/%d:%s:%s:p=%g:log=%t", dataset, slice, opts.Correction, colormap, percentile, logScale)

	h := sha256.New()
	for i, ranges := range channels {
		fmt.Fprintf(h, "c%d=%s;", i, hashRanges(ranges))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func hashRanges(ranges [][2]float64) string {
	h := sha256.New()
	for _, r := range ranges {
		fmt.Fprintf(h, "[%v,%v)", r[0], r[1])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.imageCache.Stats()
	return map[string]interface{}{
		"image_cache_len":    m.imageCache.Len(),
		"image_cache_cap":    m.imageCache.Capacity(),
		"image_cache_hits":   stats.Hits,
		"image_cache_misses": stats.Misses,
		"query_cache_len":    m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.queryCache.Purge()
	return m.imageCache.Close()
}
