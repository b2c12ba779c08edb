// Package cache keeps parsed colour ramps and rendered legends. Raster data
// and statistics are never cached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/damwatch/server/pkg/colormap"
)

// Config contains cache configuration.
type Config struct {
	LegendCacheSizeMB int
	LegendTTL         time.Duration
	RampCacheSize     int
}

// Manager manages the legend and ramp caches.
type Manager struct {
	legendCache *bigcache.BigCache
	rampCache   *lru.Cache[string, colormap.Ramp]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.LegendTTL <= 0 {
		cfg.LegendTTL = 10 * time.Minute
	}
	if cfg.RampCacheSize <= 0 {
		cfg.RampCacheSize = 256
	}

	legendCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.LegendTTL,
		CleanWindow:        cfg.LegendTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       16 * 1024, // legends are a few KB
		HardMaxCacheSize:   cfg.LegendCacheSizeMB,
		Verbose:            false,
	}

	legendCache, err := bigcache.New(context.Background(), legendCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create legend cache: %w", err)
	}

	rampCache, err := lru.New[string, colormap.Ramp](cfg.RampCacheSize)
	if err != nil {
		legendCache.Close()
		return nil, fmt.Errorf("failed to create ramp cache: %w", err)
	}

	return &Manager{
		legendCache: legendCache,
		rampCache:   rampCache,
	}, nil
}

// Ramp parses hex colours, reusing earlier parses of the same list. Invalid
// lists are not cached.
func (m *Manager) Ramp(colors []string) (colormap.Ramp, error) {
	key := strings.Join(colors, ",")
	if r, ok := m.rampCache.Get(key); ok {
		return r, nil
	}
	r, err := colormap.ParseRamp(colors)
	if err != nil {
		return colormap.Ramp{}, err
	}
	m.rampCache.Add(key, r)
	return r, nil
}

// GetLegend retrieves a rendered legend from cache.
func (m *Manager) GetLegend(key string) ([]byte, bool) {
	data, err := m.legendCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetLegend stores a rendered legend in cache.
func (m *Manager) SetLegend(key string, data []byte) error {
	return m.legendCache.Set(key, data)
}

// LegendKey identifies a legend by the raster it describes and how it is
// drawn. The modification time keeps replaced files from hitting old entries.
func LegendKey(path string, modTime time.Time, ramp colormap.Ramp, unit string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s", path, modTime.UnixNano(), ramp, unit)
	return "legend:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"legend_cache_len": m.legendCache.Len(),
		"legend_cache_cap": m.legendCache.Capacity(),
		"ramp_cache_len":   m.rampCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.legendCache.Close()
}
