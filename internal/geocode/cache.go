// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geocode

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/metrics"
)

// coordPrecision is the precision used to quantize coordinates (0.01 degrees ≈ 1.1 km)
const coordPrecision = 1e-2

type cacheKey struct {
	Provider   string
	Lang       string
	MaxResults int
	LatQ       int32
	LonQ       int32
}

type cacheEntry struct {
	Addresses []Address
	Expiry    time.Time
}

// CacheOption configures a CachedGeocoder.
type CacheOption func(*CachedGeocoder)

// WithCacheClock replaces the clock used for the entry expiry.
func WithCacheClock(clock clockwork.Clock) CacheOption {
	return func(c *CachedGeocoder) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithCacheMetrics counts cache hits and misses.
func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(c *CachedGeocoder) {
		c.metrics = m
	}
}

// CachedGeocoder wraps a Geocoder and remembers its answers per quantized coordinate. Empty
// answers are kept for ttlMiss, non-empty ones for ttlHit. Errors are never cached.
type CachedGeocoder struct {
	coder   Geocoder
	ttlHit  time.Duration
	ttlMiss time.Duration
	clock   clockwork.Clock
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

func NewCachedGeocoder(coder Geocoder, ttlHit, ttlMiss time.Duration, opts ...CacheOption) *CachedGeocoder {
	c := &CachedGeocoder{
		coder:   coder,
		ttlHit:  ttlHit,
		ttlMiss: ttlMiss,
		clock:   clockwork.NewRealClock(),
		cache:   make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedGeocoder) Name() string {
	return "geocoder cache using " + c.coder.Name()
}

func (c *CachedGeocoder) Reverse(ctx context.Context, coords geobus.Coordinate, maxResults int,
	lang language.Tag,
) ([]Address, error) {
	key := newKey(c.coder.Name(), lang, maxResults, coords.Lat, coords.Lon)
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && now.Before(entry.Expiry) {
		c.count("hit")
		addrs := slices.Clone(entry.Addresses)
		for i := range addrs {
			addrs[i].CacheHit = true
		}
		return addrs, nil
	}
	c.count("miss")

	addrs, err := c.coder.Reverse(ctx, coords, maxResults, lang)
	if err != nil {
		return addrs, err
	}

	ttl := c.ttlHit
	if len(addrs) == 0 {
		ttl = c.ttlMiss
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)
	c.cache[key] = cacheEntry{
		Addresses: slices.Clone(addrs),
		Expiry:    now.Add(ttl),
	}

	return addrs, nil
}

// Len returns the number of cached entries, expired ones included.
func (c *CachedGeocoder) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *CachedGeocoder) evictLocked(now time.Time) {
	for key, entry := range c.cache {
		if !now.Before(entry.Expiry) {
			delete(c.cache, key)
		}
	}
}

func (c *CachedGeocoder) count(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.GeocodeCache.WithLabelValues(result).Inc()
}

func quantizeCoord(val float64) int32 {
	return int32(math.Round(val / coordPrecision))
}

func newKey(provider string, lang language.Tag, maxResults int, lat, lon float64) cacheKey {
	return cacheKey{
		Provider:   provider,
		Lang:       lang.String(),
		MaxResults: maxResults,
		LatQ:       quantizeCoord(lat),
		LonQ:       quantizeCoord(lon),
	}
}
