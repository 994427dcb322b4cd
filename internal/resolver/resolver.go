// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package resolver turns coordinates into place names. It asks the reverse geocoding service
// first and falls back to the offline gazetteer when the service is missing, fails or knows
// nothing. Resolution never returns an error, a failed lookup is reported as absence.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/gazetteer"
	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/geocode"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/metrics"
)

const (
	// DefaultCountry is the coverage region of the bundled gazetteer.
	DefaultCountry = "China"

	// DefaultNearbyRadiusKm is used when NearbyOptions has no radius.
	DefaultNearbyRadiusKm = 1.0

	// kmPerDegree approximates the length of one degree of latitude.
	kmPerDegree = 111.32
)

// Sources of a PlaceInfo.
const (
	SourceGeocoder  = "geocoder"
	SourceGazetteer = "gazetteer"
)

// PlaceInfo is a resolved place.
type PlaceInfo struct {
	FormattedAddress string
	City             string
	Province         string
	Country          string
	Latitude         float64
	Longitude        float64
	Source           string
}

// Options controls ResolveAddress. Zero values select the defaults.
type Options struct {
	MaxResults int
	Locale     language.Tag
	RadiusDeg  float64
}

// NearbyOptions controls ResolveNearby. Zero values select the defaults.
type NearbyOptions struct {
	RadiusKm   float64
	MaxResults int
	Locale     language.Tag
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Without it, log output is discarded.
func WithLogger(log *logger.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithMetrics enables the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithCountry sets the country reported for gazetteer results.
func WithCountry(country string) Option {
	return func(r *Resolver) {
		if country != "" {
			r.country = country
		}
	}
}

// WithLanguage sets the language used when the options carry none.
func WithLanguage(lang language.Tag) Option {
	return func(r *Resolver) {
		if lang != language.Und {
			r.lang = lang
		}
	}
}

// Resolver is safe for concurrent use. Both tiers are optional.
type Resolver struct {
	geocoder geocode.Geocoder
	store    *gazetteer.Store
	country  string
	lang     language.Tag
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func New(geocoder geocode.Geocoder, store *gazetteer.Store, opts ...Option) *Resolver {
	r := &Resolver{
		geocoder: geocoder,
		store:    store,
		country:  DefaultCountry,
		lang:     language.English,
		logger:   logger.NewLogger(slog.LevelError, io.Discard),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveAddress returns the place at lat/lon or nil if no tier knows one. The coordinate of a
// geocoder result is the query coordinate, the one of a gazetteer result is the place itself.
func (r *Resolver) ResolveAddress(ctx context.Context, lat, lon float64, opts Options) *PlaceInfo {
	if !geobus.ValidLatLon(lat, lon) {
		return nil
	}
	start := time.Now()
	defer r.observe(start)

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 1
	}
	addrs := r.reverse(ctx, lat, lon, maxResults, opts.Locale)
	if len(addrs) > 0 {
		if info, ok := formatAddress(addrs[0]); ok {
			info.Latitude, info.Longitude = lat, lon
			r.count(metrics.TierGeocoder)
			return &info
		}
	}

	if r.store == nil || ctx.Err() != nil {
		r.count(metrics.TierNone)
		return nil
	}
	radius := opts.RadiusDeg
	if radius <= 0 {
		radius = gazetteer.DefaultRadius
	}
	match, ok := r.store.Nearest(lat, lon, radius)
	if !ok {
		r.count(metrics.TierNone)
		return nil
	}
	r.count(metrics.TierGazetteer)
	info := r.fromMatch(match)
	return &info
}

// ResolveNearby returns places around lat/lon. The gazetteer is only consulted when the
// geocoder produced no result at all.
func (r *Resolver) ResolveNearby(ctx context.Context, lat, lon float64, opts NearbyOptions) []PlaceInfo {
	if !geobus.ValidLatLon(lat, lon) {
		return nil
	}
	start := time.Now()
	defer r.observe(start)

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = gazetteer.DefaultNearbyLimit
	}
	var results []PlaceInfo
	for _, addr := range r.reverse(ctx, lat, lon, maxResults, opts.Locale) {
		if info, ok := formatAddress(addr); ok {
			results = append(results, info)
		}
	}
	if len(results) > 0 {
		r.count(metrics.TierGeocoder)
		return results
	}

	if r.store == nil || ctx.Err() != nil {
		r.count(metrics.TierNone)
		return nil
	}
	radiusKm := opts.RadiusKm
	if radiusKm <= 0 {
		radiusKm = DefaultNearbyRadiusKm
	}
	for _, match := range r.store.Nearby(lat, lon, radiusKm/kmPerDegree, maxResults) {
		results = append(results, r.fromMatch(match))
	}
	if len(results) == 0 {
		r.count(metrics.TierNone)
		return nil
	}
	r.count(metrics.TierGazetteer)
	return results
}

// ResolveAddressAsync runs ResolveAddress on its own goroutine and hands the result to cb. If
// ctx is done before the result is ready, cb is not called.
func (r *Resolver) ResolveAddressAsync(ctx context.Context, lat, lon float64, opts Options, cb func(*PlaceInfo)) {
	if cb == nil {
		return
	}
	go func() {
		info := r.ResolveAddress(ctx, lat, lon, opts)
		if ctx.Err() != nil {
			return
		}
		cb(info)
	}()
}

// ResolveNearbyAsync runs ResolveNearby on its own goroutine and hands the result to cb. If
// ctx is done before the result is ready, cb is not called.
func (r *Resolver) ResolveNearbyAsync(ctx context.Context, lat, lon float64, opts NearbyOptions,
	cb func([]PlaceInfo),
) {
	if cb == nil {
		return
	}
	go func() {
		infos := r.ResolveNearby(ctx, lat, lon, opts)
		if ctx.Err() != nil {
			return
		}
		cb(infos)
	}()
}

// reverse asks the geocoder and treats every failure, including a panic, as "no result".
func (r *Resolver) reverse(ctx context.Context, lat, lon float64, maxResults int, lang language.Tag) (addrs []geocode.Address) {
	if r.geocoder == nil {
		return nil
	}
	if lang == language.Und {
		lang = r.lang
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reverse geocoder panicked", slog.String("geocoder", r.geocoder.Name()),
				logger.Err(fmt.Errorf("%v", rec)))
			addrs = nil
		}
	}()

	addrs, err := r.geocoder.Reverse(ctx, geobus.Coordinate{Lat: lat, Lon: lon}, maxResults, lang)
	if err != nil {
		r.logger.Warn("reverse geocoding failed, falling back to gazetteer",
			slog.String("geocoder", r.geocoder.Name()), logger.Err(err))
		return nil
	}
	return addrs
}

func (r *Resolver) fromMatch(match gazetteer.Match) PlaceInfo {
	return PlaceInfo{
		FormattedAddress: match.DisplayString(),
		City:             match.Admin2,
		Province:         match.Admin1,
		Country:          r.country,
		Latitude:         match.Lat,
		Longitude:        match.Lon,
		Source:           SourceGazetteer,
	}
}

func (r *Resolver) count(tier string) {
	if r.metrics == nil {
		return
	}
	r.metrics.Resolutions.WithLabelValues(tier).Inc()
}

func (r *Resolver) observe(start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
}

// formatAddress joins the address lines, or city, region and country when there are none. An
// address without any usable field is rejected.
func formatAddress(addr geocode.Address) (PlaceInfo, bool) {
	formatted := strings.Join(addr.AddressLines(), " ")
	if formatted == "" {
		formatted = joinNonEmpty(addr.City, addr.Region, addr.Country)
	}
	if formatted == "" {
		return PlaceInfo{}, false
	}
	return PlaceInfo{
		FormattedAddress: formatted,
		City:             addr.City,
		Province:         addr.Region,
		Country:          addr.Country,
		Latitude:         addr.Latitude,
		Longitude:        addr.Longitude,
		Source:           SourceGeocoder,
	}, true
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
