// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"context"
	"time"
)

const (
	AccuracyCountry = 300000
	AccuracyRegion  = 100000
	AccuracyCity    = 15000
	AccuracyZip     = 3000
	AccuracyUnknown = 1000000
	TruncPrecision  = 4
)

// Well-known provider IDs.
const (
	ProviderGPS      = "gps"
	ProviderNetwork  = "network"
	ProviderPassive  = "passive"
	ProviderGeoIP    = "geoip"
	ProviderGeoAPI   = "geoapi"
	ProviderCityname = "cityname"
	ProviderDefault  = "default"
)

// Provider defines an interface for geolocation sources. LookupStream emits samples until ctx
// is cancelled and closes the channel when it gives up.
type Provider interface {
	Name() string
	LookupStream(ctx context.Context) <-chan Sample
}

// Sample is a single position fix reported by a provider. It is an immutable value.
type Sample struct {
	Lat            float64   `json:"latitude"`
	Lon            float64   `json:"longitude"`
	Alt            float64   `json:"altitude,omitempty"`
	AccuracyMeters float64   `json:"accuracy"`
	Provider       string    `json:"provider"`
	At             time.Time `json:"timestamp"`
}

// Coordinate returns the position part of the sample.
func (s Sample) Coordinate() Coordinate {
	return Coordinate{Lat: s.Lat, Lon: s.Lon, Acc: s.AccuracyMeters}
}

// Valid reports whether the sample lies within the WGS84 value ranges and has a non-negative accuracy.
func (s Sample) Valid() bool {
	return ValidLatLon(s.Lat, s.Lon) && s.AccuracyMeters >= 0
}

// SamePosition reports whether both samples carry identical coordinates.
func (s Sample) SamePosition(other Sample) bool {
	return s.Lat == other.Lat && s.Lon == other.Lon
}

// DistanceMeters returns the great-circle distance between two samples.
func (s Sample) DistanceMeters(other Sample) float64 {
	return s.Coordinate().DistanceMeters(other.Coordinate())
}

// Age returns how old the sample is relative to now.
func (s Sample) Age(now time.Time) time.Duration {
	return now.Sub(s.At)
}
