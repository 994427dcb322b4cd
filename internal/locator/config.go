// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package locator

import (
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/locatekit/internal/geobus"
)

// Default configuration values.
const (
	DefaultTimeout           = time.Second * 6
	DefaultMinUpdateInterval = time.Second * 5
	DefaultMinUpdateDistance = 1.0
	DefaultFilterMinMeters   = 5.0
	DefaultFilterMaxMeters   = 200.0
	DefaultLatitude          = 39.9042
	DefaultLongitude         = 116.4074
	DefaultBroadcastTopic    = "locatekit.location"
	DefaultCacheMaxAge       = time.Second * 60
	DefaultRetryLimit        = 2
	DefaultRetryDelay        = time.Second * 2
)

// Configuration controls a single acquisition run. It is copied into the run on Start, so
// changing it while a run is active only affects the next run.
type Configuration struct {
	Timeout           time.Duration
	MinUpdateInterval time.Duration
	MinUpdateDistance float64

	FilterEnabled   bool
	FilterMinMeters float64
	FilterMaxMeters float64

	DefaultLatitude  float64
	DefaultLongitude float64

	BroadcastEnabled bool
	BroadcastTopic   string

	Mode        Mode
	CacheMaxAge time.Duration
	RetryLimit  int
	RetryDelay  time.Duration
}

// DefaultConfiguration returns a Configuration with all default values set.
func DefaultConfiguration() Configuration {
	return Configuration{
		Timeout:           DefaultTimeout,
		MinUpdateInterval: DefaultMinUpdateInterval,
		MinUpdateDistance: DefaultMinUpdateDistance,
		FilterMinMeters:   DefaultFilterMinMeters,
		FilterMaxMeters:   DefaultFilterMaxMeters,
		DefaultLatitude:   DefaultLatitude,
		DefaultLongitude:  DefaultLongitude,
		BroadcastTopic:    DefaultBroadcastTopic,
		Mode:              ModeFusion,
		CacheMaxAge:       DefaultCacheMaxAge,
		RetryLimit:        DefaultRetryLimit,
		RetryDelay:        DefaultRetryDelay,
	}
}

// Validate checks the configuration for values that would make a run misbehave.
func (c Configuration) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MinUpdateInterval < 0 {
		errs = append(errs, fmt.Errorf("min update interval must not be negative, got %s", c.MinUpdateInterval))
	}
	if c.MinUpdateDistance < 0 {
		errs = append(errs, fmt.Errorf("min update distance must not be negative, got %f", c.MinUpdateDistance))
	}
	if c.FilterEnabled && c.FilterMinMeters >= c.FilterMaxMeters {
		errs = append(errs, fmt.Errorf("filter minimum (%f) must be below filter maximum (%f)",
			c.FilterMinMeters, c.FilterMaxMeters))
	}
	if !geobus.ValidLatLon(c.DefaultLatitude, c.DefaultLongitude) {
		errs = append(errs, fmt.Errorf("invalid default position %f/%f", c.DefaultLatitude, c.DefaultLongitude))
	}
	if c.BroadcastEnabled && c.BroadcastTopic == "" {
		errs = append(errs, errors.New("broadcast topic is required when broadcasting is enabled"))
	}
	if _, ok := modeNames[c.Mode]; !ok {
		errs = append(errs, fmt.Errorf("unknown location mode: %s", c.Mode))
	}
	if c.RetryLimit < 0 || c.RetryDelay < 0 || c.CacheMaxAge < 0 {
		errs = append(errs, errors.New("retry limit, retry delay and cache max age must not be negative"))
	}
	return errors.Join(errs...)
}

// defaultSample returns the synthetic sample used when no real position is available.
func (c Configuration) defaultSample(at time.Time) geobus.Sample {
	return geobus.Sample{
		Lat:            c.DefaultLatitude,
		Lon:            c.DefaultLongitude,
		AccuracyMeters: geobus.AccuracyUnknown,
		Provider:       geobus.ProviderDefault,
		At:             at,
	}
}
