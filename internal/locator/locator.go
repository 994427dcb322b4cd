// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package locator acquires a device position from a set of location providers. A run
// subscribes to the providers selected by the configured Mode, filters incoming samples,
// emits accepted ones to the caller and falls back to a cached or default position when no
// live fix arrives before the deadline.
package locator

import (
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/locatekit/internal/geobus"
)

var (
	// ErrNoSubsystem is reported when no location subsystem is available.
	ErrNoSubsystem = errors.New("location subsystem unavailable")
	// ErrNoPermission is reported when the location permission has not been granted.
	ErrNoPermission = errors.New("location permission not granted")
	// ErrNoProvider is reported when no location provider is enabled.
	ErrNoProvider = errors.New("no location provider enabled")
	// ErrProviderDisabled is reported when a provider required by the mode is not enabled or
	// stopped delivering samples.
	ErrProviderDisabled = errors.New("location provider disabled")

	// ErrNotConfigured is returned by Start when Configure has not been called.
	ErrNotConfigured = errors.New("orchestrator is not configured")
	// ErrNilCallback is returned by Start when no result callback is given.
	ErrNilCallback = errors.New("result callback is required")
)

// Subsystem is the platform capability that drives the location providers.
type Subsystem interface {
	EnabledProviders() []string
	Subscribe(id string, minInterval time.Duration, minDistance float64, onSample func(geobus.Sample),
		onDisabled func(id string)) error
	Unsubscribe(id string)
	LastKnown(id string) (geobus.Sample, bool)
}

// PermissionChecker reports whether the process may access the device location.
type PermissionChecker interface {
	HasLocationPermission() bool
}

// Broadcaster publishes accepted positions to other interested parties.
type Broadcaster interface {
	Publish(topic string, s geobus.Sample)
}

// Localizer translates result messages.
type Localizer interface {
	Get(message string) string
	Getf(format string, vars ...any) string
}

// State is the observable state of the orchestrator.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateFallback
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateFallback:
		return "fallback"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is delivered to the caller for every emitted position and for every failure. Sample
// is always populated, with the default position if nothing better is known.
type Result struct {
	Success bool
	Sample  geobus.Sample
	Message string
	Forced  bool
	Err     error
}

type passthroughLocalizer struct{}

func (passthroughLocalizer) Get(message string) string { return message }

func (passthroughLocalizer) Getf(format string, vars ...any) string {
	return fmt.Sprintf(format, vars...)
}
