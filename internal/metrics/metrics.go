// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus collectors of the position orchestrator and the
// place resolver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "locatekit"

// Result kinds used as label values for Results.
const (
	KindAccepted = "accepted"
	KindForced   = "forced"
	KindFailure  = "failure"
)

// Resolution tiers used as label values for Resolutions.
const (
	TierGeocoder  = "geocoder"
	TierGazetteer = "gazetteer"
	TierNone      = "none"
)

// Metrics holds the Prometheus counters and gauges for position acquisition and place
// resolution.
type Metrics struct {
	Results          *prometheus.CounterVec // labels: kind={accepted,forced,failure}
	SamplesRejected  prometheus.Counter
	Fallbacks        prometheus.Counter
	Retries          prometheus.Counter
	ProviderSamples  *prometheus.CounterVec // labels: provider
	AcquisitionState prometheus.Gauge

	Resolutions       *prometheus.CounterVec // labels: tier={geocoder,gazetteer,none}
	ResolveDuration   prometheus.Histogram
	GeocodeCache      *prometheus.CounterVec // labels: result={hit,miss}
	BroadcastFailures prometheus.Counter
}

// New creates all collectors and registers them with reg. A nil reg registers with the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := newMetrics()
	reg.MustRegister(
		m.Results,
		m.SamplesRejected,
		m.Fallbacks,
		m.Retries,
		m.ProviderSamples,
		m.AcquisitionState,
		m.Resolutions,
		m.ResolveDuration,
		m.GeocodeCache,
		m.BroadcastFailures,
	)
	return m
}

// NewForTesting creates Metrics that are not registered anywhere, so tests can create as
// many instances as they like.
func NewForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Position results delivered to callers by kind.",
		}, []string{"kind"}),
		SamplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Provider samples dropped by the position filter.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Acquisition timeouts that emitted a cached or default position.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Provider re-subscriptions after a timeout.",
		}),
		ProviderSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_samples_total",
			Help:      "Samples received from location providers.",
		}, []string{"provider"}),
		AcquisitionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "acquisition_state",
			Help:      "Current orchestrator state (0 idle, 1 requesting, 2 fallback, 3 terminated).",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Place resolutions by the tier that produced the answer.",
		}, []string{"tier"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Duration of a place resolution across all tiers.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Reverse geocoding cache lookups by result.",
		}, []string{"result"}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Position broadcasts that could not be delivered to the message broker.",
		}),
	}
}
