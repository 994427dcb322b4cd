// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package provider drives the location providers on behalf of the position orchestrator. Each
// subscription owns a goroutine that reads the provider stream, keeps the last known sample,
// throttles deliveries by time and distance and reconnects with backoff when the stream ends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/logger"
)

var (
	// ErrUnknownProvider is returned when subscribing to a provider that is not registered.
	ErrUnknownProvider = errors.New("unknown location provider")
	// ErrClosed is returned when subscribing on a closed subsystem.
	ErrClosed = errors.New("location subsystem is closed")
)

// Subsystem manages subscriptions to a fixed set of providers.
type Subsystem struct {
	logger    *logger.Logger
	clock     clockwork.Clock
	names     []string
	providers map[string]geobus.Provider

	mu     sync.Mutex
	closed bool
	subs   map[string]*subscription
	last   map[string]geobus.Sample
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Subsystem for the given providers. Providers are identified by their Name
// and are reported as enabled in the order given.
func New(log *logger.Logger, providers ...geobus.Provider) (*Subsystem, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	s := &Subsystem{
		logger:    log,
		clock:     clockwork.NewRealClock(),
		providers: make(map[string]geobus.Provider),
		subs:      make(map[string]*subscription),
		last:      make(map[string]geobus.Sample),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := p.Name()
		if _, ok := s.providers[name]; ok {
			return nil, fmt.Errorf("duplicate location provider: %s", name)
		}
		s.providers[name] = p
		s.names = append(s.names, name)
	}
	return s, nil
}

// EnabledProviders returns the IDs of all registered providers.
func (s *Subsystem) EnabledProviders() []string {
	return append([]string(nil), s.names...)
}

// Subscribe starts reading the provider with the given ID. Samples are passed to onSample
// unless they arrive sooner than minInterval or closer than minDistance meters after the last
// delivered one. onDisabled is called once per subscription when the provider stream ends or
// cannot be opened. An existing subscription for the same ID is replaced.
func (s *Subsystem) Subscribe(id string, minInterval time.Duration, minDistance float64,
	onSample func(geobus.Sample), onDisabled func(id string),
) error {
	p, ok := s.providers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if onSample == nil {
		return errors.New("sample callback is required")
	}

	s.Unsubscribe(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if stale := s.subs[id]; stale != nil {
		stale.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	s.subs[id] = sub

	filter := &throttle{minInterval: minInterval, minDistance: minDistance}
	go s.track(ctx, sub, id, p, filter, newReconnect(s.clock, minInterval), onSample, onDisabled)
	return nil
}

// Unsubscribe stops the subscription for the given ID and waits until its goroutine exited,
// so no callback runs after it returns. It must not be called from within onSample.
func (s *Subsystem) Unsubscribe(id string) {
	s.mu.Lock()
	sub := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

// LastKnown returns the most recent sample received from the provider, regardless of
// throttling.
func (s *Subsystem) LastKnown(id string) (geobus.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.last[id]
	return sample, ok
}

// Close ends all subscriptions. Subsequent calls to Subscribe fail.
func (s *Subsystem) Close() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Unsubscribe(id)
	}
}

// track continuously reads a provider stream and opens it again after a delay when it ends.
func (s *Subsystem) track(ctx context.Context, sub *subscription, id string, p geobus.Provider, filter *throttle,
	delay *reconnect, onSample func(geobus.Sample), onDisabled func(string),
) {
	defer close(sub.done)
	reported := false

	for {
		if stream := safeLookup(ctx, p); stream != nil {
			if s.consume(ctx, id, stream, filter, onSample) {
				delay.reset()
			}
		}
		if ctx.Err() != nil {
			return
		}

		if !reported && onDisabled != nil {
			reported = true
			onDisabled(id)
		}
		s.logger.Debug("location provider stream ended", slog.String("provider", id),
			slog.Duration("reconnect_in", delay.delay))
		if !delay.wait(ctx) {
			return
		}
	}
}

// consume reads stream until it is closed or ctx is done. It reports whether at least one
// sample was received.
func (s *Subsystem) consume(ctx context.Context, id string, stream <-chan geobus.Sample, filter *throttle,
	onSample func(geobus.Sample),
) bool {
	received := false
	for {
		select {
		case <-ctx.Done():
			return received
		case sample, ok := <-stream:
			if !ok {
				return received
			}
			received = true
			sample.Provider = id
			if !sample.Valid() {
				s.logger.Debug("ignoring invalid sample", slog.String("provider", id))
				continue
			}

			s.mu.Lock()
			s.last[id] = sample
			s.mu.Unlock()

			if filter.allow(sample) {
				onSample(sample)
			}
		}
	}
}

// safeLookup safely invokes the LookupStream method on a Provider and recovers from potential panics.
// Returns a read-only channel of samples or nil if the operation fails.
func safeLookup(ctx context.Context, provider geobus.Provider) (ch <-chan geobus.Sample) {
	defer func() { _ = recover() }()
	return provider.LookupStream(ctx)
}

// throttle implements the minimum time and distance between two delivered samples.
type throttle struct {
	minInterval time.Duration
	minDistance float64
	last        geobus.Sample
	delivered   bool
}

func (t *throttle) allow(sample geobus.Sample) bool {
	if t.delivered {
		if sample.At.Sub(t.last.At) < t.minInterval {
			return false
		}
		if t.last.DistanceMeters(sample) < t.minDistance {
			return false
		}
	}
	t.last = sample
	t.delivered = true
	return true
}
