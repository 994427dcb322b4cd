// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package locator

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/metrics"
)

// Option configures optional collaborators of the Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for the deadline and the retry timers.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger. Without it, log output is discarded.
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMetrics enables the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLocalizer sets the translator for result messages.
func WithLocalizer(l Localizer) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.localizer = l
		}
	}
}

// Orchestrator runs position acquisitions. At most one run is active at a time. All provider,
// deadline and retry callbacks carry the generation of the run that created them and are
// dropped once that run has been stopped or replaced.
type Orchestrator struct {
	subsystem   Subsystem
	permission  PermissionChecker
	broadcaster Broadcaster
	clock       clockwork.Clock
	logger      *logger.Logger
	metrics     *metrics.Metrics
	localizer   Localizer

	generation atomic.Uint64

	// subMu serializes subscription changes on the subsystem. It is never acquired while mu
	// is held.
	subMu sync.Mutex

	mu         sync.Mutex
	config     Configuration
	configured bool
	state      State
	run        *run
}

type run struct {
	gen       uint64
	config    Configuration
	onResult  func(Result)
	providers []string
	box       *mailbox

	// deliverMu is held by the dispatcher while it checks the generation and runs onResult.
	// inCallback is set while onResult runs, so a Stop issued from the callback does not wait
	// for itself.
	deliverMu  sync.Mutex
	inCallback atomic.Bool

	reference  *geobus.Sample
	live       bool
	terminated bool
	retries    int
	deadline   clockwork.Timer
	retry      clockwork.Timer
	disabled   map[string]struct{}
}

// New returns an Orchestrator. Any of subsystem, permission and broadcaster may be nil: a nil
// subsystem makes every Start report ErrNoSubsystem, a nil permission checker counts as
// granted and a nil broadcaster disables broadcasting.
func New(subsystem Subsystem, permission PermissionChecker, broadcaster Broadcaster, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		subsystem:   subsystem,
		permission:  permission,
		broadcaster: broadcaster,
		clock:       clockwork.NewRealClock(),
		logger:      logger.NewLogger(slog.LevelError, io.Discard),
		localizer:   passthroughLocalizer{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Configure validates and stores the configuration for subsequent runs.
func (o *Orchestrator) Configure(config Configuration) error {
	if err := config.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.config = config
	o.configured = true
	o.mu.Unlock()
	return nil
}

// State returns the current state of the orchestrator.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start begins a new acquisition run and stops any previous one. Precondition failures are
// reported synchronously through onResult. The returned error is only non-nil if the
// orchestrator has not been configured or onResult is nil.
func (o *Orchestrator) Start(onResult func(Result)) error {
	if onResult == nil {
		return ErrNilCallback
	}
	o.mu.Lock()
	if !o.configured {
		o.mu.Unlock()
		return ErrNotConfigured
	}
	config := o.config
	o.mu.Unlock()

	o.Stop()

	if o.subsystem == nil {
		o.fail(onResult, config, ErrNoSubsystem, o.localizer.Get("Location service is unavailable"))
		return nil
	}
	if o.permission != nil && !o.permission.HasLocationPermission() {
		o.fail(onResult, config, ErrNoPermission, o.localizer.Get("Location permission not granted"))
		return nil
	}
	enabled := o.subsystem.EnabledProviders()
	if len(enabled) == 0 {
		o.fail(onResult, config, ErrNoProvider, o.localizer.Get("No location provider is enabled"))
		return nil
	}
	providers, missing := config.Mode.providers(enabled)
	if missing != "" {
		o.fail(onResult, config, ErrProviderDisabled,
			o.localizer.Getf("Location provider %s is disabled", missing))
		return nil
	}

	var cached geobus.Sample
	var haveCached bool
	if config.Mode == ModeFast {
		cached, haveCached = o.bestCached(config, enabled)
	}

	o.mu.Lock()
	previous := o.detachLocked()
	gen := o.generation.Add(1)
	r := &run{
		gen:       gen,
		config:    config,
		onResult:  onResult,
		providers: providers,
		box:       newMailbox(),
		disabled:  make(map[string]struct{}),
	}
	o.run = r
	o.setStateLocked(StateRequesting)
	go o.dispatch(r)

	if config.Mode == ModeFast {
		if haveCached {
			o.emitLocked(r, cached, true, o.localizer.Get("Using recent cached location"))
		} else {
			o.emitLocked(r, config.defaultSample(o.clock.Now()), true,
				o.localizer.Get("Using default location"))
		}
	}
	r.deadline = o.clock.AfterFunc(config.Timeout, func() { o.onTimeout(gen) })
	o.mu.Unlock()

	if previous != nil {
		o.unsubscribeAll(previous.providers)
	}
	o.logger.Debug("starting location acquisition", slog.String("mode", config.Mode.String()),
		slog.Any("providers", providers), slog.Uint64("generation", gen))
	o.subscribe(gen, config, providers)
	return nil
}

// Stop ends the active run. It cancels the deadline and retry timers, unsubscribes from all
// providers and drops results that have not been delivered yet. A delivery that is already in
// progress is waited for, so the callback is not invoked after Stop returns. Stop is idempotent
// and may be called from within the result callback.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	r := o.detachLocked()
	o.mu.Unlock()
	if r == nil {
		return
	}
	if !r.inCallback.Load() {
		// wait out a delivery that passed the generation check before detachLocked
		r.deliverMu.Lock()
		r.deliverMu.Unlock() //nolint:staticcheck
	}
	o.logger.Debug("stopping location acquisition", slog.Uint64("generation", r.gen))
	o.unsubscribeAll(r.providers)
}

// SubmitSample passes a sample into the active run as if a provider had reported it. With
// force set, the position filter is bypassed. Samples outside the WGS84 ranges are refused
// either way. It returns whether the sample was emitted.
func (o *Orchestrator) SubmitSample(sample geobus.Sample, force bool) bool {
	o.mu.Lock()
	r := o.run
	if r == nil || r.terminated {
		o.mu.Unlock()
		return false
	}
	accepted, terminal := o.emitLocked(r, sample, force, o.localizer.Get("Location updated"))
	gen, providers := r.gen, r.providers
	o.mu.Unlock()

	if terminal {
		go o.unsubscribeRun(gen, providers)
	}
	return accepted
}

func (o *Orchestrator) handleSample(gen uint64, sample geobus.Sample) {
	o.mu.Lock()
	r := o.run
	if !activeLocked(r, gen) {
		o.mu.Unlock()
		return
	}
	if o.metrics != nil {
		o.metrics.ProviderSamples.WithLabelValues(sample.Provider).Inc()
	}
	_, terminal := o.emitLocked(r, sample, false, o.localizer.Get("Location updated"))
	providers := r.providers
	o.mu.Unlock()

	if terminal {
		go o.unsubscribeRun(gen, providers)
	}
}

func (o *Orchestrator) handleDisabled(gen uint64, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.run
	if !activeLocked(r, gen) {
		return
	}
	if _, ok := r.disabled[id]; ok {
		return
	}
	r.disabled[id] = struct{}{}
	o.logger.Warn("location provider disabled", slog.String("provider", id))
	o.countResult(metrics.KindFailure)
	r.box.push(delivery{result: Result{
		Success: false,
		Sample:  r.config.defaultSample(o.clock.Now()),
		Message: o.localizer.Getf("Location provider %s is disabled", id),
		Err:     ErrProviderDisabled,
	}})
}

func (o *Orchestrator) onTimeout(gen uint64) {
	o.mu.Lock()
	r := o.run
	if !activeLocked(r, gen) || r.live {
		o.mu.Unlock()
		return
	}
	config := r.config
	o.mu.Unlock()

	cached, haveCached := o.bestCached(config, o.subsystem.EnabledProviders())

	o.mu.Lock()
	defer o.mu.Unlock()
	r = o.run
	if !activeLocked(r, gen) || r.live {
		return
	}
	if o.metrics != nil {
		o.metrics.Fallbacks.Inc()
	}
	if haveCached {
		o.logger.Info("location timeout, using cached location", slog.String("provider", cached.Provider))
		o.emitLocked(r, cached, true, o.localizer.Get("Location timed out, using cached location"))
	} else {
		o.logger.Info("location timeout, using default location")
		o.emitLocked(r, config.defaultSample(o.clock.Now()), true,
			o.localizer.Get("Location timed out, using default location"))
	}
	o.setStateLocked(StateFallback)
	o.scheduleRetryLocked(r)
}

func (o *Orchestrator) scheduleRetryLocked(r *run) {
	if r.retries >= r.config.RetryLimit {
		return
	}
	r.retries++
	gen := r.gen
	r.retry = o.clock.AfterFunc(r.config.RetryDelay, func() { o.onRetry(gen) })
}

func (o *Orchestrator) onRetry(gen uint64) {
	o.mu.Lock()
	r := o.run
	if !activeLocked(r, gen) || r.live {
		o.mu.Unlock()
		return
	}
	config := r.config
	attempt := r.retries
	providers := r.providers
	o.mu.Unlock()

	if config.Mode != ModeNetworkOnly && config.Mode != ModeGPSOnly {
		providers = o.subsystem.EnabledProviders()
		if len(providers) == 0 {
			providers = []string{geobus.ProviderNetwork, geobus.ProviderPassive}
		}
	}

	o.mu.Lock()
	if !activeLocked(o.run, gen) || r.live {
		o.mu.Unlock()
		return
	}
	if o.metrics != nil {
		o.metrics.Retries.Inc()
	}
	previous := slices.Clone(r.providers)
	for _, id := range providers {
		if !slices.Contains(r.providers, id) {
			r.providers = append(r.providers, id)
		}
	}
	o.setStateLocked(StateRequesting)
	o.scheduleRetryLocked(r)
	o.mu.Unlock()

	o.logger.Debug("retrying location acquisition", slog.Int("attempt", attempt),
		slog.Uint64("generation", gen))
	o.unsubscribeRun(gen, previous)
	o.subscribe(gen, config, providers)
}

// emitLocked runs the position filter on sample and queues it for delivery if accepted. It
// reports whether the sample was accepted and whether it ended the run. force skips the filter
// but never the coordinate range check.
func (o *Orchestrator) emitLocked(r *run, sample geobus.Sample, force bool, message string) (accepted, terminal bool) {
	if !sample.Valid() {
		o.logger.Debug("dropping invalid location sample", slog.String("provider", sample.Provider),
			logger.Position(sample.Lat, sample.Lon))
		o.countRejected()
		return false, false
	}
	if !Accept(r.reference, sample, r.config.Mode, r.config, force) {
		o.countRejected()
		return false, false
	}

	if sample.Provider != geobus.ProviderDefault {
		reference := sample
		r.reference = &reference
	}
	if force {
		o.countResult(metrics.KindForced)
	} else {
		o.countResult(metrics.KindAccepted)
		r.live = true
		if r.retry != nil {
			r.retry.Stop()
		}
		if r.deadline != nil {
			r.deadline.Stop()
		}
	}

	terminal = !force && r.config.Mode == ModeSingle
	r.box.push(delivery{
		result:    Result{Success: true, Sample: sample, Message: message, Forced: force},
		broadcast: r.config.BroadcastEnabled,
		terminal:  terminal,
	})
	switch {
	case terminal:
		r.terminated = true
		o.setStateLocked(StateTerminated)
	case !force:
		o.setStateLocked(StateRequesting)
	}
	return true, terminal
}

// fail delivers a precondition failure synchronously. No run is started.
func (o *Orchestrator) fail(onResult func(Result), config Configuration, err error, message string) {
	o.logger.Warn("location acquisition not started", logger.Err(err))
	o.countResult(metrics.KindFailure)
	onResult(Result{
		Success: false,
		Sample:  config.defaultSample(o.clock.Now()),
		Message: message,
		Err:     err,
	})
}

// bestCached returns the most accurate last-known sample that is not older than the cache
// max age.
func (o *Orchestrator) bestCached(config Configuration, enabled []string) (geobus.Sample, bool) {
	now := o.clock.Now()
	var best geobus.Sample
	found := false
	for _, id := range enabled {
		sample, ok := o.subsystem.LastKnown(id)
		if !ok || !sample.Valid() || sample.Age(now) > config.CacheMaxAge {
			continue
		}
		if !found || sample.AccuracyMeters < best.AccuracyMeters {
			best = sample
			found = true
		}
	}
	return best, found
}

func (o *Orchestrator) subscribe(gen uint64, config Configuration, providers []string) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, id := range providers {
		if !o.active(gen) {
			return
		}
		err := o.subsystem.Subscribe(id, config.MinUpdateInterval, config.MinUpdateDistance,
			func(sample geobus.Sample) { o.handleSample(gen, sample) },
			func(id string) { o.handleDisabled(gen, id) },
		)
		if err != nil {
			o.logger.Warn("failed to subscribe to location provider", slog.String("provider", id),
				logger.Err(err))
		}
	}
}

// unsubscribeRun removes the subscriptions of the run with the given generation unless the
// run has been replaced in the meantime, in which case Stop already took care of them.
func (o *Orchestrator) unsubscribeRun(gen uint64, providers []string) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.generation.Load() != gen {
		return
	}
	for _, id := range providers {
		o.subsystem.Unsubscribe(id)
	}
}

func (o *Orchestrator) unsubscribeAll(providers []string) {
	if o.subsystem == nil {
		return
	}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, id := range providers {
		o.subsystem.Unsubscribe(id)
	}
}

func (o *Orchestrator) active(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return activeLocked(o.run, gen)
}

// detachLocked invalidates the current run and returns it, so the caller can unsubscribe from
// its providers after releasing the lock.
func (o *Orchestrator) detachLocked() *run {
	r := o.run
	o.run = nil
	o.generation.Add(1)
	o.setStateLocked(StateIdle)
	if r == nil {
		return nil
	}
	if r.deadline != nil {
		r.deadline.Stop()
	}
	if r.retry != nil {
		r.retry.Stop()
	}
	r.box.close()
	return r
}

func (o *Orchestrator) setStateLocked(state State) {
	o.state = state
	if o.metrics != nil {
		o.metrics.AcquisitionState.Set(float64(state))
	}
}

func (o *Orchestrator) countResult(kind string) {
	if o.metrics != nil {
		o.metrics.Results.WithLabelValues(kind).Inc()
	}
}

func (o *Orchestrator) countRejected() {
	if o.metrics != nil {
		o.metrics.SamplesRejected.Inc()
	}
}

func activeLocked(r *run, gen uint64) bool {
	return r != nil && r.gen == gen && !r.terminated
}
