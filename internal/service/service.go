// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/config"
	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/http"
	"github.com/wneessen/locatekit/internal/i18n"
	"github.com/wneessen/locatekit/internal/locator"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/metrics"
	"github.com/wneessen/locatekit/internal/provider"
	"github.com/wneessen/locatekit/internal/resolver"
)

const (
	refreshJobName   = "location_refresh_job"
	resultBufferSize = 32
	busBufferSize    = 32

	// acquisitionGrace is added on top of the timeout and retry budget of a run.
	acquisitionGrace = time.Second
)

// Report is written to the output after every refresh.
type Report struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Address   string    `json:"address,omitempty"`
	City      string    `json:"city,omitempty"`
	Province  string    `json:"province,omitempty"`
	Country   string    `json:"country,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Service wires the location providers, the orchestrator and the place resolver together.
type Service struct {
	SignalSrc signalSource

	config       *config.Config
	logger       *logger.Logger
	localizer    locator.Localizer
	lang         language.Tag
	output       io.Writer
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	geobus       *geobus.GeoBus
	orchestrator *locator.Orchestrator
	resolver     *resolver.Resolver
	scheduler    gocron.Scheduler
	closers      []func() error

	shutdownOnce sync.Once
	shutdownErr  error

	// onResume is called when the system wakes up from sleep
	onResume func(context.Context)

	// runLock serializes acquisition runs, the orchestrator only supports one at a time
	runLock sync.Mutex

	locationLock sync.RWMutex
	sample       *geobus.Sample
	place        *resolver.PlaceInfo
}

// New builds the complete object graph from the config. Close must be called to release the
// providers and the Kafka writer.
func New(conf *config.Config, log *logger.Logger, t locator.Localizer) (*Service, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	bus, err := geobus.New(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create geobus: %w", err)
	}

	lang := i18n.Tag(conf.Locale)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service := &Service{
		SignalSrc: stdLibSignalSource{},
		config:    conf,
		logger:    log,
		localizer: t,
		lang:      lang,
		output:    os.Stdout,
		registry:  registry,
		metrics:   metrics.New(registry),
		geobus:    bus,
		scheduler: scheduler,
	}
	service.onResume = service.refresh

	if err = service.build(); err != nil {
		return nil, errors.Join(err, service.Close())
	}
	return service, nil
}

func (s *Service) build() error {
	httpClient := http.New(s.logger)
	store, err := s.openGazetteer()
	if err != nil {
		return err
	}

	providers, err := s.selectGeobusProviders(httpClient, store)
	if err != nil {
		return fmt.Errorf("failed to create location providers: %w", err)
	}
	subsystem, err := provider.New(s.logger.Component("provider"), providers...)
	if err != nil {
		return fmt.Errorf("failed to create location subsystem: %w", err)
	}
	s.closers = append(s.closers, func() error {
		subsystem.Close()
		return nil
	})

	broadcaster, err := s.selectBroadcaster()
	if err != nil {
		return err
	}

	locConf, err := s.config.LocatorConfiguration()
	if err != nil {
		return fmt.Errorf("invalid location settings: %w", err)
	}
	opts := []locator.Option{locator.WithLogger(s.logger.Component("locator")), locator.WithMetrics(s.metrics)}
	if s.localizer != nil {
		opts = append(opts, locator.WithLocalizer(s.localizer))
	}
	s.orchestrator = locator.New(subsystem, s.selectPermission(), broadcaster, opts...)
	if err = s.orchestrator.Configure(locConf); err != nil {
		return fmt.Errorf("failed to configure orchestrator: %w", err)
	}

	geocoder, err := s.selectGeocodeProvider(httpClient)
	if err != nil {
		return fmt.Errorf("failed to create geocode provider: %w", err)
	}
	s.resolver = resolver.New(geocoder, store,
		resolver.WithLogger(s.logger.Component("resolver")),
		resolver.WithMetrics(s.metrics),
		resolver.WithCountry(s.config.Gazetteer.Country),
		resolver.WithLanguage(s.lang),
	)
	return nil
}

// Run refreshes the location every refresh interval until ctx is cancelled. It also serves the
// metrics endpoint, re-runs the acquisition on resume from sleep and on SIGUSR1, and logs the
// current place on SIGUSR2.
func (s *Service) Run(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.config.Service.RefreshInterval),
		gocron.NewTask(s.refresh),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(refreshJobName),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", refreshJobName, err)
	}

	var server *metricsServer
	if !s.config.Service.DisableMetrics && s.config.Service.MetricsAddr != "" {
		server = newMetricsServer(s.config.Service.MetricsAddr, s.registry, s.logger)
		go func() {
			if err := server.Start(); err != nil {
				s.logger.Error("metrics server failed", logger.Err(err))
			}
		}()
	}

	s.scheduler.Start()

	sub, unsub := s.geobus.Subscribe(s.config.Location.BroadcastTopic, busBufferSize)
	go s.processLocationUpdates(ctx, sub)

	if !s.config.Service.DisableSleepWatch {
		go s.monitorSleepResume(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	s.SignalSrc.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	go s.HandleSignals(ctx, sigChan)

	// Wait for the context to cancel
	<-ctx.Done()
	s.SignalSrc.Stop(sigChan)
	unsub()
	s.orchestrator.Stop()

	var errs []error
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		errs = append(errs, server.Shutdown(shutdownCtx))
		cancel()
	}
	errs = append(errs, s.shutdownScheduler())
	return errors.Join(errs...)
}

// Close stops the scheduler and releases the providers and the broadcast writer.
func (s *Service) Close() error {
	errs := []error{s.shutdownScheduler()}
	for _, closer := range s.closers {
		errs = append(errs, closer())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) shutdownScheduler() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.scheduler.Shutdown()
	})
	return s.shutdownErr
}

// Locate runs the orchestrator once. It returns the first live position or, if none arrives
// within the acquisition budget, the last fallback position. A failed precondition is
// returned as the result together with its error.
func (s *Service) Locate(ctx context.Context) (locator.Result, error) {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.acquisitionBudget())
	defer cancel()

	results := make(chan locator.Result, resultBufferSize)
	err := s.orchestrator.Start(func(result locator.Result) {
		select {
		case results <- result:
		default:
			s.logger.Warn("dropping location result, receiver is too slow")
		}
	})
	if err != nil {
		return locator.Result{}, fmt.Errorf("failed to start location acquisition: %w", err)
	}
	defer s.orchestrator.Stop()

	// Precondition failures are delivered synchronously and leave the orchestrator idle
	if s.orchestrator.State() == locator.StateIdle {
		select {
		case result := <-results:
			return result, result.Err
		default:
			return locator.Result{}, errors.New("location acquisition was not started")
		}
	}

	var fallback *locator.Result
	for {
		select {
		case <-ctx.Done():
			if fallback != nil {
				return *fallback, nil
			}
			return locator.Result{}, fmt.Errorf("location acquisition did not complete: %w", ctx.Err())
		case result := <-results:
			if !result.Success {
				s.logger.Warn("location provider failed during acquisition", slog.String("message", result.Message),
					logger.Err(result.Err))
				continue
			}
			if !result.Forced {
				return result, nil
			}
			fallback = &result
		}
	}
}

// Resolve returns the place at the given coordinates or nil.
func (s *Service) Resolve(ctx context.Context, lat, lon float64) *resolver.PlaceInfo {
	return s.resolver.ResolveAddress(ctx, lat, lon, resolver.Options{
		Locale:    s.lang,
		RadiusDeg: s.config.Gazetteer.Radius,
	})
}

// Nearby returns places within radiusKm of the given coordinates.
func (s *Service) Nearby(ctx context.Context, lat, lon, radiusKm float64) []resolver.PlaceInfo {
	return s.resolver.ResolveNearby(ctx, lat, lon, resolver.NearbyOptions{
		RadiusKm:   radiusKm,
		MaxResults: s.config.Gazetteer.NearbyLimit,
		Locale:     s.lang,
	})
}

// Current returns the last position and place found by a refresh.
func (s *Service) Current() (*geobus.Sample, *resolver.PlaceInfo) {
	s.locationLock.RLock()
	defer s.locationLock.RUnlock()
	return s.sample, s.place
}

// refresh acquires the position, resolves it and writes a report.
func (s *Service) refresh(ctx context.Context) {
	result, err := s.Locate(ctx)
	if err != nil {
		s.logger.Warn("location acquisition failed", slog.String("message", result.Message), logger.Err(err))
		return
	}
	sample := result.Sample
	place := s.Resolve(ctx, sample.Lat, sample.Lon)

	s.locationLock.Lock()
	s.sample = &sample
	s.place = place
	s.locationLock.Unlock()

	attrs := []any{
		logger.Position(sample.Lat, sample.Lon),
		slog.String("provider", sample.Provider), slog.Bool("forced", result.Forced),
	}
	if place != nil {
		attrs = append(attrs, slog.String("address", place.FormattedAddress), slog.String("source", place.Source))
	}
	s.logger.Info("location refreshed", attrs...)

	s.writeReport(result, place)
}

func (s *Service) writeReport(result locator.Result, place *resolver.PlaceInfo) {
	if s.output == nil {
		return
	}
	report := Report{
		Latitude:  result.Sample.Lat,
		Longitude: result.Sample.Lon,
		Accuracy:  result.Sample.AccuracyMeters,
		Provider:  result.Sample.Provider,
		Timestamp: result.Sample.At,
		Message:   result.Message,
	}
	if place != nil {
		report.Address = place.FormattedAddress
		report.City = place.City
		report.Province = place.Province
		report.Country = place.Country
		report.Source = place.Source
	}
	if err := json.NewEncoder(s.output).Encode(report); err != nil {
		s.logger.Error("failed to encode location report", logger.Err(err))
	}
}

// acquisitionBudget is the time a run may take including all timeout retries.
func (s *Service) acquisitionBudget() time.Duration {
	loc, err := s.config.LocatorConfiguration()
	if err != nil {
		loc = locator.DefaultConfiguration()
	}
	return loc.Timeout + time.Duration(loc.RetryLimit)*loc.RetryDelay + acquisitionGrace
}

// processLocationUpdates logs the positions broadcast on the location topic of the bus.
func (s *Service) processLocationUpdates(ctx context.Context, sub <-chan geobus.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-sub:
			if !ok {
				return
			}
			s.logger.Debug("received location broadcast",
				logger.Position(sample.Lat, sample.Lon),
				slog.String("provider", sample.Provider))
		}
	}
}
