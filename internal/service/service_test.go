// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wneessen/locatekit/internal/config"
	"github.com/wneessen/locatekit/internal/gazetteer"
	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/http"
	"github.com/wneessen/locatekit/internal/locator"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/metrics"
	"github.com/wneessen/locatekit/internal/permission"
	"github.com/wneessen/locatekit/internal/resolver"
)

const (
	tiananmenLat = 39.9087
	tiananmenLon = 116.3975
	tiananmen    = "天安门 东城区 北京市"
)

func TestNew(t *testing.T) {
	t.Run("new service succeeds", func(t *testing.T) {
		serv := testService(t, testConfig(t))
		if serv.orchestrator == nil {
			t.Fatal("expected orchestrator to be set")
		}
		if serv.resolver == nil {
			t.Fatal("expected resolver to be set")
		}
		path := filepath.Join(serv.config.Gazetteer.DataDir, gazetteer.FileName)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected gazetteer dataset to be provisioned: %s", err)
		}
	})
	t.Run("new service without config fails", func(t *testing.T) {
		if _, err := New(nil, testLogger(io.Discard), nil); err == nil {
			t.Error("expected service creation to fail")
		}
	})
	t.Run("new service without logger fails", func(t *testing.T) {
		if _, err := New(testConfig(t), nil, nil); err == nil {
			t.Error("expected service creation to fail")
		}
	})
	t.Run("initializing service with different geocode providers", func(t *testing.T) {
		tests := []struct {
			name     string
			provider string
			apikey   string
			wantErr  string
		}{
			{"osm-nominatim", config.GeocoderNominatim, "", ""},
			{"opencage with api-key", config.GeocoderOpenCage, "abc", ""},
			{"opencage without api-key", config.GeocoderOpenCage, "", "OpenCage requires an API key"},
			{"geocode.earth with api-key", config.GeocoderGeocodeEarth, "abc", ""},
			{"geocode.earth without api-key", config.GeocoderGeocodeEarth, "", "geocode.earth requires an API key"},
			{"no geocoder", config.GeocoderNone, "", ""},
			{"unsupported geocoder", "invalid", "", "unsupported geocoder type: invalid"},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				conf := testConfig(t)
				conf.Geocoder.Provider = tc.provider
				conf.Geocoder.APIKey = tc.apikey
				serv, err := New(conf, testLogger(io.Discard), nil)
				if tc.wantErr == "" {
					if err != nil {
						t.Fatalf("failed to create service: %s", err)
					}
					_ = serv.Close()
					return
				}
				if err == nil {
					_ = serv.Close()
					t.Fatal("expected service creation to fail")
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("expected error to contain %q, got %q", tc.wantErr, err)
				}
			})
		}
	})
	t.Run("kafka broadcaster is added to the closers", func(t *testing.T) {
		conf := testConfig(t)
		conf.Broadcast.KafkaBrokers = []string{"127.0.0.1:9092"}
		serv := testService(t, conf)
		if len(serv.closers) != 2 {
			t.Errorf("expected 2 closers, got %d", len(serv.closers))
		}
	})
	t.Run("unusable data dir falls back to the bundled gazetteer", func(t *testing.T) {
		conf := testConfig(t)
		blocker := filepath.Join(t.TempDir(), "blocker")
		if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
			t.Fatalf("failed to create blocking file: %s", err)
		}
		conf.Gazetteer.DataDir = filepath.Join(blocker, "data")
		serv := testService(t, conf)
		place := serv.Resolve(t.Context(), tiananmenLat, tiananmenLon)
		if place == nil {
			t.Fatal("expected place to be resolved from the bundled gazetteer")
		}
		if place.FormattedAddress != tiananmen {
			t.Errorf("expected %q, got %q", tiananmen, place.FormattedAddress)
		}
	})
	t.Run("disabled gazetteer resolves nothing", func(t *testing.T) {
		conf := testConfig(t)
		conf.Gazetteer.Disable = true
		serv := testService(t, conf)
		if place := serv.Resolve(t.Context(), tiananmenLat, tiananmenLon); place != nil {
			t.Errorf("expected no place, got %+v", place)
		}
	})
	t.Run("close is idempotent", func(t *testing.T) {
		serv, err := New(testConfig(t), testLogger(io.Discard), nil)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		if err = serv.Close(); err != nil {
			t.Errorf("failed to close service: %s", err)
		}
		if err = serv.Close(); err != nil {
			t.Errorf("second close failed: %s", err)
		}
	})
}

func TestService_selectGeobusProviders(t *testing.T) {
	store, err := gazetteer.Bundled()
	if err != nil {
		t.Fatalf("failed to load gazetteer: %s", err)
	}
	tests := []struct {
		name   string
		enable func(*config.Config)
		store  *gazetteer.Store
		want   string
	}{
		{"geolocation file", func(c *config.Config) { c.Providers.DisableGeolocationFile = false }, store, geobus.ProviderPassive},
		{"cityname file", func(c *config.Config) { c.Providers.DisableCitynameFile = false }, store, geobus.ProviderCityname},
		{"gpsd", func(c *config.Config) { c.Providers.DisableGPSD = false }, store, geobus.ProviderGPS},
		{"geoip", func(c *config.Config) { c.Providers.DisableGeoIP = false }, store, geobus.ProviderGeoIP},
		{"geoapi", func(c *config.Config) { c.Providers.DisableGeoAPI = false }, store, geobus.ProviderGeoAPI},
		{"cityname file without gazetteer", func(c *config.Config) { c.Providers.DisableCitynameFile = false }, nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			serv := testService(t, testConfig(t))
			tc.enable(serv.config)
			providers, err := serv.selectGeobusProviders(http.New(serv.logger), tc.store)
			if err != nil {
				t.Fatalf("failed to select providers: %s", err)
			}
			if tc.want == "" {
				if len(providers) != 0 {
					t.Errorf("expected no providers, got %d", len(providers))
				}
				return
			}
			if len(providers) != 1 {
				t.Fatalf("expected 1 provider, got %d", len(providers))
			}
			if providers[0].Name() != tc.want {
				t.Errorf("expected provider %s, got %s", tc.want, providers[0].Name())
			}
		})
	}
}

func TestService_Locate(t *testing.T) {
	t.Run("live position is returned", func(t *testing.T) {
		serv := testService(t, testConfig(t))
		useSubsystem(t, serv, &fakeSubsystem{sample: testSample(52.52, 13.405)}, time.Second*5)

		result, err := serv.Locate(t.Context())
		if err != nil {
			t.Fatalf("failed to locate: %s", err)
		}
		if !result.Success || result.Forced {
			t.Errorf("expected live result, got %+v", result)
		}
		if result.Sample.Lat != 52.52 || result.Sample.Lon != 13.405 {
			t.Errorf("unexpected position %f/%f", result.Sample.Lat, result.Sample.Lon)
		}
	})
	t.Run("missing providers are reported", func(t *testing.T) {
		serv := testService(t, testConfig(t))
		result, err := serv.Locate(t.Context())
		if !errors.Is(err, locator.ErrNoProvider) {
			t.Fatalf("expected ErrNoProvider, got %v", err)
		}
		if result.Success {
			t.Error("expected failed result")
		}
		if result.Message != "No location provider is enabled" {
			t.Errorf("unexpected message %q", result.Message)
		}
		if got := testutil.ToFloat64(serv.metrics.Results.WithLabelValues(metrics.KindFailure)); got != 1 {
			t.Errorf("expected 1 failure, got %f", got)
		}
	})
	t.Run("fallback position is returned after the timeout", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			serv := testService(t, testConfig(t))
			defer func() { _ = serv.Close() }()
			useSubsystem(t, serv, &fakeSubsystem{}, time.Second)

			result, err := serv.Locate(t.Context())
			if err != nil {
				t.Fatalf("failed to locate: %s", err)
			}
			if !result.Success || !result.Forced {
				t.Errorf("expected forced result, got %+v", result)
			}
			if result.Sample.Provider != geobus.ProviderDefault {
				t.Errorf("expected default position, got provider %s", result.Sample.Provider)
			}
			if result.Message != "Location timed out, using default location" {
				t.Errorf("unexpected message %q", result.Message)
			}
		})
	})
	t.Run("cancelled context without fallback fails", func(t *testing.T) {
		serv := testService(t, testConfig(t))
		useSubsystem(t, serv, &fakeSubsystem{}, time.Hour)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		if _, err := serv.Locate(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestService_refresh(t *testing.T) {
	t.Run("position is resolved and reported", func(t *testing.T) {
		serv := testService(t, testConfig(t))
		buf := bytes.NewBuffer(nil)
		serv.output = buf
		useSubsystem(t, serv, &fakeSubsystem{sample: testSample(tiananmenLat, tiananmenLon)}, time.Second*5)

		serv.refresh(t.Context())

		sample, place := serv.Current()
		if sample == nil || place == nil {
			t.Fatal("expected current position and place to be set")
		}
		if place.FormattedAddress != tiananmen {
			t.Errorf("expected %q, got %q", tiananmen, place.FormattedAddress)
		}

		var report Report
		if err := json.NewDecoder(buf).Decode(&report); err != nil {
			t.Fatalf("failed to decode report: %s", err)
		}
		if report.Address != tiananmen {
			t.Errorf("expected report address %q, got %q", tiananmen, report.Address)
		}
		if report.Source != resolver.SourceGazetteer {
			t.Errorf("expected source %s, got %s", resolver.SourceGazetteer, report.Source)
		}
		if report.Country != resolver.DefaultCountry {
			t.Errorf("expected country %s, got %s", resolver.DefaultCountry, report.Country)
		}
		if report.Provider != geobus.ProviderNetwork {
			t.Errorf("expected provider %s, got %s", geobus.ProviderNetwork, report.Provider)
		}
		if report.Message != "Location updated" {
			t.Errorf("unexpected message %q", report.Message)
		}
	})
	t.Run("failed acquisition leaves the state untouched", func(t *testing.T) {
		serv := testService(t, testConfig(t))
		buf := bytes.NewBuffer(nil)
		serv.output = buf

		serv.refresh(t.Context())
		if sample, place := serv.Current(); sample != nil || place != nil {
			t.Error("expected no current position")
		}
		if buf.Len() != 0 {
			t.Errorf("expected no report, got %q", buf.String())
		}
	})
}

func TestService_Nearby(t *testing.T) {
	serv := testService(t, testConfig(t))
	t.Run("places around a position", func(t *testing.T) {
		places := serv.Nearby(t.Context(), tiananmenLat, tiananmenLon, 1)
		if len(places) == 0 {
			t.Fatal("expected places")
		}
		if places[0].FormattedAddress != tiananmen {
			t.Errorf("expected closest place %q, got %q", tiananmen, places[0].FormattedAddress)
		}
		if len(places) > serv.config.Gazetteer.NearbyLimit {
			t.Errorf("expected at most %d places, got %d", serv.config.Gazetteer.NearbyLimit, len(places))
		}
	})
	t.Run("invalid position", func(t *testing.T) {
		if places := serv.Nearby(t.Context(), 91, 0, 1); places != nil {
			t.Errorf("expected no places, got %d", len(places))
		}
	})
}

func TestService_Run(t *testing.T) {
	t.Run("start the service and gracefully shut it down", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
			conf := testConfig(t)
			serv, err := New(conf, testLogger(buf), nil)
			if err != nil {
				t.Fatalf("failed to create service: %s", err)
			}
			defer func() { _ = serv.Close() }()
			serv.SignalSrc = nopSignalSource{}
			serv.output = io.Discard

			errCh := make(chan error, 1)
			go func() {
				errCh <- serv.Run(ctx)
			}()

			synctest.Wait()
			cancel()
			synctest.Wait()
			if err = <-errCh; err != nil {
				t.Errorf("failed to run service: %s", err)
			}
			if !strings.Contains(buf.String(), "location acquisition failed") {
				t.Errorf("expected refresh job to run, got log %q", buf.String())
			}
		})
	})
}

func TestService_HandleSignals(t *testing.T) {
	t.Run("USR1 signal refreshes the location", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			serv := testService(t, testConfig(t))
			defer func() { _ = serv.Close() }()
			buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
			serv.output = buf
			useSubsystem(t, serv, &fakeSubsystem{sample: testSample(tiananmenLat, tiananmenLon)}, time.Second*5)

			sigChan := make(chan os.Signal, 1)
			go serv.HandleSignals(ctx, sigChan)
			sigChan <- syscall.SIGUSR1
			synctest.Wait()

			if !strings.Contains(buf.String(), tiananmen) {
				t.Errorf("expected report to contain %q, got %q", tiananmen, buf.String())
			}
			cancel()
			synctest.Wait()
		})
	})
	t.Run("USR2 signal logs the current place", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			serv := testService(t, testConfig(t))
			defer func() { _ = serv.Close() }()
			buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
			serv.logger = testLogger(buf)
			serv.sample = testSample(tiananmenLat, tiananmenLon)
			serv.place = &resolver.PlaceInfo{FormattedAddress: tiananmen}

			sigChan := make(chan os.Signal, 1)
			go serv.HandleSignals(ctx, sigChan)
			sigChan <- syscall.SIGUSR2
			synctest.Wait()

			wantLog := `msg="currently resolved location" address="天安门 东城区 北京市" latitude=39.9087 longitude=116.3975`
			if !strings.Contains(buf.String(), wantLog) {
				t.Errorf("expected log to contain %q, got %q", wantLog, buf.String())
			}
			cancel()
			synctest.Wait()
		})
	})
	t.Run("USR2 signal before the first refresh logs the last broadcast", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			serv := testService(t, testConfig(t))
			defer func() { _ = serv.Close() }()
			buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
			serv.logger = testLogger(buf)
			serv.geobus.Publish(serv.config.Location.BroadcastTopic, *testSample(tiananmenLat, tiananmenLon))

			sigChan := make(chan os.Signal, 1)
			go serv.HandleSignals(ctx, sigChan)
			sigChan <- syscall.SIGUSR2
			synctest.Wait()

			wantLog := `msg="currently resolved location" address="" latitude=39.9087 longitude=116.3975 provider=network`
			if !strings.Contains(buf.String(), wantLog) {
				t.Errorf("expected log to contain %q, got %q", wantLog, buf.String())
			}
			cancel()
			synctest.Wait()
		})
	})
}

func TestService_processSleepSignal(t *testing.T) {
	tests := []struct {
		name string
		body []interface{}
		want int64
	}{
		{"resume triggers a refresh", []interface{}{false}, 1},
		{"going to sleep does not refresh", []interface{}{true}, 0},
		{"empty body is ignored", nil, 0},
		{"non-bool body is ignored", []interface{}{"false"}, 0},
		{"too many values are ignored", []interface{}{false, false}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				var calls atomic.Int64
				serv := resumeService(&calls, io.Discard)
				serv.processSleepSignal(t.Context(), &dbus.Signal{Body: tc.body}, new(sleepState))
				if got := calls.Load(); got != tc.want {
					t.Errorf("expected %d refreshes, got %d", tc.want, got)
				}
			})
		})
	}
	t.Run("time asleep is logged on resume", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var calls atomic.Int64
			buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
			serv := resumeService(&calls, buf)
			state := new(sleepState)

			serv.processSleepSignal(t.Context(), &dbus.Signal{Body: []interface{}{true}}, state)
			if state.suspendedAt.Load() == 0 {
				t.Fatal("expected suspend time to be recorded")
			}
			time.Sleep(time.Hour)
			serv.processSleepSignal(t.Context(), &dbus.Signal{Body: []interface{}{false}}, state)

			if !strings.Contains(buf.String(), `msg="resumed from sleep" wakeup_delay=10s asleep=1h0m0s`) {
				t.Errorf("expected resume to be logged, got %q", buf.String())
			}
			if state.suspendedAt.Load() != 0 {
				t.Error("expected suspend time to be reset")
			}
		})
	})
	t.Run("consecutive resume events are debounced", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var calls atomic.Int64
			serv := resumeService(&calls, io.Discard)
			state := new(sleepState)
			resume := &dbus.Signal{Body: []interface{}{false}}

			go serv.processSleepSignal(t.Context(), resume, state)
			go serv.processSleepSignal(t.Context(), resume, state)
			time.Sleep(networkWakeupDelay + time.Second)
			synctest.Wait()

			if got := calls.Load(); got != 1 {
				t.Errorf("expected 1 refresh, got %d", got)
			}
		})
	})
	t.Run("cancelled context skips the refresh", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			var calls atomic.Int64
			serv := resumeService(&calls, io.Discard)
			ctx, cancel := context.WithCancel(t.Context())

			go serv.processSleepSignal(ctx, &dbus.Signal{Body: []interface{}{false}}, new(sleepState))
			synctest.Wait()
			cancel()
			synctest.Wait()

			if got := calls.Load(); got != 0 {
				t.Errorf("expected no refresh, got %d", got)
			}
		})
	})
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Fallbacks.Inc()
	server := newMetricsServer("127.0.0.1:0", reg, testLogger(io.Discard))

	t.Run("metrics are exposed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodGet, "/metrics", nil))
		if rec.Code != stdhttp.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "locatekit_fallbacks_total 1") {
			t.Errorf("expected fallback counter in output, got %q", rec.Body.String())
		}
	})
	t.Run("health endpoint", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodGet, "/healthz", nil))
		if rec.Code != stdhttp.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if rec.Body.String() != "ok\n" {
			t.Errorf("unexpected body %q", rec.Body.String())
		}
	})
	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodGet, "/nope", nil))
		if rec.Code != stdhttp.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})
}

// testConfig returns a config that needs neither network nor hardware.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf, err := config.New()
	if err != nil {
		t.Fatalf("failed to load config: %s", err)
	}
	conf.Providers.DisableGPSD = true
	conf.Providers.DisableICHNAEA = true
	conf.Providers.DisableGeoIP = true
	conf.Providers.DisableGeolocationFile = true
	conf.Providers.DisableGeoAPI = true
	conf.Providers.DisableCitynameFile = true
	conf.Providers.RequirePermission = false
	conf.Geocoder.Provider = config.GeocoderNone
	conf.Gazetteer.DataDir = t.TempDir()
	conf.Gazetteer.Disable = false
	conf.Broadcast.KafkaBrokers = nil
	conf.Service.DisableMetrics = true
	conf.Service.DisableSleepWatch = true
	return conf
}

func testService(t *testing.T, conf *config.Config) *Service {
	t.Helper()
	serv, err := New(conf, testLogger(io.Discard), nil)
	if err != nil {
		t.Fatalf("failed to create service: %s", err)
	}
	t.Cleanup(func() { _ = serv.Close() })
	serv.output = io.Discard
	return serv
}

func testLogger(w io.Writer) *logger.Logger {
	return logger.NewLogger(slog.LevelInfo, w)
}

// useSubsystem replaces the orchestrator of serv with one in single mode driven by sub.
func useSubsystem(t *testing.T, serv *Service, sub locator.Subsystem, timeout time.Duration) {
	t.Helper()
	conf := locator.DefaultConfiguration()
	conf.Mode = locator.ModeSingle
	conf.Timeout = timeout
	conf.RetryLimit = 0
	orchestrator := locator.New(sub, permission.Static(true), nil, locator.WithMetrics(serv.metrics))
	if err := orchestrator.Configure(conf); err != nil {
		t.Fatalf("failed to configure orchestrator: %s", err)
	}
	serv.orchestrator = orchestrator
	serv.config.Location.Timeout = timeout
	noRetries := 0
	serv.config.Location.RetryLimit = &noRetries
}

func resumeService(calls *atomic.Int64, w io.Writer) *Service {
	return &Service{
		logger:   testLogger(w),
		onResume: func(context.Context) { calls.Add(1) },
	}
}

func testSample(lat, lon float64) *geobus.Sample {
	return &geobus.Sample{
		Lat:            lat,
		Lon:            lon,
		AccuracyMeters: 25,
		Provider:       geobus.ProviderNetwork,
		At:             time.Now(),
	}
}

type (
	fakeSubsystem struct {
		sample *geobus.Sample
	}
	nopSignalSource struct{}
	syncBuffer      struct {
		mu  sync.Mutex
		buf *bytes.Buffer
	}
)

func (f *fakeSubsystem) EnabledProviders() []string {
	return []string{geobus.ProviderNetwork}
}

func (f *fakeSubsystem) Subscribe(_ string, _ time.Duration, _ float64, onSample func(geobus.Sample),
	_ func(string),
) error {
	if f.sample != nil {
		go onSample(*f.sample)
	}
	return nil
}

func (f *fakeSubsystem) Unsubscribe(string) {}

func (f *fakeSubsystem) LastKnown(string) (geobus.Sample, bool) {
	return geobus.Sample{}, false
}

func (nopSignalSource) Notify(chan<- os.Signal, ...os.Signal) {}

func (nopSignalSource) Stop(chan<- os.Signal) {}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
