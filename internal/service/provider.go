// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"fmt"
	"log/slog"

	"github.com/wneessen/locatekit/internal/broadcast"
	"github.com/wneessen/locatekit/internal/config"
	"github.com/wneessen/locatekit/internal/gazetteer"
	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/geobus/provider/cityname_file"
	"github.com/wneessen/locatekit/internal/geobus/provider/geoapi"
	"github.com/wneessen/locatekit/internal/geobus/provider/geoip"
	"github.com/wneessen/locatekit/internal/geobus/provider/geolocation_file"
	"github.com/wneessen/locatekit/internal/geobus/provider/gpsd"
	"github.com/wneessen/locatekit/internal/geobus/provider/ichnaea"
	"github.com/wneessen/locatekit/internal/geocode"
	geocodeearth "github.com/wneessen/locatekit/internal/geocode/provider/geocode-earth"
	"github.com/wneessen/locatekit/internal/geocode/provider/opencage"
	nominatim "github.com/wneessen/locatekit/internal/geocode/provider/osm-nominatim"
	"github.com/wneessen/locatekit/internal/http"
	"github.com/wneessen/locatekit/internal/locator"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/permission"
)

// selectGeobusProviders returns the location providers enabled in the config. An empty list is
// not an error, the orchestrator reports it on every run. The cityname provider needs the
// gazetteer and is skipped when store is nil.
func (s *Service) selectGeobusProviders(httpClient *http.Client, store *gazetteer.Store) ([]geobus.Provider, error) {
	conf := s.config.Providers
	var provider []geobus.Provider

	if !conf.DisableGeolocationFile {
		provider = append(provider, geolocation_file.NewGeolocationFileProvider(conf.GeolocationFile))
	}

	if !conf.DisableCitynameFile && store != nil {
		city, err := cityname_file.NewCitynameFileProvider(conf.CitynameFile, store)
		if err != nil {
			return nil, fmt.Errorf("failed to create cityname provider: %w", err)
		}
		provider = append(provider, city)
	}

	if !conf.DisableGPSD {
		provider = append(provider, gpsd.NewGeolocationGPSDProvider(conf.GPSDHost, conf.GPSDPort, conf.GPSDWatch))
	}

	if !conf.DisableGeoIP {
		gip, err := geoip.NewGeolocationGeoIPProvider(httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create GeoIP provider: %w", err)
		}
		provider = append(provider, gip)
	}

	if !conf.DisableGeoAPI {
		gapi, err := geoapi.NewGeolocationGeoAPIProvider(httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create GeoAPI provider: %w", err)
		}
		provider = append(provider, gapi)
	}

	if !conf.DisableICHNAEA {
		mls, err := ichnaea.NewGeolocationICHNAEAProvider(httpClient, conf.ICHNAEAEndpoint)
		if err != nil {
			s.logger.Error("failed to create ICHNAEA provider", logger.Err(err))
		} else {
			provider = append(provider, mls)
		}
	}

	if len(provider) == 0 {
		s.logger.Warn("no location providers enabled")
	}
	return provider, nil
}

func (s *Service) selectPermission() locator.PermissionChecker {
	if !s.config.Providers.RequirePermission {
		return permission.Static(true)
	}
	return permission.NewGeoClue(s.logger, s.config.Providers.RequireGeoClueAgent)
}

// selectBroadcaster always publishes to the in-process bus and additionally to Kafka when
// brokers are configured.
func (s *Service) selectBroadcaster() (locator.Broadcaster, error) {
	publishers := broadcast.Multi{s.geobus}
	brokers := s.config.Broadcast.KafkaBrokers
	if len(brokers) == 0 {
		return publishers, nil
	}

	kafka, err := broadcast.NewKafka(brokers, broadcast.WithLogger(s.logger), broadcast.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka broadcaster: %w", err)
	}
	s.closers = append(s.closers, kafka.Close)
	s.logger.Debug("broadcasting locations to kafka", slog.Any("brokers", brokers))
	return append(publishers, kafka), nil
}

// selectGeocodeProvider returns nil when online geocoding is switched off.
func (s *Service) selectGeocodeProvider(httpClient *http.Client) (geocode.Geocoder, error) {
	conf := s.config.Geocoder
	var coder geocode.Geocoder

	switch conf.Provider {
	case config.GeocoderNone:
		return nil, nil
	case config.GeocoderNominatim:
		coder = nominatim.New(httpClient)
	case config.GeocoderOpenCage:
		oc, err := opencage.New(httpClient, conf.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenCage geocoder: %w", err)
		}
		coder = oc
	case config.GeocoderGeocodeEarth:
		ge, err := geocodeearth.New(httpClient, conf.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create geocode.earth geocoder: %w", err)
		}
		coder = ge
	default:
		return nil, fmt.Errorf("unsupported geocoder type: %s", conf.Provider)
	}

	return geocode.NewCachedGeocoder(coder, conf.CacheHitTTL, conf.CacheMissTTL,
		geocode.WithCacheMetrics(s.metrics)), nil
}

// openGazetteer provisions the dataset into the data directory and opens it. If that fails,
// the embedded copy is used so the offline tier keeps working.
func (s *Service) openGazetteer() (*gazetteer.Store, error) {
	if s.config.Gazetteer.Disable {
		return nil, nil
	}

	path, err := gazetteer.Provision(s.config.Gazetteer.DataDir)
	if err == nil {
		var store *gazetteer.Store
		if store, err = gazetteer.Open(path); err == nil {
			s.logger.Debug("gazetteer loaded", slog.String("path", path), slog.Int("places", store.Len()))
			return store, nil
		}
	}
	s.logger.Warn("failed to open gazetteer dataset, using bundled copy", logger.Err(err))

	store, err := gazetteer.Bundled()
	if err != nil {
		return nil, fmt.Errorf("failed to load bundled gazetteer: %w", err)
	}
	return store, nil
}
