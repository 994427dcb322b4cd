// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kkyr/fig"

	"github.com/wneessen/locatekit/internal/locator"
)

const (
	configEnv = "LOCATEKIT"
	appName   = "locatekit"
)

// Geocoder names.
const (
	GeocoderNominatim    = "nominatim"
	GeocoderOpenCage     = "opencage"
	GeocoderGeocodeEarth = "geocode-earth"
	GeocoderNone         = "none"
)

// Config represents the application's configuration structure.
type Config struct {
	LogLevel slog.Level `fig:"loglevel" default:"0"`
	Locale   string     `fig:"locale"`

	Location struct {
		// Allowed values: fast, single, fusion, network_only, gps_only
		Mode              string        `fig:"mode" default:"fusion"`
		Timeout           time.Duration `fig:"timeout" default:"6s"`
		MinUpdateInterval time.Duration `fig:"min_update_interval" default:"5s"`
		MinUpdateDistance float64       `fig:"min_update_distance" default:"1"`
		FilterEnabled     bool          `fig:"filter_enabled"`
		FilterMinMeters   float64       `fig:"filter_min_meters" default:"5"`
		FilterMaxMeters   float64       `fig:"filter_max_meters" default:"200"`
		DefaultLatitude   *float64      `fig:"default_latitude"`
		DefaultLongitude  *float64      `fig:"default_longitude"`
		BroadcastEnabled  bool          `fig:"broadcast_enabled"`
		BroadcastTopic    string        `fig:"broadcast_topic" default:"locatekit.location"`
		CacheMaxAge       time.Duration `fig:"cache_max_age" default:"60s"`
		RetryLimit        *int          `fig:"retry_limit"`
		RetryDelay        time.Duration `fig:"retry_delay" default:"2s"`
	} `fig:"location"`

	Providers struct {
		GPSDHost               string `fig:"gpsd_host" default:"localhost"`
		GPSDPort               string `fig:"gpsd_port" default:"2947"`
		GPSDWatch              bool   `fig:"gpsd_watch"`
		GeolocationFile        string `fig:"geolocation_file"`
		CitynameFile           string `fig:"cityname_file"`
		ICHNAEAEndpoint        string `fig:"ichnaea_endpoint"`
		DisableGPSD            bool   `fig:"disable_gpsd"`
		DisableICHNAEA         bool   `fig:"disable_ichnaea"`
		DisableGeoIP           bool   `fig:"disable_geoip"`
		DisableGeoAPI          bool   `fig:"disable_geoapi"`
		DisableGeolocationFile bool   `fig:"disable_geolocation_file"`
		DisableCitynameFile    bool   `fig:"disable_cityname_file"`
		RequirePermission      bool   `fig:"require_permission"`
		RequireGeoClueAgent    bool   `fig:"require_geoclue_agent"`
	} `fig:"providers"`

	Geocoder struct {
		// Allowed values: nominatim, opencage, geocode-earth, none
		Provider     string        `fig:"provider" default:"nominatim"`
		APIKey       string        `fig:"apikey"`
		CacheHitTTL  time.Duration `fig:"cache_hit_ttl" default:"24h"`
		CacheMissTTL time.Duration `fig:"cache_miss_ttl" default:"1h"`
	} `fig:"geocoder"`

	Gazetteer struct {
		DataDir     string  `fig:"data_dir"`
		Disable     bool    `fig:"disable"`
		Radius      float64 `fig:"radius" default:"0.05"`
		NearbyLimit int     `fig:"nearby_limit" default:"10"`
		Country     string  `fig:"country" default:"China"`
	} `fig:"gazetteer"`

	Broadcast struct {
		KafkaBrokers []string `fig:"kafka_brokers"`
	} `fig:"broadcast"`

	Service struct {
		RefreshInterval   time.Duration `fig:"refresh_interval" default:"15m"`
		MetricsAddr       string        `fig:"metrics_addr" default:"127.0.0.1:9464"`
		DisableMetrics    bool          `fig:"disable_metrics"`
		DisableSleepWatch bool          `fig:"disable_sleep_watch"`
	} `fig:"service"`
}

func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = loadDotEnv(); err != nil {
		return conf, err
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func New() (*Config, error) {
	conf := new(Config)
	if err := loadDotEnv(); err != nil {
		return conf, err
	}
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

// Validate normalizes unset values and rejects invalid ones.
func (c *Config) Validate() error {
	if c.Locale == "" {
		c.Locale = getLocale()
	}
	home, _ := os.UserHomeDir()
	if c.Providers.GeolocationFile == "" {
		c.Providers.GeolocationFile = filepath.Join(home, ".config", appName, "geolocation")
	}
	if c.Providers.CitynameFile == "" {
		c.Providers.CitynameFile = filepath.Join(home, ".config", appName, "cityname")
	}
	if c.Gazetteer.DataDir == "" {
		c.Gazetteer.DataDir = filepath.Join(home, ".local", "share", appName)
	}

	c.Geocoder.Provider = strings.ToLower(c.Geocoder.Provider)
	switch c.Geocoder.Provider {
	case GeocoderNominatim, GeocoderNone:
	case GeocoderOpenCage, GeocoderGeocodeEarth:
		if c.Geocoder.APIKey == "" {
			return fmt.Errorf("geocoder %s requires an API key", c.Geocoder.Provider)
		}
	default:
		return fmt.Errorf("invalid geocoder: %s", c.Geocoder.Provider)
	}
	if c.Gazetteer.Radius <= 0 {
		return fmt.Errorf("invalid gazetteer radius: %f", c.Gazetteer.Radius)
	}
	if c.Gazetteer.NearbyLimit < 1 {
		return fmt.Errorf("invalid gazetteer nearby limit: %d", c.Gazetteer.NearbyLimit)
	}
	if c.Service.RefreshInterval <= 0 {
		return fmt.Errorf("invalid refresh interval: %s", c.Service.RefreshInterval)
	}

	if _, err := c.LocatorConfiguration(); err != nil {
		return fmt.Errorf("invalid location settings: %w", err)
	}
	return nil
}

// LocatorConfiguration converts the location section into an orchestrator configuration.
// The default position and the retry limit are pointers, so an explicit zero in the file or
// the environment is kept and only absent keys fall back to the orchestrator defaults.
func (c *Config) LocatorConfiguration() (locator.Configuration, error) {
	mode, err := locator.ParseMode(c.Location.Mode)
	if err != nil {
		return locator.Configuration{}, err
	}
	conf := locator.Configuration{
		Timeout:           c.Location.Timeout,
		MinUpdateInterval: c.Location.MinUpdateInterval,
		MinUpdateDistance: c.Location.MinUpdateDistance,
		FilterEnabled:     c.Location.FilterEnabled,
		FilterMinMeters:   c.Location.FilterMinMeters,
		FilterMaxMeters:   c.Location.FilterMaxMeters,
		BroadcastEnabled:  c.Location.BroadcastEnabled,
		BroadcastTopic:    c.Location.BroadcastTopic,
		Mode:              mode,
		CacheMaxAge:       c.Location.CacheMaxAge,
		RetryDelay:        c.Location.RetryDelay,
	}
	defaults := locator.DefaultConfiguration()
	conf.DefaultLatitude = valueOr(c.Location.DefaultLatitude, defaults.DefaultLatitude)
	conf.DefaultLongitude = valueOr(c.Location.DefaultLongitude, defaults.DefaultLongitude)
	conf.RetryLimit = valueOr(c.Location.RetryLimit, defaults.RetryLimit)
	return conf, conf.Validate()
}

// loadDotEnv reads a .env file from the working directory into the environment. Variables that
// are already set win. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

func valueOr[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}

func getLocale() string {
	locale := os.Getenv("LC_MESSAGES")
	if idx := strings.Index(locale, "."); idx != -1 {
		lang := locale[:idx]
		return strings.ReplaceAll(lang, "_", "-")
	}
	return locale
}
