// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geoapi implements a second IP based location provider on top of geoapi.info. Its
// answers carry the coordinates as strings.
package geoapi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/http"
)

const (
	APIEndpoint   = "https://geoapi.info/api/geo"
	LookupTimeout = time.Second * 5
)

type GeolocationGeoAPIProvider struct {
	name     string
	endpoint string
	http     *http.Client
	period   time.Duration
	locateFn func(ctx context.Context) (geobus.Coordinate, error)
}

type APIResult struct {
	IP       string `json:"ip"`
	Location struct {
		CountryCode string `json:"country,omitempty"`
		Country     string `json:"countryName,omitempty"`
		Region      string `json:"region,omitempty"`
		City        string `json:"city,omitempty"`
		ZipCode     string `json:"postalCode,omitempty"`
		TimeZone    string `json:"timezone"`
		Coordinates struct {
			Latitude  string `json:"latitude"`
			Longitude string `json:"longitude"`
		} `json:"coordinates"`
	} `json:"location"`
}

func NewGeolocationGeoAPIProvider(http *http.Client) (*GeolocationGeoAPIProvider, error) {
	if http == nil {
		return nil, fmt.Errorf("http client is required")
	}
	provider := &GeolocationGeoAPIProvider{
		name:     geobus.ProviderGeoAPI,
		endpoint: APIEndpoint,
		http:     http,
		period:   time.Minute * 10,
	}
	provider.locateFn = provider.locate
	return provider, nil
}

func (p *GeolocationGeoAPIProvider) Name() string {
	return p.name
}

// LookupStream asks the API every period and emits a sample when the position moved.
func (p *GeolocationGeoAPIProvider) LookupStream(ctx context.Context) <-chan geobus.Sample {
	out := make(chan geobus.Sample)
	go func() {
		defer close(out)
		state := geobus.GeolocationState{}
		firstRun := true

		for {
			if !firstRun {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
				}
			}
			firstRun = false

			coord, err := p.locateFn(ctx)
			if err != nil || !state.HasChanged(coord) {
				continue
			}
			state.Update(coord)

			select {
			case <-ctx.Done():
				return
			case out <- p.createSample(coord):
			}
		}
	}()
	return out
}

func (p *GeolocationGeoAPIProvider) createSample(coord geobus.Coordinate) geobus.Sample {
	return geobus.Sample{
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Provider:       p.name,
		At:             time.Now(),
	}
}

func (p *GeolocationGeoAPIProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	result := new(APIResult)
	if _, err := p.http.GetWithTimeout(ctx, p.endpoint, result, nil, nil, LookupTimeout); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}

	lat, err := strconv.ParseFloat(result.Location.Coordinates.Latitude, 64)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to parse latitude from API response: %w", err)
	}
	lon, err := strconv.ParseFloat(result.Location.Coordinates.Longitude, 64)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to parse longitude from API response: %w", err)
	}

	coord := geobus.Coordinate{
		Lat: geobus.Truncate(lat, geobus.TruncPrecision),
		Lon: geobus.Truncate(lon, geobus.TruncPrecision),
		Acc: accuracy(result),
	}
	if !coord.Valid() {
		return geobus.Coordinate{}, fmt.Errorf("API returned an invalid position %f/%f", coord.Lat, coord.Lon)
	}
	return coord, nil
}

func accuracy(result *APIResult) float64 {
	loc := result.Location
	switch {
	case loc.ZipCode != "":
		return geobus.AccuracyZip
	case loc.City != "":
		return geobus.AccuracyCity
	case loc.Region != "":
		return geobus.AccuracyRegion
	case loc.CountryCode != "":
		return geobus.AccuracyCountry
	default:
		return geobus.AccuracyUnknown
	}
}
