// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geocodeearth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/geocode"
	"github.com/wneessen/locatekit/internal/http"
)

const (
	APIEndpoint = "https://api.geocode.earth/v1/reverse"
	APITimeout  = time.Second * 10
	name        = "geocode-earth"
)

var ErrMissingAPIKey = errors.New("geocode.earth requires an API key")

type GeocodeEarth struct {
	apikey   string
	endpoint string
	http     *http.Client
}

type Response struct {
	Features []Feature `json:"features"`
	Type     string    `json:"type"`
}

type Feature struct {
	Geometry   Geometry   `json:"geometry"`
	Properties Properties `json:"properties"`
	Type       string     `json:"type"`
}

// Geometry is a GeoJSON point, coordinates are ordered lon, lat.
type Geometry struct {
	Coordinates []float64 `json:"coordinates"`
}

type Properties struct {
	DisplayName   string `json:"label"`
	City          string `json:"locality"`
	County        string `json:"county"`
	Country       string `json:"country"`
	CountryCode   string `json:"country_code"`
	HouseNumber   string `json:"housenumber"`
	Neighbourhood string `json:"neighbourhood"`
	Postcode      string `json:"postalcode"`
	Road          string `json:"street"`
	Region        string `json:"region"`
}

func New(client *http.Client, apikey string) (*GeocodeEarth, error) {
	if apikey == "" {
		return nil, ErrMissingAPIKey
	}
	return &GeocodeEarth{
		apikey:   apikey,
		endpoint: APIEndpoint,
		http:     client,
	}, nil
}

func (g *GeocodeEarth) Name() string {
	return name
}

func (g *GeocodeEarth) Reverse(ctx context.Context, coords geobus.Coordinate, maxResults int,
	lang language.Tag,
) ([]geocode.Address, error) {
	if maxResults < 1 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("api_key", g.apikey)
	query.Set("point.lat", fmt.Sprintf("%f", coords.Lat))
	query.Set("point.lon", fmt.Sprintf("%f", coords.Lon))
	query.Set("size", strconv.Itoa(maxResults))
	query.Set("lang", lang.String())

	var response Response
	code, err := g.http.GetWithTimeout(ctx, g.endpoint, &response, query, nil, APITimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve address details from geocode.earth API: %w", err)
	}
	if code != 200 {
		return nil, fmt.Errorf("received non-positive response code from geocode.earth API: %d", code)
	}

	features := response.Features
	if len(features) > maxResults {
		features = features[:maxResults]
	}
	addresses := make([]geocode.Address, 0, len(features))
	for _, feature := range features {
		p := feature.Properties
		address := geocode.Address{
			Street:      p.Road,
			HouseNumber: p.HouseNumber,
			Postcode:    p.Postcode,
			Suburb:      p.Neighbourhood,
			City:        p.City,
			Region:      p.Region,
			Country:     p.Country,
			Latitude:    coords.Lat,
			Longitude:   coords.Lon,
		}
		if len(feature.Geometry.Coordinates) == 2 {
			address.Longitude = feature.Geometry.Coordinates[0]
			address.Latitude = feature.Geometry.Coordinates[1]
		}
		if p.DisplayName != "" {
			address.Lines = []string{p.DisplayName}
		}
		if address.City == "" {
			address.City = p.County
		}
		addresses = append(addresses, address)
	}

	return addresses, nil
}
