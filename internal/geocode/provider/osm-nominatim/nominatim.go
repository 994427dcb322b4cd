// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package nominatim

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/geocode"
	"github.com/wneessen/locatekit/internal/http"
)

const (
	APIReverseEndpoint = "https://nominatim.openstreetmap.org/reverse"
	APITimeout         = time.Second * 10
	name               = "osm-nominatim"
)

// The public Nominatim instance allows one request per second.
const requestInterval = time.Second

type Nominatim struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

type ReverseResult struct {
	Error       string  `json:"error"`
	APILat      string  `json:"lat"`
	APILon      string  `json:"lon"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
}

type Address struct {
	HouseNumber  string `json:"house_number"`
	Road         string `json:"road"`
	Suburb       string `json:"suburb"`
	CityDistrict string `json:"city_district"`
	City         string `json:"city"`
	Town         string `json:"town"`
	Village      string `json:"village"`
	State        string `json:"state"`
	Province     string `json:"province"`
	Postcode     string `json:"postcode"`
	Country      string `json:"country"`
}

func New(client *http.Client) *Nominatim {
	return &Nominatim{
		endpoint: APIReverseEndpoint,
		http:     client,
		limiter:  rate.NewLimiter(rate.Every(requestInterval), 1),
	}
}

func (n *Nominatim) Name() string {
	return name
}

// Reverse looks up the address of coords. Nominatim answers with at most one address, so
// maxResults only matters when it is smaller than one.
func (n *Nominatim) Reverse(ctx context.Context, coords geobus.Coordinate, maxResults int,
	lang language.Tag,
) ([]geocode.Address, error) {
	if maxResults < 1 {
		return nil, nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for Nominatim API aborted: %w", err)
	}

	query := url.Values{}
	query.Set("format", "jsonv2")
	query.Set("lat", strconv.FormatFloat(coords.Lat, 'f', 6, 64))
	query.Set("lon", strconv.FormatFloat(coords.Lon, 'f', 6, 64))
	query.Set("accept-language", lang.String())

	var result ReverseResult
	if _, err := n.http.GetWithTimeout(ctx, n.endpoint, &result, query, nil, APITimeout); err != nil {
		return nil, fmt.Errorf("failed to fetch reverse address details from Nominatim API: %w", err)
	}
	if result.Error != "" {
		return nil, nil
	}

	address := geocode.Address{
		Street:      result.Address.Road,
		HouseNumber: result.Address.HouseNumber,
		Postcode:    result.Address.Postcode,
		Suburb:      result.Address.Suburb,
		City:        firstNonEmpty(result.Address.City, result.Address.Town, result.Address.Village),
		Region:      firstNonEmpty(result.Address.State, result.Address.Province),
		Country:     result.Address.Country,
	}
	if result.DisplayName != "" {
		address.Lines = []string{result.DisplayName}
	}

	var err error
	address.Latitude, err = strconv.ParseFloat(result.APILat, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse latitude from Nominatim API response: %w", err)
	}
	address.Longitude, err = strconv.ParseFloat(result.APILon, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse longitude from Nominatim API response: %w", err)
	}

	return []geocode.Address{address}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
