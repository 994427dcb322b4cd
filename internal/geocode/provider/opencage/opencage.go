// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package opencage

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
	APIEndpoint = "https://api.opencagedata.com/geocode/v1/json"
	APITimeout  = time.Second * 10
	name        = "opencage"
)

var ErrMissingAPIKey = errors.New("OpenCage requires an API key")

type OpenCage struct {
	apikey   string
	endpoint string
	http     *http.Client
}

type Response struct {
	Results      []Result `json:"results"`
	Status       Status   `json:"status"`
	TotalResults int      `json:"total_results"`
}

type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Components  Components `json:"components"`
	DisplayName string     `json:"formatted"`
	Geometry    Geometry   `json:"geometry"`
}

type Components struct {
	NormalizedCity string `json:"_normalized_city"`
	City           string `json:"city"`
	CityDistrict   string `json:"city_district"`
	Country        string `json:"country"`
	CountryCode    string `json:"country_code"`
	HouseNumber    string `json:"house_number"`
	Postcode       string `json:"postcode"`
	Road           string `json:"road"`
	State          string `json:"state"`
	Province       string `json:"province"`
	Suburb         string `json:"suburb"`
	Town           string `json:"town"`
	Village        string `json:"village"`
}

type Geometry struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

func New(client *http.Client, apikey string) (*OpenCage, error) {
	if apikey == "" {
		return nil, ErrMissingAPIKey
	}
	return &OpenCage{
		apikey:   apikey,
		endpoint: APIEndpoint,
		http:     client,
	}, nil
}

func (o *OpenCage) Name() string {
	return name
}

func (o *OpenCage) Reverse(ctx context.Context, coords geobus.Coordinate, maxResults int,
	lang language.Tag,
) ([]geocode.Address, error) {
	if maxResults < 1 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("key", o.apikey)
	query.Set("q", fmt.Sprintf("%f,%f", coords.Lat, coords.Lon))
	query.Set("limit", strconv.Itoa(maxResults))
	query.Set("no_annotations", "1")
	query.Set("no_record", "1")
	query.Set("language", lang.String())

	var response Response
	if _, err := o.http.GetWithTimeout(ctx, o.endpoint, &response, query, nil, APITimeout); err != nil {
		return nil, fmt.Errorf("failed to retrieve address details from OpenCage API: %w", err)
	}
	if response.Status.Code != 0 && response.Status.Code != 200 {
		return nil, fmt.Errorf("OpenCage API returned status %d: %s", response.Status.Code,
			response.Status.Message)
	}

	results := response.Results
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	addresses := make([]geocode.Address, 0, len(results))
	for _, result := range results {
		c := result.Components
		address := geocode.Address{
			Street:      c.Road,
			HouseNumber: c.HouseNumber,
			Postcode:    c.Postcode,
			Suburb:      c.Suburb,
			City:        c.NormalizedCity,
			Region:      c.State,
			Country:     c.Country,
			Latitude:    result.Geometry.Lat,
			Longitude:   result.Geometry.Lon,
		}
		if result.DisplayName != "" {
			address.Lines = []string{result.DisplayName}
		}
		if address.City == "" {
			address.City = c.City
		}
		if c.Town != "" {
			address.City = c.Town
		}
		if c.Village != "" {
			address.City = c.Village
		}
		if address.Region == "" {
			address.Region = c.Province
		}
		addresses = append(addresses, address)
	}

	return addresses, nil
}
