// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geocode defines the reverse geocoding capability used as the first tier of place
// resolution, and a TTL cache in front of it.
package geocode

import (
	"context"
	"strings"

	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/geobus"
)

// Address is a single reverse geocoding candidate. Lines holds the structured address lines in
// the order the service returned them.
type Address struct {
	Lines       []string
	Street      string
	HouseNumber string
	Postcode    string
	Suburb      string
	City        string
	Region      string
	Country     string
	Latitude    float64
	Longitude   float64
	CacheHit    bool
}

// AddressLines returns the non-blank address lines, trimmed.
func (a Address) AddressLines() []string {
	lines := make([]string, 0, len(a.Lines))
	for _, line := range a.Lines {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Geocoder turns a coordinate into at most maxResults address candidates in the given language.
// An empty slice with a nil error means the service knows no address for the coordinate.
type Geocoder interface {
	Name() string
	Reverse(ctx context.Context, coords geobus.Coordinate, maxResults int, lang language.Tag) ([]Address, error)
}
