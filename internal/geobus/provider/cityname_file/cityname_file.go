// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package cityname_file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wneessen/locatekit/internal/gazetteer"
	"github.com/wneessen/locatekit/internal/geobus"
)

var ErrNoPlace = errors.New("no known place name found in cityname file")

// PlaceLookup resolves a place name to a gazetteer entry.
type PlaceLookup interface {
	Lookup(name string) (gazetteer.Entry, bool)
}

// CitynameFileProvider reads a place name from a file and emits the position the gazetteer
// knows for it. The first line that names a known place, district or province wins. Empty
// lines and lines starting with # are skipped.
type CitynameFileProvider struct {
	name     string
	path     string
	period   time.Duration
	places   PlaceLookup
	locateFn func() (geobus.Coordinate, error)
}

func NewCitynameFileProvider(path string, places PlaceLookup) (*CitynameFileProvider, error) {
	if places == nil {
		return nil, errors.New("place lookup is required")
	}
	provider := &CitynameFileProvider{
		name:   geobus.ProviderCityname,
		path:   path,
		period: time.Minute * 5,
		places: places,
	}
	provider.locateFn = provider.readFile
	return provider, nil
}

func (p *CitynameFileProvider) Name() string {
	return p.name
}

// LookupStream polls the file and emits a sample whenever the named place changes.
func (p *CitynameFileProvider) LookupStream(ctx context.Context) <-chan geobus.Sample {
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

			coord, err := p.locateFn()
			if err != nil || !state.HasChanged(coord) {
				continue
			}
			state.Update(coord)

			sample := geobus.Sample{
				Lat:            coord.Lat,
				Lon:            coord.Lon,
				AccuracyMeters: coord.Acc,
				Provider:       p.name,
				At:             time.Now(),
			}
			select {
			case <-ctx.Done():
				return
			case out <- sample:
			}
		}
	}()
	return out
}

func (p *CitynameFileProvider) readFile() (geobus.Coordinate, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to read cityname file %q: %w", p.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, ok := p.places.Lookup(line)
		if !ok {
			continue
		}
		return geobus.Coordinate{Lat: entry.Lat, Lon: entry.Lon, Acc: accuracy(entry)}, nil
	}
	return geobus.Coordinate{}, ErrNoPlace
}

// accuracy grows with the administrative level the entry stands for.
func accuracy(entry gazetteer.Entry) float64 {
	switch {
	case entry.Admin2 == "":
		return geobus.AccuracyRegion
	case entry.Name == entry.Admin2:
		return geobus.AccuracyCity
	default:
		return geobus.AccuracyZip
	}
}
