// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package gazetteer provides the offline place database used when no reverse geocoding service
// can answer. The bundled dataset is copied to a writable location once and indexed in an R-tree
// for bounding-box queries. A Store never changes after Open and is safe for concurrent reads.
package gazetteer

import (
	"bytes"
	"cmp"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dhconnelly/rtreego"

	"github.com/wneessen/locatekit/internal/geobus"
)

const (
	// FileName is the name of the provisioned dataset inside the data directory.
	FileName = "places.csv"

	// DefaultRadius is the half-width of the search box in degrees.
	DefaultRadius = 0.05

	// DefaultNearbyLimit caps the number of matches returned by Nearby.
	DefaultNearbyLimit = 10
)

const (
	dimensions  = 2
	minChildren = 25
	maxChildren = 50

	// pointTolerance turns a place into a tiny rectangle, rtreego rejects zero-sized ones.
	pointTolerance = 1e-9
)

var header = []string{"name", "admin1", "admin2", "lat", "lon"}

//go:embed places.csv
var bundled []byte

// ErrInvalidDataset is returned when the dataset does not have the expected layout.
var ErrInvalidDataset = errors.New("invalid gazetteer dataset")

// Entry is a named place. Admin1 is the province level, Admin2 the city or district level.
type Entry struct {
	Name   string
	Admin1 string
	Admin2 string
	Lat    float64
	Lon    float64
}

// Match is an Entry together with its great-circle distance to the query point.
type Match struct {
	Entry
	DistanceKm float64
}

// DisplayString renders the match as "name admin2 admin1", leaving out empty admin levels.
func (m Match) DisplayString() string {
	parts := []string{m.Name}
	if m.Admin2 != "" {
		parts = append(parts, m.Admin2)
	}
	if m.Admin1 != "" {
		parts = append(parts, m.Admin1)
	}
	return strings.Join(parts, " ")
}

type place struct {
	entry Entry
	rect  *rtreego.Rect
}

func (p *place) Bounds() *rtreego.Rect {
	return p.rect
}

// Store is a read-only spatial index over gazetteer entries.
type Store struct {
	tree    *rtreego.Rtree
	size    int
	entries []Entry
}

// Provision copies the bundled dataset to dir unless a dataset is already there. An existing
// file is never touched. It returns the path of the dataset.
func Provision(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat gazetteer dataset: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create gazetteer data directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create gazetteer dataset: %w", err)
	}
	if _, err = io.Copy(file, bytes.NewReader(bundled)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write gazetteer dataset: %w", err)
	}
	if err = file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close gazetteer dataset: %w", err)
	}
	return path, nil
}

// Open reads the dataset at path and builds the index.
func Open(path string) (*Store, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gazetteer dataset: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return Load(file)
}

// Bundled builds a Store from the embedded dataset without touching the file system.
func Bundled() (*Store, error) {
	return Load(bytes.NewReader(bundled))
}

// Load builds a Store from CSV data with the columns name, admin1, admin2, lat and lon.
func Load(r io.Reader) (*Store, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(header)
	reader.TrimLeadingSpace = true

	first, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %w", ErrInvalidDataset, err)
	}
	if !slices.Equal(first, header) {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrInvalidDataset, first)
	}

	var places []rtreego.Spatial
	var entries []Entry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDataset, err)
		}
		entry, err := parseRecord(record)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidDataset, line, err)
		}
		entries = append(entries, entry)
		point := rtreego.Point{entry.Lat, entry.Lon}
		places = append(places, &place{entry: entry, rect: point.ToRect(pointTolerance)})
	}

	tree := rtreego.NewTree(dimensions, minChildren, maxChildren)
	for _, p := range places {
		tree.Insert(p)
	}
	return &Store{tree: tree, size: len(places), entries: entries}, nil
}

// Len returns the number of indexed places.
func (s *Store) Len() int {
	return s.size
}

// Nearby returns up to limit places inside the box [lat±radius]×[lon±radius], closest first.
// Radius is given in degrees.
func (s *Store) Nearby(lat, lon, radius float64, limit int) []Match {
	if limit <= 0 || radius <= 0 || s.size == 0 {
		return nil
	}
	bounds, err := rtreego.NewRect(rtreego.Point{lat - radius, lon - radius}, []float64{2 * radius, 2 * radius})
	if err != nil {
		return nil
	}

	var matches []Match
	for _, item := range s.tree.SearchIntersect(bounds) {
		p, ok := item.(*place)
		if !ok {
			continue
		}
		e := p.entry
		if e.Lat < lat-radius || e.Lat > lat+radius || e.Lon < lon-radius || e.Lon > lon+radius {
			continue
		}
		matches = append(matches, Match{Entry: e, DistanceKm: geobus.HaversineKm(lat, lon, e.Lat, e.Lon)})
	}

	slices.SortFunc(matches, func(a, b Match) int {
		return cmp.Or(cmp.Compare(a.DistanceKm, b.DistanceKm), strings.Compare(a.Name, b.Name))
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Nearest returns the closest place inside the search box.
func (s *Store) Nearest(lat, lon, radius float64) (Match, bool) {
	matches := s.Nearby(lat, lon, radius, 1)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// Lookup finds a place by name. A place name wins over a district or province of the same
// name. For districts and provinces the centroid of all their places is returned.
func (s *Store) Lookup(name string) (Entry, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, false
	}
	if idx := slices.IndexFunc(s.entries, func(e Entry) bool { return e.Name == name }); idx >= 0 {
		return s.entries[idx], true
	}
	if e, ok := s.centroid(name, func(e Entry) string { return e.Admin2 }); ok {
		return e, true
	}
	return s.centroid(name, func(e Entry) string { return e.Admin1 })
}

func (s *Store) centroid(name string, level func(Entry) string) (Entry, bool) {
	var lat, lon float64
	var found Entry
	count := 0
	for _, e := range s.entries {
		if level(e) != name {
			continue
		}
		if count == 0 {
			found = Entry{Name: name, Admin1: e.Admin1}
			if level(e) == e.Admin2 {
				found.Admin2 = e.Admin2
			}
		}
		lat += e.Lat
		lon += e.Lon
		count++
	}
	if count == 0 {
		return Entry{}, false
	}
	found.Lat = lat / float64(count)
	found.Lon = lon / float64(count)
	return found, true
}

func parseRecord(record []string) (Entry, error) {
	entry := Entry{
		Name:   strings.TrimSpace(record[0]),
		Admin1: strings.TrimSpace(record[1]),
		Admin2: strings.TrimSpace(record[2]),
	}
	if entry.Name == "" {
		return Entry{}, errors.New("place name is empty")
	}
	var err error
	if entry.Lat, err = strconv.ParseFloat(strings.TrimSpace(record[3]), 64); err != nil {
		return Entry{}, fmt.Errorf("failed to parse latitude: %w", err)
	}
	if entry.Lon, err = strconv.ParseFloat(strings.TrimSpace(record[4]), 64); err != nil {
		return Entry{}, fmt.Errorf("failed to parse longitude: %w", err)
	}
	if !geobus.ValidLatLon(entry.Lat, entry.Lon) {
		return Entry{}, fmt.Errorf("coordinates %f/%f out of range", entry.Lat, entry.Lon)
	}
	return entry, nil
}
