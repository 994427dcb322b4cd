// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package presenter renders acquisition results and resolved places for the terminal.
package presenter

import (
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/vorlif/humanize"
	"github.com/vorlif/humanize/locale/de"
	"golang.org/x/text/language"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/locator"
	"github.com/wneessen/locatekit/internal/resolver"
)

// Localizer translates the labels of the rendered output.
type Localizer interface {
	Get(message string) string
}

// LocationView is the template context of a single position, with the place it resolved to.
type LocationView struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Provider  string
	Message   string
	Time      time.Time
	Forced    bool
	Place     *resolver.PlaceInfo
}

// NearbyView is the template context of the nearby table. Header and Rows hold the cells,
// Widths the display width of every column.
type NearbyView struct {
	Latitude  float64
	Longitude float64
	Header    []string
	Rows      [][]string
	Widths    []int
}

type Presenter struct {
	localizer  Localizer
	humanizer  *humanize.Humanizer
	labelWidth int
	location   *template.Template
	nearby     *template.Template
}

type passthrough struct{}

func (passthrough) Get(message string) string { return message }

// New parses the output templates. A nil localizer prints the English labels. Times are
// formatted for lang.
func New(loc Localizer, lang language.Tag) (*Presenter, error) {
	if loc == nil {
		loc = passthrough{}
	}
	collection, err := humanize.New(humanize.WithLocale(de.New()))
	if err != nil {
		return nil, fmt.Errorf("failed to create humanizer: %w", err)
	}
	p := &Presenter{localizer: loc, humanizer: collection.CreateHumanizer(lang)}
	for _, key := range fieldLabels {
		if width := runewidth.StringWidth(p.loc(key)); width > p.labelWidth {
			p.labelWidth = width
		}
	}

	if p.location, err = template.New("location").Funcs(p.templateFuncMap()).Parse(locationTemplate); err != nil {
		return nil, fmt.Errorf("failed to parse location template: %w", err)
	}
	if p.nearby, err = template.New("nearby").Funcs(p.templateFuncMap()).Parse(nearbyTemplate); err != nil {
		return nil, fmt.Errorf("failed to parse nearby template: %w", err)
	}
	return p, nil
}

// Location writes an acquisition result and the place it resolved to. place may be nil.
func (p *Presenter) Location(w io.Writer, result locator.Result, place *resolver.PlaceInfo) error {
	return p.location.Execute(w, LocationView{
		Latitude:  result.Sample.Lat,
		Longitude: result.Sample.Lon,
		Accuracy:  result.Sample.AccuracyMeters,
		Provider:  result.Sample.Provider,
		Message:   result.Message,
		Time:      result.Sample.At,
		Forced:    result.Forced,
		Place:     place,
	})
}

// Place writes the place a coordinate resolved to, without acquisition details.
func (p *Presenter) Place(w io.Writer, lat, lon float64, place *resolver.PlaceInfo) error {
	return p.location.Execute(w, LocationView{Latitude: lat, Longitude: lon, Accuracy: -1, Place: place})
}

// Nearby writes places as an aligned table ordered as given, with the distance to lat/lon.
func (p *Presenter) Nearby(w io.Writer, lat, lon float64, places []resolver.PlaceInfo) error {
	view := NearbyView{
		Latitude:  lat,
		Longitude: lon,
		Header: []string{
			"#", p.loc("address"), p.loc("city"), p.loc("province"), p.loc("distance"), p.loc("source"),
		},
	}
	for i, place := range places {
		km := geobus.HaversineKm(lat, lon, place.Latitude, place.Longitude)
		view.Rows = append(view.Rows, []string{
			fmt.Sprintf("%d", i+1), place.FormattedAddress, place.City, place.Province,
			fmt.Sprintf("%.2f", km), place.Source,
		})
	}
	view.Widths = columnWidths(view.Header, view.Rows)
	return p.nearby.Execute(w, view)
}

func columnWidths(header []string, rows [][]string) []int {
	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	return widths
}

const locationTemplate = `{{ label "position" }}{{ floatFormat .Latitude 4 }}, {{ floatFormat .Longitude 4 }}
{{- if ge .Accuracy 0.0 }}
{{ label "accuracy" }}{{ floatFormat .Accuracy 0 }} m
{{ label "provider" }}{{ .Provider }}
{{ label "time" }}{{ if .Time.IsZero }}-{{ else }}{{ timeFormat .Time "2006-01-02" }} {{ localizedTime .Time }}{{ end }}
{{ label "status" }}{{ .Message }}{{ if .Forced }} ({{ loc "fallback" }}){{ end }}
{{- end }}
{{- with .Place }}
{{ label "address" }}{{ .FormattedAddress }}
{{- if .City }}
{{ label "city" }}{{ .City }}{{ end }}
{{- if .Province }}
{{ label "province" }}{{ .Province }}{{ end }}
{{- if .Country }}
{{ label "country" }}{{ .Country }}{{ end }}
{{ label "source" }}{{ .Source }}
{{- else }}
{{ loc "noaddress" }}
{{- end }}
`

const nearbyTemplate = `{{ label "position" }}{{ floatFormat .Latitude 4 }}, {{ floatFormat .Longitude 4 }}
{{ if .Rows -}}
{{ row .Header .Widths }}
{{ range .Rows }}{{ row . $.Widths }}
{{ end }}
{{- else -}}
{{ loc "noplaces" }}
{{ end -}}
`
