// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package gpsd implements the "gps" location provider on top of a local gpsd daemon. The
// provider either keeps a watch session open and streams every TPV report, or polls gpsd in a
// fixed period.
package gpsd

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/wneessen/locatekit/internal/geobus"
)

const (
	DefaultHost = "localhost"
	DefaultPort = "2947"
)

type GeolocationGPSDProvider struct {
	name     string
	addr     string
	period   time.Duration
	watch    bool
	locateFn func(ctx context.Context) (Fix, error)
}

// NewGeolocationGPSDProvider returns a gps provider for the gpsd daemon at host:port. With
// watch set, a gpsd watch session is kept open instead of polling.
func NewGeolocationGPSDProvider(host, port string, watch bool) *GeolocationGPSDProvider {
	if host == "" {
		host = DefaultHost
	}
	if port == "" {
		port = DefaultPort
	}
	provider := &GeolocationGPSDProvider{
		name:   geobus.ProviderGPS,
		addr:   net.JoinHostPort(host, port),
		period: time.Second * 5,
		watch:  watch,
	}
	provider.locateFn = func(ctx context.Context) (Fix, error) {
		return Poll(ctx, provider.addr)
	}
	return provider
}

func (p *GeolocationGPSDProvider) Name() string {
	return p.name
}

// LookupStream emits a sample whenever the reported position changes.
func (p *GeolocationGPSDProvider) LookupStream(ctx context.Context) <-chan geobus.Sample {
	if p.watch {
		return p.watchStream(ctx)
	}
	return p.pollStream(ctx)
}

func (p *GeolocationGPSDProvider) pollStream(ctx context.Context) <-chan geobus.Sample {
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

			fix, err := p.locateFn(ctx)
			if err != nil || !fix.Has2DFix() {
				continue
			}
			coord := geobus.Coordinate{
				Lat: geobus.Truncate(fix.Lat, geobus.TruncPrecision),
				Lon: geobus.Truncate(fix.Lon, geobus.TruncPrecision),
				Acc: geobus.Truncate(fix.Acc, geobus.TruncPrecision),
			}
			if !state.HasChanged(coord) {
				continue
			}
			state.Update(coord)

			select {
			case <-ctx.Done():
				return
			case out <- p.createSample(coord, fix.Alt):
			}
		}
	}()
	return out
}

func (p *GeolocationGPSDProvider) watchStream(ctx context.Context) <-chan geobus.Sample {
	out := make(chan geobus.Sample)
	// Session filters keep running after we return, so out is closed under sendLock.
	var sendLock sync.Mutex
	closed := false

	go func() {
		defer func() {
			sendLock.Lock()
			closed = true
			close(out)
			sendLock.Unlock()
		}()
		state := geobus.GeolocationState{}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			session, err := gpsd.Dial(p.addr)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
					continue
				}
			}

			// The filter runs on the session goroutine for every TPV report.
			session.AddFilter("TPV", func(r interface{}) {
				tpv, ok := r.(*gpsd.TPVReport)
				if !ok || tpv.Mode < gpsd.Mode2D {
					return
				}
				coord := geobus.Coordinate{
					Lat: geobus.Truncate(tpv.Lat, geobus.TruncPrecision),
					Lon: geobus.Truncate(tpv.Lon, geobus.TruncPrecision),
					Acc: geobus.Truncate(horizontalAccuracy(0, tpv.Epx, tpv.Epy, int(tpv.Mode)),
						geobus.TruncPrecision),
				}
				if !state.HasChanged(coord) {
					return
				}
				state.Update(coord)

				sendLock.Lock()
				defer sendLock.Unlock()
				if closed {
					return
				}
				select {
				case <-ctx.Done():
				case out <- p.createSample(coord, tpv.Alt):
				}
			})

			// Watch returns a channel that fires when the watch ends (e.g. connection lost).
			done := session.Watch()
			select {
			case <-ctx.Done():
				return
			case <-done:
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.period):
			}
		}
	}()
	return out
}

func (p *GeolocationGPSDProvider) createSample(coord geobus.Coordinate, alt float64) geobus.Sample {
	return geobus.Sample{
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		Alt:            geobus.Truncate(alt, geobus.TruncPrecision),
		AccuracyMeters: coord.Acc,
		Provider:       p.name,
		At:             time.Now(),
	}
}
