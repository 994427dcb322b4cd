// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

type signalSource interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

type stdLibSignalSource struct{}

func (stdLibSignalSource) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (stdLibSignalSource) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}

// HandleSignals refreshes the location on SIGUSR1 and logs the current place on SIGUSR2.
func (s *Service) HandleSignals(ctx context.Context, sigChan chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				s.logger.Debug("refresh requested by signal")
				s.refresh(ctx)
			case syscall.SIGUSR2:
				s.logCurrent()
			}
		}
	}
}

// logCurrent logs the last refreshed position. Before the first refresh it falls back to the
// last position broadcast on the bus.
func (s *Service) logCurrent() {
	sample, place := s.Current()
	if sample == nil {
		if last, ok := s.geobus.Last(s.config.Location.BroadcastTopic); ok {
			sample = &last
		}
	}
	var lat, lon float64
	var provider, address string
	if sample != nil {
		lat, lon, provider = sample.Lat, sample.Lon, sample.Provider
	}
	if place != nil {
		address = place.FormattedAddress
	}
	s.logger.Info("currently resolved location", slog.String("address", address),
		slog.Float64("latitude", lat), slog.Float64("longitude", lon), slog.String("provider", provider))
}
