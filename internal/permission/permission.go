// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package permission answers whether the host allows location lookups.
package permission

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/locatekit/internal/logger"
)

const (
	// GeoClueService is the well-known bus name of the GeoClue location service.
	GeoClueService = "org.freedesktop.GeoClue2"

	// GeoClueAgent is the bus name of the GeoClue demo agent on the session bus. GeoClue
	// refuses clients without a running agent unless the desktop ships its own.
	GeoClueAgent = "org.freedesktop.GeoClue2.DemoAgent"

	dbusListNames            = "org.freedesktop.DBus.ListNames"
	dbusListActivatableNames = "org.freedesktop.DBus.ListActivatableNames"

	callTimeout = 2 * time.Second
)

// Static grants or denies permission unconditionally.
type Static bool

func (s Static) HasLocationPermission() bool {
	return bool(s)
}

// busFunc opens a bus connection and returns the bus object together with a close function.
type busFunc func() (dbus.BusObject, func() error, error)

// GeoClue grants permission when the GeoClue service is running or can be activated on the
// system bus and, if required, the GeoClue agent runs on the session bus. Every check uses fresh
// connections, so a service that appears later is picked up.
type GeoClue struct {
	systemBus    busFunc
	sessionBus   busFunc
	requireAgent bool
	logger       *logger.Logger
}

func NewGeoClue(log *logger.Logger, requireAgent bool) *GeoClue {
	if log == nil {
		log = logger.NewLogger(slog.LevelError, io.Discard)
	}
	return &GeoClue{
		systemBus:    systemBus,
		sessionBus:   sessionBus,
		requireAgent: requireAgent,
		logger:       log,
	}
}

func (g *GeoClue) HasLocationPermission() bool {
	if !g.hasName("system", g.systemBus, GeoClueService, dbusListNames, dbusListActivatableNames) {
		return false
	}
	if g.requireAgent && !g.hasName("session", g.sessionBus, GeoClueAgent, dbusListNames) {
		return false
	}
	return true
}

// hasName reports whether any of the list methods returns name on the given bus.
func (g *GeoClue) hasName(kind string, bus busFunc, name string, methods ...string) bool {
	obj, closeFn, err := bus()
	if err != nil {
		g.logger.Warn("failed to connect to bus", slog.String("bus", kind), logger.Err(err))
		return false
	}
	defer func() {
		if err := closeFn(); err != nil {
			g.logger.Error("failed to close bus connection", slog.String("bus", kind), logger.Err(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	for _, method := range methods {
		var names []string
		if err = obj.CallWithContext(ctx, method, 0).Store(&names); err != nil {
			g.logger.Warn("failed to list bus names", slog.String("bus", kind), slog.String("method", method),
				logger.Err(err))
			return false
		}
		if slices.Contains(names, name) {
			return true
		}
	}
	g.logger.Debug("name not available on bus", slog.String("bus", kind), slog.String("name", name))
	return false
}

func systemBus() (dbus.BusObject, func() error, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, err
	}
	return conn.BusObject(), conn.Close, nil
}

func sessionBus() (dbus.BusObject, func() error, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, nil, err
	}
	return conn.BusObject(), conn.Close, nil
}
