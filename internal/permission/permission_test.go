// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package permission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/locatekit/internal/logger"
)

type fakeBusObject struct {
	dbus.BusObject
	names       []string
	activatable []string
	err         error
	calls       []string
}

func (f *fakeBusObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, _ ...interface{}) *dbus.Call {
	f.calls = append(f.calls, method)
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	switch method {
	case dbusListNames:
		return &dbus.Call{Body: []interface{}{f.names}}
	case dbusListActivatableNames:
		return &dbus.Call{Body: []interface{}{f.activatable}}
	}
	return &dbus.Call{Err: errors.New("unknown method")}
}

type fakeBus struct {
	obj    *fakeBusObject
	err    error
	closed bool
}

func (b *fakeBus) connect() (dbus.BusObject, func() error, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	return b.obj, func() error {
		b.closed = true
		return nil
	}, nil
}

func TestStatic(t *testing.T) {
	if !Static(true).HasLocationPermission() {
		t.Error("expected permission to be granted")
	}
	if Static(false).HasLocationPermission() {
		t.Error("expected permission to be denied")
	}
}

func TestGeoClue_HasLocationPermission(t *testing.T) {
	agentBus := func() *fakeBus {
		return &fakeBus{obj: &fakeBusObject{names: []string{GeoClueAgent}}}
	}

	t.Run("running service grants permission", func(t *testing.T) {
		system := &fakeBus{obj: &fakeBusObject{names: []string{"org.freedesktop.DBus", GeoClueService}}}
		checker := testChecker(system, agentBus(), false)
		if !checker.HasLocationPermission() {
			t.Error("expected permission to be granted")
		}
		if len(system.obj.calls) != 1 {
			t.Errorf("expected a single bus call, got %d", len(system.obj.calls))
		}
		if !system.closed {
			t.Error("expected the bus connection to be closed")
		}
	})
	t.Run("activatable service grants permission", func(t *testing.T) {
		system := &fakeBus{obj: &fakeBusObject{names: []string{"org.freedesktop.DBus"}, activatable: []string{GeoClueService}}}
		if !testChecker(system, agentBus(), false).HasLocationPermission() {
			t.Error("expected permission to be granted")
		}
	})
	t.Run("missing service denies permission", func(t *testing.T) {
		system := &fakeBus{obj: &fakeBusObject{names: []string{"org.freedesktop.DBus"}, activatable: []string{"org.freedesktop.login1"}}}
		if testChecker(system, agentBus(), false).HasLocationPermission() {
			t.Error("expected permission to be denied")
		}
	})
	t.Run("failing bus call denies permission", func(t *testing.T) {
		system := &fakeBus{obj: &fakeBusObject{err: errors.New("access denied")}}
		if testChecker(system, agentBus(), false).HasLocationPermission() {
			t.Error("expected permission to be denied")
		}
	})
	t.Run("unreachable bus denies permission", func(t *testing.T) {
		if testChecker(&fakeBus{err: errors.New("no bus")}, agentBus(), false).HasLocationPermission() {
			t.Error("expected permission to be denied")
		}
	})
	t.Run("required agent must run on the session bus", func(t *testing.T) {
		system := func() *fakeBus { return &fakeBus{obj: &fakeBusObject{names: []string{GeoClueService}}} }
		if !testChecker(system(), agentBus(), true).HasLocationPermission() {
			t.Error("expected permission to be granted with a running agent")
		}
		session := &fakeBus{obj: &fakeBusObject{names: []string{"org.gnome.Shell"}}}
		if testChecker(system(), session, true).HasLocationPermission() {
			t.Error("expected permission to be denied without an agent")
		}
		if len(session.obj.calls) != 1 || session.obj.calls[0] != dbusListNames {
			t.Errorf("expected only running names to be listed on the session bus, got %v", session.obj.calls)
		}
	})
	t.Run("agent is not checked unless required", func(t *testing.T) {
		system := &fakeBus{obj: &fakeBusObject{names: []string{GeoClueService}}}
		session := &fakeBus{err: errors.New("no session bus")}
		if !testChecker(system, session, false).HasLocationPermission() {
			t.Error("expected permission to be granted")
		}
	})
}

func testChecker(system, session *fakeBus, requireAgent bool) *GeoClue {
	checker := NewGeoClue(logger.NewLogger(slog.LevelDebug, io.Discard), requireAgent)
	checker.systemBus = system.connect
	checker.sessionBus = session.connect
	return checker
}
