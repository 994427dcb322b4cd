// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/locatekit/internal/logger"
)

const (
	dbusInterface   = "org.freedesktop.login1.Manager"
	dbusWatchMember = "PrepareForSleep"

	debounceWindow   = 2 * time.Second
	signalBufferSize = 8

	busRetryDelay      = 5 * time.Second
	networkWakeupDelay = 10 * time.Second
)

// sleepState tracks the suspend/resume cycle across bus reconnects.
type sleepState struct {
	lastResume  atomic.Int64 // unix nanoseconds
	suspendedAt atomic.Int64 // unix nanoseconds, 0 while awake
}

// monitorSleepResume watches logind for PrepareForSleep signals until ctx is done. A dropped
// bus connection is re-established after busRetryDelay.
func (s *Service) monitorSleepResume(ctx context.Context) {
	state := new(sleepState)
	for {
		conn, sigCh, err := s.subscribeSleepSignals()
		if err == nil {
			s.logger.Debug("watching for resume from sleep", slog.String("interface", dbusInterface),
				slog.String("member", dbusWatchMember))
			s.handleSleepSignals(ctx, sigCh, state)
			conn.RemoveSignal(sigCh)
			if err = conn.Close(); err != nil {
				s.logger.Debug("failed to close system bus connection", logger.Err(err))
			}
		} else {
			s.logger.Debug("system bus not available, retrying", logger.Err(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(busRetryDelay):
		}
	}
}

// subscribeSleepSignals opens a private system bus connection with the PrepareForSleep match
// rule in place.
func (s *Service) subscribeSleepSignals() (*dbus.Conn, chan *dbus.Signal, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if err = conn.AddMatchSignal(dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember(dbusWatchMember),
	); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s.%s: %w", dbusInterface, dbusWatchMember, err)
	}

	sigCh := make(chan *dbus.Signal, signalBufferSize)
	conn.Signal(sigCh)
	return conn, sigCh, nil
}

// handleSleepSignals returns when ctx is done or the bus closed the signal channel.
func (s *Service) handleSleepSignals(ctx context.Context, sigCh chan *dbus.Signal, state *sleepState) {
	for {
		select {
		case <-ctx.Done():
			return
		case sgn, ok := <-sigCh:
			if !ok {
				return
			}
			s.processSleepSignal(ctx, sgn, state)
		}
	}
}

// processSleepSignal handles PrepareForSleep(true) as suspend and PrepareForSleep(false) as
// resume. Other payloads are ignored.
func (s *Service) processSleepSignal(ctx context.Context, sgn *dbus.Signal, state *sleepState) {
	if len(sgn.Body) != 1 {
		return
	}
	sleeping, ok := sgn.Body[0].(bool)
	if !ok {
		return
	}
	if sleeping {
		state.suspendedAt.Store(time.Now().UnixNano())
		s.logger.Debug("system is going to sleep")
		return
	}
	s.handleResumeEvent(ctx, state)
}

// handleResumeEvent re-runs the acquisition once the network had time to come back. Resume
// events inside the debounce window are dropped.
func (s *Service) handleResumeEvent(ctx context.Context, state *sleepState) {
	now := time.Now()
	last := state.lastResume.Load()
	if now.UnixNano()-last < int64(debounceWindow) || !state.lastResume.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	attrs := []any{slog.Duration("wakeup_delay", networkWakeupDelay)}
	if suspended := state.suspendedAt.Swap(0); suspended > 0 {
		attrs = append(attrs, slog.Duration("asleep", now.Sub(time.Unix(0, suspended))))
	}
	s.logger.Info("resumed from sleep", attrs...)

	select {
	case <-ctx.Done():
		return
	case <-time.After(networkWakeupDelay):
	}
	s.onResume(ctx)
}
