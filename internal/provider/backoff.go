// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// reconnect is the delay before a provider stream is opened again. It starts at the minimum
// update interval of the subscription and doubles after every stream that ended without a
// sample, up to maxReconnectDelay.
type reconnect struct {
	clock   clockwork.Clock
	initial time.Duration
	delay   time.Duration
}

func newReconnect(clock clockwork.Clock, minInterval time.Duration) *reconnect {
	initial := min(max(minInterval, minReconnectDelay), maxReconnectDelay)
	return &reconnect{clock: clock, initial: initial, delay: initial}
}

func (r *reconnect) reset() {
	r.delay = r.initial
}

// wait blocks for the current delay and doubles it. It returns false if ctx is done first.
func (r *reconnect) wait(ctx context.Context) bool {
	timer := r.clock.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
	}
	r.delay = min(r.delay*2, maxReconnectDelay)
	return true
}
