// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package locator

import (
	"github.com/wneessen/locatekit/internal/geobus"
)

// Accept decides whether cand replaces prev as the emitted position. prev is nil when nothing
// has been accepted in the current run. The checks are evaluated in order and the first
// matching one wins.
func Accept(prev *geobus.Sample, cand geobus.Sample, mode Mode, cfg Configuration, force bool) bool {
	if force {
		return true
	}
	if prev == nil {
		return true
	}

	distance := prev.DistanceMeters(cand)
	if cfg.FilterEnabled && distance < cfg.FilterMinMeters {
		return false
	}
	if cfg.FilterEnabled && distance > cfg.FilterMaxMeters {
		return false
	}
	if mode == ModeFusion && cand.AccuracyMeters >= prev.AccuracyMeters {
		return false
	}
	if cand.SamePosition(*prev) {
		return false
	}
	return true
}
