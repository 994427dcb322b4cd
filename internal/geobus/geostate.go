// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

// GeolocationState tracks the last coordinate a provider emitted so that providers only emit
// positional changes.
type GeolocationState struct {
	last     Coordinate
	haveLast bool
}

// HasChanged reports whether the given coordinate differs in position from the last stored one.
// An accuracy change alone is not considered a change.
func (s *GeolocationState) HasChanged(c Coordinate) bool {
	if !s.haveLast {
		return true
	}
	return s.last.Lat != c.Lat || s.last.Lon != c.Lon
}

// Update stores the given coordinate as the last known state.
func (s *GeolocationState) Update(c Coordinate) {
	s.last = c
	s.haveLast = true
}
