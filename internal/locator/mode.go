// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package locator

import (
	"fmt"
	"strings"

	"github.com/wneessen/locatekit/internal/geobus"
)

// Mode selects the acquisition strategy of a run.
type Mode int

const (
	// ModeFast emits the best recent cached position right away and refines it with live samples.
	ModeFast Mode = iota
	// ModeSingle stops the run after the first accepted live sample.
	ModeSingle
	// ModeFusion subscribes to all providers and only accepts samples with improving accuracy.
	ModeFusion
	// ModeNetworkOnly subscribes to the network provider only.
	ModeNetworkOnly
	// ModeGPSOnly subscribes to the GPS provider only.
	ModeGPSOnly
)

var modeNames = map[Mode]string{
	ModeFast:        "fast",
	ModeSingle:      "single",
	ModeFusion:      "fusion",
	ModeNetworkOnly: "network_only",
	ModeGPSOnly:     "gps_only",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name. Matching is case-insensitive and accepts "-" in place of "_".
func ParseMode(value string) (Mode, error) {
	value = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
	switch value {
	case "fast":
		return ModeFast, nil
	case "single":
		return ModeSingle, nil
	case "fusion", "":
		return ModeFusion, nil
	case "network_only", "network":
		return ModeNetworkOnly, nil
	case "gps_only", "gps":
		return ModeGPSOnly, nil
	default:
		return ModeFusion, fmt.Errorf("unknown location mode: %q", value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// providers returns the provider IDs a run in this mode subscribes to, given the enabled ones.
// The returned ID is non-empty when the mode requires a single provider that is not enabled.
func (m Mode) providers(enabled []string) (selected []string, missing string) {
	var want string
	switch m {
	case ModeNetworkOnly:
		want = geobus.ProviderNetwork
	case ModeGPSOnly:
		want = geobus.ProviderGPS
	default:
		return append([]string(nil), enabled...), ""
	}
	for _, id := range enabled {
		if id == want {
			return []string{want}, ""
		}
	}
	return nil, want
}
