// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package gpsd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

const (
	fallbackAccuracy3DFix = 10  // ~10 m typical consumer GPS in open sky
	fallbackAccuracy2DFix = 25  // worse than 3D, but still accurate enough
	fallbackAccuracyNoFix = 1e6 // effectively unusable
	pollTimeout           = time.Second * 2
)

// ErrNoTPV is returned when gpsd closes the connection without reporting a position.
var ErrNoTPV = errors.New("no TPV response received from gpsd")

// Fix represents a single GPS fix from gpsd.
type Fix struct {
	Lat  float64
	Lon  float64
	Alt  float64
	Acc  float64
	Mode int
}

// Has2DFix reports whether the fix has at least a 2D fix.
func (f Fix) Has2DFix() bool {
	return f.Mode >= 2
}

// tpvMessage matches the subset of a gpsd TPV report we care about.
type tpvMessage struct {
	Class string  `json:"class"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Alt   float64 `json:"alt"`
	Mode  int     `json:"mode"`
	Epx   float64 `json:"epx"`
	Epy   float64 `json:"epy"`
	Eph   float64 `json:"eph"`
}

// Poll connects to gpsd at addr, enables watching and returns the first TPV report. The
// connection is closed before returning.
func Poll(ctx context.Context, addr string) (Fix, error) {
	var zero Fix

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return zero, fmt.Errorf("failed to dial gpsd: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Never hang forever if ctx has no deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(pollTimeout))
	}

	if _, err = fmt.Fprint(conn, `?WATCH={"enable":true,"json":true}`+"\n"); err != nil {
		return zero, fmt.Errorf("failed to send WATCH request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if err = ctx.Err(); err != nil {
			return zero, err
		}

		var msg tpvMessage
		if err = json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Class != "TPV" {
			continue
		}
		return Fix{
			Lat:  msg.Lat,
			Lon:  msg.Lon,
			Alt:  msg.Alt,
			Acc:  horizontalAccuracy(msg.Eph, msg.Epx, msg.Epy, msg.Mode),
			Mode: msg.Mode,
		}, nil
	}
	if err = scanner.Err(); err != nil {
		return zero, fmt.Errorf("failed to read gpsd response: %w", err)
	}
	return zero, ErrNoTPV
}

// horizontalAccuracy estimates the horizontal error in meters. gpsd reports eph on newer
// versions; otherwise the longitude and latitude errors are combined.
func horizontalAccuracy(eph, epx, epy float64, mode int) float64 {
	switch {
	case eph > 0:
		return eph
	case epx > 0 && epy > 0:
		return math.Hypot(epx, epy)
	case mode >= 3:
		return fallbackAccuracy3DFix
	case mode == 2:
		return fallbackAccuracy2DFix
	default:
		return fallbackAccuracyNoFix
	}
}
