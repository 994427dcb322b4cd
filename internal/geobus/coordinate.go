// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"math"
)

const (
	EarthRadius   = 6371000.0 // meters
	EarthRadiusKm = 6371.0
)

// Coordinate represents a geographic coordinate.
type Coordinate struct {
	Lat float64
	Lon float64
	Acc float64
}

// DistanceMeters returns the great-circle distance between c and other in meters.
func (c Coordinate) DistanceMeters(other Coordinate) float64 {
	return HaversineMeters(c.Lat, c.Lon, other.Lat, other.Lon)
}

// Valid checks if the coordinate is valid according to the EPSG logic
func (c Coordinate) Valid() bool {
	return ValidLatLon(c.Lat, c.Lon)
}

// ValidLatLon reports whether lat is within [-90,90] and lon within [-180,180].
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// HaversineMeters calculates the great-circle distance between two points on a sphere (in our
// case: Earth) using the Haversine formula. The result is in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return EarthRadius * centralAngle(lat1, lon1, lat2, lon2)
}

// HaversineKm works like HaversineMeters but returns kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return EarthRadiusKm * centralAngle(lat1, lon1, lat2, lon2)
}

func centralAngle(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func Truncate(x float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Trunc(x*p) / p
}
