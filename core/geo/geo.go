// Package geo holds coordinate types and great-circle helpers.
package geo

import (
	"encoding/json"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean radius of Earth in kilometers.
const EarthRadiusKm = 6371.0

// Coordinate is a WGS-84 point. It encodes to JSON as [lat, lon].
type Coordinate struct {
	Lat float64
	Lon float64
}

// MarshalJSON encodes the coordinate as a two element array.
func (c Coordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lat, c.Lon})
}

// UnmarshalJSON accepts either [lat, lon] or {"lat":..,"lon":..}.
func (c *Coordinate) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("geo: coordinate needs 2 values, got %d", len(pair))
		}
		c.Lat, c.Lon = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Lat float64  `json:"lat"`
		Lon *float64 `json:"lon"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("geo: decode coordinate: %w", err)
	}
	c.Lat = obj.Lat
	switch {
	case obj.Lon != nil:
		c.Lon = *obj.Lon
	case obj.Lng != nil:
		c.Lon = *obj.Lng
	}
	return nil
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (c *Coordinate) UnmarshalYAML(unmarshal func(any) error) error {
	var pair []float64
	if err := unmarshal(&pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("geo: coordinate needs 2 values, got %d", len(pair))
		}
		c.Lat, c.Lon = pair[0], pair[1]
		return nil
	}
	var obj map[string]float64
	if err := unmarshal(&obj); err != nil {
		return fmt.Errorf("geo: decode coordinate: %w", err)
	}
	c.Lat = obj["lat"]
	if lon, ok := obj["lon"]; ok {
		c.Lon = lon
	} else {
		c.Lon = obj["lng"]
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceKm returns the haversine distance between a and b in kilometers.
// The result is never negative or NaN, including for identical points.
func DistanceKm(a, b Coordinate) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat + math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon
	// rounding can push h slightly outside [0,1]
	h = math.Min(1, math.Max(0, h))

	d := 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
	if math.IsNaN(d) {
		return 0
	}
	return d
}

// PathKm sums the leg distances of an ordered path.
func PathKm(path []Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += DistanceKm(path[i-1], path[i])
	}
	return total
}

// Bounds is a rectangular service area.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Samarqand is the default service area.
var Samarqand = Bounds{North: 39.70, South: 39.62, East: 67.00, West: 66.92}

// IsZero reports whether no bounds are configured.
func (b Bounds) IsZero() bool { return b == Bounds{} }

// Contains reports whether c lies inside the bounds.
func (b Bounds) Contains(c Coordinate) bool {
	return c.Lat <= b.North && c.Lat >= b.South && c.Lon <= b.East && c.Lon >= b.West
}

// Clamp moves c onto the nearest point inside the bounds. Zero bounds
// return c unchanged.
func (b Bounds) Clamp(c Coordinate) Coordinate {
	if b.IsZero() {
		return c
	}
	return Coordinate{
		Lat: math.Min(b.North, math.Max(b.South, c.Lat)),
		Lon: math.Min(b.East, math.Max(b.West, c.Lon)),
	}
}
