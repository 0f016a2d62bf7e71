// Package routing defines the road-routing port used by the dispatch engine.
package routing

import (
	"context"

	"github.com/tozahudud/patrol/core/geo"
)

// Route is an ordered road-following path.
type Route struct {
	Waypoints  []geo.Coordinate `json:"waypoints"`
	DistanceKm float64          `json:"distanceKm"`
	// DurationMin is nil when the provider gave no estimate.
	DurationMin *float64 `json:"durationMin,omitempty"`
	// Fallback is set when the route is the straight two-point degrade.
	Fallback bool `json:"fallback"`
}

// Provider computes routes. Implementations never fail: on any error they
// return Fallback(from, to).
type Provider interface {
	ComputeRoute(ctx context.Context, from, to geo.Coordinate) Route
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to geo.Coordinate) Route

func (f ProviderFunc) ComputeRoute(ctx context.Context, from, to geo.Coordinate) Route {
	return f(ctx, from, to)
}

// Fallback returns the direct route [from, to] with a great-circle distance
// and no duration.
func Fallback(from, to geo.Coordinate) Route {
	return Route{
		Waypoints:  []geo.Coordinate{from, to},
		DistanceKm: geo.DistanceKm(from, to),
		Fallback:   true,
	}
}

// Straight is a Provider that always returns the fallback route.
type Straight struct{}

func (Straight) ComputeRoute(_ context.Context, from, to geo.Coordinate) Route {
	return Fallback(from, to)
}

// ExpandLoop turns patrol waypoints into a closed road-following loop by
// routing every consecutive pair, including last to first. Shared joints
// between legs appear once.
func ExpandLoop(ctx context.Context, p Provider, points []geo.Coordinate) []geo.Coordinate {
	if len(points) < 2 {
		out := make([]geo.Coordinate, len(points))
		copy(out, points)
		return out
	}
	var loop []geo.Coordinate
	for i := range points {
		from := points[i]
		to := points[(i+1)%len(points)]
		leg := p.ComputeRoute(ctx, from, to).Waypoints
		for _, c := range leg {
			if n := len(loop); n > 0 && loop[n-1] == c {
				continue
			}
			loop = append(loop, c)
		}
	}
	// the last leg ends where the loop starts
	if n := len(loop); n > 1 && loop[n-1] == loop[0] {
		loop = loop[:n-1]
	}
	return loop
}
