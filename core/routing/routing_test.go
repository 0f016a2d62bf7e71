package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tozahudud/patrol/core/geo"
)

func TestFallbackEndpoints(t *testing.T) {
	from := geo.Coordinate{Lat: 39.66, Lon: 66.95}
	to := geo.Coordinate{Lat: 39.65, Lon: 66.96}
	r := Fallback(from, to)
	if len(r.Waypoints) != 2 || r.Waypoints[0] != from || r.Waypoints[1] != to {
		t.Fatalf("unexpected waypoints %v", r.Waypoints)
	}
	assert.Nil(t, r.DurationMin)
	assert.True(t, r.Fallback)
	assert.InDelta(t, geo.DistanceKm(from, to), r.DistanceKm, 1e-12)
}

func TestExpandLoopDeduplicatesJoints(t *testing.T) {
	a := geo.Coordinate{Lat: 1, Lon: 1}
	b := geo.Coordinate{Lat: 2, Lon: 2}
	c := geo.Coordinate{Lat: 3, Lon: 3}
	mid := geo.Coordinate{Lat: 1.5, Lon: 1.5}

	p := ProviderFunc(func(_ context.Context, from, to geo.Coordinate) Route {
		if from == a && to == b {
			return Route{Waypoints: []geo.Coordinate{a, mid, b}}
		}
		return Fallback(from, to)
	})
	loop := ExpandLoop(context.Background(), p, []geo.Coordinate{a, b, c})
	assert.Equal(t, []geo.Coordinate{a, mid, b, c}, loop)
}

func TestExpandLoopShortInput(t *testing.T) {
	one := []geo.Coordinate{{Lat: 1, Lon: 1}}
	assert.Equal(t, one, ExpandLoop(context.Background(), Straight{}, one))
	assert.Empty(t, ExpandLoop(context.Background(), Straight{}, nil))
}
