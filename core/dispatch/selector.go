package dispatch

import (
	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
)

// SelectOptions carries engine-side exclusions on top of the record filters.
type SelectOptions struct {
	// Reserved vehicles are waiting for a route to resolve.
	Reserved map[string]bool
	// Exclude lists vehicles that must not take this bin, e.g. after a
	// timed-out assignment.
	Exclude map[string]bool
}

// Candidate is an eligible vehicle with its distance to the bin.
type Candidate struct {
	Vehicle    model.VehicleState
	DistanceKm float64
}

// Eligible applies the eligibility filters in order: patrolling only, not
// already cleaned for the current full signal, no active route or target,
// then the engine exclusions.
func Eligible(v model.VehicleState, opts SelectOptions) bool {
	if v.State != model.Patrolling {
		return false
	}
	if v.HasCleanedOnce {
		return false
	}
	if v.Busy() {
		return false
	}
	if opts.Reserved[v.ID] || opts.Exclude[v.ID] {
		return false
	}
	return true
}

// SelectVehicle picks the eligible vehicle nearest to bin. Equal distances
// go to the lowest id. The boolean is false when nothing is eligible.
func SelectVehicle(bin model.Bin, vehicles []model.VehicleState, opts SelectOptions) (Candidate, bool) {
	var best Candidate
	found := false
	for _, v := range vehicles {
		if !Eligible(v, opts) {
			continue
		}
		d := geo.DistanceKm(v.Position, bin.Location)
		if !found || d < best.DistanceKm || (d == best.DistanceKm && v.ID < best.Vehicle.ID) {
			best = Candidate{Vehicle: v, DistanceKm: d}
			found = true
		}
	}
	return best, found
}
