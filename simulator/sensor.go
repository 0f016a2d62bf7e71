package main

import (
	"math/rand"
	"time"

	"github.com/tozahudud/patrol/core/model"
)

// SimulatedSensor models an ultrasonic lid sensor over a filling bin.
type SimulatedSensor struct {
	BinID      string
	DistanceCm float64

	rate   float64
	jitter float64
	rng    *rand.Rand
}

// Step advances the fill by one interval. The distance never drops below
// zero, so a full bin keeps reporting full until it is emptied.
func (s *SimulatedSensor) Step() {
	drop := s.rate
	if s.jitter > 0 {
		drop *= 1 + s.jitter*(2*s.rng.Float64()-1)
	}
	s.DistanceCm -= drop
	if s.DistanceCm < 0 {
		s.DistanceCm = 0
	}
}

// Empty restores the sensor to an empty bin.
func (s *SimulatedSensor) Empty() { s.DistanceCm = model.MaxSensorRangeCm }

// Reading returns the current measurement.
func (s *SimulatedSensor) Reading(now time.Time) model.SensorReading {
	return model.SensorReading{BinID: s.BinID, DistanceCm: round1(s.DistanceCm), Timestamp: now}
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
