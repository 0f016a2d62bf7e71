package main

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/roster"
)

// SensorFleet holds the simulated sensors by bin id.
type SensorFleet struct {
	mu      sync.Mutex
	sensors []*SimulatedSensor
	byID    map[string]*SimulatedSensor
}

// GenerateSensors creates one sensor per roster bin, or cfg.Bins synthetic
// bins bin001..binNNN when the roster is empty. Initial distances are
// spread over the upper half of the range.
func GenerateSensors(r roster.Roster, cfg Config) *SensorFleet {
	rng := rand.New(rand.NewSource(cfg.Seed))
	ids := make([]string, 0, len(r.Bins))
	for _, b := range r.Bins {
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		for i := 0; i < cfg.Bins; i++ {
			ids = append(ids, fmt.Sprintf("bin%03d", i+1))
		}
	}
	f := &SensorFleet{byID: make(map[string]*SimulatedSensor, len(ids))}
	for _, id := range ids {
		s := &SimulatedSensor{
			BinID:      id,
			DistanceCm: model.MaxSensorRangeCm * (0.5 + 0.5*rng.Float64()),
			rate:       cfg.FillRate,
			jitter:     cfg.Jitter,
			rng:        rng,
		}
		f.sensors = append(f.sensors, s)
		f.byID[id] = s
	}
	return f
}

// Len returns the number of sensors.
func (f *SensorFleet) Len() int { return len(f.sensors) }

// Tick advances every sensor and calls emit with each reading.
func (f *SensorFleet) Tick(emit func(*SimulatedSensor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sensors {
		s.Step()
		emit(s)
	}
}

// Emptied resets the sensor of binID. Unknown ids are ignored.
func (f *SensorFleet) Emptied(binID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[binID]
	if ok {
		s.Empty()
	}
	return ok
}

// Distance returns the current distance of binID.
func (f *SensorFleet) Distance(binID string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[binID]
	if !ok {
		return 0, false
	}
	return s.DistanceCm, true
}
