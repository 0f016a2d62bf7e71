package model

import "time"

// SensorReading is one ultrasonic distance report from a bin lid sensor.
type SensorReading struct {
	BinID      string    `json:"binId"`
	DistanceCm float64   `json:"distance"`
	Timestamp  time.Time `json:"timestamp"`
}

// MaxSensorRangeCm is the bin depth used for fill estimation.
const MaxSensorRangeCm = 120.0

// EstimateFill converts a lid-to-waste distance into a fill percentage.
func EstimateFill(distanceCm float64) int {
	d := distanceCm
	if d < 0 {
		d = 0
	}
	if d > MaxSensorRangeCm {
		d = MaxSensorRangeCm
	}
	pct := (1 - d/MaxSensorRangeCm) * 100
	return ClampFill(int(pct + 0.5))
}
