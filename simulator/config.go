package main

import (
	"errors"
	"time"
)

// Config holds parameters for the sensor simulator.
type Config struct {
	Broker      string
	EventPrefix string
	SensorTopic string
	HTTP        string
	RosterPath  string
	// Bins generates this many synthetic bins when no roster is given.
	Bins     int
	Interval time.Duration
	// FillRate is the mean distance drop in cm per interval.
	FillRate float64
	Jitter   float64
	Seed     int64
	Verbose  bool
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Broker == "" && c.HTTP == "" {
		return errors.New("either -broker or -http is required")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.FillRate <= 0 {
		return errors.New("fill-rate must be positive")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return errors.New("jitter must be in [0,1)")
	}
	if c.RosterPath == "" && c.Bins <= 0 {
		return errors.New("either -roster or -bins is required")
	}
	return nil
}
