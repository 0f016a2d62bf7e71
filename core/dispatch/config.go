package dispatch

import (
	"fmt"
	"time"
)

// Config defines engine timing and thresholds.
type Config struct {
	// TickInterval is the simulation step.
	TickInterval time.Duration `json:"tick_interval"`
	// FullThresholdCm is the lid distance at or below which a bin is full.
	FullThresholdCm float64 `json:"full_threshold_cm"`
	// RouteTimeout bounds a single routing call.
	RouteTimeout time.Duration `json:"route_timeout"`
	// AssignmentTimeout releases vehicles stuck en route. Negative disables.
	AssignmentTimeout time.Duration `json:"assignment_timeout"`
	// PendingRetryTicks re-dispatches unassigned full bins every N ticks.
	// Negative disables.
	PendingRetryTicks int `json:"pending_retry_ticks"`
	// EventBuffer is how many commits a subscriber may fall behind before
	// it misses one. A tick is a single commit whatever the fleet size.
	EventBuffer int `json:"event_buffer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 1500 * time.Millisecond
	}
	if c.FullThresholdCm <= 0 {
		c.FullThresholdCm = 20
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 5 * time.Second
	}
	if c.AssignmentTimeout == 0 {
		c.AssignmentTimeout = 10 * time.Minute
	}
	if c.PendingRetryTicks == 0 {
		c.PendingRetryTicks = 10
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.FullThresholdCm <= 0 {
		return fmt.Errorf("full_threshold_cm must be positive")
	}
	if c.RouteTimeout <= 0 {
		return fmt.Errorf("route_timeout must be positive")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must not be negative")
	}
	return nil
}

func (c Config) timeoutEnabled() bool { return c.AssignmentTimeout > 0 }

func (c Config) retryEnabled() bool { return c.PendingRetryTicks > 0 }
