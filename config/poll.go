package config

import (
	"errors"
	"time"
)

// PollConfig tunes the event loop.
type PollConfig struct {
	TimeoutMS             int `json:"timeout_ms"`
	MaxPackets            int `json:"max_packets"`
	MaintenanceIntervalMS int `json:"maintenance_interval_ms"`
}

func (c *PollConfig) SetDefaults() {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 100
	}
	if c.MaxPackets == 0 {
		c.MaxPackets = 1
	}
	if c.MaintenanceIntervalMS == 0 {
		c.MaintenanceIntervalMS = 1200
	}
}

func (c PollConfig) Validate() error {
	if c.TimeoutMS < 0 || c.MaxPackets < 0 || c.MaintenanceIntervalMS < 0 {
		return errors.New("values must not be negative")
	}
	return nil
}

// Timeout is the readiness wait per pass.
func (c PollConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MaintenanceInterval is the keep-alive and retry period.
func (c PollConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMS) * time.Millisecond
}
