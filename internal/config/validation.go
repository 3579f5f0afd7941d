package config

import (
	"fmt"
	"time"
)

// Validate checks invariants the rest of the agent relies on.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Working.Dir == "" {
		return fmt.Errorf("working directory must not be empty")
	}
	if c.Working.MapDir == "" {
		return fmt.Errorf("symbol map directory must not be empty")
	}
	if c.Session.DefaultSeconds <= 0 {
		return fmt.Errorf("session default_seconds must be positive, got %d", c.Session.DefaultSeconds)
	}
	if c.Session.MaxSeconds < 0 || c.Session.MaxConcurrent < 0 {
		return fmt.Errorf("session bounds must not be negative")
	}
	if c.Session.MaxSeconds > 0 && c.Session.DefaultSeconds > c.Session.MaxSeconds {
		return fmt.Errorf("session default_seconds %d exceeds max_seconds %d",
			c.Session.DefaultSeconds, c.Session.MaxSeconds)
	}
	if c.Session.PollInterval < time.Second {
		// Polling tighter than 1s hammers the status path for no
		// gain; the instrumentation granularity is whole seconds.
		return fmt.Errorf("session poll_interval must be at least 1s, got %s", c.Session.PollInterval)
	}
	if c.Session.ProgressInterval < c.Session.PollInterval {
		return fmt.Errorf("session progress_interval must not be shorter than poll_interval")
	}
	return nil
}
