package scheduler

import (
	"time"

	"github.com/smallbiznis/trustmeter/internal/config"
)

// Config controls the run loop and job selection.
type Config struct {
	TickInterval    time.Duration
	EnabledJobs     []string
	DistributedLock bool
	DefaultTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   5 * time.Second,
		DefaultTimeout: 5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		TickInterval:    cfg.Scheduler.TickInterval,
		EnabledJobs:     cfg.Scheduler.EnabledJobs,
		DistributedLock: cfg.Scheduler.DistributedLock,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaults.DefaultTimeout
	}
	return c
}
