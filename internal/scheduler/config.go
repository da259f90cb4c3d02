package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	JobTimeout       time.Duration
	ExpireBatchSize  int
	ReconcileEnabled bool
	LockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		JobTimeout:       2 * time.Minute,
		ExpireBatchSize:  100,
		ReconcileEnabled: true,
		LockTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = defaults.ExpireBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
