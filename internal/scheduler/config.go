package scheduler

import (
	"time"
)

// Config controls cron schedules, batch sizes and lock lifetimes. Schedules
// use the standard five-field cron syntax and are evaluated in the
// compensation timezone.
type Config struct {
	Enabled          bool
	WeeklyCloseSpec  string
	MonthlyRankSpec  string
	ExpirySpec       string
	RelaySpec        string
	ExpireBatchSize  int
	RelayBatchSize   int
	RelayMaxAttempts int
	JobTimeout       time.Duration
	LockTTL          time.Duration
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		WeeklyCloseSpec:  "5 0 * * 1",
		MonthlyRankSpec:  "15 0 1 * *",
		ExpirySpec:       "*/10 * * * *",
		RelaySpec:        "@every 5s",
		ExpireBatchSize:  200,
		RelayBatchSize:   100,
		RelayMaxAttempts: 10,
		JobTimeout:       30 * time.Minute,
		LockTTL:          45 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.WeeklyCloseSpec == "" {
		c.WeeklyCloseSpec = defaults.WeeklyCloseSpec
	}
	if c.MonthlyRankSpec == "" {
		c.MonthlyRankSpec = defaults.MonthlyRankSpec
	}
	if c.ExpirySpec == "" {
		c.ExpirySpec = defaults.ExpirySpec
	}
	if c.RelaySpec == "" {
		c.RelaySpec = defaults.RelaySpec
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = defaults.ExpireBatchSize
	}
	if c.RelayBatchSize <= 0 {
		c.RelayBatchSize = defaults.RelayBatchSize
	}
	if c.RelayMaxAttempts <= 0 {
		c.RelayMaxAttempts = defaults.RelayMaxAttempts
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout + time.Minute
	}
	return c
}
