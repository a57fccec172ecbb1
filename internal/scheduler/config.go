package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/minutely/internal/config"
)

// Config controls job schedules and batch sizes. Schedules use cron syntax,
// including descriptors such as "@every 1m".
type Config struct {
	SettleSchedule    string
	ReconcileSchedule string
	BatchSize         int
	JobTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		SettleSchedule:    "@every 1m",
		ReconcileSchedule: "@every 30s",
		BatchSize:         100,
		JobTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.SettleSchedule) == "" {
		c.SettleSchedule = defaults.SettleSchedule
	}
	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		c.ReconcileSchedule = defaults.ReconcileSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// ProvideConfig reads the settlement block of the marketplace config at startup.
func ProvideConfig(holder *config.MarketplaceConfigHolder) Config {
	settlement := holder.Get().Settlement
	return Config{
		SettleSchedule: settlement.Schedule,
		BatchSize:      settlement.BatchSize,
	}.withDefaults()
}
