package scheduler

import (
	"time"

	"github.com/smallbiznis/inspectbill/internal/config"
)

const (
	JobParkedMonitor  = "parked_monitor"
	JobFXRefresh      = "fx_refresh"
	JobLapsedSweep    = "lapsed_sweep"
	JobIntegrityAudit = "integrity_audit"
)

// Config controls job schedules. Schedules use the standard five field cron
// syntax or descriptors such as "@every 5m".
type Config struct {
	ParkedMonitorSchedule  string
	FXRefreshSchedule      string
	LapsedSweepSchedule    string
	IntegrityAuditSchedule string

	JobTimeout       time.Duration
	ParkedAlertAfter time.Duration

	// EnabledJobs limits which jobs run. Empty enables all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		ParkedMonitorSchedule:  "*/5 * * * *",
		FXRefreshSchedule:      "0 * * * *",
		LapsedSweepSchedule:    "*/15 * * * *",
		IntegrityAuditSchedule: "30 3 * * *",
		JobTimeout:             2 * time.Minute,
		ParkedAlertAfter:       15 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.ParkedAlertAfter = cfg.ParkedEventAlertAfter
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ParkedMonitorSchedule == "" {
		c.ParkedMonitorSchedule = defaults.ParkedMonitorSchedule
	}
	if c.FXRefreshSchedule == "" {
		c.FXRefreshSchedule = defaults.FXRefreshSchedule
	}
	if c.LapsedSweepSchedule == "" {
		c.LapsedSweepSchedule = defaults.LapsedSweepSchedule
	}
	if c.IntegrityAuditSchedule == "" {
		c.IntegrityAuditSchedule = defaults.IntegrityAuditSchedule
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ParkedAlertAfter <= 0 {
		c.ParkedAlertAfter = defaults.ParkedAlertAfter
	}
	return c
}
