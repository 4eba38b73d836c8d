package agent

import (
	"time"

	"proctord/internal/config"
	"proctord/internal/exam"
	"proctord/internal/reporting"
	"proctord/internal/violation"
)

// Config collects the settings of the services the agent builds.
type Config struct {
	Policy            violation.Policy
	Reporting         reporting.Config
	Exam              exam.Config
	SessionMaxAge     time.Duration
	InactivityTimeout time.Duration
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Policy:            c.ViolationPolicy(),
		Reporting:         c.ReportingSettings(),
		Exam:              c.ExamSettings(),
		SessionMaxAge:     c.SessionMaxAge(),
		InactivityTimeout: c.InactivityTimeout(),
	}
}

// Reload is a config.Loader change callback.
func (a *Agent) Reload(old, cur *config.Config) {
	if changed := config.Diff(old, cur); len(changed) > 0 {
		a.logger.Info("configuration reloaded", "changed", changed)
	}
	a.UpdateConfig(ConfigFrom(cur))
}
