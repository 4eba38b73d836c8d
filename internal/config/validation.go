package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets callers match any validation failure with errors.Is(err, ErrInvalidConfig).
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig performs comprehensive validation of the configuration.
// Warning-level issues are not reported as failures; see Lint.
func ValidateConfig(c *Config) error {
	if errs := Lint(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// Lint returns every issue, warnings included.
func Lint(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateViolations(&c.Violations)...)
	errs = append(errs, validateReporting(&c.Reporting)...)
	errs = append(errs, validateExam(&c.Exam)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateRelay(&c.Relay)...)
	errs = append(errs, validateAgent(&c.Agent)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateViolations(v *ViolationsConfig) ValidationErrors {
	var errs ValidationErrors
	limits := []struct {
		field string
		value int
	}{
		{"violations.max_windows_key_attempts", v.MaxWindowsKeyAttempts},
		{"violations.max_focus_loss_attempts", v.MaxFocusLossAttempts},
		{"violations.max_fullscreen_exit_attempts", v.MaxFullscreenExitAttempts},
		{"violations.max_dev_tools_attempts", v.MaxDevToolsAttempts},
		{"violations.max_total_violations", v.MaxTotalViolations},
	}
	for _, l := range limits {
		if l.value < 1 {
			errs = append(errs, *RangeError(l.field, 1, "unbounded"))
		}
	}
	if v.WarningCooldownMs < 0 {
		errs = append(errs, ValidationError{Field: "violations.warning_cooldown_ms", Message: "cooldown cannot be negative"})
	}
	return errs
}

func validateReporting(r *ReportingConfig) ValidationErrors {
	var errs ValidationErrors
	if r.HeartbeatSec < 1 || r.HeartbeatSec > 600 {
		errs = append(errs, *RangeError("reporting.heartbeat_sec", 1, 600))
	}
	if r.MaxQueueSize < 1 || r.MaxQueueSize > 10000 {
		errs = append(errs, *RangeError("reporting.max_queue_size", 1, 10000))
	}
	if r.RetryAttempts < 1 || r.RetryAttempts > 100 {
		errs = append(errs, *RangeError("reporting.retry_attempts", 1, 100))
	}
	if r.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{Field: "reporting.retry_delay_ms", Message: "delay cannot be negative"})
	}
	if r.FlushDelayMs < 0 {
		errs = append(errs, ValidationError{Field: "reporting.flush_delay_ms", Message: "delay cannot be negative"})
	}
	return errs
}

func validateExam(e *ExamConfig) ValidationErrors {
	var errs ValidationErrors
	if e.DurationMin < 1 || e.DurationMin > 24*60 {
		errs = append(errs, *RangeError("exam.duration_min", 1, 24*60))
	}
	if e.AutoSaveSec < 1 {
		errs = append(errs, *RangeError("exam.autosave_sec", 1, "unbounded"))
	}
	if e.HeartbeatSec < 1 {
		errs = append(errs, *RangeError("exam.heartbeat_sec", 1, "unbounded"))
	}
	for _, m := range e.WarningMinutes {
		if m < 1 || m >= e.DurationMin {
			errs = append(errs, ValidationError{
				Field:   "exam.warning_minutes",
				Message: fmt.Sprintf("warning at %d minutes is outside the exam duration", m),
			})
		}
	}
	if e.MaxCodeLength < 1 {
		errs = append(errs, *RangeError("exam.max_code_length", 1, "unbounded"))
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Store {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "session.store",
			Message: fmt.Sprintf("invalid store: %s (valid: file, sqlite, memory)", s.Store),
		})
	}
	if s.Store != "memory" && s.Path == "" {
		errs = append(errs, *RequiredFieldError("session.path"))
	}
	if s.MaxAgeHours < 1 {
		errs = append(errs, *RangeError("session.max_age_hours", 1, "unbounded"))
	}
	if s.InactivitySec < 1 {
		errs = append(errs, *RangeError("session.inactivity_sec", 1, "unbounded"))
	}
	return errs
}

func validateRelay(r *RelayConfig) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, validateEndpoint("relay", r.Network, r.Address)...)

	if r.MaxConnections < 0 || r.MaxPerIP < 0 {
		errs = append(errs, ValidationError{Field: "relay.max_connections", Message: "connection limits cannot be negative"})
	}
	if r.RatePerSec < 0 || r.Burst < 0 {
		errs = append(errs, ValidationError{Field: "relay.rate_per_sec", Message: "rate limits cannot be negative"})
	}
	if r.HeartbeatSec < 1 {
		errs = append(errs, *RangeError("relay.heartbeat_sec", 1, "unbounded"))
	}
	if r.MissedHeartbeats < 1 {
		errs = append(errs, *RangeError("relay.missed_heartbeats", 1, "unbounded"))
	}
	if r.ExamDurationMin < 1 || r.ExamDurationMin > 24*60 {
		errs = append(errs, *RangeError("relay.exam_duration_min", 1, 24*60))
	}

	for i, t := range r.Teachers {
		field := fmt.Sprintf("relay.teachers[%d]", i)
		if t.Username == "" {
			errs = append(errs, *RequiredFieldError(field + ".username"))
		}
		if !strings.HasPrefix(t.PasswordHash, "$2") {
			errs = append(errs, ValidationError{Field: field + ".password_hash", Message: "expected a bcrypt hash"})
		}
	}
	if len(r.Teachers) == 0 {
		errs = append(errs, ValidationError{Field: "relay.teachers", Message: "no teacher accounts; the dashboard is unreachable"})
	}
	if r.LockoutFailures < 1 || r.LockoutWindowMin < 1 || r.LockoutMin < 1 {
		errs = append(errs, ValidationError{Field: "relay.lockout_failures", Message: "lockout settings must be positive"})
	}

	m := r.Monitor
	if m.MaxScore < 1 {
		errs = append(errs, *RangeError("relay.monitor.max_score", 1, "unbounded"))
	}
	if !(0 < m.WarningThreshold && m.WarningThreshold <= m.CriticalThreshold && m.CriticalThreshold <= m.MaxScore) {
		errs = append(errs, ValidationError{
			Field:   "relay.monitor",
			Message: "thresholds must satisfy 0 < warning <= critical <= max_score",
		})
	}
	if m.DisconnectThreshold < 1 || m.DisconnectThreshold > m.MaxScore {
		errs = append(errs, *RangeError("relay.monitor.disconnect_threshold", 1, m.MaxScore))
	}
	if m.DecayIntervalMin < 1 || m.DecayAmount < 0 {
		errs = append(errs, ValidationError{Field: "relay.monitor.decay_interval_min", Message: "decay settings must be positive"})
	}
	return errs
}

func validateAgent(a *AgentConfig) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, validateEndpoint("agent.relay", a.RelayNetwork, a.RelayAddress)...)
	if a.ReconnectAttempts < 0 {
		errs = append(errs, ValidationError{Field: "agent.reconnect_attempts", Message: "cannot be negative"})
	}
	if a.BridgeSocket != "" {
		if _, err := os.Stat(filepath.Dir(expandPath(a.BridgeSocket))); err != nil {
			errs = append(errs, ValidationError{Field: "agent.bridge_socket", Message: "directory does not exist yet"})
		}
	}
	return errs
}

func validateEndpoint(prefix, network, address string) ValidationErrors {
	var errs ValidationErrors
	switch network {
	case "tcp":
		if _, _, err := net.SplitHostPort(address); err != nil {
			errs = append(errs, ValidationError{
				Field:   prefix + "_address",
				Message: fmt.Sprintf("invalid host:port %q", address),
			})
		}
	case "unix":
		if address == "" {
			errs = append(errs, *RequiredFieldError(prefix + "_address"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   prefix + "_network",
			Message: fmt.Sprintf("invalid network: %s (valid: tcp, unix)", network),
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(m.Address); err != nil {
		errs = append(errs, ValidationError{Field: "metrics.address", Message: fmt.Sprintf("invalid host:port %q", m.Address)})
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{Field: "metrics.path", Message: "path must start with /"})
	}
	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"relay.teachers",      // a relay may run without a dashboard
		"agent.bridge_socket", // created at startup
	}
	for _, f := range warningFields {
		if e.Field == f {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
