// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"proctord/internal/exam"
	"proctord/internal/reporting"
	"proctord/internal/violation"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the configuration shared by proctord and proctor-relay.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Violations holds the thresholds of the local violation tracker.
	Violations ViolationsConfig `toml:"violations" json:"violations" yaml:"violations"`

	// Reporting configures the offline queue and heartbeat.
	Reporting ReportingConfig `toml:"reporting" json:"reporting" yaml:"reporting"`

	// Exam configures the countdown and autosave cadence.
	Exam ExamConfig `toml:"exam" json:"exam" yaml:"exam"`

	// Session configures the persisted student identity.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Relay configures the server.
	Relay RelayConfig `toml:"relay" json:"relay" yaml:"relay"`

	// Agent configures the student-side daemon.
	Agent AgentConfig `toml:"agent" json:"agent" yaml:"agent"`

	// Storage configures the relay database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ViolationsConfig mirrors violation.Policy in file-friendly units.
type ViolationsConfig struct {
	MaxWindowsKeyAttempts     int `toml:"max_windows_key_attempts" json:"max_windows_key_attempts" yaml:"max_windows_key_attempts"`
	MaxFocusLossAttempts      int `toml:"max_focus_loss_attempts" json:"max_focus_loss_attempts" yaml:"max_focus_loss_attempts"`
	MaxFullscreenExitAttempts int `toml:"max_fullscreen_exit_attempts" json:"max_fullscreen_exit_attempts" yaml:"max_fullscreen_exit_attempts"`
	MaxDevToolsAttempts       int `toml:"max_dev_tools_attempts" json:"max_dev_tools_attempts" yaml:"max_dev_tools_attempts"`
	MaxTotalViolations        int `toml:"max_total_violations" json:"max_total_violations" yaml:"max_total_violations"`

	// WarningCooldownMs is the minimum gap between two warnings shown to the student.
	WarningCooldownMs int `toml:"warning_cooldown_ms" json:"warning_cooldown_ms" yaml:"warning_cooldown_ms"`
}

// ReportingConfig holds the reliability layer settings.
type ReportingConfig struct {
	HeartbeatSec  int    `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`
	MaxQueueSize  int    `toml:"max_queue_size" json:"max_queue_size" yaml:"max_queue_size"`
	RetryAttempts int    `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelayMs  int    `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
	FlushDelayMs  int    `toml:"flush_delay_ms" json:"flush_delay_ms" yaml:"flush_delay_ms"`
	UserAgent     string `toml:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// ExamConfig holds the countdown settings.
type ExamConfig struct {
	// DurationMin is used when the relay does not send a time budget.
	DurationMin    int    `toml:"duration_min" json:"duration_min" yaml:"duration_min"`
	AutoSaveSec    int    `toml:"autosave_sec" json:"autosave_sec" yaml:"autosave_sec"`
	HeartbeatSec   int    `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`
	WarningMinutes []int  `toml:"warning_minutes" json:"warning_minutes" yaml:"warning_minutes"`
	MaxCodeLength  int    `toml:"max_code_length" json:"max_code_length" yaml:"max_code_length"`
	DefaultFile    string `toml:"default_file" json:"default_file" yaml:"default_file"`
}

// SessionConfig holds the persisted identity settings.
type SessionConfig struct {
	// Store is "file" or "sqlite".
	Store         string `toml:"store" json:"store" yaml:"store"`
	Path          string `toml:"path" json:"path" yaml:"path"`
	MaxAgeHours   int    `toml:"max_age_hours" json:"max_age_hours" yaml:"max_age_hours"`
	InactivitySec int    `toml:"inactivity_sec" json:"inactivity_sec" yaml:"inactivity_sec"`
}

// TeacherCredential is one dashboard account. PasswordHash is bcrypt.
type TeacherCredential struct {
	Username     string `toml:"username" json:"username" yaml:"username"`
	PasswordHash string `toml:"password_hash" json:"password_hash" yaml:"password_hash"`
}

// MonitorConfig holds the server-side suspicion thresholds.
type MonitorConfig struct {
	WarningThreshold    int  `toml:"warning_threshold" json:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold   int  `toml:"critical_threshold" json:"critical_threshold" yaml:"critical_threshold"`
	DisconnectThreshold int  `toml:"disconnect_threshold" json:"disconnect_threshold" yaml:"disconnect_threshold"`
	MaxScore            int  `toml:"max_score" json:"max_score" yaml:"max_score"`
	DecayIntervalMin    int  `toml:"decay_interval_min" json:"decay_interval_min" yaml:"decay_interval_min"`
	DecayAmount         int  `toml:"decay_amount" json:"decay_amount" yaml:"decay_amount"`
	AutoDisconnect      bool `toml:"auto_disconnect" json:"auto_disconnect" yaml:"auto_disconnect"`
}

// RelayConfig holds the server settings.
type RelayConfig struct {
	// Network is "tcp" or "unix".
	Network string `toml:"network" json:"network" yaml:"network"`
	Address string `toml:"address" json:"address" yaml:"address"`

	// MaxConnections caps concurrent sockets; MaxPerIP of 0 disables the
	// per-address cap (classrooms often share one NAT address).
	MaxConnections int     `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	MaxPerIP       int     `toml:"max_per_ip" json:"max_per_ip" yaml:"max_per_ip"`
	RatePerSec     float64 `toml:"rate_per_sec" json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst          int     `toml:"burst" json:"burst" yaml:"burst"`

	HeartbeatSec       int   `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`
	MissedHeartbeats   int   `toml:"missed_heartbeats" json:"missed_heartbeats" yaml:"missed_heartbeats"`
	ExamDurationMin    int   `toml:"exam_duration_min" json:"exam_duration_min" yaml:"exam_duration_min"`
	TimeWarningMinutes []int `toml:"time_warning_minutes" json:"time_warning_minutes" yaml:"time_warning_minutes"`

	// Classes is the allow-list of class names; empty accepts any.
	Classes []string `toml:"classes" json:"classes" yaml:"classes"`
	// RosterPath points at the JSON or YAML class roster. Classes listed
	// above are merged into it at startup.
	RosterPath string `toml:"roster_path" json:"roster_path" yaml:"roster_path"`

	Teachers         []TeacherCredential `toml:"teachers" json:"teachers" yaml:"teachers"`
	LockoutFailures  int                 `toml:"lockout_failures" json:"lockout_failures" yaml:"lockout_failures"`
	LockoutWindowMin int                 `toml:"lockout_window_min" json:"lockout_window_min" yaml:"lockout_window_min"`
	LockoutMin       int                 `toml:"lockout_min" json:"lockout_min" yaml:"lockout_min"`

	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// AgentConfig holds the student-side daemon settings.
type AgentConfig struct {
	RelayNetwork      string `toml:"relay_network" json:"relay_network" yaml:"relay_network"`
	RelayAddress      string `toml:"relay_address" json:"relay_address" yaml:"relay_address"`
	ReconnectAttempts int    `toml:"reconnect_attempts" json:"reconnect_attempts" yaml:"reconnect_attempts"`

	// BridgeSocket is the unix socket the kiosk browser writes events to.
	BridgeSocket string `toml:"bridge_socket" json:"bridge_socket" yaml:"bridge_socket"`

	// Notifications enables desktop notifications over D-Bus.
	Notifications bool `toml:"notifications" json:"notifications" yaml:"notifications"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the relay's sqlite database.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the exposition endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Address string `toml:"address" json:"address" yaml:"address"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	policy := violation.DefaultPolicy()
	rep := reporting.DefaultConfig()
	ex := exam.DefaultConfig()

	return &Config{
		Version: Version,
		Violations: ViolationsConfig{
			MaxWindowsKeyAttempts:     policy.MaxWindowsKeyAttempts,
			MaxFocusLossAttempts:      policy.MaxFocusLossAttempts,
			MaxFullscreenExitAttempts: policy.MaxFullscreenExitAttempts,
			MaxDevToolsAttempts:       policy.MaxDevToolsAttempts,
			MaxTotalViolations:        policy.MaxTotalViolations,
			WarningCooldownMs:         int(policy.WarningCooldown / time.Millisecond),
		},
		Reporting: ReportingConfig{
			HeartbeatSec:  int(rep.HeartbeatInterval / time.Second),
			MaxQueueSize:  rep.MaxQueueSize,
			RetryAttempts: rep.RetryAttempts,
			RetryDelayMs:  int(rep.RetryDelay / time.Millisecond),
			FlushDelayMs:  int(rep.FlushDelay / time.Millisecond),
			UserAgent:     rep.UserAgent,
		},
		Exam: ExamConfig{
			DurationMin:    int(ex.DefaultDuration / time.Minute),
			AutoSaveSec:    int(ex.AutoSaveInterval / time.Second),
			HeartbeatSec:   int(ex.HeartbeatInterval / time.Second),
			WarningMinutes: append([]int(nil), ex.WarningMinutes...),
			MaxCodeLength:  ex.MaxCodeLength,
			DefaultFile:    ex.DefaultFilename,
		},
		Session: SessionConfig{
			Store:         "file",
			Path:          paths.SessionFile,
			MaxAgeHours:   24,
			InactivitySec: 300,
		},
		Relay: RelayConfig{
			Network:            "tcp",
			Address:            "127.0.0.1:7420",
			MaxConnections:     500,
			MaxPerIP:           0,
			RatePerSec:         20,
			Burst:              40,
			HeartbeatSec:       30,
			MissedHeartbeats:   3,
			ExamDurationMin:    180,
			TimeWarningMinutes: []int{15, 5, 1},
			LockoutFailures:    3,
			LockoutWindowMin:   15,
			LockoutMin:         15,
			Monitor: MonitorConfig{
				WarningThreshold:    30,
				CriticalThreshold:   70,
				DisconnectThreshold: 80,
				MaxScore:            100,
				DecayIntervalMin:    5,
				DecayAmount:         5,
				AutoDisconnect:      true,
			},
			RosterPath: paths.RosterFile,
			AuditPath:  paths.AuditFile,
		},
		Agent: AgentConfig{
			RelayNetwork:      "tcp",
			RelayAddress:      "127.0.0.1:7420",
			ReconnectAttempts: 5,
			BridgeSocket:      paths.BridgeSocket,
			Notifications:     true,
		},
		Storage: StorageConfig{
			Path: paths.DatabaseFile,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "proctord.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := MigrateConfig(cfg, ""); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Session.Path),
		filepath.Dir(c.Relay.AuditPath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Agent.BridgeSocket),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base proctord directory.
// PROCTORD_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PROCTORD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTORD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PROCTORD_SESSION_PATH"); v != "" {
		c.Session.Path = v
	}

	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PROCTORD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("PROCTORD_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("PROCTORD_AGENT_RELAY_ADDRESS"); v != "" {
		c.Agent.RelayAddress = v
	}
	if v := os.Getenv("PROCTORD_BRIDGE_SOCKET"); v != "" {
		c.Agent.BridgeSocket = v
	}
	if v := os.Getenv("PROCTORD_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}

	if v := os.Getenv("PROCTORD_EXAM_DURATION_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Exam.DurationMin = n
			c.Relay.ExamDurationMin = n
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Exam.WarningMinutes = append([]int(nil), c.Exam.WarningMinutes...)
	clone.Relay.TimeWarningMinutes = append([]int(nil), c.Relay.TimeWarningMinutes...)
	clone.Relay.Classes = append([]string(nil), c.Relay.Classes...)
	clone.Relay.Teachers = append([]TeacherCredential(nil), c.Relay.Teachers...)
	return &clone
}

// ViolationPolicy converts the violations section.
func (c *Config) ViolationPolicy() violation.Policy {
	v := c.Violations
	return violation.DefaultPolicy().Merge(violation.Policy{
		MaxWindowsKeyAttempts:     v.MaxWindowsKeyAttempts,
		MaxFocusLossAttempts:      v.MaxFocusLossAttempts,
		MaxFullscreenExitAttempts: v.MaxFullscreenExitAttempts,
		MaxDevToolsAttempts:       v.MaxDevToolsAttempts,
		MaxTotalViolations:        v.MaxTotalViolations,
		WarningCooldown:           time.Duration(v.WarningCooldownMs) * time.Millisecond,
	})
}

// ReportingSettings converts the reporting section.
func (c *Config) ReportingSettings() reporting.Config {
	r := c.Reporting
	return reporting.Config{
		HeartbeatInterval: time.Duration(r.HeartbeatSec) * time.Second,
		MaxQueueSize:      r.MaxQueueSize,
		RetryAttempts:     r.RetryAttempts,
		RetryDelay:        time.Duration(r.RetryDelayMs) * time.Millisecond,
		FlushDelay:        time.Duration(r.FlushDelayMs) * time.Millisecond,
		UserAgent:         r.UserAgent,
	}
}

// ExamSettings converts the exam section.
func (c *Config) ExamSettings() exam.Config {
	e := c.Exam
	return exam.Config{
		DefaultDuration:   time.Duration(e.DurationMin) * time.Minute,
		AutoSaveInterval:  time.Duration(e.AutoSaveSec) * time.Second,
		HeartbeatInterval: time.Duration(e.HeartbeatSec) * time.Second,
		WarningMinutes:    append([]int(nil), e.WarningMinutes...),
		MaxCodeLength:     e.MaxCodeLength,
		DefaultFilename:   e.DefaultFile,
	}
}

// SessionMaxAge returns how long a persisted identity stays restorable.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Session.MaxAgeHours) * time.Hour
}

// InactivityTimeout returns the idle period before an inactivity event.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Session.InactivitySec) * time.Second
}

// encodeTOML writes cfg with the BurntSushi encoder.
func encodeTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# proctord configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
