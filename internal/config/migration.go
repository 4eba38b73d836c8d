package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"proctord/internal/security"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It creates a backup of configPath first when one is given.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 fills the server-side monitor and time warning settings
// that v1 files did not carry, and the session store selector.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	d := DefaultConfig()

	if cfg.Relay.Monitor == (MonitorConfig{}) {
		cfg.Relay.Monitor = d.Relay.Monitor
		changes = append(changes, "added relay.monitor suspicion thresholds")
	}
	if len(cfg.Relay.TimeWarningMinutes) == 0 {
		cfg.Relay.TimeWarningMinutes = d.Relay.TimeWarningMinutes
		changes = append(changes, "added relay.time_warning_minutes")
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "file"
		changes = append(changes, "set session.store to file")
	}
	if cfg.Relay.ExamDurationMin != cfg.Exam.DurationMin {
		warnings = append(warnings, fmt.Sprintf(
			"relay.exam_duration_min (%d) differs from exam.duration_min (%d); the relay's value is sent to students",
			cfg.Relay.ExamDurationMin, cfg.Exam.DurationMin))
	}

	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := security.WriteSecretFile(backupPath, data); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// MigrateLegacyConfig converts the camelCase JSON settings used by the
// browser-only exam monitor (durations in milliseconds) into a Config.
//
//	{"violations": {"maxWindowsKeyAttempts": 2, "warningCooldown": 5000},
//	 "reporting":  {"heartbeatInterval": 30000, "maxQueueSize": 50, "retryAttempts": 3},
//	 "exam":       {"duration": 10800000},
//	 "antiCheat":  {"warningThreshold": 30, "criticalThreshold": 70, "autoDisconnectScore": 80}}
func MigrateLegacyConfig(data map[string]any) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := data["violations"].(map[string]any); ok {
		setInt(v, "maxWindowsKeyAttempts", &cfg.Violations.MaxWindowsKeyAttempts)
		setInt(v, "maxFocusLossAttempts", &cfg.Violations.MaxFocusLossAttempts)
		setInt(v, "maxFullscreenExitAttempts", &cfg.Violations.MaxFullscreenExitAttempts)
		setInt(v, "maxDevToolsAttempts", &cfg.Violations.MaxDevToolsAttempts)
		setInt(v, "maxTotalViolations", &cfg.Violations.MaxTotalViolations)
		setInt(v, "warningCooldown", &cfg.Violations.WarningCooldownMs)
	}

	if r, ok := data["reporting"].(map[string]any); ok {
		var ms int
		if setInt(r, "heartbeatInterval", &ms) {
			cfg.Reporting.HeartbeatSec = ms / 1000
		}
		setInt(r, "maxQueueSize", &cfg.Reporting.MaxQueueSize)
		setInt(r, "retryAttempts", &cfg.Reporting.RetryAttempts)
		setInt(r, "retryDelay", &cfg.Reporting.RetryDelayMs)
	}

	if e, ok := data["exam"].(map[string]any); ok {
		var ms int
		if setInt(e, "duration", &ms) {
			cfg.Exam.DurationMin = ms / 60000
			cfg.Relay.ExamDurationMin = cfg.Exam.DurationMin
		}
		if setInt(e, "autoSaveInterval", &ms) {
			cfg.Exam.AutoSaveSec = ms / 1000
		}
	}

	if a, ok := data["antiCheat"].(map[string]any); ok {
		setInt(a, "warningThreshold", &cfg.Relay.Monitor.WarningThreshold)
		setInt(a, "criticalThreshold", &cfg.Relay.Monitor.CriticalThreshold)
		setInt(a, "autoDisconnectScore", &cfg.Relay.Monitor.DisconnectThreshold)
		if b, ok := a["autoDisconnectEnabled"].(bool); ok {
			cfg.Relay.Monitor.AutoDisconnect = b
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("legacy config: %w", err)
	}
	return cfg, nil
}

// setInt copies a JSON number from m[key] into dst.
func setInt(m map[string]any, key string, dst *int) bool {
	if f, ok := m[key].(float64); ok {
		*dst = int(f)
		return true
	}
	return false
}

// SaveConfig saves the configuration to a file with owner-only permissions.
// The format follows the extension; TOML is the default.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = encodeTOML(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := security.WriteSecretFile(path, data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func historyPath() string {
	return filepath.Join(DataDir(), "migration_history.json")
}

// GetMigrationHistory returns the stored migration history.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(historyPath()), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := security.WriteSecretFile(historyPath(), data); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
