package config

import (
	"proctord/internal/logging"
)

// LoggerConfig converts the logging section for a binary named component.
func (c *Config) LoggerConfig(component string) (*logging.Config, error) {
	l := c.Logging
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	out := logging.DefaultConfig()
	out.Level = level
	out.Format = format
	out.Component = component
	if l.Output != "" {
		out.Output = l.Output
	}
	if l.FilePath != "" {
		out.FilePath = expandPath(l.FilePath)
	}
	if l.MaxSizeMB > 0 {
		out.MaxSize = int64(l.MaxSizeMB)
	}
	if l.MaxBackups > 0 {
		out.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays > 0 {
		out.MaxAge = l.MaxAgeDays
	}
	out.Compress = l.Compress
	return out, nil
}
