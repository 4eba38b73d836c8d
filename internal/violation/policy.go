package violation

import (
	"fmt"
	"time"
)

// Policy holds the escalation thresholds.
type Policy struct {
	// MaxWindowsKeyAttempts terminates the exam when reached.
	MaxWindowsKeyAttempts int `json:"maxWindowsKeyAttempts"`

	// MaxFocusLossAttempts raises a critical warning when reached.
	MaxFocusLossAttempts int `json:"maxFocusLossAttempts"`

	// MaxFullscreenExitAttempts raises a critical warning when reached.
	MaxFullscreenExitAttempts int `json:"maxFullscreenExitAttempts"`

	// MaxDevToolsAttempts raises a critical warning when reached.
	MaxDevToolsAttempts int `json:"maxDevToolsAttempts"`

	// MaxTotalViolations terminates the exam regardless of kind.
	MaxTotalViolations int `json:"maxTotalViolations"`

	// WarningCooldown is the minimum gap between shown warnings.
	WarningCooldown time.Duration `json:"warningCooldown"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxWindowsKeyAttempts:     2,
		MaxFocusLossAttempts:      5,
		MaxFullscreenExitAttempts: 3,
		MaxDevToolsAttempts:       3,
		MaxTotalViolations:        8,
		WarningCooldown:           5 * time.Second,
	}
}

// Merge returns p with every non-zero field of src applied on top.
func (p Policy) Merge(src Policy) Policy {
	if src.MaxWindowsKeyAttempts > 0 {
		p.MaxWindowsKeyAttempts = src.MaxWindowsKeyAttempts
	}
	if src.MaxFocusLossAttempts > 0 {
		p.MaxFocusLossAttempts = src.MaxFocusLossAttempts
	}
	if src.MaxFullscreenExitAttempts > 0 {
		p.MaxFullscreenExitAttempts = src.MaxFullscreenExitAttempts
	}
	if src.MaxDevToolsAttempts > 0 {
		p.MaxDevToolsAttempts = src.MaxDevToolsAttempts
	}
	if src.MaxTotalViolations > 0 {
		p.MaxTotalViolations = src.MaxTotalViolations
	}
	if src.WarningCooldown > 0 {
		p.WarningCooldown = src.WarningCooldown
	}
	return p
}

// Validate checks that every limit is usable.
func (p Policy) Validate() error {
	limits := []struct {
		name  string
		value int
	}{
		{"maxWindowsKeyAttempts", p.MaxWindowsKeyAttempts},
		{"maxFocusLossAttempts", p.MaxFocusLossAttempts},
		{"maxFullscreenExitAttempts", p.MaxFullscreenExitAttempts},
		{"maxDevToolsAttempts", p.MaxDevToolsAttempts},
		{"maxTotalViolations", p.MaxTotalViolations},
	}
	for _, l := range limits {
		if l.value < 1 {
			return fmt.Errorf("violation: %s must be at least 1, got %d", l.name, l.value)
		}
	}
	if p.WarningCooldown < 0 {
		return fmt.Errorf("violation: warningCooldown must not be negative")
	}
	return nil
}

// limitFor returns the per-kind limit and the action it triggers.
func (p Policy) limitFor(k Kind) (int, Action, string, bool) {
	switch k {
	case KindWindowsKey:
		return p.MaxWindowsKeyAttempts, ActionTerminate, "Windows key limit exceeded", true
	case KindFocusLoss:
		return p.MaxFocusLossAttempts, ActionCriticalWarning, "Focus loss limit exceeded", true
	case KindFullscreenExit:
		return p.MaxFullscreenExitAttempts, ActionCriticalWarning, "Fullscreen exit limit exceeded", true
	case KindDevTools:
		return p.MaxDevToolsAttempts, ActionCriticalWarning, "Dev tools detection limit exceeded", true
	}
	return 0, ActionNone, "", false
}

// LevelFor maps a total violation count to a warning level.
func LevelFor(total int) int {
	switch {
	case total >= 6:
		return LevelRed
	case total >= 4:
		return LevelOrange
	case total >= 2:
		return LevelYellow
	default:
		return LevelNone
	}
}

// SeverityFor is the payload annotation for a kind at a given count.
func SeverityFor(k Kind, count int) Severity {
	switch k {
	case KindWindowsKey:
		if count >= 2 {
			return SeverityCritical
		}
		return SeverityHigh
	case KindFocusLoss:
		if count >= 3 {
			return SeverityHigh
		}
		return SeverityMedium
	case KindFullscreenExit, KindDevTools:
		if count >= 2 {
			return SeverityHigh
		}
		return SeverityMedium
	case KindSystemKey, KindClipboard:
		return SeverityLow
	}
	return SeverityMedium
}
