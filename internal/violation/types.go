package violation

import (
	"time"
)

// Kind identifies a class of suspicious student behavior.
type Kind string

const (
	KindWindowsKey     Kind = "windowsKey"
	KindFocusLoss      Kind = "focusLoss"
	KindFullscreenExit Kind = "fullscreenExit"
	KindSystemKey      Kind = "systemKey"
	KindDevTools       Kind = "devTools"
	KindClipboard      Kind = "clipboard"
)

// KnownKinds lists every kind that gets its own counter.
var KnownKinds = []Kind{
	KindWindowsKey,
	KindFocusLoss,
	KindFullscreenExit,
	KindSystemKey,
	KindDevTools,
	KindClipboard,
}

// Known reports whether k has a dedicated counter.
func (k Kind) Known() bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity annotates reported violations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the escalation a threshold prescribes.
type Action string

const (
	ActionNone            Action = "none"
	ActionCriticalWarning Action = "critical_warning"
	ActionTerminate       Action = "terminate"
)

// Warning levels derived from the total violation count.
const (
	LevelNone   = 0
	LevelYellow = 1
	LevelOrange = 2
	LevelRed    = 3
)

// HistorySize is the number of recent violations retained.
const HistorySize = 10

// Record is one appended violation. Records are never modified after
// they enter the history.
type Record struct {
	Kind      Kind           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Count     int            `json:"count"`
}

// Counters is a snapshot of the per-kind and total counts.
type Counters struct {
	ByKind map[Kind]int `json:"byKind"`
	Total  int          `json:"totalCount"`
}

// Count returns the counter for k, zero for unknown kinds.
func (c Counters) Count(k Kind) int {
	return c.ByKind[k]
}

// WarningState is a snapshot of the escalation state.
type WarningState struct {
	Level       int       `json:"warningLevel"`
	LastKind    Kind      `json:"lastViolationType,omitempty"`
	LastWarning time.Time `json:"lastWarningTime"`
	Recent      []Record  `json:"recentViolations"`
}

// ThresholdResult describes whether an addition crossed a limit.
type ThresholdResult struct {
	Exceeded bool   `json:"exceeded"`
	Action   Action `json:"action"`
	Message  string `json:"message,omitempty"`
}

// Result is returned by Tracker.AddViolation.
type Result struct {
	Kind              Kind `json:"type"`
	Count             int  `json:"count"`
	TotalCount        int  `json:"totalCount"`
	WarningLevel      int  `json:"warningLevel"`
	ThresholdExceeded bool `json:"thresholdExceeded"`
	ShouldTerminate   bool `json:"shouldTerminate"`
}

// Added is published after every violation.
type Added struct {
	Kind      Kind
	Data      map[string]any
	Counters  Counters
	Threshold ThresholdResult
	Timestamp time.Time
}

// ThresholdExceeded is published when a per-kind or global limit is hit.
type ThresholdExceeded struct {
	Kind      Kind
	Result    ThresholdResult
	Counters  Counters
	Timestamp time.Time
}

// LevelChanged is published when the warning level moves.
type LevelChanged struct {
	OldLevel  int
	NewLevel  int
	Counters  Counters
	Timestamp time.Time
}

// Statistics is a full snapshot of tracker state.
type Statistics struct {
	Counters Counters     `json:"violations"`
	State    WarningState `json:"state"`
	Policy   Policy       `json:"config"`
}

// History is the summary attached to reports sent to the relay.
type History struct {
	Counters     Counters  `json:"violations"`
	Recent       []Record  `json:"recentViolations"`
	WarningLevel int       `json:"warningLevel"`
	TotalCount   int       `json:"totalCount"`
	LastKind     Kind      `json:"lastViolationType,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
