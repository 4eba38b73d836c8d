package relay

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/violation"
)

// Activity types scored by the monitor.
const (
	ActivityTabSwitch         = "tab_switch"
	ActivityWindowBlur        = "window_blur"
	ActivityVisibilityChange  = "visibility_change"
	ActivityCopy              = "copy_attempt"
	ActivityPaste             = "paste_attempt"
	ActivityCut               = "cut_attempt"
	ActivityDevTools          = "dev_tools_attempt"
	ActivityContextMenu       = "context_menu_attempt"
	ActivityForbiddenShortcut = "forbidden_shortcut"
	ActivityRightClick        = "right_click"
	ActivityMultipleSessions  = "multiple_sessions"
	ActivityRapidRequests     = "rapid_requests"
	ActivityInactive          = "inactive_too_long"
)

// Action is what the relay does after scoring an activity.
type Action string

const (
	ActionLogOnly         Action = "log_only"
	ActionWarnStudent     Action = "warn_student"
	ActionNotifyTeacher   Action = "notify_teacher"
	ActionForceDisconnect Action = "force_disconnect"
)

var activityWeights = map[string]int{
	ActivityTabSwitch:         15,
	ActivityWindowBlur:        10,
	ActivityVisibilityChange:  5,
	ActivityCopy:              25,
	ActivityPaste:             25,
	ActivityCut:               20,
	ActivityDevTools:          35,
	ActivityContextMenu:       5,
	ActivityForbiddenShortcut: 15,
	ActivityRightClick:        3,
	ActivityMultipleSessions:  40,
	ActivityRapidRequests:     20,
	ActivityInactive:          8,
}

const defaultWeight = 5

var activitySeverity = map[string]violation.Severity{
	ActivityTabSwitch:        violation.SeverityMedium,
	ActivityWindowBlur:       violation.SeverityMedium,
	ActivityVisibilityChange: violation.SeverityLow,
	ActivityCopy:             violation.SeverityHigh,
	ActivityPaste:            violation.SeverityHigh,
	ActivityDevTools:         violation.SeverityCritical,
	ActivityContextMenu:      violation.SeverityLow,
	ActivityMultipleSessions: violation.SeverityCritical,
	ActivityRapidRequests:    violation.SeverityMedium,
	ActivityInactive:         violation.SeverityLow,
}

// ActivityFor maps an agent violation kind onto the activity the monitor
// scores. Unknown kinds pass through unchanged.
func ActivityFor(kind string, data map[string]any) string {
	switch violation.Kind(kind) {
	case violation.KindWindowsKey, violation.KindSystemKey:
		return ActivityForbiddenShortcut
	case violation.KindFocusLoss:
		return ActivityWindowBlur
	case violation.KindFullscreenExit:
		return ActivityTabSwitch
	case violation.KindDevTools:
		return ActivityDevTools
	case violation.KindClipboard:
		switch data["action"] {
		case "paste":
			return ActivityPaste
		case "cut":
			return ActivityCut
		}
		return ActivityCopy
	}
	return kind
}

// MonitorConfig tunes suspicion scoring.
type MonitorConfig struct {
	WarningThreshold    int
	CriticalThreshold   int
	DisconnectThreshold int
	MaxScore            int
	DecayInterval       time.Duration
	DecayAmount         int
	AutoDisconnect      bool
	// MaxDevToolsAttempts disconnects on the Nth critical activity of one
	// type regardless of score.
	MaxDevToolsAttempts int
	MaxInactive         time.Duration
	TimelineSize        int
}

// DefaultMonitorConfig returns the stock thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WarningThreshold:    30,
		CriticalThreshold:   70,
		DisconnectThreshold: 80,
		MaxScore:            100,
		DecayInterval:       5 * time.Minute,
		DecayAmount:         5,
		AutoDisconnect:      true,
		MaxDevToolsAttempts: 3,
		MaxInactive:         10 * time.Minute,
		TimelineSize:        100,
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	d := DefaultMonitorConfig()
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = d.WarningThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = d.DisconnectThreshold
	}
	if c.MaxScore <= 0 {
		c.MaxScore = d.MaxScore
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = d.DecayInterval
	}
	if c.DecayAmount <= 0 {
		c.DecayAmount = d.DecayAmount
	}
	if c.MaxDevToolsAttempts <= 0 {
		c.MaxDevToolsAttempts = d.MaxDevToolsAttempts
	}
	if c.MaxInactive <= 0 {
		c.MaxInactive = d.MaxInactive
	}
	if c.TimelineSize <= 0 {
		c.TimelineSize = d.TimelineSize
	}
	return c
}

// Activity is one scored event in a session's timeline.
type Activity struct {
	SessionID string             `json:"sessionId"`
	Type      string             `json:"type"`
	Severity  violation.Severity `json:"severity"`
	Points    int                `json:"points"`
	Data      map[string]any     `json:"data,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Decision is the outcome of tracking one activity.
type Decision struct {
	Activity Activity
	Score    int
	Count    int // activities of this type in the timeline
	Action   Action
}

// ActivityReport summarises all tracked sessions.
type ActivityReport struct {
	Timestamp          int64          `json:"timestamp"`
	TotalStudents      int            `json:"totalStudents"`
	SuspiciousStudents int            `json:"suspiciousStudents"`
	HighRiskStudents   int            `json:"highRiskStudents"`
	TotalActivities    int            `json:"totalActivities"`
	ActivityBreakdown  map[string]int `json:"activityBreakdown"`
}

type suspect struct {
	score        int
	timeline     []Activity
	lastActivity time.Time
	idleFlagged  bool
}

// Monitor keeps a decaying suspicion score per session. It performs no
// I/O; the relay carries out the returned actions.
type Monitor struct {
	mu       sync.Mutex
	cfg      MonitorConfig
	clock    clock.Clock
	logger   *slog.Logger
	sessions map[string]*suspect
	decay    clock.Timer
}

// NewMonitor creates a monitor. Zero fields of cfg take the defaults.
func NewMonitor(cfg MonitorConfig, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		logger:   logger.With("component", "monitor"),
		sessions: make(map[string]*suspect),
	}
}

// Start begins periodic score decay.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decay != nil {
		return
	}
	m.decay = m.clock.Every(m.cfg.DecayInterval, m.Decay)
}

// Stop halts decay.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decay != nil {
		m.decay.Stop()
		m.decay = nil
	}
}

// Config returns the active thresholds.
func (m *Monitor) Config() MonitorConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateConfig replaces the thresholds. A changed decay interval takes
// effect on the next Start.
func (m *Monitor) UpdateConfig(cfg MonitorConfig) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
	m.logger.Info("monitor configuration updated")
}

func (m *Monitor) get(sessionID string) *suspect {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &suspect{lastActivity: m.clock.Now()}
		m.sessions[sessionID] = s
	}
	return s
}

// Track scores an activity and decides what the relay should do about it.
func (m *Monitor) Track(sessionID, activityType string, data map[string]any) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	freq := frequency(data)

	severity, ok := activitySeverity[activityType]
	if !ok {
		severity = violation.SeverityLow
	}
	if freq > 3 {
		severity = escalate(severity)
	}

	points, ok := activityWeights[activityType]
	if !ok {
		points = defaultWeight
	}
	if freq > 0 {
		points *= min(freq, 3)
	}

	s := m.get(sessionID)
	s.score = min(s.score+points, m.cfg.MaxScore)
	s.lastActivity = now
	s.idleFlagged = activityType == ActivityInactive

	act := Activity{
		SessionID: sessionID,
		Type:      activityType,
		Severity:  severity,
		Points:    points,
		Data:      data,
		Timestamp: now,
	}
	s.timeline = append(s.timeline, act)
	if over := len(s.timeline) - m.cfg.TimelineSize; over > 0 {
		s.timeline = slices.Delete(s.timeline, 0, over)
	}

	count := 0
	for _, a := range s.timeline {
		if a.Type == activityType {
			count++
		}
	}

	d := Decision{Activity: act, Score: s.score, Count: count, Action: m.decideLocked(act, s.score, count)}
	m.logger.Info("suspicious activity scored",
		"session_id", sessionID, "activity", activityType, "severity", severity,
		"points", points, "score", s.score, "action", d.Action)
	return d
}

func (m *Monitor) decideLocked(act Activity, score, count int) Action {
	disconnect := ActionForceDisconnect
	if !m.cfg.AutoDisconnect {
		disconnect = ActionNotifyTeacher
	}

	if act.Severity == violation.SeverityCritical &&
		act.Type != ActivityMultipleSessions && count >= m.cfg.MaxDevToolsAttempts {
		return disconnect
	}
	switch {
	case score >= m.cfg.DisconnectThreshold:
		return disconnect
	case score >= m.cfg.CriticalThreshold:
		return ActionNotifyTeacher
	case score >= m.cfg.WarningThreshold:
		return ActionWarnStudent
	}
	return ActionLogOnly
}

func frequency(data map[string]any) int {
	switch f := data["frequency"].(type) {
	case int:
		return f
	case float64:
		return int(f)
	}
	return 0
}

func escalate(s violation.Severity) violation.Severity {
	switch s {
	case violation.SeverityLow:
		return violation.SeverityMedium
	case violation.SeverityMedium:
		return violation.SeverityHigh
	}
	return violation.SeverityCritical
}

// Touch records non-suspicious activity such as a code update.
func (m *Monitor) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(sessionID)
	s.lastActivity = m.clock.Now()
	s.idleFlagged = false
}

// Idle returns sessions without activity for longer than MaxInactive.
// Each idle stretch is reported once.
func (m *Monitor) Idle() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var ids []string
	for id, s := range m.sessions {
		if !s.idleFlagged && now.Sub(s.lastActivity) > m.cfg.MaxInactive {
			s.idleFlagged = true
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Decay lowers every score by DecayAmount, never below zero.
func (m *Monitor) Decay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.score = max(0, s.score-m.cfg.DecayAmount)
	}
}

// Score returns the current score for a session.
func (m *Monitor) Score(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.score
	}
	return 0
}

// Restore seeds a score, e.g. from the store after a relay restart.
func (m *Monitor) Restore(sessionID string, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(sessionID).score = min(max(0, score), m.cfg.MaxScore)
}

// Recent returns up to n of the newest activities, oldest first.
func (m *Monitor) Recent(sessionID string, n int) []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	start := max(0, len(s.timeline)-n)
	return slices.Clone(s.timeline[start:])
}

// Reset clears a session's score.
func (m *Monitor) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.score = 0
	}
	m.logger.Info("suspicion score reset", "session_id", sessionID)
}

// Forget drops all state for a finished session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Report summarises every tracked session.
func (m *Monitor) Report() ActivityReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := ActivityReport{
		Timestamp:         m.clock.Now().UnixMilli(),
		TotalStudents:     len(m.sessions),
		ActivityBreakdown: make(map[string]int),
	}
	for _, s := range m.sessions {
		if s.score > m.cfg.WarningThreshold {
			r.SuspiciousStudents++
		}
		if s.score > m.cfg.CriticalThreshold {
			r.HighRiskStudents++
		}
		r.TotalActivities += len(s.timeline)
		for _, a := range s.timeline {
			r.ActivityBreakdown[a.Type]++
		}
	}
	return r
}

// Scores returns a copy of every tracked score.
func (m *Monitor) Scores() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.score
	}
	return out
}
