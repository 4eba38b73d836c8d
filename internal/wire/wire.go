// Package wire defines the JSON payloads exchanged between the agent and
// the relay. Timestamps and durations are integer milliseconds.
package wire

import "time"

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Time converts milliseconds since the Unix epoch to a time.
func Time(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Meta is embedded in every payload the agent may queue and replay.
type Meta struct {
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Queued    bool   `json:"queued,omitempty"`
	QueuedAt  int64  `json:"queuedAt,omitempty"`
}

// MarkQueued flags a payload as replayed from the offline queue.
func (m *Meta) MarkQueued(enqueuedAt int64) {
	m.Queued = true
	m.QueuedAt = enqueuedAt
}

// Envelope is a payload that can sit in the agent's report queue.
type Envelope interface {
	MarkQueued(enqueuedAt int64)
}

// ViolationReport is the suspicious-activity payload.
type ViolationReport struct {
	Meta
	Type          string         `json:"type"`
	ViolationType string         `json:"violationType"`
	Severity      string         `json:"severity"`
	Data          map[string]any `json:"data,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
}

// CriticalViolationReport is the critical-violation payload.
type CriticalViolationReport struct {
	Meta
	Type          string         `json:"type"`
	ViolationType string         `json:"violationType"`
	Severity      string         `json:"severity"`
	Data          map[string]any `json:"data,omitempty"`
	Immediate     bool           `json:"immediate"`
}

// ExamEventReport is the exam-event payload.
type ExamEventReport struct {
	Meta
	Type      string         `json:"type"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// HeartbeatState is the agent state carried by anticheat-heartbeat.
type HeartbeatState struct {
	IsActive     bool `json:"isActive"`
	Violations   int  `json:"violations"`
	WarningLevel int  `json:"warningLevel"`
	IsInFocus    bool `json:"isInFocus"`
	IsVisible    bool `json:"isVisible"`
	IsFullscreen bool `json:"isFullscreen"`
}

// AntiCheatHeartbeat is the anticheat-heartbeat payload.
type AntiCheatHeartbeat struct {
	Meta
	State HeartbeatState `json:"state"`
}

// Heartbeat is the plain liveness payload.
type Heartbeat struct {
	Meta
}

// CodeUpdate carries a code snapshot.
type CodeUpdate struct {
	Meta
	Code     string `json:"code"`
	Filename string `json:"filename"`
}

// ExamComplete ends an exam.
type ExamComplete struct {
	Meta
	CompletedAt int64  `json:"completedAt"`
	Reason      string `json:"reason,omitempty"`
}

// StudentJoin is sent on login.
type StudentJoin struct {
	Meta
	StudentName  string `json:"studentName"`
	StudentClass string `json:"studentClass"`
}

// SessionAssigned is the student-id-assigned payload.
type SessionAssigned struct {
	SessionID    string `json:"sessionId"`
	StudentName  string `json:"studentName"`
	StudentClass string `json:"studentClass"`
	TimeLeft     int64  `json:"timeLeft"`
	ExamDuration int64  `json:"examDuration"`
	Message      string `json:"message,omitempty"`
}

// SessionRestored is the session-restored payload.
type SessionRestored struct {
	SessionID    string `json:"sessionId"`
	StudentName  string `json:"studentName"`
	StudentClass string `json:"studentClass"`
	TimeLeft     int64  `json:"timeLeft"`
	LastCode     string `json:"lastCode,omitempty"`
	Message      string `json:"message,omitempty"`
}

// LoginError rejects a join.
type LoginError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ExamExpired tells the student their time is up.
type ExamExpired struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// TimeWarning announces remaining time.
type TimeWarning struct {
	MinutesLeft int    `json:"minutesLeft"`
	Message     string `json:"message"`
}

// AntiCheatWarning is pushed by the relay's suspicion monitor.
type AntiCheatWarning struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	Severity       string `json:"severity"`
	SuspicionScore int    `json:"suspicionScore"`
	MaxScore       int    `json:"maxScore"`
	Timestamp      int64  `json:"timestamp"`
}

// AntiCheatAction instructs the agent to act.
type AntiCheatAction struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Action values carried by AntiCheatAction.
const (
	ActionForceDisconnect = "force_disconnect"
	ActionWarn            = "warn"
)

// TeacherJoin authenticates a dashboard connection.
type TeacherJoin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
