package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payloads pushed to teacher dashboards. Times are Unix milliseconds and
// durations are milliseconds, as on the student side.

// StudentSummary describes one open session.
type StudentSummary struct {
	SessionID         string `json:"sessionId"`
	StudentName       string `json:"studentName"`
	StudentClass      string `json:"studentClass"`
	Status            string `json:"status"`
	TimeLeft          int64  `json:"timeLeft"`
	FormattedTimeLeft string `json:"formattedTimeLeft"`
	LastActivity      int64  `json:"lastActivity"`
	SuspicionScore    int    `json:"suspicionScore"`
	Violations        int    `json:"violations"`
	Connected         bool   `json:"connected"`
}

// Statistics is sent with the snapshot.
type Statistics struct {
	TotalSessions   int64 `json:"totalSessions"`
	OpenSessions    int64 `json:"openSessions"`
	TotalViolations int64 `json:"totalViolations"`
	CodeSnapshots   int64 `json:"codeSnapshots"`
	CurrentlyOnline int   `json:"currentlyOnline"`
	TeachersOnline  int   `json:"teachersOnline"`
	LastUpdated     int64 `json:"lastUpdated"`
}

// Snapshot is the students-snapshot payload.
type Snapshot struct {
	Students   []StudentSummary `json:"students"`
	Statistics Statistics       `json:"statistics"`
}

// SessionDetail is the operator view of one session.
type SessionDetail struct {
	SessionID      string            `json:"sessionId"`
	StudentName    string            `json:"studentName"`
	StudentClass   string            `json:"studentClass"`
	Status         string            `json:"status"`
	StartedAt      int64             `json:"startedAt"`
	EndedAt        int64             `json:"endedAt,omitempty"`
	Termination    string            `json:"termination,omitempty"`
	TimeLeft       int64             `json:"timeLeft"`
	SuspicionScore int               `json:"suspicionScore"`
	LastHeartbeat  *HeartbeatDetail  `json:"lastHeartbeat,omitempty"`
	Violations     []ViolationDetail `json:"violations"`
	Code           []CodeDetail      `json:"code"`
}

// HeartbeatDetail is the latest heartbeat state a student sent.
type HeartbeatDetail struct {
	ReceivedAt int64           `json:"receivedAt"`
	State      json.RawMessage `json:"state,omitempty"`
}

// ViolationDetail is one stored violation.
type ViolationDetail struct {
	Kind      string          `json:"kind"`
	Severity  string          `json:"severity"`
	Score     int             `json:"score"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CodeDetail is one saved code snapshot.
type CodeDetail struct {
	Filename  string `json:"filename"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// TeacherAuthenticated confirms a dashboard login.
type TeacherAuthenticated struct {
	Username  string `json:"username"`
	LoginTime int64  `json:"loginTime"`
}

// TeacherAuthFailed rejects a dashboard login.
type TeacherAuthFailed struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	LockoutSeconds int    `json:"lockoutSeconds,omitempty"`
}

// StudentEvent is the common shape of student-* fan-out frames.
type StudentEvent struct {
	SessionID    string `json:"sessionId"`
	StudentName  string `json:"studentName"`
	StudentClass string `json:"studentClass"`
	Timestamp    int64  `json:"timestamp"`

	JoinType       string         `json:"joinType,omitempty"`
	TimeLeft       int64          `json:"timeLeft,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Code           string         `json:"code,omitempty"`
	Filename       string         `json:"filename,omitempty"`
	ViolationType  string         `json:"violationType,omitempty"`
	Activity       string         `json:"activity,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	EventType      string         `json:"eventType,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	SuspicionScore *int           `json:"suspicionScore,omitempty"`
	MinutesLeft    int            `json:"minutesLeft,omitempty"`
}

// HighSuspicion is the student-high-suspicion payload.
type HighSuspicion struct {
	StudentEvent
	RecentActivities []Activity `json:"recentActivities"`
}

// TeacherCommand targets one session from a dashboard.
type TeacherCommand struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// formatClock renders d as HH:MM:SS.
func formatClock(d time.Duration) string {
	s := int64(max(0, d) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

func warningMessage(activity string) string {
	switch activity {
	case ActivityTabSwitch, ActivityWindowBlur:
		return "Switching away from the exam was detected. Stay focused on the exam."
	case ActivityCopy:
		return "Copying is not allowed during the exam."
	case ActivityPaste:
		return "Pasting is not allowed during the exam."
	case ActivityDevTools:
		return "Opening developer tools is strictly forbidden."
	case ActivityContextMenu:
		return "Right click is restricted during the exam."
	}
	return "Suspicious activity was detected. Please follow the exam rules."
}

// Disconnect reasons sent with anti-cheat-action.
const (
	ReasonTimeExpired        = "time_expired"
	ReasonAdminAction        = "admin_action"
	ReasonSuspiciousActivity = "suspicious_activity"
)

func disconnectMessage(reason string) string {
	switch reason {
	case ReasonTimeExpired:
		return "Exam time is over."
	case ReasonAdminAction:
		return "The exam was ended by the teacher."
	case ReasonSuspiciousActivity:
		return "The exam was ended because of rule violations."
	}
	return "The exam was ended."
}
