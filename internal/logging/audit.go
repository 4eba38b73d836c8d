package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditTeacherLogin    AuditEventType = "teacher_login"
	AuditSessionStart    AuditEventType = "session_start"
	AuditSessionResume   AuditEventType = "session_resume"
	AuditSessionEnd      AuditEventType = "session_end"
	AuditForceDisconnect AuditEventType = "force_disconnect"
	AuditConfigChange    AuditEventType = "config_change"
	AuditStartup         AuditEventType = "startup"
	AuditShutdown        AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLogger writes AuditEvents as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	rotator   *FileRotator
	component string
	now       func() time.Time
}

// NewAuditLogger writes the audit trail to path with rotation.
func NewAuditLogger(path, component string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    20,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditWriter(rotator, component)
	a.rotator = rotator
	return a, nil
}

// NewAuditWriter writes the audit trail to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// Log writes an audit event. A nil logger discards it.
func (a *AuditLogger) Log(event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// TeacherLogin records an authentication attempt.
func (a *AuditLogger) TeacherLogin(username, sourceIP, result string, err error) error {
	ev := AuditEvent{
		EventType: AuditTeacherLogin,
		Actor:     username,
		Action:    "authenticate",
		Result:    result,
		SourceIP:  sourceIP,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ev)
}

// SessionStart records a new or resumed exam session.
func (a *AuditLogger) SessionStart(sessionID, student, class string, resumed bool) error {
	ev := AuditEvent{
		EventType: AuditSessionStart,
		SessionID: sessionID,
		Actor:     student,
		Action:    "join",
		Result:    ResultSuccess,
		Details:   map[string]any{"class": class},
	}
	if resumed {
		ev.EventType = AuditSessionResume
		ev.Action = "rejoin"
	}
	return a.Log(ev)
}

// SessionEnd records how a session ended.
func (a *AuditLogger) SessionEnd(sessionID, termination string) error {
	return a.Log(AuditEvent{
		EventType: AuditSessionEnd,
		SessionID: sessionID,
		Action:    "end",
		Result:    ResultSuccess,
		Details:   map[string]any{"termination": termination},
	})
}

// ForceDisconnect records a student removed by the suspicion monitor or a
// teacher.
func (a *AuditLogger) ForceDisconnect(sessionID, by, reason string, score int) error {
	return a.Log(AuditEvent{
		EventType: AuditForceDisconnect,
		SessionID: sessionID,
		Actor:     by,
		Action:    "force_disconnect",
		Result:    ResultSuccess,
		Details:   map[string]any{"reason": reason, "suspicion_score": score},
	})
}

// ConfigChange records a reloaded setting.
func (a *AuditLogger) ConfigChange(setting string, oldValue, newValue any) error {
	return a.Log(AuditEvent{
		EventType: AuditConfigChange,
		Action:    "reload",
		Result:    ResultSuccess,
		Details:   map[string]any{"setting": setting, "old": oldValue, "new": newValue},
	})
}

// Startup records the process start.
func (a *AuditLogger) Startup(version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return a.Log(AuditEvent{EventType: AuditStartup, Action: "start", Result: ResultSuccess, Details: details})
}

// Shutdown records the process stop.
func (a *AuditLogger) Shutdown(reason string) error {
	return a.Log(AuditEvent{
		EventType: AuditShutdown,
		Action:    "stop",
		Result:    ResultSuccess,
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit file when there is one.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
