package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// Events produced by the agent.
const (
	EventStudentJoin        = "student-join"
	EventCodeUpdate         = "code-update"
	EventSuspiciousActivity = "suspicious-activity"
	EventCriticalViolation  = "critical-violation"
	EventExamComplete       = "exam-complete"
	EventHeartbeat          = "heartbeat"
	EventAntiCheatHeartbeat = "anticheat-heartbeat"
	EventExamEvent          = "exam-event"
	EventTeacherJoin        = "teacher-join"
	EventForceDisconnect    = "force-disconnect"
	EventResetSuspicion     = "reset-suspicion"
)

// Events consumed by the agent.
const (
	EventStudentIDAssigned = "student-id-assigned"
	EventSessionRestored   = "session-restored"
	EventLoginError        = "login-error"
	EventExamExpired       = "exam-expired"
	EventTimeWarning       = "time-warning"
	EventAntiCheatWarning  = "anti-cheat-warning"
	EventAntiCheatAction   = "anti-cheat-action"
	EventHeartbeatAck      = "heartbeat-ack"
)

// Events fanned out to teacher dashboards.
const (
	EventTeacherAuthenticated     = "teacher-authenticated"
	EventTeacherAuthFailed        = "teacher-auth-failed"
	EventStudentsSnapshot         = "students-snapshot"
	EventStudentJoined            = "student-joined"
	EventStudentDisconnected      = "student-disconnected"
	EventStudentCodeUpdate        = "student-code-update"
	EventStudentViolation         = "student-violation"
	EventStudentCriticalViolation = "student-critical-violation"
	EventStudentHighSuspicion     = "student-high-suspicion"
	EventStudentForceDisconnected = "student-force-disconnected"
	EventStudentCompleted         = "student-completed"
	EventStudentTimeWarning       = "student-time-warning"
	EventStudentExamEvent         = "student-exam-event"
	EventActivityReport           = "activity-report"
)

// Synthetic lifecycle events dispatched locally by every Channel.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: channel closed")
)

// Handler receives the raw JSON payload of an inbound event.
type Handler func(payload json.RawMessage)

// ListenerID identifies a registered handler.
type ListenerID uint64

// Channel is a bidirectional named-event channel.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(event string, payload any) error
	On(event string, h Handler) ListenerID
	Off(event string, id ListenerID)
	OffAll(event string)
	Connected() bool
}

// DisconnectInfo is the payload of the synthetic disconnect event.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// Disconnect reasons.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
)

type listener struct {
	id ListenerID
	h  Handler
}

// listeners is the per-event handler registry shared by Channel
// implementations.
type listeners struct {
	mu     sync.Mutex
	next   ListenerID
	byName map[string][]listener
	logger *slog.Logger
}

func (l *listeners) on(event string, h Handler) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byName == nil {
		l.byName = make(map[string][]listener)
	}
	l.next++
	l.byName[event] = append(l.byName[event], listener{id: l.next, h: h})
	return l.next
}

func (l *listeners) off(event string, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byName[event] = slices.DeleteFunc(slices.Clone(l.byName[event]), func(x listener) bool {
		return x.id == id
	})
	if len(l.byName[event]) == 0 {
		delete(l.byName, event)
	}
}

func (l *listeners) offAll(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byName, event)
}

func (l *listeners) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byName[event])
}

// dispatch calls every handler for event in registration order. A panicking
// handler is logged and skipped.
func (l *listeners) dispatch(event string, payload json.RawMessage) {
	l.mu.Lock()
	hs := slices.Clone(l.byName[event])
	logger := l.logger
	l.mu.Unlock()

	for _, x := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if logger == nil {
						logger = slog.Default()
					}
					logger.Error("event listener panicked", "event", event, "panic", r)
				}
			}()
			x.h(payload)
		}()
	}
}

func (l *listeners) dispatchValue(event string, v any) {
	raw, err := marshalPayload(v)
	if err != nil {
		return
	}
	l.dispatch(event, raw)
}

// Decode unmarshals an inbound payload into v.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}
