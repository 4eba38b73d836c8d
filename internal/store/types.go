// Package store provides SQLite-backed persistence for exam sessions,
// violations, code snapshots, and heartbeats.
package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a stored session.
type Status string

const (
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusCompleted    Status = "completed"
	StatusExpired      Status = "expired"
)

// Open reports whether the session may still be resumed.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusDisconnected
}

// Termination records why a session ended.
type Termination string

const (
	TerminationGraceful   Termination = "graceful"
	TerminationTimeout    Termination = "timeout"
	TerminationViolations Termination = "forced_violations"
	TerminationTeacher    Termination = "teacher"
)

// Session is one student's exam attempt.
type Session struct {
	ID             string
	StudentName    string
	StudentClass   string
	Status         Status
	StartedAt      time.Time
	EndsAt         time.Time
	EndedAt        time.Time // zero while open
	LastActivity   time.Time
	LastCode       string
	Termination    Termination
	SuspicionScore int
}

// TimeLeft returns the remaining exam time at now, never negative.
func (s *Session) TimeLeft(now time.Time) time.Duration {
	return max(0, s.EndsAt.Sub(now))
}

// Violation is a suspicious activity reported by an agent or detected by
// the relay.
type Violation struct {
	ID        int64
	SessionID string
	Kind      string
	Severity  string
	Data      json.RawMessage
	Score     int
	CreatedAt time.Time
}

// CodeSnapshot is a saved copy of the student's code.
type CodeSnapshot struct {
	ID        int64
	SessionID string
	Filename  string
	Code      string
	CreatedAt time.Time
}

// Heartbeat is the most recent liveness report for a session.
type Heartbeat struct {
	SessionID  string
	ReceivedAt time.Time
	State      json.RawMessage
}

// Stats summarises the store.
type Stats struct {
	Sessions      int64
	OpenSessions  int64
	Violations    int64
	CodeSnapshots int64
}
