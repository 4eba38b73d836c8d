package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"proctord/internal/clock"
	"proctord/internal/store"
	"proctord/internal/validate"
)

// LoginOutcome says how a student join was resolved.
type LoginOutcome int

const (
	// LoginAssigned created a new session.
	LoginAssigned LoginOutcome = iota
	// LoginRestored resumed an open session.
	LoginRestored
	// LoginExpired found the student's exam already over.
	LoginExpired
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginAssigned:
		return "assigned"
	case LoginRestored:
		return "restored"
	case LoginExpired:
		return "expired"
	}
	return fmt.Sprintf("LoginOutcome(%d)", int(o))
}

// LoginResult is the outcome of a student join.
type LoginResult struct {
	Outcome  LoginOutcome
	Session  store.Session
	TimeLeft time.Duration
}

// SessionManager owns exam session lifecycle on top of the store.
type SessionManager struct {
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger
	duration time.Duration
}

// NewSessionManager creates a manager that gives every new session
// duration.
func NewSessionManager(st *store.Store, duration time.Duration, clk clock.Clock, logger *slog.Logger) *SessionManager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		store:    st,
		clock:    clk,
		logger:   logger.With("component", "sessions"),
		duration: duration,
	}
}

// Duration returns the exam length given to new sessions.
func (m *SessionManager) Duration() time.Duration { return m.duration }

// Login restores the student's open session, creates a new one, or reports
// that the exam is over. A session finished earlier the same day blocks a
// fresh start.
func (m *SessionManager) Login(id validate.Identity) (LoginResult, error) {
	now := m.clock.Now()

	open, err := m.store.FindOpenSession(id.Name, id.Class)
	if err != nil {
		return LoginResult{}, err
	}
	if open != nil {
		left := open.TimeLeft(now)
		if left <= 0 {
			if err := m.Expire(open.ID); err != nil {
				return LoginResult{}, err
			}
			open.Status = store.StatusExpired
			return LoginResult{Outcome: LoginExpired, Session: *open}, nil
		}
		if err := m.store.TouchSession(open.ID, store.StatusActive, now); err != nil {
			return LoginResult{}, err
		}
		open.Status = store.StatusActive
		open.LastActivity = now
		m.logger.Info("session restored", "session_id", open.ID, "time_left", left)
		return LoginResult{Outcome: LoginRestored, Session: *open, TimeLeft: left}, nil
	}

	latest, err := m.store.FindLatestSession(id.Name, id.Class)
	if err != nil {
		return LoginResult{}, err
	}
	if latest != nil && sameDay(latest.StartedAt, now) {
		return LoginResult{Outcome: LoginExpired, Session: *latest}, nil
	}

	sess := store.Session{
		ID:           uuid.NewString(),
		StudentName:  id.Name,
		StudentClass: id.Class,
		Status:       store.StatusActive,
		StartedAt:    now,
		EndsAt:       now.Add(m.duration),
		LastActivity: now,
	}
	if err := m.store.CreateSession(&sess); err != nil {
		return LoginResult{}, err
	}
	m.logger.Info("session created", "session_id", sess.ID, "student", id.Name, "class", id.Class)
	return LoginResult{Outcome: LoginAssigned, Session: sess, TimeLeft: m.duration}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// Get returns a session or nil.
func (m *SessionManager) Get(id string) (*store.Session, error) {
	return m.store.GetSession(id)
}

// SaveCode stores a snapshot. It returns false without saving when the
// session is no longer open or its time is up; an overdue session is
// expired on the way.
func (m *SessionManager) SaveCode(id, filename, code string) (bool, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return false, err
	}
	if sess == nil || !sess.Status.Open() {
		return false, nil
	}
	now := m.clock.Now()
	if sess.TimeLeft(now) <= 0 {
		return false, m.Expire(id)
	}
	if _, err := m.store.SaveCode(&store.CodeSnapshot{
		SessionID: id,
		Filename:  filename,
		Code:      code,
		CreatedAt: now,
	}); err != nil {
		return false, err
	}
	if sess.Status != store.StatusActive {
		if err := m.store.TouchSession(id, store.StatusActive, now); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Touch marks an open session active.
func (m *SessionManager) Touch(id string) error {
	return m.store.TouchSession(id, store.StatusActive, m.clock.Now())
}

// MarkDisconnected flags an open session as disconnected. Finished
// sessions are left alone.
func (m *SessionManager) MarkDisconnected(id string) error {
	sess, err := m.store.GetSession(id)
	if err != nil || sess == nil || !sess.Status.Open() {
		return err
	}
	return m.store.TouchSession(id, store.StatusDisconnected, m.clock.Now())
}

// Complete ends a session with termination.
func (m *SessionManager) Complete(id string, termination store.Termination) error {
	m.logger.Info("session completed", "session_id", id, "termination", termination)
	return m.store.EndSession(id, store.StatusCompleted, termination, m.clock.Now())
}

// Expire ends a session that ran out of time.
func (m *SessionManager) Expire(id string) error {
	m.logger.Info("session expired", "session_id", id)
	return m.store.EndSession(id, store.StatusExpired, store.TerminationTimeout, m.clock.Now())
}

// Open lists active and disconnected sessions.
func (m *SessionManager) Open() ([]store.Session, error) {
	return m.store.OpenSessions()
}

// ExpireOverdue expires every open session whose time is up and returns
// them.
func (m *SessionManager) ExpireOverdue() ([]store.Session, error) {
	open, err := m.store.OpenSessions()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var expired []store.Session
	for _, sess := range open {
		if sess.TimeLeft(now) > 0 {
			continue
		}
		if err := m.Expire(sess.ID); err != nil {
			return expired, err
		}
		sess.Status = store.StatusExpired
		expired = append(expired, sess)
	}
	return expired, nil
}
