// Package session persists the student's login identity across agent
// restarts and watches for input inactivity.
//
// Only identity is stored here. Exam progress (time left, code) is
// recovered from the relay.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/events"
	"proctord/internal/wire"
)

// StorageKey is the key the identity record is stored under.
const StorageKey = "exam_session"

const (
	DefaultMaxAge            = 24 * time.Hour
	DefaultInactivityTimeout = 5 * time.Minute
)

// ErrNotAuthenticated is returned by Update before Login.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Activity is the kind of user input observed.
type Activity string

const (
	ActivityPointer Activity = "pointer"
	ActivityKey     Activity = "key"
	ActivityTouch   Activity = "touch"
	ActivityScroll  Activity = "scroll"
)

// Identity is what the relay assigns on login.
type Identity struct {
	SessionID    string
	StudentName  string
	StudentClass string
}

// State is the session snapshot.
type State struct {
	Authenticated bool
	SessionID     string
	StudentName   string
	StudentClass  string
	LoginTime     time.Time
	LastActivity  time.Time
}

// Inactive is published when no input arrives within the timeout.
type Inactive struct {
	LastActivity time.Time
	Duration     time.Duration
}

// record is the persisted form.
type record struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	SessionID       string `json:"sessionId"`
	StudentName     string `json:"studentName"`
	StudentClass    string `json:"studentClass"`
	LoginTime       int64  `json:"loginTime"`
	LastActivity    int64  `json:"lastActivity"`
	SavedAt         int64  `json:"savedAt"`
}

// Service owns the login state.
type Service struct {
	store             KVStore
	clock             clock.Clock
	logger            *slog.Logger
	maxAge            time.Duration
	inactivityTimeout time.Duration

	mu        sync.Mutex
	state     State
	timer     clock.Timer
	destroyed bool

	loggedIn  *events.Bus[State]
	loggedOut *events.Bus[State]
	restored  *events.Bus[State]
	updated   *events.Bus[State]
	inactive  *events.Bus[Inactive]
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMaxAge sets how old a stored record may be and still restore.
func WithMaxAge(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithInactivityTimeout sets the idle period before Inactive fires.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.inactivityTimeout = d
		}
	}
}

// New returns a logged-out service backed by store.
func New(store KVStore, opts ...Option) *Service {
	s := &Service{
		store:             store,
		clock:             clock.Real(),
		logger:            slog.Default(),
		maxAge:            DefaultMaxAge,
		inactivityTimeout: DefaultInactivityTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	s.loggedIn = events.New[State]("login", s.logger)
	s.loggedOut = events.New[State]("logout", s.logger)
	s.restored = events.New[State]("session-restored", s.logger)
	s.updated = events.New[State]("session-updated", s.logger)
	s.inactive = events.New[Inactive]("inactivity", s.logger)
	return s
}

func (s *Service) LoggedIn() events.Subscriber[State]      { return s.loggedIn }
func (s *Service) LoggedOut() events.Subscriber[State]     { return s.loggedOut }
func (s *Service) Restored() events.Subscriber[State]      { return s.restored }
func (s *Service) Updated() events.Subscriber[State]       { return s.updated }
func (s *Service) Inactivity() events.Subscriber[Inactive] { return s.inactive }

// Initialize restores a stored session. It reports whether one was
// restored. Records that are not authenticated, are unreadable, or are
// older than the max age are deleted.
func (s *Service) Initialize() (bool, error) {
	data, ok, err := s.store.Get(StorageKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("discarding unreadable session record", "error", err)
		return false, s.store.Delete(StorageKey)
	}
	if !rec.IsAuthenticated {
		return false, nil
	}

	now := s.clock.Now()
	if age := now.Sub(wire.Time(rec.SavedAt)); age > s.maxAge {
		s.logger.Info("stored session too old, clearing", "age", age.Round(time.Second))
		return false, s.store.Delete(StorageKey)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false, nil
	}
	s.state = State{
		Authenticated: true,
		SessionID:     rec.SessionID,
		StudentName:   rec.StudentName,
		StudentClass:  rec.StudentClass,
		LoginTime:     wire.Time(rec.LoginTime),
		LastActivity:  wire.Time(rec.LastActivity),
	}
	s.armLocked()
	st := s.state
	s.mu.Unlock()

	s.logger.Info("session restored", "session_id", st.SessionID, "student", st.StudentName)
	s.restored.Publish(st)
	return true, nil
}

// Login authenticates id and persists it. State changes even when the
// store write fails; the error is returned for the caller to log.
func (s *Service) Login(id Identity) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	s.state = State{
		Authenticated: true,
		SessionID:     id.SessionID,
		StudentName:   id.StudentName,
		StudentClass:  id.StudentClass,
		LoginTime:     now,
		LastActivity:  now,
	}
	s.armLocked()
	st := s.state
	s.mu.Unlock()

	err := s.save(st)
	s.logger.Info("logged in", "session_id", st.SessionID, "student", st.StudentName)
	s.loggedIn.Publish(st)
	return err
}

// Logout clears the state and the stored record. Logged out is only
// published when a session was active.
func (s *Service) Logout() error {
	s.mu.Lock()
	was := s.state
	s.state = State{}
	s.stopLocked()
	s.mu.Unlock()

	err := s.store.Delete(StorageKey)
	if was.Authenticated {
		s.logger.Info("logged out", "session_id", was.SessionID)
		s.loggedOut.Publish(was)
	}
	return err
}

// Update merges the non-empty fields of id into the session, bumps the
// last activity, and persists.
func (s *Service) Update(id Identity) error {
	s.mu.Lock()
	if !s.state.Authenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	if id.SessionID != "" {
		s.state.SessionID = id.SessionID
	}
	if id.StudentName != "" {
		s.state.StudentName = id.StudentName
	}
	if id.StudentClass != "" {
		s.state.StudentClass = id.StudentClass
	}
	s.state.LastActivity = s.clock.Now()
	st := s.state
	s.mu.Unlock()

	err := s.save(st)
	s.updated.Publish(st)
	return err
}

// RecordActivity notes user input and re-arms the inactivity timer.
// It is ignored while logged out.
func (s *Service) RecordActivity(kind Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Authenticated || s.destroyed {
		return
	}
	s.state.LastActivity = s.clock.Now()
	s.armLocked()
}

func (s *Service) armLocked() {
	s.stopLocked()
	s.timer = s.clock.AfterFunc(s.inactivityTimeout, s.onInactive)
}

func (s *Service) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Service) onInactive() {
	s.mu.Lock()
	if !s.state.Authenticated {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	last := s.state.LastActivity
	s.mu.Unlock()

	ev := Inactive{LastActivity: last, Duration: s.clock.Now().Sub(last)}
	s.logger.Warn("session inactive", "idle", ev.Duration)
	s.inactive.Publish(ev)
}

func (s *Service) save(st State) error {
	if !st.Authenticated {
		return nil
	}
	data, err := json.Marshal(record{
		IsAuthenticated: true,
		SessionID:       st.SessionID,
		StudentName:     st.StudentName,
		StudentClass:    st.StudentClass,
		LoginTime:       wire.Millis(st.LoginTime),
		LastActivity:    wire.Millis(st.LastActivity),
		SavedAt:         wire.Millis(s.clock.Now()),
	})
	if err != nil {
		return err
	}
	if err := s.store.Set(StorageKey, data); err != nil {
		s.logger.Error("failed to persist session", "error", err)
		return err
	}
	return nil
}

// State returns a snapshot.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAuthenticated reports whether a student is logged in.
func (s *Service) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Authenticated
}

// Duration returns the time since login, or zero when logged out.
func (s *Service) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LoginTime.IsZero() {
		return 0
	}
	return s.clock.Now().Sub(s.state.LoginTime)
}

// Destroy stops the inactivity timer and drops subscribers. The stored
// record is kept so the next start can restore it.
func (s *Service) Destroy() {
	s.mu.Lock()
	s.stopLocked()
	already := s.destroyed
	s.destroyed = true
	s.mu.Unlock()
	if already {
		return
	}

	s.loggedIn.Clear()
	s.loggedOut.Clear()
	s.restored.Clear()
	s.updated.Clear()
	s.inactive.Clear()
}
