// Package exam runs the exam lifecycle on the agent: the countdown, time
// warnings, autosave, and liveness heartbeats.
//
// A session moves from disconnected to active on StartExam or
// UpdateSession, and from active to completed or expired. The end time is
// fixed when the session starts or resumes; the remaining time is always
// derived from it.
package exam

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/events"
)

// Status is the lifecycle state of an exam.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusExpired      Status = "expired"
)

// Completion reasons.
const (
	ReasonCompleted        = "completed"
	ReasonForcedViolations = "forced_violations"
)

// Config holds the exam cadence.
type Config struct {
	DefaultDuration   time.Duration
	TickInterval      time.Duration
	AutoSaveInterval  time.Duration
	HeartbeatInterval time.Duration
	WarningMinutes    []int
	MaxCodeLength     int
	DefaultFilename   string
}

// DefaultConfig returns the stock cadence.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:   3 * time.Hour,
		TickInterval:      time.Second,
		AutoSaveInterval:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WarningMinutes:    []int{60, 30, 15, 5},
		MaxCodeLength:     50000,
		DefaultFilename:   "main.js",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = d.DefaultDuration
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.AutoSaveInterval <= 0 {
		c.AutoSaveInterval = d.AutoSaveInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.WarningMinutes == nil {
		c.WarningMinutes = d.WarningMinutes
	}
	if c.MaxCodeLength <= 0 {
		c.MaxCodeLength = d.MaxCodeLength
	}
	if c.DefaultFilename == "" {
		c.DefaultFilename = d.DefaultFilename
	}
	return c
}

// Reporter is the outbound sync the exam needs.
type Reporter interface {
	SendCodeUpdate(code, filename string) bool
	SendLiveness() bool
	SendExamComplete(reason string) bool
}

// SessionData starts or resumes an exam.
type SessionData struct {
	SessionID    string
	StudentName  string
	StudentClass string
	TimeLeft     time.Duration
	LastCode     string
}

// State is a snapshot of the exam.
type State struct {
	SessionID    string        `json:"sessionId"`
	StudentName  string        `json:"studentName"`
	StudentClass string        `json:"studentClass"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	TimeLeft     time.Duration `json:"timeLeft"`
	LastCode     string        `json:"lastCode"`
	Active       bool          `json:"isActive"`
}

// Event payloads.
type (
	TimerUpdate struct {
		TimeLeft  time.Duration
		Formatted string
	}
	TimeWarning struct {
		MinutesLeft int
		TimeLeft    time.Duration
		Message     string
	}
	Expired struct {
		SessionID string
		Message   string
	}
	CodeChange struct {
		Code      string
		Filename  string
		Timestamp time.Time
	}
	AutoSaved struct {
		Timestamp time.Time
	}
	Completed struct {
		SessionID   string
		Reason      string
		CompletedAt time.Time
	}
)

// Service owns the exam state and its timers.
type Service struct {
	clock    clock.Clock
	logger   *slog.Logger
	reporter Reporter
	cfg      Config

	mu        sync.Mutex
	state     State
	fired     map[int]bool
	tick      clock.Timer
	autosave  clock.Timer
	heartbeat clock.Timer
	destroyed bool

	started     *events.Bus[State]
	updated     *events.Bus[State]
	timerUpdate *events.Bus[TimerUpdate]
	timeWarning *events.Bus[TimeWarning]
	expired     *events.Bus[Expired]
	codeUpdated *events.Bus[CodeChange]
	codeSaved   *events.Bus[CodeChange]
	autoSaved   *events.Bus[AutoSaved]
	completed   *events.Bus[Completed]
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New creates an exam service in the disconnected state.
func New(reporter Reporter, cfg Config, opts ...Option) *Service {
	s := &Service{
		clock:    clock.Real(),
		logger:   slog.Default(),
		reporter: reporter,
		cfg:      cfg.withDefaults(),
		state:    State{Status: StatusDisconnected},
		fired:    make(map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "exam")
	s.started = events.New[State]("exam-started", s.logger)
	s.updated = events.New[State]("session-updated", s.logger)
	s.timerUpdate = events.New[TimerUpdate]("timer-update", s.logger)
	s.timeWarning = events.New[TimeWarning]("time-warning", s.logger)
	s.expired = events.New[Expired]("exam-expired", s.logger)
	s.codeUpdated = events.New[CodeChange]("code-updated", s.logger)
	s.codeSaved = events.New[CodeChange]("code-saved", s.logger)
	s.autoSaved = events.New[AutoSaved]("auto-saved", s.logger)
	s.completed = events.New[Completed]("exam-completed", s.logger)
	return s
}

func (s *Service) Started() events.Subscriber[State]            { return s.started }
func (s *Service) SessionUpdated() events.Subscriber[State]     { return s.updated }
func (s *Service) TimerUpdates() events.Subscriber[TimerUpdate] { return s.timerUpdate }
func (s *Service) TimeWarnings() events.Subscriber[TimeWarning] { return s.timeWarning }
func (s *Service) Expired() events.Subscriber[Expired]          { return s.expired }
func (s *Service) CodeUpdated() events.Subscriber[CodeChange]   { return s.codeUpdated }
func (s *Service) CodeSaved() events.Subscriber[CodeChange]     { return s.codeSaved }
func (s *Service) AutoSaved() events.Subscriber[AutoSaved]      { return s.autoSaved }
func (s *Service) Completed() events.Subscriber[Completed]      { return s.completed }

// StartExam activates a new session. A non-positive TimeLeft uses the
// default duration.
func (s *Service) StartExam(data SessionData) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	timeLeft := data.TimeLeft
	if timeLeft <= 0 {
		timeLeft = s.cfg.DefaultDuration
	}
	s.state = State{
		SessionID:    data.SessionID,
		StudentName:  firstNonEmpty(data.StudentName, s.state.StudentName),
		StudentClass: firstNonEmpty(data.StudentClass, s.state.StudentClass),
		Status:       StatusActive,
		StartTime:    now,
		EndTime:      now.Add(timeLeft),
		TimeLeft:     timeLeft,
		LastCode:     data.LastCode,
		Active:       true,
	}
	s.fired = make(map[int]bool)
	s.startTimersLocked()
	st := s.state
	s.mu.Unlock()

	s.logger.Info("exam started", "session_id", st.SessionID, "time_left", timeLeft)
	s.started.Publish(st)
}

// UpdateSession resumes a session after reconnect. The recovered time
// left is authoritative: the end time is recomputed from it.
func (s *Service) UpdateSession(data SessionData) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if data.SessionID != "" {
		s.state.SessionID = data.SessionID
	}
	s.state.StudentName = firstNonEmpty(data.StudentName, s.state.StudentName)
	s.state.StudentClass = firstNonEmpty(data.StudentClass, s.state.StudentClass)
	if data.TimeLeft > 0 {
		s.state.EndTime = now.Add(data.TimeLeft)
	} else if s.state.EndTime.IsZero() {
		s.state.EndTime = now
	}
	if s.state.StartTime.IsZero() {
		s.state.StartTime = now
	}
	s.state.TimeLeft = max(0, s.state.EndTime.Sub(now))
	s.state.LastCode = firstNonEmpty(data.LastCode, s.state.LastCode)
	s.state.Status = StatusActive
	s.state.Active = true

	// Re-arm the marks still ahead of us.
	minutesLeft := int(s.state.TimeLeft / time.Minute)
	for _, m := range s.cfg.WarningMinutes {
		if m < minutesLeft {
			delete(s.fired, m)
		}
	}
	s.startTimersLocked()
	st := s.state
	s.mu.Unlock()

	s.logger.Info("exam session resumed", "session_id", st.SessionID, "time_left", st.TimeLeft)
	s.updated.Publish(st)
}

// startTimersLocked stops running timers before starting new ones.
func (s *Service) startTimersLocked() {
	s.stopTimersLocked()
	s.tick = s.clock.Every(s.cfg.TickInterval, s.onTick)
	s.autosave = s.clock.Every(s.cfg.AutoSaveInterval, s.onAutoSave)
	s.heartbeat = s.clock.Every(s.cfg.HeartbeatInterval, s.onHeartbeat)
}

func (s *Service) stopTimersLocked() {
	for _, t := range []clock.Timer{s.tick, s.autosave, s.heartbeat} {
		if t != nil {
			t.Stop()
		}
	}
	s.tick, s.autosave, s.heartbeat = nil, nil, nil
}

func (s *Service) onTick() {
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return
	}
	timeLeft := max(0, s.state.EndTime.Sub(s.clock.Now()))
	s.state.TimeLeft = timeLeft

	var warning *TimeWarning
	minutesLeft := int(timeLeft / time.Minute)
	if slices.Contains(s.cfg.WarningMinutes, minutesLeft) && !s.fired[minutesLeft] {
		s.fired[minutesLeft] = true
		warning = &TimeWarning{
			MinutesLeft: minutesLeft,
			TimeLeft:    timeLeft,
			Message:     fmt.Sprintf("%d minutes remaining", minutesLeft),
		}
	}

	expired := timeLeft <= 0
	if expired {
		s.state.Status = StatusExpired
		s.state.Active = false
		s.stopTimersLocked()
	}
	sessionID := s.state.SessionID
	s.mu.Unlock()

	if warning != nil {
		s.logger.Info("time warning", "minutes_left", warning.MinutesLeft)
		s.timeWarning.Publish(*warning)
	}
	if expired {
		s.logger.Warn("exam time expired", "session_id", sessionID)
		s.expired.Publish(Expired{SessionID: sessionID, Message: "Exam time has expired"})
		return
	}
	s.timerUpdate.Publish(TimerUpdate{TimeLeft: timeLeft, Formatted: FormatDuration(timeLeft)})
}

func (s *Service) onAutoSave() {
	s.mu.Lock()
	code := s.state.LastCode
	active := s.state.Active
	s.mu.Unlock()

	if !active || code == "" {
		return
	}
	s.reporter.SendCodeUpdate(code, s.cfg.DefaultFilename)
	s.autoSaved.Publish(AutoSaved{Timestamp: s.clock.Now()})
}

func (s *Service) onHeartbeat() {
	if s.IsActive() {
		s.reporter.SendLiveness()
	}
}

// UpdateCode records the latest editor contents without sending them.
func (s *Service) UpdateCode(code, filename string) bool {
	if filename == "" {
		filename = s.cfg.DefaultFilename
	}
	s.mu.Lock()
	if !s.state.Active || len(code) > s.cfg.MaxCodeLength {
		s.mu.Unlock()
		return false
	}
	s.state.LastCode = code
	s.mu.Unlock()

	s.codeUpdated.Publish(CodeChange{Code: code, Filename: filename, Timestamp: s.clock.Now()})
	return true
}

// SaveCode records code and sends it to the relay.
func (s *Service) SaveCode(code, filename string) bool {
	if filename == "" {
		filename = s.cfg.DefaultFilename
	}
	s.mu.Lock()
	if !s.state.Active || len(code) > s.cfg.MaxCodeLength {
		s.mu.Unlock()
		return false
	}
	s.state.LastCode = code
	s.mu.Unlock()

	s.reporter.SendCodeUpdate(code, filename)
	s.codeSaved.Publish(CodeChange{Code: code, Filename: filename, Timestamp: s.clock.Now()})
	s.logger.Debug("code saved", "filename", filename, "bytes", len(code))
	return true
}

// CompleteExam ends an active exam normally.
func (s *Service) CompleteExam() bool {
	return s.finish(ReasonCompleted)
}

// Terminate ends an active exam early for reason.
func (s *Service) Terminate(reason string) bool {
	return s.finish(reason)
}

func (s *Service) finish(reason string) bool {
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return false
	}
	s.state.Status = StatusCompleted
	s.state.Active = false
	s.stopTimersLocked()
	code := s.state.LastCode
	sessionID := s.state.SessionID
	s.mu.Unlock()

	now := s.clock.Now()
	if code != "" {
		s.reporter.SendCodeUpdate(code, s.cfg.DefaultFilename)
		s.codeSaved.Publish(CodeChange{Code: code, Filename: s.cfg.DefaultFilename, Timestamp: now})
	}
	s.reporter.SendExamComplete(reason)

	s.logger.Info("exam completed", "session_id", sessionID, "reason", reason)
	s.completed.Publish(Completed{SessionID: sessionID, Reason: reason, CompletedAt: now})
	return true
}

// State returns a snapshot.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether the exam is running.
func (s *Service) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active && s.state.Status == StatusActive
}

// FormattedTimeLeft returns the remaining time as HH:MM:SS.
func (s *Service) FormattedTimeLeft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FormatDuration(s.state.TimeLeft)
}

// Destroy stops all timers, deactivates the exam, and drops subscribers.
// It is safe to call more than once.
func (s *Service) Destroy() {
	s.mu.Lock()
	s.stopTimersLocked()
	s.state.Active = false
	already := s.destroyed
	s.destroyed = true
	s.mu.Unlock()

	if already {
		return
	}
	for _, c := range []interface{ Clear() }{
		s.started, s.updated, s.timerUpdate, s.timeWarning, s.expired,
		s.codeUpdated, s.codeSaved, s.autoSaved, s.completed,
	} {
		c.Clear()
	}
	s.logger.Info("exam service destroyed")
}

// FormatDuration renders d as zero-padded HH:MM:SS, truncating to whole
// seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
