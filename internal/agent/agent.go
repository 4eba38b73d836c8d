// Package agent wires the student-side services together: the violation
// tracker feeds reporting, relay directives drive the exam and the
// session, and the kiosk bridge feeds all of them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/events"
	"proctord/internal/exam"
	"proctord/internal/metrics"
	"proctord/internal/notify"
	"proctord/internal/reporting"
	"proctord/internal/security"
	"proctord/internal/session"
	"proctord/internal/transport"
	"proctord/internal/validate"
	"proctord/internal/violation"
	"proctord/internal/wire"
)

var (
	ErrExamNotActive = errors.New("agent: exam not active")
	ErrInvalidName   = errors.New("agent: name must contain a first and a last name")
	ErrClosed        = errors.New("agent: closed")
)

const (
	reasonExpired  = "expired"
	expiredMessage = "Exam time is over."
)

// Notices pushed to the kiosk.
const (
	NoticeSessionAssigned = "session-assigned"
	NoticeSessionRestored = "session-restored"
	NoticeLoginError      = "login-error"
	NoticeTimeWarning     = "time-warning"
	NoticeExamExpired     = "exam-expired"
	NoticeServerWarning   = "server-warning"
	NoticeCriticalWarning = "critical-warning"
	NoticeTerminated      = "terminated"
	NoticeCompleted       = "completed"
	NoticeInactivity      = "inactivity"
)

// Pusher forwards notices to the kiosk.
type Pusher interface {
	Broadcast(event string, payload any)
}

type nopPusher struct{}

func (nopPusher) Broadcast(string, any) {}

// Terminated is published once when the exam is ended for violations or
// by the relay.
type Terminated struct {
	Reason  string
	Kind    violation.Kind
	Message string
	At      time.Time
}

// Agent is the running student-side daemon.
type Agent struct {
	ch       transport.Channel
	clock    clock.Clock
	logger   *slog.Logger
	notifier notify.Notifier
	pusher   Pusher
	metrics  *metrics.AgentMetrics
	registry *metrics.Registry

	tracker  *violation.Tracker
	reporter *reporting.Service
	exam     *exam.Service
	session  *session.Service

	mu         sync.Mutex
	view       wire.HeartbeatState
	terminated bool
	closed     bool
	unsub      []func()

	terminatedBus *events.Bus[Terminated]
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock sets the time source for every service.
func WithClock(c clock.Clock) Option { return func(a *Agent) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithNotifier sets the desktop notifier.
func WithNotifier(n notify.Notifier) Option { return func(a *Agent) { a.notifier = n } }

// WithPusher sets where kiosk notices go.
func WithPusher(p Pusher) Option { return func(a *Agent) { a.pusher = p } }

// WithMetrics sets the registry the agent and reporting metrics live in.
func WithMetrics(r *metrics.Registry) Option { return func(a *Agent) { a.registry = r } }

// New builds the services and wires them to ch. Nothing is sent until
// Start.
func New(ch transport.Channel, kv session.KVStore, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		ch:     ch,
		clock:  clock.Real(),
		logger: slog.Default(),
		view:   wire.HeartbeatState{IsInFocus: true, IsVisible: true},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = metrics.NewRegistry("")
	}
	if a.pusher == nil {
		a.pusher = nopPusher{}
	}
	if a.notifier == nil {
		a.notifier = notify.NewLog(a.logger)
	}
	base := a.logger
	a.logger = base.With("component", "agent")
	a.metrics = metrics.NewAgentMetrics(a.registry)
	a.terminatedBus = events.New[Terminated]("terminated", a.logger)

	a.tracker = violation.NewTracker(cfg.Policy,
		violation.WithClock(a.clock), violation.WithLogger(base))
	a.reporter = reporting.New(ch, "", cfg.Reporting,
		reporting.WithClock(a.clock),
		reporting.WithLogger(base),
		reporting.WithMetrics(metrics.NewReportingMetrics(a.registry)),
		reporting.WithStateProvider(a.HeartbeatState),
	)
	a.exam = exam.New(a.reporter, cfg.Exam, exam.WithClock(a.clock), exam.WithLogger(base))

	sessOpts := []session.Option{session.WithClock(a.clock), session.WithLogger(base)}
	if cfg.SessionMaxAge > 0 {
		sessOpts = append(sessOpts, session.WithMaxAge(cfg.SessionMaxAge))
	}
	if cfg.InactivityTimeout > 0 {
		sessOpts = append(sessOpts, session.WithInactivityTimeout(cfg.InactivityTimeout))
	}
	a.session = session.New(kv, sessOpts...)

	a.wire()
	return a
}

func subscribe[T any](a *Agent, s events.Subscriber[T], fn func(T)) {
	id := s.Subscribe(fn)
	a.unsub = append(a.unsub, func() { s.Unsubscribe(id) })
}

func (a *Agent) on(event string, fn func(json.RawMessage)) {
	id := a.ch.On(event, fn)
	a.unsub = append(a.unsub, func() { a.ch.Off(event, id) })
}

func (a *Agent) wire() {
	subscribe(a, a.tracker.ViolationAdded(), a.onViolation)
	subscribe(a, a.tracker.WarningLevelChanged(), a.onLevelChanged)

	subscribe(a, a.reporter.ServerWarning(), a.onServerWarning)
	subscribe(a, a.reporter.ServerAction(), a.onServerAction)

	subscribe(a, a.exam.TimeWarnings(), a.onTimeWarning)
	subscribe(a, a.exam.Expired(), a.onExpired)
	subscribe(a, a.exam.Completed(), a.onCompleted)
	subscribe(a, a.exam.AutoSaved(), func(exam.AutoSaved) { a.metrics.AutoSaves.Inc() })

	subscribe(a, a.session.Inactivity(), a.onInactive)

	a.on(transport.EventConnect, func(json.RawMessage) { a.rejoin() })
	a.on(transport.EventStudentIDAssigned, a.onAssigned)
	a.on(transport.EventSessionRestored, a.onRestored)
	a.on(transport.EventExamExpired, a.onServerExpired)
	a.on(transport.EventTimeWarning, a.onServerTimeWarning)
	a.on(transport.EventLoginError, a.onLoginError)
}

// Terminated is published when the exam is ended early.
func (a *Agent) Terminated() events.Subscriber[Terminated] { return a.terminatedBus }

func (a *Agent) Tracker() *violation.Tracker   { return a.tracker }
func (a *Agent) Reporting() *reporting.Service { return a.reporter }
func (a *Agent) Exam() *exam.Service           { return a.exam }
func (a *Agent) Session() *session.Service     { return a.session }

// Start restores a persisted identity, starts the heartbeat, and connects
// to the relay. A restored identity rejoins as soon as the channel is up.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	restored, err := a.session.Initialize()
	if err != nil {
		a.logger.Warn("could not restore session", "error", err)
	}
	a.reporter.Start()
	if err := a.ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	a.logger.Info("agent started", "restored", restored)
	return nil
}

// rejoin asks the relay to restore the current identity after a
// (re)connect.
func (a *Agent) rejoin() {
	st := a.session.State()
	if !st.Authenticated {
		return
	}
	switch a.exam.State().Status {
	case exam.StatusCompleted, exam.StatusExpired:
		return
	}
	a.logger.Info("rejoining relay", "session_id", st.SessionID)
	a.reporter.UpdateSessionID(st.SessionID)
	a.reporter.SendStudentJoin(st.StudentName, st.StudentClass)
}

// Login asks the relay for a session. The answer arrives asynchronously.
func (a *Agent) Login(name, class string) error {
	if !validate.ValidName(name) {
		return ErrInvalidName
	}
	a.logger.Info("student login requested", "student", validate.CleanName(name), "class", class)
	a.reporter.SendStudentJoin(validate.CleanName(name), class)
	return nil
}

// ReportViolation records a kiosk-detected violation. Violations outside
// an active exam are rejected.
func (a *Agent) ReportViolation(kind violation.Kind, data map[string]any) (violation.Result, error) {
	if !a.exam.IsActive() {
		return violation.Result{}, ErrExamNotActive
	}
	a.metrics.Violation(string(kind))
	return a.tracker.AddViolation(kind, data), nil
}

// RecordActivity resets the inactivity timer.
func (a *Agent) RecordActivity(kind session.Activity) {
	if kind == "" {
		kind = session.ActivityPointer
	}
	a.session.RecordActivity(kind)
}

// UpdateCode records editor contents for the next autosave.
func (a *Agent) UpdateCode(code, filename string) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	if !a.exam.UpdateCode(code, filename) {
		return ErrExamNotActive
	}
	return nil
}

// SaveCode sends editor contents now.
func (a *Agent) SaveCode(code, filename string) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	if !a.exam.SaveCode(code, filename) {
		return ErrExamNotActive
	}
	return nil
}

// checkFilename accepts an empty name, which means the default file.
func checkFilename(name string) error {
	if name == "" {
		return nil
	}
	return security.ValidateFilename(name)
}

// Complete submits the exam.
func (a *Agent) Complete() error {
	if !a.exam.CompleteExam() {
		return ErrExamNotActive
	}
	return nil
}

// SetView records what the kiosk reports about its window.
func (a *Agent) SetView(st wire.HeartbeatState) {
	a.mu.Lock()
	a.view.IsInFocus = st.IsInFocus
	a.view.IsVisible = st.IsVisible
	a.view.IsFullscreen = st.IsFullscreen
	a.mu.Unlock()
}

// HeartbeatState is the state attached to each anticheat heartbeat.
func (a *Agent) HeartbeatState() wire.HeartbeatState {
	a.mu.Lock()
	st := a.view
	a.mu.Unlock()
	st.IsActive = a.exam.IsActive()
	st.Violations = a.tracker.Total()
	st.WarningLevel = a.tracker.WarningLevel()
	return st
}

// UpdateConfig applies reloaded settings.
func (a *Agent) UpdateConfig(cfg Config) {
	a.tracker.UpdateConfig(cfg.Policy)
	a.reporter.UpdateConfig(cfg.Reporting)
}

// =============================================================================
// Tracker and relay reactions
// =============================================================================

func (a *Agent) onViolation(ev violation.Added) {
	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	count := ev.Counters.Count(ev.Kind)
	data["count"] = count
	data["totalCount"] = ev.Counters.Total
	a.reporter.ReportViolation(string(ev.Kind), data, string(a.tracker.Severity(ev.Kind, count)))

	if !ev.Threshold.Exceeded {
		if a.tracker.ShouldShowWarning() {
			a.notice(NoticeServerWarning, notify.Notification{
				Summary: "Exam rules",
				Body:    fmt.Sprintf("Violation recorded: %s (%d)", ev.Kind, max(count, 1)),
				Urgency: notify.UrgencyNormal,
			}, map[string]any{"type": ev.Kind, "count": count})
		}
		return
	}

	a.reporter.ReportCriticalViolation(string(ev.Kind), map[string]any{
		"action":     ev.Threshold.Action,
		"message":    ev.Threshold.Message,
		"violations": ev.Counters.ByKind,
	})
	switch ev.Threshold.Action {
	case violation.ActionTerminate:
		a.terminate(exam.ReasonForcedViolations, ev.Kind, ev.Threshold.Message)
	case violation.ActionCriticalWarning:
		a.notice(NoticeCriticalWarning, notify.Notification{
			Summary: "Final warning",
			Body:    ev.Threshold.Message,
			Urgency: notify.UrgencyCritical,
		}, map[string]any{"type": ev.Kind, "message": ev.Threshold.Message})
	}
}

func (a *Agent) onLevelChanged(ev violation.LevelChanged) {
	a.metrics.WarningLevel.Set(int64(ev.NewLevel))
	if ev.NewLevel >= violation.LevelOrange && ev.NewLevel > ev.OldLevel {
		a.notify(notify.Notification{
			Summary: fmt.Sprintf("Warning level %d", ev.NewLevel),
			Body:    "Further violations may end your exam.",
			Urgency: notify.UrgencyNormal,
		})
	}
}

func (a *Agent) onServerWarning(w wire.AntiCheatWarning) {
	urgency := notify.UrgencyNormal
	if w.Severity == string(violation.SeverityHigh) || w.Severity == string(violation.SeverityCritical) {
		urgency = notify.UrgencyCritical
	}
	a.notice(NoticeServerWarning, notify.Notification{
		Summary: "Proctor warning",
		Body:    w.Message,
		Urgency: urgency,
	}, w)
}

func (a *Agent) onServerAction(act wire.AntiCheatAction) {
	switch act.Action {
	case wire.ActionForceDisconnect:
		msg := act.Message
		if msg == "" {
			msg = "Your exam was ended by the proctor."
		}
		a.terminate(exam.ReasonForcedViolations, "", msg)
	case wire.ActionWarn:
		a.notice(NoticeServerWarning, notify.Notification{
			Summary: "Proctor warning",
			Body:    act.Message,
			Urgency: notify.UrgencyCritical,
		}, act)
	default:
		a.logger.Warn("unknown server action", "action", act.Action)
	}
}

// terminate ends the exam early. Only the first call has any effect.
func (a *Agent) terminate(reason string, kind violation.Kind, message string) {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.terminated = true
	a.mu.Unlock()

	a.logger.Warn("terminating exam", "reason", reason, "kind", kind, "message", message)
	a.exam.Terminate(reason)
	a.metrics.Terminations.Inc()

	ev := Terminated{Reason: reason, Kind: kind, Message: message, At: a.clock.Now()}
	a.notice(NoticeTerminated, notify.Notification{
		Summary: "Exam terminated",
		Body:    message,
		Urgency: notify.UrgencyCritical,
	}, map[string]any{"reason": reason, "type": kind, "message": message})
	a.terminatedBus.Publish(ev)
}

func (a *Agent) onTimeWarning(w exam.TimeWarning) {
	a.notice(NoticeTimeWarning, notify.Notification{
		Summary: "Time warning",
		Body:    w.Message,
		Urgency: notify.UrgencyNormal,
		Replace: true,
	}, map[string]any{"minutesLeft": w.MinutesLeft, "message": w.Message})
}

func (a *Agent) onExpired(e exam.Expired) {
	a.notice(NoticeExamExpired, notify.Notification{
		Summary: "Time is up",
		Body:    e.Message,
		Urgency: notify.UrgencyCritical,
	}, map[string]any{"sessionId": e.SessionID, "message": e.Message})
	a.logout()
}

func (a *Agent) onCompleted(c exam.Completed) {
	a.pusher.Broadcast(NoticeCompleted, map[string]any{"sessionId": c.SessionID, "reason": c.Reason})
	a.logout()
}

func (a *Agent) logout() {
	if err := a.session.Logout(); err != nil {
		a.logger.Warn("could not clear stored session", "error", err)
	}
}

func (a *Agent) onInactive(in session.Inactive) {
	if !a.exam.IsActive() {
		return
	}
	a.reporter.ReportExamEvent("inactivity", map[string]any{
		"lastActivity": wire.Millis(in.LastActivity),
		"duration":     in.Duration.Milliseconds(),
	})
	a.pusher.Broadcast(NoticeInactivity, map[string]any{"duration": in.Duration.Milliseconds()})
}

func (a *Agent) onAssigned(p json.RawMessage) {
	var msg wire.SessionAssigned
	if err := transport.Decode(p, &msg); err != nil {
		a.logger.Warn("malformed session assignment", "error", err)
		return
	}
	a.beginSession(session.Identity{
		SessionID:    msg.SessionID,
		StudentName:  msg.StudentName,
		StudentClass: msg.StudentClass,
	})
	a.tracker.ResetAll()
	a.exam.StartExam(exam.SessionData{
		SessionID:    msg.SessionID,
		StudentName:  msg.StudentName,
		StudentClass: msg.StudentClass,
		TimeLeft:     time.Duration(msg.TimeLeft) * time.Millisecond,
	})
	a.reporter.ReportExamEvent("anticheat_activated", nil)
	a.pusher.Broadcast(NoticeSessionAssigned, msg)
}

func (a *Agent) onRestored(p json.RawMessage) {
	var msg wire.SessionRestored
	if err := transport.Decode(p, &msg); err != nil {
		a.logger.Warn("malformed session restore", "error", err)
		return
	}
	a.beginSession(session.Identity{
		SessionID:    msg.SessionID,
		StudentName:  msg.StudentName,
		StudentClass: msg.StudentClass,
	})
	a.exam.UpdateSession(exam.SessionData{
		SessionID:    msg.SessionID,
		StudentName:  msg.StudentName,
		StudentClass: msg.StudentClass,
		TimeLeft:     time.Duration(msg.TimeLeft) * time.Millisecond,
		LastCode:     msg.LastCode,
	})
	a.pusher.Broadcast(NoticeSessionRestored, msg)
}

func (a *Agent) beginSession(id session.Identity) {
	a.mu.Lock()
	a.terminated = false
	a.mu.Unlock()
	if err := a.session.Login(id); err != nil {
		a.logger.Warn("could not persist session", "error", err)
	}
	a.reporter.UpdateSessionID(id.SessionID)
}

func (a *Agent) onServerExpired(p json.RawMessage) {
	// The relay's expiry is final even when the payload is unreadable.
	var msg wire.ExamExpired
	if err := transport.Decode(p, &msg); err != nil {
		a.logger.Warn("malformed exam-expired", "error", err)
		msg = wire.ExamExpired{}
	}
	if msg.Message == "" {
		msg.Message = expiredMessage
	}
	if a.exam.IsActive() {
		a.exam.Terminate(reasonExpired)
	}
	a.notice(NoticeExamExpired, notify.Notification{
		Summary: "Time is up",
		Body:    msg.Message,
		Urgency: notify.UrgencyCritical,
	}, msg)
	a.logout()
}

func (a *Agent) onServerTimeWarning(p json.RawMessage) {
	var msg wire.TimeWarning
	if err := transport.Decode(p, &msg); err != nil {
		a.logger.Warn("malformed time warning", "error", err)
		return
	}
	a.notice(NoticeTimeWarning, notify.Notification{
		Summary: "Time warning",
		Body:    msg.Message,
		Urgency: notify.UrgencyNormal,
		Replace: true,
	}, msg)
}

func (a *Agent) onLoginError(p json.RawMessage) {
	var msg wire.LoginError
	if err := transport.Decode(p, &msg); err != nil {
		a.logger.Warn("malformed login error", "error", err)
		return
	}
	a.logger.Warn("login rejected", "code", msg.Code, "message", msg.Message)
	a.notice(NoticeLoginError, notify.Notification{
		Summary: "Login failed",
		Body:    msg.Message,
		Urgency: notify.UrgencyNormal,
	}, msg)
}

// notice pushes to the kiosk and shows a desktop notification.
func (a *Agent) notice(event string, n notify.Notification, payload any) {
	a.pusher.Broadcast(event, payload)
	a.notify(n)
}

func (a *Agent) notify(n notify.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.notifier.Notify(ctx, n); err != nil {
		a.logger.Debug("notification failed", "error", err)
	}
}

// Close stops every service and detaches from the channel. The channel
// itself is left to the caller.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	unsub := a.unsub
	a.unsub = nil
	a.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	a.exam.Destroy()
	a.reporter.Destroy()
	a.session.Destroy()
	a.terminatedBus.Clear()
	a.logger.Info("agent stopped")
}
