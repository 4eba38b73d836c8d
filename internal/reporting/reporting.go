// Package reporting delivers violation reports, heartbeats, and exam events
// to the relay over a transport.Channel.
//
// Reports sent while the channel is down are kept in a bounded FIFO queue
// and replayed one at a time when the channel reconnects. A failed replay
// is queued again until it has used up its retry attempts, then dropped.
package reporting

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/events"
	"proctord/internal/metrics"
	"proctord/internal/transport"
	"proctord/internal/wire"
)

// Config controls queueing and heartbeat cadence.
type Config struct {
	HeartbeatInterval time.Duration
	MaxQueueSize      int
	RetryAttempts     int
	RetryDelay        time.Duration // wait before replaying items a flush re-queued
	FlushDelay        time.Duration // gap between replayed items
	UserAgent         string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MaxQueueSize:      50,
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		FlushDelay:        100 * time.Millisecond,
		UserAgent:         "proctord",
	}
}

func (c Config) merge(src Config) Config {
	if src.HeartbeatInterval > 0 {
		c.HeartbeatInterval = src.HeartbeatInterval
	}
	if src.MaxQueueSize > 0 {
		c.MaxQueueSize = src.MaxQueueSize
	}
	if src.RetryAttempts > 0 {
		c.RetryAttempts = src.RetryAttempts
	}
	if src.RetryDelay > 0 {
		c.RetryDelay = src.RetryDelay
	}
	if src.FlushDelay > 0 {
		c.FlushDelay = src.FlushDelay
	}
	if src.UserAgent != "" {
		c.UserAgent = src.UserAgent
	}
	return c
}

// Item is a queued report.
type Item struct {
	Event      string
	Payload    wire.Envelope
	EnqueuedAt time.Time
	Attempts   int
}

// Status is a snapshot of the service.
type Status struct {
	Connected    bool
	SessionID    string
	QueueSize    int
	Flushing     bool
	HasHeartbeat bool
	Config       Config
}

// StateProvider supplies the agent state sent with each heartbeat.
type StateProvider func() wire.HeartbeatState

// Service is the reporting layer.
type Service struct {
	ch      transport.Channel
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.ReportingMetrics
	state   StateProvider

	mu         sync.Mutex
	cfg        Config
	sessionID  string
	queue      []Item
	flushing   bool
	flushTimer clock.Timer
	retryTimer clock.Timer
	heartbeat  clock.Timer
	listenerID map[string]transport.ListenerID
	destroyed  bool

	serverWarning *events.Bus[wire.AntiCheatWarning]
	serverAction  *events.Bus[wire.AntiCheatAction]
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.ReportingMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithStateProvider sets the heartbeat state source.
func WithStateProvider(p StateProvider) Option { return func(s *Service) { s.state = p } }

// New creates a service bound to ch and registers its channel listeners.
// Zero fields of cfg take the defaults. The heartbeat does not run until
// Start.
func New(ch transport.Channel, sessionID string, cfg Config, opts ...Option) *Service {
	s := &Service{
		ch:         ch,
		clock:      clock.Real(),
		logger:     slog.Default(),
		cfg:        DefaultConfig().merge(cfg),
		sessionID:  sessionID,
		listenerID: make(map[string]transport.ListenerID),
		state:      func() wire.HeartbeatState { return wire.HeartbeatState{} },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewReportingMetrics(metrics.NewRegistry(""))
	}
	s.logger = s.logger.With("component", "reporting")
	s.serverWarning = events.New[wire.AntiCheatWarning]("server-warning", s.logger)
	s.serverAction = events.New[wire.AntiCheatAction]("server-action", s.logger)

	s.listenerID[transport.EventConnect] = ch.On(transport.EventConnect, func(json.RawMessage) {
		s.logger.Info("channel connected")
		s.Flush()
	})
	s.listenerID[transport.EventDisconnect] = ch.On(transport.EventDisconnect, func(json.RawMessage) {
		s.logger.Info("channel disconnected")
	})
	s.listenerID[transport.EventAntiCheatWarning] = ch.On(transport.EventAntiCheatWarning, func(p json.RawMessage) {
		var w wire.AntiCheatWarning
		if err := transport.Decode(p, &w); err != nil {
			s.logger.Warn("malformed server warning", "error", err)
			return
		}
		s.logger.Info("server warning received", "type", w.Type, "score", w.SuspicionScore)
		s.serverWarning.Publish(w)
	})
	s.listenerID[transport.EventAntiCheatAction] = ch.On(transport.EventAntiCheatAction, func(p json.RawMessage) {
		var a wire.AntiCheatAction
		if err := transport.Decode(p, &a); err != nil {
			s.logger.Warn("malformed server action", "error", err)
			return
		}
		s.logger.Info("server action received", "action", a.Action, "reason", a.Reason)
		s.serverAction.Publish(a)
	})
	return s
}

// ServerWarning is published for each anti-cheat-warning directive.
func (s *Service) ServerWarning() events.Subscriber[wire.AntiCheatWarning] { return s.serverWarning }

// ServerAction is published for each anti-cheat-action directive.
func (s *Service) ServerAction() events.Subscriber[wire.AntiCheatAction] { return s.serverAction }

// Start begins the heartbeat.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.startHeartbeatLocked()
}

// startHeartbeatLocked stops any running heartbeat before starting one.
func (s *Service) startHeartbeatLocked() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	interval := s.cfg.HeartbeatInterval
	s.heartbeat = s.clock.Every(interval, func() {
		s.SendHeartbeat(s.state())
	})
	s.logger.Debug("heartbeat started", "interval", interval)
}

// StopHeartbeat stops the heartbeat timer.
func (s *Service) StopHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

func (s *Service) meta() wire.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.Meta{SessionID: s.sessionID, Timestamp: wire.Millis(s.clock.Now())}
}

// ReportViolation sends a suspicious-activity report.
func (s *Service) ReportViolation(kind string, data map[string]any, severity string) bool {
	if severity == "" {
		severity = "medium"
	}
	s.logger.Info("reporting violation", "kind", kind, "severity", severity)
	return s.SendReport(transport.EventSuspiciousActivity, &wire.ViolationReport{
		Meta:          s.meta(),
		Type:          "violation",
		ViolationType: kind,
		Severity:      severity,
		Data:          data,
		UserAgent:     s.Config().UserAgent,
	})
}

// ReportCriticalViolation sends a critical-violation report.
func (s *Service) ReportCriticalViolation(kind string, data map[string]any) bool {
	s.logger.Error("reporting critical violation", "kind", kind)
	return s.SendReport(transport.EventCriticalViolation, &wire.CriticalViolationReport{
		Meta:          s.meta(),
		Type:          "critical_violation",
		ViolationType: kind,
		Severity:      "critical",
		Data:          data,
		Immediate:     true,
	})
}

// ReportExamEvent sends an exam-event report.
func (s *Service) ReportExamEvent(eventType string, data map[string]any) bool {
	s.logger.Info("reporting exam event", "event_type", eventType)
	return s.SendReport(transport.EventExamEvent, &wire.ExamEventReport{
		Meta:      s.meta(),
		Type:      "exam_event",
		EventType: eventType,
		Data:      data,
	})
}

// SendHeartbeat sends an anticheat-heartbeat with state.
func (s *Service) SendHeartbeat(state wire.HeartbeatState) bool {
	return s.SendReport(transport.EventAntiCheatHeartbeat, &wire.AntiCheatHeartbeat{
		Meta:  s.meta(),
		State: state,
	})
}

// SendLiveness sends a plain heartbeat.
func (s *Service) SendLiveness() bool {
	return s.SendReport(transport.EventHeartbeat, &wire.Heartbeat{Meta: s.meta()})
}

// SendCodeUpdate sends a code snapshot.
func (s *Service) SendCodeUpdate(code, filename string) bool {
	if filename == "" {
		filename = "main.js"
	}
	return s.SendReport(transport.EventCodeUpdate, &wire.CodeUpdate{
		Meta:     s.meta(),
		Code:     code,
		Filename: filename,
	})
}

// SendStudentJoin asks the relay for a session.
func (s *Service) SendStudentJoin(name, class string) bool {
	return s.SendReport(transport.EventStudentJoin, &wire.StudentJoin{
		Meta:         s.meta(),
		StudentName:  name,
		StudentClass: class,
	})
}

// SendExamComplete tells the relay the exam is over.
func (s *Service) SendExamComplete(reason string) bool {
	m := s.meta()
	return s.SendReport(transport.EventExamComplete, &wire.ExamComplete{
		Meta:        m,
		CompletedAt: m.Timestamp,
		Reason:      reason,
	})
}

// SendReport emits payload now if the channel is connected and reports
// true. Otherwise, or if the emit fails, the payload is queued and false
// is returned.
func (s *Service) SendReport(event string, payload wire.Envelope) bool {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return false
	}

	if s.ch.Connected() {
		err := s.ch.Emit(event, payload)
		if err == nil {
			s.metrics.Sent.Inc()
			return true
		}
		s.metrics.EmitErrors.Inc()
		s.logger.Warn("emit failed, queueing report", "event", event, "error", err)
	}

	s.enqueue(Item{Event: event, Payload: payload, EnqueuedAt: s.clock.Now()})
	return false
}

func (s *Service) enqueue(items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, items...)
	s.trimLocked()
	for _, it := range items {
		s.metrics.Queued.Inc()
		s.logger.Debug("report queued", "event", it.Event, "attempts", it.Attempts, "queue_size", len(s.queue))
	}
}

// trimLocked evicts the oldest items beyond capacity.
func (s *Service) trimLocked() {
	if over := len(s.queue) - s.cfg.MaxQueueSize; over > 0 {
		for _, it := range s.queue[:over] {
			s.logger.Warn("report queue full, dropping oldest", "event", it.Event)
			s.metrics.Dropped.Inc()
		}
		s.queue = append([]Item(nil), s.queue[over:]...)
	}
	s.metrics.QueueDepth.Set(int64(len(s.queue)))
}

// Flush starts replaying the queue. It is a no-op while a flush is already
// running or the queue is empty. Only items present when the flush starts
// are replayed; later items wait for the next flush.
func (s *Service) Flush() {
	s.mu.Lock()
	if s.destroyed || s.flushing || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	s.flushing = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.metrics.QueueDepth.Set(0)
	s.mu.Unlock()

	s.logger.Info("flushing queued reports", "count", len(batch))
	s.flushStep(batch)
}

// flushStep replays batch[0] and schedules the rest after FlushDelay.
func (s *Service) flushStep(batch []Item) {
	it := batch[0]
	rest := batch[1:]

	it.Attempts++
	it.Payload.MarkQueued(wire.Millis(it.EnqueuedAt))

	var err error
	if !s.ch.Connected() {
		err = transport.ErrNotConnected
	} else {
		err = s.ch.Emit(it.Event, it.Payload)
	}

	s.mu.Lock()
	if s.destroyed {
		s.flushing = false
		s.mu.Unlock()
		return
	}
	retryAttempts := s.cfg.RetryAttempts
	s.mu.Unlock()

	if err == nil {
		s.metrics.Sent.Inc()
		s.metrics.Flushed.Inc()
		s.logger.Debug("sent queued report", "event", it.Event, "attempts", it.Attempts)
	} else {
		s.metrics.EmitErrors.Inc()
		var back []Item
		if it.Attempts < retryAttempts {
			s.logger.Warn("queued report failed, will retry", "event", it.Event, "attempts", it.Attempts, "error", err)
			back = append(back, it)
		} else {
			s.logger.Warn("queued report dropped after retries", "event", it.Event, "attempts", it.Attempts, "error", err)
			s.metrics.Dropped.Inc()
		}
		if !s.ch.Connected() {
			// The channel is gone; the rest waits for the next connect
			// without spending an attempt.
			back = append(back, rest...)
			rest = nil
		}
		s.requeueFront(back...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		s.flushing = false
		return
	}
	if len(rest) == 0 {
		s.flushing = false
		s.flushTimer = nil
		s.scheduleRetryLocked()
		return
	}
	s.flushTimer = s.clock.AfterFunc(s.cfg.FlushDelay, func() { s.flushStep(rest) })
}

// requeueFront puts items back ahead of anything queued since the flush
// began, preserving FIFO order.
func (s *Service) requeueFront(items ...Item) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(append([]Item(nil), items...), s.queue...)
	s.trimLocked()
}

// scheduleRetryLocked replays re-queued items after RetryDelay if the
// channel is still up.
func (s *Service) scheduleRetryLocked() {
	if len(s.queue) == 0 || !s.ch.Connected() || s.retryTimer != nil {
		return
	}
	s.retryTimer = s.clock.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		s.Flush()
	})
}

// Queue returns a copy of the pending items.
func (s *Service) Queue() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.queue))
	copy(out, s.queue)
	return out
}

// UpdateSessionID changes the session id stamped on new reports.
func (s *Service) UpdateSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	s.logger.Info("session id updated", "session_id", id)
}

// UpdateConfig merges the non-zero fields of cfg. A changed heartbeat
// interval restarts the heartbeat if it is running.
func (s *Service) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = s.cfg.merge(cfg)
	s.trimLocked()
	if s.cfg.HeartbeatInterval != old.HeartbeatInterval && s.heartbeat != nil && !s.destroyed {
		s.startHeartbeatLocked()
	}
	s.logger.Info("reporting configuration updated",
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"max_queue_size", s.cfg.MaxQueueSize,
		"retry_attempts", s.cfg.RetryAttempts,
	)
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status returns a snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:    s.ch.Connected(),
		SessionID:    s.sessionID,
		QueueSize:    len(s.queue),
		Flushing:     s.flushing,
		HasHeartbeat: s.heartbeat != nil,
		Config:       s.cfg,
	}
}

// Destroy stops all timers, clears the queue, and detaches from the
// channel. It is safe to call more than once.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	for _, t := range []clock.Timer{s.heartbeat, s.flushTimer, s.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.heartbeat, s.flushTimer, s.retryTimer = nil, nil, nil
	s.queue = nil
	s.flushing = false
	ids := s.listenerID
	s.listenerID = nil
	s.metrics.QueueDepth.Set(0)
	s.mu.Unlock()

	for event, id := range ids {
		s.ch.Off(event, id)
	}
	s.serverWarning.Clear()
	s.serverAction.Clear()
	s.logger.Info("reporting service destroyed")
}
