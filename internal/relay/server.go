// Package relay is the exam server. It accepts student agents and teacher
// dashboards over the framed transport, assigns and restores exam
// sessions, persists code and violations, scores suspicious activity, and
// fans student events out to teachers.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/security"
	"proctord/internal/store"
	"proctord/internal/teacherauth"
	"proctord/internal/transport"
	"proctord/internal/validate"
)

var ErrServerStopped = errors.New("relay: server stopped")

// Config configures the relay.
type Config struct {
	Network    string // "tcp" or "unix"
	Address    string
	SocketMode os.FileMode

	MaxConnections int
	MaxPerIP       int
	RatePerSec     float64
	Burst          int

	HeartbeatInterval time.Duration
	MissedHeartbeats  int

	ExamDuration  time.Duration
	TimeWarnings  []int // minutes before the end
	CheckInterval time.Duration
	// ReportInterval spaces activity reports to teachers; zero disables them.
	ReportInterval time.Duration

	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Monitor MonitorConfig
}

// DefaultConfig returns the stock relay settings.
func DefaultConfig() Config {
	return Config{
		Network:           "tcp",
		Address:           "127.0.0.1:7420",
		SocketMode:        0660,
		MaxConnections:    500,
		RatePerSec:        20,
		Burst:             40,
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		ExamDuration:      3 * time.Hour,
		TimeWarnings:      []int{15, 5, 1},
		CheckInterval:     time.Minute,
		ReportInterval:    15 * time.Minute,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		Monitor:           DefaultMonitorConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Network == "" {
		c.Network = d.Network
	}
	if c.SocketMode == 0 {
		c.SocketMode = d.SocketMode
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = d.MissedHeartbeats
	}
	if c.ExamDuration <= 0 {
		c.ExamDuration = d.ExamDuration
	}
	if c.TimeWarnings == nil {
		c.TimeWarnings = d.TimeWarnings
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// throttleCooldown silences a peer after its first rate-limit drop.
const throttleCooldown = 2 * time.Second

type role int

const (
	roleUnknown role = iota
	roleStudent
	roleTeacher
)

// peer is one accepted connection.
type peer struct {
	id      string
	conn    *transport.Conn
	remote  string // host part, keys rate and lockout state
	limiter *security.RateLimiter

	mu        sync.Mutex
	role      role
	sessionID string
	identity  validate.Identity
	teacher   string
	lastSeen  time.Time
	throttled bool
	ended     bool // session finished by the relay; skip disconnect bookkeeping
}

func (p *peer) student() (string, validate.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID, p.identity, p.role == roleStudent && p.sessionID != ""
}

func (p *peer) isTeacher() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teacher, p.role == roleTeacher
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the time source for sessions, scoring, and timers.
func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.RelayMetrics) Option { return func(s *Server) { s.metrics = m } }

// WithAudit sets the audit log.
func WithAudit(a *logging.AuditLogger) Option { return func(s *Server) { s.audit = a } }

// WithAuthenticator enables teacher logins.
func WithAuthenticator(a *teacherauth.Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithValidator sets the student roster. Without one any well-formed name
// and class is accepted.
func WithValidator(v *validate.Validator) Option { return func(s *Server) { s.validator = v } }

// Server is the relay.
type Server struct {
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	store     *store.Store
	sessions  *SessionManager
	monitor   *Monitor
	schemas   *envelopes
	auth      *teacherauth.Authenticator
	validator *validate.Validator
	metrics   *metrics.RelayMetrics
	audit     *logging.AuditLogger
	conns     *security.ConnectionLimiter

	mu       sync.RWMutex
	listener net.Listener
	peers    map[*peer]struct{}
	students map[string]*peer
	teachers map[*peer]struct{}
	warned   map[string]map[int]bool
	timers   []clock.Timer

	startedAt time.Time
	running   atomic.Bool
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

// New creates a relay over st.
func New(cfg Config, st *store.Store, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("relay: nil store")
	}
	schemas, err := loadEnvelopes()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg.withDefaults(),
		clock:    clock.Real(),
		logger:   slog.Default(),
		store:    st,
		schemas:  schemas,
		peers:    make(map[*peer]struct{}),
		students: make(map[string]*peer),
		teachers: make(map[*peer]struct{}),
		warned:   make(map[string]map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	if s.metrics == nil {
		s.metrics = metrics.NewRelayMetrics(nil)
	}
	if s.validator == nil {
		s.validator = validate.New(validate.Roster{})
	}
	s.sessions = NewSessionManager(st, s.cfg.ExamDuration, s.clock, s.logger)
	s.monitor = NewMonitor(s.cfg.Monitor, s.clock, s.logger)
	s.conns = security.NewConnectionLimiter(s.cfg.MaxConnections, s.cfg.MaxPerIP)
	return s, nil
}

// Monitor exposes the suspicion monitor.
func (s *Server) Monitor() *Monitor { return s.monitor }

// Sessions exposes the session manager.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Start listens on the configured address and serves.
func (s *Server) Start() error {
	ln, err := transport.Listen(s.cfg.Network, s.cfg.Address, s.cfg.SocketMode)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	if s.stopped.Load() {
		ln.Close()
		return ErrServerStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		ln.Close()
		return errors.New("relay: already serving")
	}

	s.restoreScores()

	s.mu.Lock()
	s.listener = ln
	s.startedAt = s.clock.Now()
	s.timers = append(s.timers,
		s.clock.Every(s.cfg.CheckInterval, s.checkTime),
		s.clock.Every(s.cfg.HeartbeatInterval, s.sweep),
	)
	if s.cfg.ReportInterval > 0 {
		s.timers = append(s.timers, s.clock.Every(s.cfg.ReportInterval, s.sendActivityReport))
	}
	s.mu.Unlock()
	s.monitor.Start()

	s.logger.Info("relay listening", "network", ln.Addr().Network(), "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// restoreScores seeds the monitor from persisted scores so a restart does
// not wipe suspicion.
func (s *Server) restoreScores() {
	open, err := s.sessions.Open()
	if err != nil {
		s.logger.Error("load open sessions", "error", err)
		return
	}
	for _, sess := range open {
		s.monitor.Restore(sess.ID, sess.SuspicionScore)
	}
	if len(open) > 0 {
		s.logger.Info("restored open sessions", "count", len(open))
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every connection. Agents see a transport
// failure and reconnect once the relay is back.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.running.Store(false)
	s.monitor.Stop()

	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	ln := s.listener
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to close")
	}

	if s.cfg.Network == "unix" {
		transport.CleanupSocket(s.cfg.Address)
	}
	s.logger.Info("relay stopped")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		host := hostOf(nc.RemoteAddr())
		if !s.conns.Acquire(host) {
			s.logger.Warn("connection limit reached", "remote", host)
			nc.Close()
			continue
		}

		p := &peer{
			id:       uuid.NewString(),
			conn:     transport.NewConn(nc, s.cfg.WriteTimeout, s.cfg.IdleTimeout),
			remote:   host,
			lastSeen: s.clock.Now(),
		}
		if s.cfg.RatePerSec > 0 {
			p.limiter = security.NewRateLimiter(s.cfg.RatePerSec, max(1, s.cfg.Burst), s.clock)
		}

		s.mu.Lock()
		s.peers[p] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(p)
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return "local"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return "local"
	}
	return host
}

func (s *Server) serveConn(p *peer) {
	defer s.wg.Done()
	defer s.drop(p)

	log := s.logger.With("peer", p.id, "remote", p.remote)
	log.Debug("connection accepted")

	for {
		f, err := p.conn.ReadEvent()
		if err != nil {
			log.Debug("connection closed", "error", err)
			return
		}

		p.mu.Lock()
		p.lastSeen = s.clock.Now()
		p.mu.Unlock()

		if p.limiter != nil && !p.limiter.Allow() {
			s.throttle(p, f.Event)
			continue
		}
		p.mu.Lock()
		p.throttled = false
		p.mu.Unlock()

		start := s.clock.Now()
		s.dispatch(p, f)
		s.metrics.FrameDuration.ObserveDuration(s.clock.Now().Sub(start))
	}
}

// throttle drops a frame over the rate limit. The first drop of a burst
// counts as a rapid_requests activity for a student.
func (s *Server) throttle(p *peer, event string) {
	p.mu.Lock()
	first := !p.throttled
	p.throttled = true
	p.mu.Unlock()

	if !first {
		return
	}
	if p.limiter != nil {
		p.limiter.Block(throttleCooldown)
	}
	s.logger.Warn("rate limit exceeded", "peer", p.id, "event", event)
	if id, _, ok := p.student(); ok {
		s.track(id, ActivityRapidRequests, map[string]any{"event": event})
	}
}

func (s *Server) dispatch(p *peer, f transport.Frame) {
	if err := s.schemas.Validate(f.Event, f.Payload); err != nil {
		s.metrics.SchemaRejections.Inc()
		s.logger.Warn("rejected frame", "peer", p.id, "event", f.Event, "error", err)
		if f.Event == transport.EventStudentJoin {
			s.send(p, transport.EventLoginError, loginError("invalid_request", "Name and class are required"))
		}
		return
	}

	switch f.Event {
	case transport.EventHeartbeat, transport.EventAntiCheatHeartbeat:
		s.handleHeartbeat(p, f.Event, f.Payload)
	case transport.EventStudentJoin:
		s.handleStudentJoin(p, f.Payload)
	case transport.EventTeacherJoin:
		s.handleTeacherJoin(p, f.Payload)
	case transport.EventCodeUpdate:
		s.asStudent(p, f, s.handleCodeUpdate)
	case transport.EventSuspiciousActivity:
		s.asStudent(p, f, func(p *peer, raw json.RawMessage) { s.handleViolation(p, raw, false) })
	case transport.EventCriticalViolation:
		s.asStudent(p, f, func(p *peer, raw json.RawMessage) { s.handleViolation(p, raw, true) })
	case transport.EventExamComplete:
		s.asStudent(p, f, s.handleExamComplete)
	case transport.EventExamEvent:
		s.asStudent(p, f, s.handleExamEvent)
	case transport.EventForceDisconnect:
		s.asTeacher(p, f, s.handleTeacherForceDisconnect)
	case transport.EventResetSuspicion:
		s.asTeacher(p, f, s.handleResetSuspicion)
	default:
		s.logger.Debug("unhandled event", "peer", p.id, "event", f.Event)
	}
}

func (s *Server) asStudent(p *peer, f transport.Frame, h func(*peer, json.RawMessage)) {
	if _, _, ok := p.student(); !ok {
		s.logger.Debug("ignoring student event before join", "peer", p.id, "event", f.Event)
		return
	}
	h(p, f.Payload)
}

func (s *Server) asTeacher(p *peer, f transport.Frame, h func(*peer, json.RawMessage)) {
	if _, ok := p.isTeacher(); !ok {
		s.logger.Warn("ignoring teacher command from unauthenticated peer", "peer", p.id, "event", f.Event)
		return
	}
	h(p, f.Payload)
}

// send writes one frame to p. Failures are logged; the reader notices a
// dead connection on its own.
func (s *Server) send(p *peer, event string, payload any) {
	if err := p.conn.Send(event, payload); err != nil {
		s.logger.Debug("send failed", "peer", p.id, "event", event, "error", err)
	}
}

// broadcast fans an event out to every authenticated teacher.
func (s *Server) broadcast(event string, payload any) {
	s.mu.RLock()
	teachers := make([]*peer, 0, len(s.teachers))
	for p := range s.teachers {
		teachers = append(teachers, p)
	}
	s.mu.RUnlock()

	for _, p := range teachers {
		s.send(p, event, payload)
	}
}

// studentPeer returns the live connection for a session.
func (s *Server) studentPeer(sessionID string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.students[sessionID]
}

// drop runs when a connection's reader exits.
func (s *Server) drop(p *peer) {
	p.conn.Close()
	s.conns.Release(p.remote)

	s.mu.Lock()
	delete(s.peers, p)
	_, wasTeacher := s.teachers[p]
	delete(s.teachers, p)
	id, ident, isStudent := p.student()
	current := isStudent && s.students[id] == p
	if current {
		delete(s.students, id)
	}
	s.mu.Unlock()

	if wasTeacher {
		s.metrics.TeachersConnected.Dec()
		name, _ := p.isTeacher()
		s.logger.Info("teacher disconnected", "username", name)
	}
	if !current {
		return
	}

	s.metrics.StudentsConnected.Dec()
	p.mu.Lock()
	ended := p.ended
	p.mu.Unlock()
	if ended {
		return
	}

	if err := s.sessions.MarkDisconnected(id); err != nil {
		s.logger.Error("mark session disconnected", "session_id", id, "error", err)
	}
	s.logger.Info("student disconnected", "session_id", id, "student", ident.Name)
	s.broadcast(transport.EventStudentDisconnected, StudentEvent{
		SessionID:    id,
		StudentName:  ident.Name,
		StudentClass: ident.Class,
		Reason:       "connection_lost",
		Timestamp:    s.clock.Now().UnixMilli(),
	})
}

// endConn finishes a student's connection after the relay ended the
// session.
func (s *Server) endConn(p *peer) {
	p.mu.Lock()
	p.ended = true
	p.mu.Unlock()
	p.conn.CloseGracefully()
}

// =============================================================================
// Periodic checks
// =============================================================================

// checkTime expires overdue sessions, sends time warnings, and flags idle
// students.
func (s *Server) checkTime() {
	expired, err := s.sessions.ExpireOverdue()
	if err != nil {
		s.logger.Error("expire overdue sessions", "error", err)
	}
	for _, sess := range expired {
		s.finishExpired(sess)
	}

	s.mu.RLock()
	connected := make(map[string]*peer, len(s.students))
	for id, p := range s.students {
		connected[id] = p
	}
	s.mu.RUnlock()

	now := s.clock.Now()
	for id, p := range connected {
		sess, err := s.sessions.Get(id)
		if err != nil || sess == nil || !sess.Status.Open() {
			continue
		}
		left := sess.TimeLeft(now)
		minutes := int(left / time.Minute)
		if !slices.Contains(s.cfg.TimeWarnings, minutes) || !s.markWarned(id, minutes) {
			continue
		}
		s.send(p, transport.EventTimeWarning, timeWarning(minutes))
		s.broadcast(transport.EventStudentTimeWarning, StudentEvent{
			SessionID:    id,
			StudentName:  sess.StudentName,
			StudentClass: sess.StudentClass,
			MinutesLeft:  minutes,
			TimeLeft:     left.Milliseconds(),
			Timestamp:    now.UnixMilli(),
		})
		s.logger.Info("time warning sent", "session_id", id, "minutes_left", minutes)
	}

	for _, id := range s.monitor.Idle() {
		if _, ok := connected[id]; ok {
			s.track(id, ActivityInactive, map[string]any{"inactiveMs": s.monitor.Config().MaxInactive.Milliseconds()})
		}
	}
}

// markWarned records that the warning was sent and reports whether it was
// new.
func (s *Server) markWarned(sessionID string, minutes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warned[sessionID]
	if !ok {
		w = make(map[int]bool)
		s.warned[sessionID] = w
	}
	if w[minutes] {
		return false
	}
	w[minutes] = true
	return true
}

// release drops per-session scoring and warning state once a session ends.
func (s *Server) release(sessionID string) {
	s.monitor.Forget(sessionID)
	s.mu.Lock()
	delete(s.warned, sessionID)
	s.mu.Unlock()
}

func (s *Server) finishExpired(sess store.Session) {
	s.metrics.SessionsExpired.Inc()
	s.audit.SessionEnd(sess.ID, string(store.TerminationTimeout))
	s.release(sess.ID)

	if p := s.studentPeer(sess.ID); p != nil {
		s.send(p, transport.EventExamExpired, examExpired(sess.ID))
		s.endConn(p)
	}
	s.broadcast(transport.EventStudentCompleted, StudentEvent{
		SessionID:    sess.ID,
		StudentName:  sess.StudentName,
		StudentClass: sess.StudentClass,
		Reason:       string(store.TerminationTimeout),
		Timestamp:    s.clock.Now().UnixMilli(),
	})
}

// sweep closes connections that stopped sending frames.
func (s *Server) sweep() {
	limit := s.cfg.HeartbeatInterval * time.Duration(s.cfg.MissedHeartbeats)
	now := s.clock.Now()

	s.mu.RLock()
	var stale []*peer
	for p := range s.peers {
		p.mu.Lock()
		idle := now.Sub(p.lastSeen)
		r := p.role
		p.mu.Unlock()
		if r != roleTeacher && idle > limit {
			stale = append(stale, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range stale {
		s.logger.Warn("closing silent connection", "peer", p.id, "remote", p.remote, "missed", s.cfg.MissedHeartbeats)
		p.conn.Close()
	}
	if s.auth != nil {
		s.auth.Prune()
	}
}

func (s *Server) sendActivityReport() {
	r := s.monitor.Report()
	s.broadcast(transport.EventActivityReport, r)
	s.logger.Info("activity report", "suspicious", r.SuspiciousStudents, "total", r.TotalStudents)
}

// =============================================================================
// Snapshot
// =============================================================================

// Students lists open sessions for dashboards.
func (s *Server) Students() ([]StudentSummary, error) {
	open, err := s.sessions.Open()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]StudentSummary, 0, len(open))
	for _, sess := range open {
		left := sess.TimeLeft(now)
		counts, err := s.store.ViolationCounts(sess.ID)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		out = append(out, StudentSummary{
			SessionID:         sess.ID,
			StudentName:       sess.StudentName,
			StudentClass:      sess.StudentClass,
			Status:            string(sess.Status),
			TimeLeft:          left.Milliseconds(),
			FormattedTimeLeft: formatClock(left),
			LastActivity:      sess.LastActivity.UnixMilli(),
			SuspicionScore:    s.monitor.Score(sess.ID),
			Violations:        total,
			Connected:         s.studentPeer(sess.ID) != nil,
		})
	}
	return out, nil
}

// codeHistoryLimit bounds the snapshots returned by SessionDetail.
const codeHistoryLimit = 20

// SessionDetail returns one session with its stored history, or nil when
// the id is unknown.
func (s *Server) SessionDetail(id string) (*SessionDetail, error) {
	sess, err := s.store.GetSession(id)
	if err != nil || sess == nil {
		return nil, err
	}
	d := &SessionDetail{
		SessionID:      sess.ID,
		StudentName:    sess.StudentName,
		StudentClass:   sess.StudentClass,
		Status:         string(sess.Status),
		StartedAt:      sess.StartedAt.UnixMilli(),
		Termination:    string(sess.Termination),
		TimeLeft:       sess.TimeLeft(s.clock.Now()).Milliseconds(),
		SuspicionScore: sess.SuspicionScore,
		Violations:     []ViolationDetail{},
		Code:           []CodeDetail{},
	}
	if !sess.EndedAt.IsZero() {
		d.EndedAt = sess.EndedAt.UnixMilli()
		d.TimeLeft = 0
	}
	if sess.Status.Open() {
		d.SuspicionScore = s.monitor.Score(sess.ID)
	}

	hb, err := s.store.LastHeartbeat(id)
	if err != nil {
		return nil, fmt.Errorf("last heartbeat: %w", err)
	}
	if hb != nil {
		d.LastHeartbeat = &HeartbeatDetail{ReceivedAt: hb.ReceivedAt.UnixMilli(), State: hb.State}
	}

	violations, err := s.store.Violations(id)
	if err != nil {
		return nil, fmt.Errorf("violations: %w", err)
	}
	for _, v := range violations {
		d.Violations = append(d.Violations, ViolationDetail{
			Kind:      v.Kind,
			Severity:  v.Severity,
			Score:     v.Score,
			Data:      v.Data,
			Timestamp: v.CreatedAt.UnixMilli(),
		})
	}

	code, err := s.store.CodeHistory(id, codeHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("code history: %w", err)
	}
	for _, c := range code {
		d.Code = append(d.Code, CodeDetail{Filename: c.Filename, Code: c.Code, Timestamp: c.CreatedAt.UnixMilli()})
	}
	return d, nil
}

// Statistics summarises the store and live connections.
func (s *Server) Statistics() (Statistics, error) {
	st, err := s.store.GetStats()
	if err != nil {
		return Statistics{}, err
	}
	s.mu.RLock()
	online, teachers := len(s.students), len(s.teachers)
	s.mu.RUnlock()
	return Statistics{
		TotalSessions:   st.Sessions,
		OpenSessions:    st.OpenSessions,
		TotalViolations: st.Violations,
		CodeSnapshots:   st.CodeSnapshots,
		CurrentlyOnline: online,
		TeachersOnline:  teachers,
		LastUpdated:     s.clock.Now().UnixMilli(),
	}, nil
}

func (s *Server) snapshot() (Snapshot, error) {
	students, err := s.Students()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list students: %w", err)
	}
	stats, err := s.Statistics()
	if err != nil {
		return Snapshot{}, fmt.Errorf("statistics: %w", err)
	}
	return Snapshot{Students: students, Statistics: stats}, nil
}
