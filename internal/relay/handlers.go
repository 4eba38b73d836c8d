package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"proctord/internal/logging"
	"proctord/internal/store"
	"proctord/internal/teacherauth"
	"proctord/internal/transport"
	"proctord/internal/validate"
	"proctord/internal/wire"
)

const defaultFilename = "main.js"

func loginError(code, msg string) wire.LoginError {
	return wire.LoginError{Code: code, Message: msg}
}

func examExpired(sessionID string) wire.ExamExpired {
	return wire.ExamExpired{SessionID: sessionID, Message: "Exam time is over."}
}

func timeWarning(minutes int) wire.TimeWarning {
	return wire.TimeWarning{
		MinutesLeft: minutes,
		Message:     fmt.Sprintf("Attention! %d minutes left until the end of the exam.", minutes),
	}
}

// =============================================================================
// Liveness
// =============================================================================

func (s *Server) handleHeartbeat(p *peer, event string, raw json.RawMessage) {
	now := s.clock.Now()
	s.send(p, transport.EventHeartbeatAck, map[string]int64{"timestamp": now.UnixMilli()})

	id, _, ok := p.student()
	if !ok {
		return
	}
	hb := &store.Heartbeat{SessionID: id, ReceivedAt: now}
	if event == transport.EventAntiCheatHeartbeat {
		var msg wire.AntiCheatHeartbeat
		if err := transport.Decode(raw, &msg); err == nil {
			if state, err := json.Marshal(msg.State); err == nil {
				hb.State = state
			}
		}
	}
	if err := s.store.RecordHeartbeat(hb); err != nil {
		s.logger.Error("record heartbeat", "session_id", id, "error", err)
	}
}

// =============================================================================
// Student join
// =============================================================================

func (s *Server) handleStudentJoin(p *peer, raw json.RawMessage) {
	if id, _, ok := p.student(); ok {
		s.logger.Warn("duplicate join on connection", "peer", p.id, "session_id", id)
		return
	}
	if _, ok := p.isTeacher(); ok {
		return
	}

	var req wire.StudentJoin
	if err := transport.Decode(raw, &req); err != nil {
		s.send(p, transport.EventLoginError, loginError("invalid_request", "Name and class are required"))
		return
	}

	ident, err := s.validator.Validate(req.StudentName, req.StudentClass)
	if err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			s.send(p, transport.EventLoginError, loginError(string(verr.Kind), verr.Message))
		} else {
			s.send(p, transport.EventLoginError, loginError("invalid_student", err.Error()))
		}
		s.logger.Info("student join rejected", "remote", p.remote, "error", err)
		return
	}

	res, err := s.sessions.Login(ident)
	if err != nil {
		s.logger.Error("student login failed", "student", ident.Name, "error", err)
		s.send(p, transport.EventLoginError, loginError("error", "Could not join the exam. Try again."))
		return
	}

	if res.Outcome == LoginExpired {
		s.send(p, transport.EventExamExpired, examExpired(res.Session.ID))
		s.logger.Info("join after exam end", "session_id", res.Session.ID, "status", res.Session.Status)
		return
	}

	id := res.Session.ID
	s.mu.Lock()
	existing := s.students[id]
	if existing == nil {
		s.students[id] = p
	}
	s.mu.Unlock()

	if existing != nil {
		s.send(p, transport.EventLoginError, loginError("student_exists", "This student is already taking the exam."))
		s.logger.Warn("second connection for live session", "session_id", id, "remote", p.remote)
		s.track(id, ActivityMultipleSessions, map[string]any{"remote": p.remote})
		return
	}

	p.mu.Lock()
	p.role = roleStudent
	p.sessionID = id
	p.identity = ident
	p.mu.Unlock()

	s.metrics.StudentsConnected.Inc()
	s.monitor.Touch(id)

	restored := res.Outcome == LoginRestored
	if restored {
		s.metrics.SessionsRestored.Inc()
		s.send(p, transport.EventSessionRestored, wire.SessionRestored{
			SessionID:    id,
			StudentName:  ident.Name,
			StudentClass: ident.Class,
			TimeLeft:     res.TimeLeft.Milliseconds(),
			LastCode:     res.Session.LastCode,
			Message:      fmt.Sprintf("Welcome back! You have %s left.", formatClock(res.TimeLeft)),
		})
	} else {
		s.metrics.StudentJoins.Inc()
		s.send(p, transport.EventStudentIDAssigned, wire.SessionAssigned{
			SessionID:    id,
			StudentName:  ident.Name,
			StudentClass: ident.Class,
			TimeLeft:     res.TimeLeft.Milliseconds(),
			ExamDuration: s.sessions.Duration().Milliseconds(),
			Message:      fmt.Sprintf("The exam has started. You have %s.", formatClock(res.TimeLeft)),
		})
	}
	s.audit.SessionStart(id, ident.Name, ident.Class, restored)
	s.logger.Info("student joined", "session_id", id, "student", ident.Name, "class", ident.Class, "outcome", res.Outcome)

	s.broadcast(transport.EventStudentJoined, StudentEvent{
		SessionID:    id,
		StudentName:  ident.Name,
		StudentClass: ident.Class,
		JoinType:     res.Outcome.String(),
		TimeLeft:     res.TimeLeft.Milliseconds(),
		Timestamp:    s.clock.Now().UnixMilli(),
	})
}

// =============================================================================
// Student events
// =============================================================================

func (s *Server) handleCodeUpdate(p *peer, raw json.RawMessage) {
	id, ident, _ := p.student()

	var msg wire.CodeUpdate
	if err := transport.Decode(raw, &msg); err != nil {
		s.logger.Warn("bad code update", "session_id", id, "error", err)
		return
	}
	if msg.Filename == "" {
		msg.Filename = defaultFilename
	}

	ok, err := s.sessions.SaveCode(id, msg.Filename, msg.Code)
	if err != nil {
		s.logger.Error("save code", "session_id", id, "error", err)
	}
	if !ok {
		if err == nil {
			s.expireConnected(p, id)
		}
		return
	}

	s.metrics.CodeSnapshots.Inc()
	s.monitor.Touch(id)
	s.broadcast(transport.EventStudentCodeUpdate, StudentEvent{
		SessionID:    id,
		StudentName:  ident.Name,
		StudentClass: ident.Class,
		Code:         msg.Code,
		Filename:     msg.Filename,
		Timestamp:    s.clock.Now().UnixMilli(),
	})
}

// expireConnected tells a student whose session is no longer open that
// the exam is over and closes the connection.
func (s *Server) expireConnected(p *peer, id string) {
	sess, err := s.sessions.Get(id)
	if err == nil && sess != nil && sess.Status == store.StatusExpired {
		s.finishExpired(*sess)
		return
	}
	s.send(p, transport.EventExamExpired, examExpired(id))
	s.endConn(p)
}

// violationMsg covers both suspicious-activity and critical-violation.
type violationMsg struct {
	wire.Meta
	ViolationType string         `json:"violationType"`
	Severity      string         `json:"severity"`
	Data          map[string]any `json:"data"`
}

func (s *Server) handleViolation(p *peer, raw json.RawMessage, critical bool) {
	id, ident, _ := p.student()

	var msg violationMsg
	if err := transport.Decode(raw, &msg); err != nil {
		s.logger.Warn("bad violation report", "session_id", id, "error", err)
		return
	}
	if msg.Severity == "" {
		msg.Severity = "medium"
	}
	s.metrics.Violation(msg.ViolationType, msg.Severity)

	activity := ActivityFor(msg.ViolationType, msg.Data)
	d := s.monitor.Track(id, activity, msg.Data)
	s.metrics.SuspicionScore.Observe(float64(d.Score))

	if _, err := s.store.InsertViolation(&store.Violation{
		SessionID: id,
		Kind:      msg.ViolationType,
		Severity:  msg.Severity,
		Data:      rawData(msg.Data),
		Score:     d.Activity.Points,
		CreatedAt: s.clock.Now(),
	}); err != nil {
		s.logger.Error("store violation", "session_id", id, "error", err)
	}
	if err := s.store.SetSuspicionScore(id, d.Score); err != nil {
		s.logger.Error("store suspicion score", "session_id", id, "error", err)
	}

	event := transport.EventStudentViolation
	if critical {
		event = transport.EventStudentCriticalViolation
	}
	score := d.Score
	s.broadcast(event, StudentEvent{
		SessionID:      id,
		StudentName:    ident.Name,
		StudentClass:   ident.Class,
		ViolationType:  msg.ViolationType,
		Activity:       activity,
		Severity:       msg.Severity,
		Data:           msg.Data,
		SuspicionScore: &score,
		Timestamp:      s.clock.Now().UnixMilli(),
	})

	s.act(id, d)
}

func terminationFor(reason string) store.Termination {
	switch reason {
	case "forced_violations", "violations":
		return store.TerminationViolations
	case "timeout", "expired":
		return store.TerminationTimeout
	}
	return store.TerminationGraceful
}

func (s *Server) handleExamComplete(p *peer, raw json.RawMessage) {
	id, ident, _ := p.student()

	var msg wire.ExamComplete
	if err := transport.Decode(raw, &msg); err != nil {
		s.logger.Warn("bad exam-complete", "session_id", id, "error", err)
	}
	term := terminationFor(msg.Reason)

	if err := s.sessions.Complete(id, term); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("complete session", "session_id", id, "error", err)
		return
	}
	s.audit.SessionEnd(id, string(term))
	s.release(id)

	s.broadcast(transport.EventStudentCompleted, StudentEvent{
		SessionID:    id,
		StudentName:  ident.Name,
		StudentClass: ident.Class,
		Reason:       string(term),
		Timestamp:    s.clock.Now().UnixMilli(),
	})
	s.endConn(p)
}

func (s *Server) handleExamEvent(p *peer, raw json.RawMessage) {
	id, ident, _ := p.student()

	var msg wire.ExamEventReport
	if err := transport.Decode(raw, &msg); err != nil {
		s.logger.Warn("bad exam-event", "session_id", id, "error", err)
		return
	}
	s.logger.Info("exam event", "session_id", id, "event_type", msg.EventType)
	s.broadcast(transport.EventStudentExamEvent, StudentEvent{
		SessionID:    id,
		StudentName:  ident.Name,
		StudentClass: ident.Class,
		EventType:    msg.EventType,
		Data:         msg.Data,
		Timestamp:    s.clock.Now().UnixMilli(),
	})
}

// =============================================================================
// Suspicion actions
// =============================================================================

func rawData(data map[string]any) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}

// track scores a relay-detected activity and acts on it.
func (s *Server) track(sessionID, activity string, data map[string]any) {
	d := s.monitor.Track(sessionID, activity, data)
	s.metrics.SuspicionScore.Observe(float64(d.Score))

	if _, err := s.store.InsertViolation(&store.Violation{
		SessionID: sessionID,
		Kind:      activity,
		Severity:  string(d.Activity.Severity),
		Data:      rawData(data),
		Score:     d.Activity.Points,
		CreatedAt: s.clock.Now(),
	}); err != nil {
		s.logger.Error("store violation", "session_id", sessionID, "error", err)
	}
	if err := s.store.SetSuspicionScore(sessionID, d.Score); err != nil {
		s.logger.Error("store suspicion score", "session_id", sessionID, "error", err)
	}
	s.act(sessionID, d)
}

func (s *Server) act(sessionID string, d Decision) {
	switch d.Action {
	case ActionWarnStudent:
		if p := s.studentPeer(sessionID); p != nil {
			s.send(p, transport.EventAntiCheatWarning, wire.AntiCheatWarning{
				Type:           d.Activity.Type,
				Message:        warningMessage(d.Activity.Type),
				Severity:       string(d.Activity.Severity),
				SuspicionScore: d.Score,
				MaxScore:       s.monitor.Config().MaxScore,
				Timestamp:      s.clock.Now().UnixMilli(),
			})
		}
	case ActionNotifyTeacher:
		ev := s.studentEvent(sessionID)
		score := d.Score
		ev.Activity = d.Activity.Type
		ev.Severity = string(d.Activity.Severity)
		ev.SuspicionScore = &score
		s.broadcast(transport.EventStudentHighSuspicion, HighSuspicion{
			StudentEvent:     ev,
			RecentActivities: s.monitor.Recent(sessionID, 10),
		})
	case ActionForceDisconnect:
		s.ForceDisconnect(sessionID, store.TerminationViolations, ReasonSuspiciousActivity, d.Activity.Type, "monitor")
	}
}

// studentEvent fills the identity fields for a session from its live
// connection or the store.
func (s *Server) studentEvent(sessionID string) StudentEvent {
	ev := StudentEvent{SessionID: sessionID, Timestamp: s.clock.Now().UnixMilli()}
	if p := s.studentPeer(sessionID); p != nil {
		_, ident, _ := p.student()
		ev.StudentName, ev.StudentClass = ident.Name, ident.Class
		return ev
	}
	if sess, err := s.sessions.Get(sessionID); err == nil && sess != nil {
		ev.StudentName, ev.StudentClass = sess.StudentName, sess.StudentClass
	}
	return ev
}

// ForceDisconnect ends a session, tells the student's agent to terminate,
// and notifies teachers. It returns false when the session is unknown or
// already finished.
func (s *Server) ForceDisconnect(sessionID string, termination store.Termination, reason, detail, by string) bool {
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess == nil || !sess.Status.Open() {
		return false
	}
	if err := s.sessions.Complete(sessionID, termination); err != nil {
		s.logger.Error("complete session", "session_id", sessionID, "error", err)
		return false
	}

	score := s.monitor.Score(sessionID)
	if p := s.studentPeer(sessionID); p != nil {
		s.send(p, transport.EventAntiCheatAction, wire.AntiCheatAction{
			Action:    wire.ActionForceDisconnect,
			Reason:    reason,
			Message:   disconnectMessage(reason),
			Timestamp: s.clock.Now().UnixMilli(),
		})
		s.endConn(p)
	}

	s.metrics.ForcedDisconnects.Inc()
	s.audit.ForceDisconnect(sessionID, by, detail, score)
	s.release(sessionID)
	s.logger.Warn("student force disconnected", "session_id", sessionID, "reason", reason, "detail", detail, "by", by, "score", score)

	s.broadcast(transport.EventStudentForceDisconnected, StudentEvent{
		SessionID:      sessionID,
		StudentName:    sess.StudentName,
		StudentClass:   sess.StudentClass,
		Reason:         detail,
		SuspicionScore: &score,
		Timestamp:      s.clock.Now().UnixMilli(),
	})
	return true
}

// =============================================================================
// Teachers
// =============================================================================

func (s *Server) handleTeacherJoin(p *peer, raw json.RawMessage) {
	if _, ok := p.isTeacher(); ok {
		return
	}
	if _, _, ok := p.student(); ok {
		return
	}

	var req wire.TeacherJoin
	if err := transport.Decode(raw, &req); err != nil {
		req = wire.TeacherJoin{}
	}

	if s.auth == nil {
		s.rejectTeacher(p, req.Username, teacherauth.ErrInvalidCredentials)
		return
	}
	teacher, err := s.auth.Authenticate(req.Username, req.Password, p.remote)
	if err != nil {
		s.rejectTeacher(p, req.Username, err)
		return
	}

	p.mu.Lock()
	p.role = roleTeacher
	p.teacher = teacher.Username
	p.mu.Unlock()

	s.mu.Lock()
	s.teachers[p] = struct{}{}
	s.mu.Unlock()

	s.metrics.TeachersConnected.Inc()
	s.audit.TeacherLogin(teacher.Username, p.remote, logging.ResultSuccess, nil)
	s.logger.Info("teacher joined", "username", teacher.Username, "remote", p.remote)

	s.send(p, transport.EventTeacherAuthenticated, TeacherAuthenticated{
		Username:  teacher.Username,
		LoginTime: teacher.LoginTime.UnixMilli(),
	})
	snap, err := s.snapshot()
	if err != nil {
		s.logger.Error("build snapshot", "error", err)
		return
	}
	s.send(p, transport.EventStudentsSnapshot, snap)
}

func (s *Server) rejectTeacher(p *peer, username string, err error) {
	s.metrics.TeacherAuthFails.Inc()

	resp := TeacherAuthFailed{Code: "invalid_credentials", Message: "Invalid username or password."}
	result := logging.ResultFailure
	var lock *teacherauth.LockoutError
	switch {
	case errors.As(err, &lock):
		resp.Code = "too_many_attempts"
		resp.Message = "Too many failed attempts. Try again later."
		resp.LockoutSeconds = int(lock.Remaining.Seconds())
		result = logging.ResultDenied
	case errors.Is(err, teacherauth.ErrMissingCredentials):
		resp.Code = "missing_credentials"
		resp.Message = "Username and password are required."
	}

	s.audit.TeacherLogin(username, p.remote, result, err)
	s.logger.Warn("teacher login failed", "username", username, "remote", p.remote, "code", resp.Code)
	s.send(p, transport.EventTeacherAuthFailed, resp)
}

func (s *Server) handleTeacherForceDisconnect(p *peer, raw json.RawMessage) {
	name, _ := p.isTeacher()
	var cmd TeacherCommand
	if err := transport.Decode(raw, &cmd); err != nil || cmd.SessionID == "" {
		s.logger.Warn("bad force-disconnect command", "username", name)
		return
	}
	detail := cmd.Reason
	if detail == "" {
		detail = ReasonAdminAction
	}
	if !s.ForceDisconnect(cmd.SessionID, store.TerminationTeacher, ReasonAdminAction, detail, name) {
		s.logger.Info("force-disconnect for unknown or finished session", "session_id", cmd.SessionID, "username", name)
	}
}

func (s *Server) handleResetSuspicion(p *peer, raw json.RawMessage) {
	name, _ := p.isTeacher()
	var cmd TeacherCommand
	if err := transport.Decode(raw, &cmd); err != nil || cmd.SessionID == "" {
		return
	}
	s.monitor.Reset(cmd.SessionID)
	if err := s.store.SetSuspicionScore(cmd.SessionID, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("reset suspicion score", "session_id", cmd.SessionID, "error", err)
	}
	s.logger.Info("suspicion reset by teacher", "session_id", cmd.SessionID, "username", name)
}
