package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"proctord/internal/clock"
	"proctord/internal/health"
	"proctord/internal/metrics"
	"proctord/internal/security"
	"proctord/internal/store"
	"proctord/internal/teacherauth"
	"proctord/internal/transport"
	"proctord/internal/validate"
	"proctord/internal/wire"
)

const teacherPassword = "correct horse"

type harness struct {
	srv   *Server
	clk   *clock.Fake
	store *store.Store
	reg   *metrics.Registry
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RatePerSec = 0
	cfg.HeartbeatInterval = time.Hour
	cfg.ReportInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(teacherPassword), bcrypt.MinCost)
	require.NoError(t, err)

	clk := clock.NewFake(epoch)
	st := openTestStore(t)
	reg := metrics.NewRegistry("test")
	srv, err := New(cfg, st,
		WithClock(clk),
		WithMetrics(metrics.NewRelayMetrics(reg)),
		WithValidator(validate.New(validate.Roster{ValidClasses: []string{"10A", "10B"}})),
		WithAuthenticator(teacherauth.New(
			[]teacherauth.Credential{{Username: "teacher", PasswordHash: string(hash)}},
			teacherauth.WithClock(clk),
		)),
	)
	require.NoError(t, err)
	return &harness{srv: srv, clk: clk, store: st, reg: reg}
}

func (h *harness) serve(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, h.srv.Serve(ln))
	t.Cleanup(func() { h.srv.Stop() })
}

type testClient struct {
	t    *testing.T
	nc   net.Conn
	conn *transport.Conn
}

func (h *harness) dial(t *testing.T) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc, conn: transport.NewConn(nc, time.Second, 0)}
}

func (c *testClient) send(event string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Send(event, payload))
}

// expect reads frames until event arrives, skipping others.
func (c *testClient) expect(event string, v any) {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer c.nc.SetReadDeadline(time.Time{})
	for {
		f, err := c.conn.ReadEvent()
		require.NoError(c.t, err, "waiting for %s", event)
		if f.Event != event {
			continue
		}
		if v != nil {
			require.NoError(c.t, transport.Decode(f.Payload, v))
		}
		return
	}
}

// expectClosed reads until the relay closes the connection.
func (c *testClient) expectClosed() error {
	c.t.Helper()
	c.nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, err := c.conn.ReadEvent()
		if err != nil {
			var ne net.Error
			require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
			return err
		}
	}
}

func (h *harness) teacher(t *testing.T) *testClient {
	t.Helper()
	c := h.dial(t)
	c.send(transport.EventTeacherJoin, wire.TeacherJoin{Username: "teacher", Password: teacherPassword})
	c.expect(transport.EventTeacherAuthenticated, nil)
	c.expect(transport.EventStudentsSnapshot, nil)
	return c
}

func (h *harness) student(t *testing.T, name, class string) (*testClient, wire.SessionAssigned) {
	t.Helper()
	c := h.dial(t)
	c.send(transport.EventStudentJoin, wire.StudentJoin{StudentName: name, StudentClass: class})
	var got wire.SessionAssigned
	c.expect(transport.EventStudentIDAssigned, &got)
	return c, got
}

func violationFrame(kind, severity string) wire.ViolationReport {
	return wire.ViolationReport{
		Meta:          wire.Meta{Timestamp: epoch.UnixMilli()},
		Type:          "violation",
		ViolationType: kind,
		Severity:      severity,
	}
}

// =============================================================================
// Joins
// =============================================================================

func TestStudentJoinAssigned(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	teacher := h.teacher(t)

	_, got := h.student(t, "ivan petrov", "10a")
	assert.NotEmpty(t, got.SessionID)
	assert.Equal(t, "Ivan Petrov", got.StudentName)
	assert.Equal(t, "10A", got.StudentClass)
	assert.Equal(t, (3 * time.Hour).Milliseconds(), got.TimeLeft)
	assert.Equal(t, (3 * time.Hour).Milliseconds(), got.ExamDuration)

	var joined StudentEvent
	teacher.expect(transport.EventStudentJoined, &joined)
	assert.Equal(t, got.SessionID, joined.SessionID)
	assert.Equal(t, "assigned", joined.JoinType)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, store.StatusActive, sess.Status)
}

func TestStudentJoinRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	cases := []struct {
		name    string
		payload any
		code    string
	}{
		{"unknown class", wire.StudentJoin{StudentName: "Ivan Petrov", StudentClass: "11Z"}, "invalid_class"},
		{"single name", wire.StudentJoin{StudentName: "Ivan", StudentClass: "10A"}, "invalid_student"},
		{"schema", map[string]string{"studentName": "Ivan Petrov"}, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := h.dial(t)
			c.send(transport.EventStudentJoin, tc.payload)
			var le wire.LoginError
			c.expect(transport.EventLoginError, &le)
			assert.Equal(t, tc.code, le.Code)
			assert.NotEmpty(t, le.Message)
		})
	}
}

func TestSessionRestoredWithLastCode(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	teacher := h.teacher(t)

	c, got := h.student(t, "Ivan Petrov", "10A")
	c.send(transport.EventCodeUpdate, wire.CodeUpdate{Code: "let answer = 42;"})
	var upd StudentEvent
	teacher.expect(transport.EventStudentCodeUpdate, &upd)
	assert.Equal(t, "main.js", upd.Filename)
	assert.Equal(t, "let answer = 42;", upd.Code)

	c.nc.Close()
	var gone StudentEvent
	teacher.expect(transport.EventStudentDisconnected, &gone)
	assert.Equal(t, "connection_lost", gone.Reason)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, sess.Status)

	h.clk.Advance(30 * time.Second)
	again := h.dial(t)
	again.send(transport.EventStudentJoin, wire.StudentJoin{StudentName: "Ivan Petrov", StudentClass: "10A"})
	var restored wire.SessionRestored
	again.expect(transport.EventSessionRestored, &restored)
	assert.Equal(t, got.SessionID, restored.SessionID)
	assert.Equal(t, "let answer = 42;", restored.LastCode)

	var joined StudentEvent
	teacher.expect(transport.EventStudentJoined, &joined)
	assert.Equal(t, "restored", joined.JoinType)
}

func TestSecondConnectionRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	first, got := h.student(t, "Ivan Petrov", "10A")

	second := h.dial(t)
	second.send(transport.EventStudentJoin, wire.StudentJoin{StudentName: "Ivan Petrov", StudentClass: "10A"})
	var le wire.LoginError
	second.expect(transport.EventLoginError, &le)
	assert.Equal(t, "student_exists", le.Code)

	var warn wire.AntiCheatWarning
	first.expect(transport.EventAntiCheatWarning, &warn)
	assert.Equal(t, ActivityMultipleSessions, warn.Type)
	assert.Equal(t, 40, warn.SuspicionScore)

	counts, err := h.store.ViolationCounts(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ActivityMultipleSessions])
}

func TestJoinAfterCompletionIsExpired(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	c, got := h.student(t, "Ivan Petrov", "10A")
	c.send(transport.EventExamComplete, wire.ExamComplete{CompletedAt: epoch.UnixMilli()})
	assert.ErrorIs(t, c.expectClosed(), transport.ErrPeerClosed)

	again := h.dial(t)
	again.send(transport.EventStudentJoin, wire.StudentJoin{StudentName: "Ivan Petrov", StudentClass: "10A"})
	var exp wire.ExamExpired
	again.expect(transport.EventExamExpired, &exp)
	assert.Equal(t, got.SessionID, exp.SessionID)
}

// =============================================================================
// Student events
// =============================================================================

func TestHeartbeatAcked(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	c, got := h.student(t, "Ivan Petrov", "10A")
	c.send(transport.EventAntiCheatHeartbeat, wire.AntiCheatHeartbeat{
		Meta:  wire.Meta{Timestamp: epoch.UnixMilli()},
		State: wire.HeartbeatState{IsActive: true, IsInFocus: true, IsVisible: true},
	})
	var ack map[string]int64
	c.expect(transport.EventHeartbeatAck, &ack)
	assert.Equal(t, epoch.UnixMilli(), ack["timestamp"])

	hb, err := h.store.LastHeartbeat(got.SessionID)
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Contains(t, string(hb.State), `"isInFocus":true`)
}

func TestViolationsEscalateToDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	teacher := h.teacher(t)
	c, got := h.student(t, "Ivan Petrov", "10A")
	teacher.expect(transport.EventStudentJoined, nil)

	// Each clipboard copy is worth 25 points.
	c.send(transport.EventSuspiciousActivity, violationFrame("clipboard", "high"))
	var v StudentEvent
	teacher.expect(transport.EventStudentViolation, &v)
	assert.Equal(t, "clipboard", v.ViolationType)
	assert.Equal(t, ActivityCopy, v.Activity)
	require.NotNil(t, v.SuspicionScore)
	assert.Equal(t, 25, *v.SuspicionScore)

	c.send(transport.EventSuspiciousActivity, violationFrame("clipboard", "high"))
	var warn wire.AntiCheatWarning
	c.expect(transport.EventAntiCheatWarning, &warn)
	assert.Equal(t, 50, warn.SuspicionScore)
	assert.Equal(t, 100, warn.MaxScore)

	c.send(transport.EventSuspiciousActivity, violationFrame("clipboard", "high"))
	var high HighSuspicion
	teacher.expect(transport.EventStudentHighSuspicion, &high)
	assert.Equal(t, got.SessionID, high.SessionID)
	assert.Equal(t, "Ivan Petrov", high.StudentName)
	assert.Len(t, high.RecentActivities, 3)

	c.send(transport.EventCriticalViolation, wire.CriticalViolationReport{
		Meta:          wire.Meta{Timestamp: epoch.UnixMilli()},
		ViolationType: "clipboard",
		Severity:      "critical",
		Immediate:     true,
	})
	var action wire.AntiCheatAction
	c.expect(transport.EventAntiCheatAction, &action)
	assert.Equal(t, wire.ActionForceDisconnect, action.Action)
	assert.Equal(t, ReasonSuspiciousActivity, action.Reason)
	assert.ErrorIs(t, c.expectClosed(), transport.ErrPeerClosed)

	var crit StudentEvent
	teacher.expect(transport.EventStudentCriticalViolation, &crit)
	var forced StudentEvent
	teacher.expect(transport.EventStudentForceDisconnected, &forced)
	require.NotNil(t, forced.SuspicionScore)
	assert.Equal(t, 100, *forced.SuspicionScore)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, sess.Status)
	assert.Equal(t, store.TerminationViolations, sess.Termination)

	counts, err := h.store.ViolationCounts(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, counts["clipboard"])
}

func TestCodeUpdateBeforeJoinIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	c := h.dial(t)
	c.send(transport.EventCodeUpdate, wire.CodeUpdate{Code: "x"})
	c.send(transport.EventHeartbeat, wire.Heartbeat{})
	c.expect(transport.EventHeartbeatAck, nil)

	stats, err := h.store.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.CodeSnapshots)
}

func TestSchemaRejectionCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	c, _ := h.student(t, "Ivan Petrov", "10A")
	c.send(transport.EventCodeUpdate, wire.CodeUpdate{Code: "x", Filename: "../../etc/passwd"})
	c.send(transport.EventHeartbeat, wire.Heartbeat{})
	c.expect(transport.EventHeartbeatAck, nil)

	assert.EqualValues(t, 1, h.srv.metrics.SchemaRejections.Value())
	stats, err := h.store.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.CodeSnapshots)
}

func TestFrameDurationObserved(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	c, _ := h.student(t, "Ivan Petrov", "10A")
	c.send(transport.EventHeartbeat, wire.Heartbeat{})
	c.expect(transport.EventHeartbeatAck, nil)

	// frames on one connection are handled in order, so the join is
	// recorded by the time the ack arrives
	assert.GreaterOrEqual(t, h.srv.metrics.FrameDuration.Count(), uint64(1))
}

func TestThrottleBlocksPeer(t *testing.T) {
	h := newHarness(t, nil)
	p := &peer{id: "p1", limiter: security.NewRateLimiter(1, 1, h.clk)}

	require.True(t, p.limiter.Allow())
	h.srv.throttle(p, transport.EventHeartbeat)
	assert.True(t, p.throttled)

	h.clk.Advance(throttleCooldown / 2)
	assert.False(t, p.limiter.Allow(), "refilled tokens are held back while blocked")

	h.clk.Advance(throttleCooldown)
	assert.True(t, p.limiter.Allow())
}

// =============================================================================
// Teachers
// =============================================================================

func TestTeacherAuthFailuresAndLockout(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	c := h.dial(t)
	var fail TeacherAuthFailed

	c.send(transport.EventTeacherJoin, wire.TeacherJoin{})
	c.expect(transport.EventTeacherAuthFailed, &fail)
	assert.Equal(t, "missing_credentials", fail.Code)

	c.send(transport.EventTeacherJoin, wire.TeacherJoin{Username: "teacher", Password: "nope"})
	c.expect(transport.EventTeacherAuthFailed, &fail)
	assert.Equal(t, "invalid_credentials", fail.Code)

	c.send(transport.EventTeacherJoin, wire.TeacherJoin{Username: "teacher", Password: "still nope"})
	c.expect(transport.EventTeacherAuthFailed, &fail)
	assert.Equal(t, "too_many_attempts", fail.Code)
	assert.Equal(t, 900, fail.LockoutSeconds)

	c.send(transport.EventTeacherJoin, wire.TeacherJoin{Username: "teacher", Password: teacherPassword})
	c.expect(transport.EventTeacherAuthFailed, &fail)
	assert.Equal(t, "too_many_attempts", fail.Code)

	h.clk.Advance(15 * time.Minute)
	c.send(transport.EventTeacherJoin, wire.TeacherJoin{Username: "teacher", Password: teacherPassword})
	c.expect(transport.EventTeacherAuthenticated, nil)

	assert.EqualValues(t, 4, h.srv.metrics.TeacherAuthFails.Value())
}

func TestTeacherSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	_, got := h.student(t, "Ivan Petrov", "10A")

	c := h.dial(t)
	c.send(transport.EventTeacherJoin, wire.TeacherJoin{Username: "teacher", Password: teacherPassword})
	var auth TeacherAuthenticated
	c.expect(transport.EventTeacherAuthenticated, &auth)
	assert.Equal(t, "teacher", auth.Username)

	var snap Snapshot
	c.expect(transport.EventStudentsSnapshot, &snap)
	require.Len(t, snap.Students, 1)
	assert.Equal(t, got.SessionID, snap.Students[0].SessionID)
	assert.Equal(t, "03:00:00", snap.Students[0].FormattedTimeLeft)
	assert.True(t, snap.Students[0].Connected)
	assert.EqualValues(t, 1, snap.Statistics.OpenSessions)
	assert.Equal(t, 1, snap.Statistics.CurrentlyOnline)
	assert.Equal(t, 1, snap.Statistics.TeachersOnline)
}

func TestTeacherForceDisconnectAndReset(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	teacher := h.teacher(t)
	c, got := h.student(t, "Ivan Petrov", "10A")

	c.send(transport.EventSuspiciousActivity, violationFrame("focusLoss", "medium"))
	teacher.expect(transport.EventStudentViolation, nil)
	assert.Equal(t, 10, h.srv.Monitor().Score(got.SessionID))

	teacher.send(transport.EventResetSuspicion, TeacherCommand{SessionID: got.SessionID})
	teacher.send(transport.EventForceDisconnect, TeacherCommand{SessionID: got.SessionID, Reason: "talking"})

	var action wire.AntiCheatAction
	c.expect(transport.EventAntiCheatAction, &action)
	assert.Equal(t, ReasonAdminAction, action.Reason)

	var forced StudentEvent
	teacher.expect(transport.EventStudentForceDisconnected, &forced)
	assert.Equal(t, "talking", forced.Reason)
	require.NotNil(t, forced.SuspicionScore)
	assert.Equal(t, 0, *forced.SuspicionScore)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.TerminationTeacher, sess.Termination)
	assert.Equal(t, 0, sess.SuspicionScore)
}

func TestStudentCannotIssueTeacherCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	c, got := h.student(t, "Ivan Petrov", "10A")

	c.send(transport.EventForceDisconnect, TeacherCommand{SessionID: got.SessionID})
	c.send(transport.EventHeartbeat, wire.Heartbeat{})
	c.expect(transport.EventHeartbeatAck, nil)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Status.Open())
}

// =============================================================================
// Timers
// =============================================================================

func TestTimeWarningsAndExpiry(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ExamDuration = 20 * time.Minute })
	h.serve(t)
	teacher := h.teacher(t)
	c, got := h.student(t, "Ivan Petrov", "10A")

	var tw wire.TimeWarning
	h.clk.Advance(5 * time.Minute)
	c.expect(transport.EventTimeWarning, &tw)
	assert.Equal(t, 15, tw.MinutesLeft)
	var ev StudentEvent
	teacher.expect(transport.EventStudentTimeWarning, &ev)
	assert.Equal(t, 15, ev.MinutesLeft)

	h.clk.Advance(10 * time.Minute)
	c.expect(transport.EventTimeWarning, &tw)
	assert.Equal(t, 5, tw.MinutesLeft)

	h.clk.Advance(4 * time.Minute)
	c.expect(transport.EventTimeWarning, &tw)
	assert.Equal(t, 1, tw.MinutesLeft)

	h.clk.Advance(time.Minute)
	var exp wire.ExamExpired
	c.expect(transport.EventExamExpired, &exp)
	assert.Equal(t, got.SessionID, exp.SessionID)
	assert.ErrorIs(t, c.expectClosed(), transport.ErrPeerClosed)

	var done StudentEvent
	teacher.expect(transport.EventStudentCompleted, &done)
	assert.Equal(t, string(store.TerminationTimeout), done.Reason)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, sess.Status)
	assert.EqualValues(t, 1, h.srv.metrics.SessionsExpired.Value())
}

func TestSweepClosesSilentStudent(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 30 * time.Second })
	h.serve(t)
	teacher := h.teacher(t)
	c, got := h.student(t, "Ivan Petrov", "10A")

	h.clk.Advance(2 * time.Minute)
	require.Error(t, c.expectClosed())

	var gone StudentEvent
	teacher.expect(transport.EventStudentDisconnected, &gone)
	assert.Equal(t, got.SessionID, gone.SessionID)

	sess, err := h.store.GetSession(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, sess.Status)
}

func TestScoresRestoredOnServe(t *testing.T) {
	h := newHarness(t, nil)
	sess := &store.Session{
		ID:           "restored-1",
		StudentName:  "Anna Smirnova",
		StudentClass: "10B",
		Status:       store.StatusDisconnected,
		StartedAt:    epoch,
		EndsAt:       epoch.Add(time.Hour),
		LastActivity: epoch,
	}
	require.NoError(t, h.store.CreateSession(sess))
	require.NoError(t, h.store.SetSuspicionScore(sess.ID, 45))

	h.serve(t)
	assert.Equal(t, 45, h.srv.Monitor().Score(sess.ID))
}

// =============================================================================
// HTTP
// =============================================================================

func TestHTTPHandler(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	_, got := h.student(t, "Ivan Petrov", "10A")

	handler := h.srv.HTTPHandler(h.reg, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/students", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Students, 1)
	assert.Equal(t, got.SessionID, snap.Students[0].SessionID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_relay_student_joins_total 1"), rec.Body.String())
}

func TestSessionDetailEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)
	c, got := h.student(t, "Ivan Petrov", "10A")

	c.send(transport.EventCodeUpdate, wire.CodeUpdate{Code: "let a = 1;", Filename: "main.js"})
	c.send(transport.EventSuspiciousActivity, violationFrame("clipboard", "high"))
	c.send(transport.EventAntiCheatHeartbeat, wire.AntiCheatHeartbeat{
		Meta:  wire.Meta{Timestamp: epoch.UnixMilli()},
		State: wire.HeartbeatState{IsActive: true, IsInFocus: false},
	})
	c.expect(transport.EventHeartbeatAck, nil)

	handler := h.srv.HTTPHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+got.SessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d SessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, got.SessionID, d.SessionID)
	assert.Equal(t, "active", d.Status)
	assert.Equal(t, 25, d.SuspicionScore)
	require.Len(t, d.Code, 1)
	assert.Equal(t, "let a = 1;", d.Code[0].Code)
	require.Len(t, d.Violations, 1)
	assert.Equal(t, "clipboard", d.Violations[0].Kind)
	require.NotNil(t, d.LastHeartbeat)
	assert.Contains(t, string(d.LastHeartbeat.State), `"isInFocus":false`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	h.serve(t)

	hc := health.NewChecker(h.clk)
	h.srv.RegisterHealth(hc)
	handler := h.srv.HTTPHandler(nil, hc)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hc.SetReady(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Components["schema"].Status)
	assert.Equal(t, health.StatusHealthy, resp.Components["listener"].Status)
}
