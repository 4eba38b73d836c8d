package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/bridge"
	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/exam"
	"proctord/internal/notify"
	"proctord/internal/security"
	"proctord/internal/session"
	"proctord/internal/transport"
	"proctord/internal/violation"
	"proctord/internal/wire"
)

var epoch = time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

type notes struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notes) Notify(ctx context.Context, x notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
	return nil
}

func (n *notes) Close() error { return nil }

func (n *notes) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.got...)
}

type pushes struct {
	mu     sync.Mutex
	events []string
}

func (p *pushes) Broadcast(event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *pushes) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	t      *testing.T
	agent  *Agent
	client *transport.PipeEnd
	relay  *transport.PipeEnd
	clock  *clock.Fake
	kv     *session.MemoryStore
	notes  *notes
	pushes *pushes

	mu  sync.Mutex
	got map[string][]map[string]any
}

var relayEvents = []string{
	transport.EventStudentJoin,
	transport.EventSuspiciousActivity,
	transport.EventCriticalViolation,
	transport.EventExamEvent,
	transport.EventExamComplete,
	transport.EventCodeUpdate,
	transport.EventHeartbeat,
	transport.EventAntiCheatHeartbeat,
}

func testConfig() Config {
	return Config{
		Exam: exam.Config{
			DefaultDuration:   time.Hour,
			HeartbeatInterval: time.Hour,
			AutoSaveInterval:  time.Hour,
			WarningMinutes:    []int{15, 5},
		},
		InactivityTimeout: 10 * time.Minute,
	}
}

func newHarness(t *testing.T, kv *session.MemoryStore, cfg Config) *harness {
	t.Helper()
	c, r := transport.Pipe()
	if kv == nil {
		kv = session.NewMemoryStore()
	}
	h := &harness{
		t:      t,
		client: c,
		relay:  r,
		clock:  clock.NewFake(epoch),
		kv:     kv,
		notes:  &notes{},
		pushes: &pushes{},
		got:    make(map[string][]map[string]any),
	}
	require.NoError(t, r.Connect(context.Background()))
	for _, ev := range relayEvents {
		r.On(ev, func(p json.RawMessage) {
			var m map[string]any
			require.NoError(t, json.Unmarshal(p, &m))
			h.mu.Lock()
			h.got[ev] = append(h.got[ev], m)
			h.mu.Unlock()
		})
	}
	h.agent = New(c, kv, cfg,
		WithClock(h.clock),
		WithNotifier(h.notes),
		WithPusher(h.pushes),
	)
	t.Cleanup(h.agent.Close)
	require.NoError(t, h.agent.Start(context.Background()))
	return h
}

func (h *harness) received(event string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.got[event]...)
}

func (h *harness) emit(event string, payload any) {
	h.t.Helper()
	require.NoError(h.t, h.relay.Emit(event, payload))
}

func (h *harness) assign(id string, timeLeft time.Duration) {
	h.t.Helper()
	h.emit(transport.EventStudentIDAssigned, wire.SessionAssigned{
		SessionID:    id,
		StudentName:  "Ivan Petrov",
		StudentClass: "10A",
		TimeLeft:     timeLeft.Milliseconds(),
		ExamDuration: timeLeft.Milliseconds(),
	})
}

// =============================================================================
// Login and session lifecycle
// =============================================================================

func TestLoginSendsJoin(t *testing.T) {
	h := newHarness(t, nil, testConfig())

	assert.ErrorIs(t, h.agent.Login("ivan", "10A"), ErrInvalidName)
	require.NoError(t, h.agent.Login("  ivan   petrov ", "10A"))

	joins := h.received(transport.EventStudentJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "Ivan Petrov", joins[0]["studentName"])
	assert.Equal(t, "10A", joins[0]["studentClass"])
}

func TestAssignmentStartsExam(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", 90*time.Minute)

	st := h.agent.Exam().State()
	assert.True(t, h.agent.Exam().IsActive())
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, 90*time.Minute, st.TimeLeft)

	sess := h.agent.Session().State()
	assert.True(t, sess.Authenticated)
	assert.Equal(t, "sess-1", sess.SessionID)
	assert.True(t, h.pushes.has(NoticeSessionAssigned))

	events := h.received(transport.EventExamEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "anticheat_activated", events[0]["eventType"])
	assert.Equal(t, "sess-1", events[0]["sessionId"])
}

func TestRestoreResumesWithLastCode(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.emit(transport.EventSessionRestored, wire.SessionRestored{
		SessionID:    "sess-2",
		StudentName:  "Ivan Petrov",
		StudentClass: "10A",
		TimeLeft:     (40 * time.Minute).Milliseconds(),
		LastCode:     "let x = 1;",
	})

	st := h.agent.Exam().State()
	assert.True(t, st.Active)
	assert.Equal(t, "let x = 1;", st.LastCode)
	assert.Equal(t, 40*time.Minute, st.TimeLeft)
	assert.Equal(t, "sess-2", h.agent.Session().State().SessionID)
	assert.True(t, h.pushes.has(NoticeSessionRestored))
}

func TestReconnectRejoins(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)
	require.Empty(t, h.received(transport.EventStudentJoin))

	h.client.Drop()
	require.NoError(t, h.client.Connect(context.Background()))

	joins := h.received(transport.EventStudentJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "Ivan Petrov", joins[0]["studentName"])
	assert.Equal(t, "sess-1", joins[0]["sessionId"])
}

func TestStoredIdentityRejoinsOnStart(t *testing.T) {
	kv := session.NewMemoryStore()
	first := newHarness(t, kv, testConfig())
	first.assign("sess-1", time.Hour)
	first.agent.Close()

	second := newHarness(t, kv, testConfig())
	joins := second.received(transport.EventStudentJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "sess-1", joins[0]["sessionId"])
}

func TestLoginErrorNotifies(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.emit(transport.EventLoginError, wire.LoginError{Code: "invalid_class", Message: "Unknown class"})

	assert.True(t, h.pushes.has(NoticeLoginError))
	got := h.notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Unknown class", got[0].Body)
}

// =============================================================================
// Violations
// =============================================================================

func TestViolationOutsideExam(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	_, err := h.agent.ReportViolation(violation.KindFocusLoss, nil)
	assert.ErrorIs(t, err, ErrExamNotActive)
	assert.Empty(t, h.received(transport.EventSuspiciousActivity))
}

func TestViolationReported(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	res, err := h.agent.ReportViolation(violation.KindClipboard, map[string]any{"action": "paste"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	reports := h.received(transport.EventSuspiciousActivity)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "clipboard", r["violationType"])
	assert.Equal(t, "low", r["severity"])
	assert.Equal(t, "sess-1", r["sessionId"])
	data := r["data"].(map[string]any)
	assert.Equal(t, "paste", data["action"])
	assert.Equal(t, float64(1), data["count"])
	assert.Equal(t, float64(1), data["totalCount"])

	require.Len(t, h.notes.all(), 1, "first violation shows a warning")
	_, err = h.agent.ReportViolation(violation.KindClipboard, nil)
	require.NoError(t, err)
	assert.Len(t, h.notes.all(), 1, "cooldown suppresses the second")
}

func TestThresholdTerminates(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	var terminated []Terminated
	h.agent.Terminated().Subscribe(func(e Terminated) { terminated = append(terminated, e) })

	_, err := h.agent.ReportViolation(violation.KindWindowsKey, nil)
	require.NoError(t, err)
	res, err := h.agent.ReportViolation(violation.KindWindowsKey, nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldTerminate)

	require.Len(t, terminated, 1)
	assert.Equal(t, exam.ReasonForcedViolations, terminated[0].Reason)
	assert.Equal(t, violation.KindWindowsKey, terminated[0].Kind)

	crit := h.received(transport.EventCriticalViolation)
	require.Len(t, crit, 1)
	assert.Equal(t, "windowsKey", crit[0]["violationType"])
	assert.Equal(t, "terminate", crit[0]["data"].(map[string]any)["action"])

	done := h.received(transport.EventExamComplete)
	require.Len(t, done, 1)
	assert.Equal(t, exam.ReasonForcedViolations, done[0]["reason"])

	assert.Equal(t, exam.StatusCompleted, h.agent.Exam().State().Status)
	assert.False(t, h.agent.Session().IsAuthenticated())
	assert.True(t, h.pushes.has(NoticeTerminated))
	assert.Equal(t, uint64(1), h.agent.metrics.Terminations.Value())

	_, err = h.agent.ReportViolation(violation.KindWindowsKey, nil)
	assert.ErrorIs(t, err, ErrExamNotActive)
}

func TestCriticalWarningKeepsExam(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	for i := 0; i < 5; i++ {
		_, err := h.agent.ReportViolation(violation.KindFocusLoss, nil)
		require.NoError(t, err)
	}

	assert.True(t, h.agent.Exam().IsActive())
	assert.True(t, h.pushes.has(NoticeCriticalWarning))
	assert.Len(t, h.received(transport.EventCriticalViolation), 1)

	var critical int
	for _, n := range h.notes.all() {
		if n.Urgency == notify.UrgencyCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
	assert.Equal(t, int64(violation.LevelOrange), h.agent.metrics.WarningLevel.Value())
}

// =============================================================================
// Relay directives
// =============================================================================

func TestServerForceDisconnect(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	h.emit(transport.EventAntiCheatAction, wire.AntiCheatAction{
		Action:  wire.ActionForceDisconnect,
		Reason:  "suspicious_activity",
		Message: "Disconnected by the proctor",
	})

	assert.False(t, h.agent.Exam().IsActive())
	assert.True(t, h.pushes.has(NoticeTerminated))
	require.Len(t, h.received(transport.EventExamComplete), 1)
}

func TestServerWarningUrgency(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.emit(transport.EventAntiCheatWarning, wire.AntiCheatWarning{Type: "tab_switch", Message: "Stay on the exam", Severity: "medium"})
	h.emit(transport.EventAntiCheatWarning, wire.AntiCheatWarning{Type: "devtools", Message: "Close developer tools", Severity: "high"})

	got := h.notes.all()
	require.Len(t, got, 2)
	assert.Equal(t, notify.UrgencyNormal, got[0].Urgency)
	assert.Equal(t, notify.UrgencyCritical, got[1].Urgency)
	assert.Equal(t, "Close developer tools", got[1].Body)
}

func TestServerExpiry(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	h.emit(transport.EventExamExpired, wire.ExamExpired{SessionID: "sess-1", Message: "Exam time is over."})

	assert.False(t, h.agent.Exam().IsActive())
	assert.False(t, h.agent.Session().IsAuthenticated())
	assert.True(t, h.pushes.has(NoticeExamExpired))
}

func TestServerExpiryWithUnreadablePayload(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	h.emit(transport.EventExamExpired, "not an object")

	assert.False(t, h.agent.Exam().IsActive())
	assert.False(t, h.agent.Session().IsAuthenticated())
	notes := h.notes.all()
	require.NotEmpty(t, notes)
	last := notes[len(notes)-1]
	assert.Equal(t, "Time is up", last.Summary)
	assert.Equal(t, expiredMessage, last.Body)
}

func TestCodeFilenameChecked(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	for _, bad := range []string{"../main.js", "dir/main.js", "main.js."} {
		assert.ErrorIs(t, h.agent.SaveCode("x", bad), security.ErrInvalidInput, bad)
		assert.ErrorIs(t, h.agent.UpdateCode("x", bad), security.ErrInvalidInput, bad)
	}
	assert.Empty(t, h.received(transport.EventCodeUpdate))

	require.NoError(t, h.agent.SaveCode("x", ""), "empty name uses the default file")
	require.NoError(t, h.agent.SaveCode("y", "solution.js"))
	updates := h.received(transport.EventCodeUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, "main.js", updates[0]["filename"])
	assert.Equal(t, "solution.js", updates[1]["filename"])
}

func TestLocalTimeWarningAndExpiry(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", 16*time.Minute)

	h.clock.Advance(time.Minute)
	require.True(t, h.pushes.has(NoticeTimeWarning))
	var replace bool
	for _, n := range h.notes.all() {
		if n.Summary == "Time warning" {
			replace = n.Replace
		}
	}
	assert.True(t, replace)

	h.clock.Advance(16 * time.Minute)
	assert.Equal(t, exam.StatusExpired, h.agent.Exam().State().Status)
	assert.True(t, h.pushes.has(NoticeExamExpired))
	assert.False(t, h.agent.Session().IsAuthenticated())
}

func TestInactivityReported(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.assign("sess-1", time.Hour)

	h.clock.Advance(5 * time.Minute)
	h.agent.RecordActivity(session.ActivityKey)
	h.clock.Advance(9 * time.Minute)
	for _, e := range h.received(transport.EventExamEvent) {
		assert.NotEqual(t, "inactivity", e["eventType"])
	}

	h.clock.Advance(time.Minute)
	var found bool
	for _, e := range h.received(transport.EventExamEvent) {
		if e["eventType"] == "inactivity" {
			found = true
		}
	}
	assert.True(t, found)
	assert.True(t, h.pushes.has(NoticeInactivity))
}

// =============================================================================
// Kiosk bridge requests
// =============================================================================

func code(s string) *string { return &s }

func TestHandleBridge(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx := context.Background()

	_, err := h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpCode, Code: code("x")})
	assert.ErrorIs(t, err, ErrExamNotActive)

	_, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpLogin, Name: "Ivan Petrov", Class: "10A"})
	require.NoError(t, err)
	h.assign("sess-1", time.Hour)

	out, err := h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpState, State: &wire.HeartbeatState{IsInFocus: false, IsVisible: true, IsFullscreen: true}})
	require.NoError(t, err)
	st := out.(wire.HeartbeatState)
	assert.True(t, st.IsActive)
	assert.False(t, st.IsInFocus)
	assert.True(t, st.IsFullscreen)

	out, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpViolation, Kind: "devTools"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(violation.Result).Count)
	assert.Equal(t, 1, h.agent.HeartbeatState().Violations)

	_, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpActivity})
	require.NoError(t, err)

	_, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpCode, Code: code("let a = 1;")})
	require.NoError(t, err)
	assert.Empty(t, h.received(transport.EventCodeUpdate), "code is buffered until save")

	_, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpSave, Code: code("let a = 2;"), Filename: "main.js"})
	require.NoError(t, err)
	updates := h.received(transport.EventCodeUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, "let a = 2;", updates[len(updates)-1]["code"])

	_, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpComplete})
	require.NoError(t, err)
	done := h.received(transport.EventExamComplete)
	require.Len(t, done, 1)
	assert.Equal(t, exam.ReasonCompleted, done[0]["reason"])
	assert.True(t, h.pushes.has(NoticeCompleted))

	_, err = h.agent.HandleBridge(ctx, bridge.Request{Op: bridge.OpComplete})
	assert.ErrorIs(t, err, ErrExamNotActive)
}

func TestReloadUpdatesPolicy(t *testing.T) {
	h := newHarness(t, nil, testConfig())

	old := config.DefaultConfig()
	cur := old.Clone()
	cur.Violations.MaxFocusLossAttempts = 2
	cur.Reporting.MaxQueueSize = 7
	h.agent.Reload(old, cur)

	assert.Equal(t, 2, h.agent.Tracker().Policy().MaxFocusLossAttempts)
	assert.Equal(t, 7, h.agent.Reporting().Config().MaxQueueSize)
}

func TestCloseDetaches(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.agent.Close()
	h.agent.Close()

	h.emit(transport.EventStudentIDAssigned, wire.SessionAssigned{SessionID: "late"})
	assert.False(t, h.agent.Exam().IsActive())
	assert.Equal(t, 0, h.client.Listeners(transport.EventStudentIDAssigned))
	assert.ErrorIs(t, h.agent.Start(context.Background()), ErrClosed)
}
