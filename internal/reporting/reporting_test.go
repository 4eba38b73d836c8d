package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/clock"
	"proctord/internal/metrics"
	"proctord/internal/transport"
	"proctord/internal/wire"
)

var epoch = time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

type frame struct {
	event   string
	payload json.RawMessage
}

// flakyChannel fails the next n emits.
type flakyChannel struct {
	*transport.PipeEnd
	failures int
}

func (f *flakyChannel) Emit(event string, payload any) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("write: broken pipe")
	}
	return f.PipeEnd.Emit(event, payload)
}

type harness struct {
	svc     *Service
	client  *flakyChannel
	server  *transport.PipeEnd
	clock   *clock.Fake
	metrics *metrics.ReportingMetrics
	got     []frame
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	c, s := transport.Pipe()
	h := &harness{
		client:  &flakyChannel{PipeEnd: c},
		server:  s,
		clock:   clock.NewFake(epoch),
		metrics: metrics.NewReportingMetrics(metrics.NewRegistry("")),
	}
	require.NoError(t, s.Connect(context.Background()))
	for _, ev := range []string{
		transport.EventSuspiciousActivity,
		transport.EventCriticalViolation,
		transport.EventExamEvent,
		transport.EventAntiCheatHeartbeat,
		transport.EventHeartbeat,
		transport.EventCodeUpdate,
		transport.EventStudentJoin,
		transport.EventExamComplete,
	} {
		ev := ev
		s.On(ev, func(p json.RawMessage) { h.got = append(h.got, frame{ev, p}) })
	}
	opts = append([]Option{WithClock(h.clock), WithMetrics(h.metrics)}, opts...)
	h.svc = New(h.client, "sess-1", cfg, opts...)
	t.Cleanup(h.svc.Destroy)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
}

func decode[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.payload, &v))
	return v
}

// =============================================================================
// Direct Send Tests
// =============================================================================

func TestReportViolationWhileConnected(t *testing.T) {
	h := newHarness(t, Config{UserAgent: "kiosk/1.0"})
	h.connect(t)

	ok := h.svc.ReportViolation("focusLoss", map[string]any{"duration": 1200}, "high")
	assert.True(t, ok)
	require.Len(t, h.got, 1)
	assert.Equal(t, transport.EventSuspiciousActivity, h.got[0].event)

	r := decode[wire.ViolationReport](t, h.got[0])
	assert.Equal(t, "violation", r.Type)
	assert.Equal(t, "focusLoss", r.ViolationType)
	assert.Equal(t, "high", r.Severity)
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, epoch.UnixMilli(), r.Timestamp)
	assert.Equal(t, "kiosk/1.0", r.UserAgent)
	assert.False(t, r.Queued)
	assert.Equal(t, uint64(1), h.metrics.Sent.Value())
}

func TestReportCriticalViolationEnvelope(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	require.True(t, h.svc.ReportCriticalViolation("windowsKey", map[string]any{"reason": "limit"}))
	r := decode[wire.CriticalViolationReport](t, h.got[0])
	assert.Equal(t, transport.EventCriticalViolation, h.got[0].event)
	assert.Equal(t, "critical_violation", r.Type)
	assert.Equal(t, "critical", r.Severity)
	assert.True(t, r.Immediate)
}

func TestTypedSends(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	h.svc.ReportExamEvent("exam_started", nil)
	h.svc.SendLiveness()
	h.svc.SendCodeUpdate("console.log(1)", "")
	h.svc.SendStudentJoin("Ada Lovelace", "11A")
	h.svc.SendExamComplete("finished")

	require.Len(t, h.got, 5)
	assert.Equal(t, transport.EventExamEvent, h.got[0].event)
	assert.Equal(t, transport.EventHeartbeat, h.got[1].event)

	code := decode[wire.CodeUpdate](t, h.got[2])
	assert.Equal(t, "main.js", code.Filename)
	assert.Equal(t, "console.log(1)", code.Code)

	join := decode[wire.StudentJoin](t, h.got[3])
	assert.Equal(t, "Ada Lovelace", join.StudentName)

	done := decode[wire.ExamComplete](t, h.got[4])
	assert.Equal(t, epoch.UnixMilli(), done.CompletedAt)
	assert.Equal(t, "finished", done.Reason)
}

func TestSendReportQueuesWhenDisconnected(t *testing.T) {
	h := newHarness(t, Config{})

	ok := h.svc.ReportViolation("devTools", nil, "")
	assert.False(t, ok)
	assert.Empty(t, h.got)
	require.Len(t, h.svc.Queue(), 1)
	assert.Equal(t, 0, h.svc.Queue()[0].Attempts)
	assert.Equal(t, int64(1), h.metrics.QueueDepth.Value())
}

func TestSendReportQueuesOnEmitError(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	h.client.failures = 1

	assert.False(t, h.svc.SendLiveness())
	assert.Len(t, h.svc.Queue(), 1)
	assert.Equal(t, uint64(1), h.metrics.EmitErrors.Value())
}

// =============================================================================
// Queue and Flush Tests
// =============================================================================

func TestQueueBoundEvictsOldest(t *testing.T) {
	h := newHarness(t, Config{})

	for i := 0; i < 60; i++ {
		h.svc.ReportExamEvent(fmt.Sprintf("e%02d", i), nil)
	}

	q := h.svc.Queue()
	require.Len(t, q, 50)
	assert.Equal(t, "e10", q[0].Payload.(*wire.ExamEventReport).EventType)
	assert.Equal(t, "e59", q[49].Payload.(*wire.ExamEventReport).EventType)
	assert.Equal(t, uint64(10), h.metrics.Dropped.Value())

	h.connect(t)
	h.clock.Advance(50 * 100 * time.Millisecond)

	require.Len(t, h.got, 50)
	for i, f := range h.got {
		r := decode[wire.ExamEventReport](t, f)
		assert.Equal(t, fmt.Sprintf("e%02d", i+10), r.EventType)
		assert.True(t, r.Queued)
	}
	assert.Empty(t, h.svc.Queue())
	assert.Equal(t, uint64(50), h.metrics.Flushed.Value())
}

func TestFlushSpacesReplays(t *testing.T) {
	h := newHarness(t, Config{})

	h.svc.ReportViolation("focusLoss", nil, "medium")
	h.clock.Advance(2 * time.Second)
	h.svc.ReportViolation("fullscreenExit", nil, "medium")
	h.svc.ReportViolation("devTools", nil, "medium")

	h.connect(t)
	require.Len(t, h.got, 1, "first item is replayed immediately")

	first := decode[wire.ViolationReport](t, h.got[0])
	assert.True(t, first.Queued)
	assert.Equal(t, epoch.UnixMilli(), first.QueuedAt)

	h.clock.Advance(99 * time.Millisecond)
	assert.Len(t, h.got, 1)
	h.clock.Advance(time.Millisecond)
	assert.Len(t, h.got, 2)
	h.clock.Advance(100 * time.Millisecond)
	require.Len(t, h.got, 3)

	last := decode[wire.ViolationReport](t, h.got[2])
	assert.Equal(t, "devTools", last.ViolationType)
	assert.Equal(t, epoch.Add(2*time.Second).UnixMilli(), last.QueuedAt)
	assert.False(t, h.svc.Status().Flushing)
}

func TestOnlyOneFlushRuns(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 3; i++ {
		h.svc.SendLiveness()
	}
	h.connect(t)
	require.True(t, h.svc.Status().Flushing)

	h.svc.Flush()
	h.svc.Flush()
	assert.Len(t, h.got, 1)

	h.clock.Advance(time.Second)
	assert.Len(t, h.got, 3)
}

func TestItemsAddedMidFlushWaitForNextFlush(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.ReportExamEvent("a", nil)
	h.svc.ReportExamEvent("b", nil)

	h.connect(t)
	require.Len(t, h.got, 1)

	// Emit failure mid-flush queues "c" behind the in-flight batch.
	h.client.failures = 1
	h.svc.ReportExamEvent("c", nil)
	require.Len(t, h.svc.Queue(), 1)

	h.clock.Advance(100 * time.Millisecond)
	require.Len(t, h.got, 2)
	assert.Equal(t, "b", decode[wire.ExamEventReport](t, h.got[1]).EventType)

	// The leftover item is replayed by the retry flush.
	h.clock.Advance(time.Second)
	require.Len(t, h.got, 3)
	assert.Equal(t, "c", decode[wire.ExamEventReport](t, h.got[2]).EventType)
}

func TestFailedReplayRetriesThenDrops(t *testing.T) {
	h := newHarness(t, Config{RetryAttempts: 3, RetryDelay: time.Second})
	h.svc.SendLiveness()

	h.client.failures = 10
	h.connect(t)
	q := h.svc.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, 1, q[0].Attempts)

	h.clock.Advance(time.Second)
	require.Len(t, h.svc.Queue(), 1)
	assert.Equal(t, 2, h.svc.Queue()[0].Attempts)

	h.clock.Advance(time.Second)
	assert.Empty(t, h.svc.Queue())
	assert.Equal(t, uint64(1), h.metrics.Dropped.Value())

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.got)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestFailedReplaySucceedsOnRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.ReportViolation("clipboard", nil, "low")

	h.client.failures = 1
	h.connect(t)
	assert.Empty(t, h.got)

	h.clock.Advance(time.Second)
	require.Len(t, h.got, 1)
	r := decode[wire.ViolationReport](t, h.got[0])
	assert.True(t, r.Queued)
	assert.Empty(t, h.svc.Queue())
}

func TestDisconnectMidFlushKeepsRemainder(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.ReportExamEvent("a", nil)
	h.svc.ReportExamEvent("b", nil)
	h.svc.ReportExamEvent("c", nil)

	h.connect(t)
	require.Len(t, h.got, 1)

	h.client.Drop()
	h.clock.Advance(100 * time.Millisecond)

	q := h.svc.Queue()
	require.Len(t, q, 2)
	assert.Equal(t, "b", q[0].Payload.(*wire.ExamEventReport).EventType)
	assert.Equal(t, 1, q[0].Attempts)
	assert.Equal(t, "c", q[1].Payload.(*wire.ExamEventReport).EventType)
	assert.Equal(t, 0, q[1].Attempts)
	assert.False(t, h.svc.Status().Flushing)

	h.connect(t)
	h.clock.Advance(time.Second)
	require.Len(t, h.got, 3)
	assert.Equal(t, "b", decode[wire.ExamEventReport](t, h.got[1]).EventType)
	assert.Equal(t, "c", decode[wire.ExamEventReport](t, h.got[2]).EventType)
}

// =============================================================================
// Heartbeat Tests
// =============================================================================

func TestHeartbeatCadence(t *testing.T) {
	state := wire.HeartbeatState{IsActive: true, Violations: 2, WarningLevel: 1, IsInFocus: true}
	h := newHarness(t, Config{}, WithStateProvider(func() wire.HeartbeatState { return state }))
	h.connect(t)
	h.svc.Start()

	h.clock.Advance(29 * time.Second)
	assert.Empty(t, h.got)
	h.clock.Advance(time.Second)
	require.Len(t, h.got, 1)
	assert.Equal(t, transport.EventAntiCheatHeartbeat, h.got[0].event)

	hb := decode[wire.AntiCheatHeartbeat](t, h.got[0])
	assert.Equal(t, state, hb.State)
	assert.Equal(t, "sess-1", hb.SessionID)
}

func TestUpdateConfigRestartsHeartbeat(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)
	h.svc.Start()
	require.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(20 * time.Second)
	h.svc.UpdateConfig(Config{HeartbeatInterval: 5 * time.Second})
	assert.Equal(t, 1, h.clock.Pending(), "old heartbeat must be stopped")

	h.clock.Advance(5 * time.Second)
	assert.Len(t, h.got, 1)
	h.clock.Advance(10 * time.Second)
	assert.Len(t, h.got, 3)
	assert.Equal(t, 5*time.Second, h.svc.Config().HeartbeatInterval)
}

func TestUpdateConfigShrinksQueue(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 10; i++ {
		h.svc.SendLiveness()
	}
	h.svc.UpdateConfig(Config{MaxQueueSize: 4})
	assert.Len(t, h.svc.Queue(), 4)
}

// =============================================================================
// Directive Tests
// =============================================================================

func TestServerDirectivesArePublished(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t)

	var warnings []wire.AntiCheatWarning
	var actions []wire.AntiCheatAction
	h.svc.ServerWarning().Subscribe(func(w wire.AntiCheatWarning) { warnings = append(warnings, w) })
	h.svc.ServerAction().Subscribe(func(a wire.AntiCheatAction) { actions = append(actions, a) })

	require.NoError(t, h.server.Emit(transport.EventAntiCheatWarning, wire.AntiCheatWarning{Type: "tab_switch", SuspicionScore: 35}))
	require.NoError(t, h.server.Emit(transport.EventAntiCheatAction, wire.AntiCheatAction{Action: wire.ActionForceDisconnect}))

	require.Len(t, warnings, 1)
	assert.Equal(t, 35, warnings[0].SuspicionScore)
	require.Len(t, actions, 1)
	assert.Equal(t, wire.ActionForceDisconnect, actions[0].Action)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestDestroyIsIdempotentAndLeavesNoTimers(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Start()
	for i := 0; i < 3; i++ {
		h.svc.SendLiveness()
	}
	h.connect(t)
	require.True(t, h.svc.Status().Flushing)

	h.svc.Destroy()
	h.svc.Destroy()

	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 0, h.client.Listeners(transport.EventConnect))
	assert.Equal(t, 0, h.client.Listeners(transport.EventAntiCheatAction))
	assert.Empty(t, h.svc.Queue())
	assert.False(t, h.svc.SendLiveness())

	sent := len(h.got)
	h.clock.Advance(time.Hour)
	assert.Len(t, h.got, sent)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.SendLiveness()
	h.svc.UpdateSessionID("sess-2")

	st := h.svc.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, "sess-2", st.SessionID)
	assert.Equal(t, 1, st.QueueSize)
	assert.False(t, st.HasHeartbeat)
	assert.Equal(t, 50, st.Config.MaxQueueSize)

	h.svc.Start()
	assert.True(t, h.svc.Status().HasHeartbeat)
}
