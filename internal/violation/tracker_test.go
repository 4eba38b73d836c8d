package violation

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/clock"
)

var epoch = time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(epoch)
	return NewTracker(Policy{}, WithClock(c)), c
}

// =============================================================================
// Threshold Tests
// =============================================================================

func TestWindowsKeyTerminatesOnSecondAttempt(t *testing.T) {
	tr, _ := newTestTracker(t)

	var exceeded []ThresholdExceeded
	tr.ThresholdExceeded().Subscribe(func(e ThresholdExceeded) { exceeded = append(exceeded, e) })

	first := tr.AddViolation(KindWindowsKey, nil)
	assert.False(t, first.ThresholdExceeded)
	assert.False(t, first.ShouldTerminate)
	assert.Equal(t, 1, first.Count)

	second := tr.AddViolation(KindWindowsKey, nil)
	assert.True(t, second.ThresholdExceeded)
	assert.True(t, second.ShouldTerminate)
	assert.Equal(t, 2, second.Count)
	assert.Equal(t, 2, second.TotalCount)
	assert.Equal(t, LevelYellow, second.WarningLevel)

	require.Len(t, exceeded, 1)
	assert.Equal(t, ActionTerminate, exceeded[0].Result.Action)
	assert.Equal(t, "Windows key limit exceeded", exceeded[0].Result.Message)
}

func TestFocusLossEscalation(t *testing.T) {
	tr, _ := newTestTracker(t)

	var actions []Action
	tr.ThresholdExceeded().Subscribe(func(e ThresholdExceeded) { actions = append(actions, e.Result.Action) })

	var last Result
	for i := 0; i < 8; i++ {
		last = tr.AddViolation(KindFocusLoss, map[string]any{"i": i})
		if i < 4 {
			assert.False(t, last.ThresholdExceeded, "attempt %d", i+1)
		}
	}

	// Attempts 5..7 raise a critical warning, attempt 8 hits the global
	// limit which overrides with terminate.
	require.Len(t, actions, 4)
	assert.Equal(t, []Action{
		ActionCriticalWarning,
		ActionCriticalWarning,
		ActionCriticalWarning,
		ActionTerminate,
	}, actions)
	assert.True(t, last.ShouldTerminate)
	assert.Equal(t, LevelRed, last.WarningLevel)
}

func TestGlobalLimitOverridesPerKind(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 7; i++ {
		r := tr.AddViolation(KindSystemKey, nil)
		assert.False(t, r.ThresholdExceeded)
	}
	r := tr.AddViolation(KindDevTools, nil)
	assert.True(t, r.ThresholdExceeded)
	assert.True(t, r.ShouldTerminate)
}

func TestThresholdTable(t *testing.T) {
	tests := []struct {
		kind   Kind
		limit  int
		action Action
	}{
		{KindWindowsKey, 2, ActionTerminate},
		{KindFocusLoss, 5, ActionCriticalWarning},
		{KindFullscreenExit, 3, ActionCriticalWarning},
		{KindDevTools, 3, ActionCriticalWarning},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			tr, _ := newTestTracker(t)
			var r Result
			for i := 1; i < tt.limit; i++ {
				r = tr.AddViolation(tt.kind, nil)
				assert.False(t, r.ThresholdExceeded)
			}
			var got ThresholdResult
			tr.ThresholdExceeded().Subscribe(func(e ThresholdExceeded) { got = e.Result })
			r = tr.AddViolation(tt.kind, nil)
			assert.True(t, r.ThresholdExceeded)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.action == ActionTerminate, r.ShouldTerminate)
		})
	}
}

// =============================================================================
// Warning Level Tests
// =============================================================================

func TestWarningLevelSteps(t *testing.T) {
	tr, _ := newTestTracker(t)

	var changes []LevelChanged
	tr.WarningLevelChanged().Subscribe(func(e LevelChanged) { changes = append(changes, e) })

	want := []int{0, 1, 1, 2, 2, 3, 3}
	for i, level := range want {
		r := tr.AddViolation(KindClipboard, nil)
		assert.Equal(t, level, r.WarningLevel, "after %d violations", i+1)
	}

	require.Len(t, changes, 3)
	assert.Equal(t, 0, changes[0].OldLevel)
	assert.Equal(t, 1, changes[0].NewLevel)
	assert.Equal(t, 1, changes[1].OldLevel)
	assert.Equal(t, 2, changes[1].NewLevel)
	assert.Equal(t, 2, changes[2].OldLevel)
	assert.Equal(t, 3, changes[2].NewLevel)
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 1}, {4, 2}, {5, 2}, {6, 3}, {20, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.total), "total %d", tt.total)
	}
}

func TestEventOrder(t *testing.T) {
	tr, _ := newTestTracker(t)
	var order []string
	tr.ThresholdExceeded().Subscribe(func(ThresholdExceeded) { order = append(order, "exceeded") })
	tr.WarningLevelChanged().Subscribe(func(LevelChanged) { order = append(order, "level") })
	tr.ViolationAdded().Subscribe(func(Added) { order = append(order, "added") })

	tr.AddViolation(KindWindowsKey, nil)
	tr.AddViolation(KindWindowsKey, nil)

	assert.Equal(t, []string{"added", "exceeded", "level", "added"}, order)
}

// =============================================================================
// Counter and History Tests
// =============================================================================

func TestUnknownKindCountsTowardTotal(t *testing.T) {
	tr, _ := newTestTracker(t)

	r := tr.AddViolation(Kind("screenshot"), nil)
	assert.Equal(t, 1, r.Count)
	assert.Equal(t, 1, r.TotalCount)

	r = tr.AddViolation(Kind("screenshot"), nil)
	assert.Equal(t, 1, r.Count)
	assert.Equal(t, 2, r.TotalCount)

	stats := tr.Stats()
	_, present := stats.Counters.ByKind["screenshot"]
	assert.False(t, present)
	assert.Len(t, stats.Counters.ByKind, len(KnownKinds))
}

func TestTotalEqualsAdditions(t *testing.T) {
	tr, _ := newTestTracker(t)
	kinds := []Kind{KindFocusLoss, KindClipboard, "other", KindSystemKey, KindFocusLoss}
	for _, k := range kinds {
		tr.AddViolation(k, nil)
	}
	h := tr.History()
	assert.Equal(t, len(kinds), h.TotalCount)
	assert.Equal(t, 2, h.Counters.Count(KindFocusLoss))
	assert.Equal(t, 1, h.Counters.Count(KindSystemKey))
	assert.Equal(t, KindFocusLoss, h.LastKind)
}

func TestRecentHistoryIsBoundedNewestFirst(t *testing.T) {
	tr, c := newTestTracker(t)
	for i := 0; i < 15; i++ {
		c.Advance(time.Second)
		tr.AddViolation(KindClipboard, map[string]any{"seq": i})
	}

	recent := tr.History().Recent
	require.Len(t, recent, HistorySize)
	assert.Equal(t, 14, recent[0].Data["seq"])
	assert.Equal(t, 5, recent[HistorySize-1].Data["seq"])
	assert.True(t, recent[0].Timestamp.After(recent[1].Timestamp))
	assert.Equal(t, 15, recent[0].Count)
}

func TestRecordDataIsCopied(t *testing.T) {
	tr, _ := newTestTracker(t)
	data := map[string]any{"key": "Meta"}
	tr.AddViolation(KindWindowsKey, data)
	data["key"] = "changed"

	assert.Equal(t, "Meta", tr.History().Recent[0].Data["key"])
}

func TestResetKindKeepsTotal(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 4; i++ {
		tr.AddViolation(KindFocusLoss, nil)
	}
	tr.ResetKind(KindFocusLoss)

	stats := tr.Stats()
	assert.Equal(t, 0, stats.Counters.Count(KindFocusLoss))
	assert.Equal(t, 4, stats.Counters.Total)
	assert.Equal(t, LevelOrange, stats.State.Level)

	// The per-kind limit starts over, the global one does not.
	r := tr.AddViolation(KindFocusLoss, nil)
	assert.Equal(t, 1, r.Count)
	assert.Equal(t, 5, r.TotalCount)
	assert.False(t, r.ThresholdExceeded)
}

func TestResetAll(t *testing.T) {
	tr, _ := newTestTracker(t)
	var changes []LevelChanged
	tr.WarningLevelChanged().Subscribe(func(e LevelChanged) { changes = append(changes, e) })

	for i := 0; i < 3; i++ {
		tr.AddViolation(KindDevTools, nil)
	}
	require.True(t, tr.ShouldShowWarning())
	tr.ResetAll()

	stats := tr.Stats()
	assert.Equal(t, 0, stats.Counters.Total)
	assert.Equal(t, LevelNone, stats.State.Level)
	assert.Empty(t, stats.State.Recent)
	assert.Empty(t, stats.State.LastKind)
	assert.True(t, stats.State.LastWarning.IsZero())
	for _, k := range KnownKinds {
		assert.Equal(t, 0, stats.Counters.Count(k))
	}

	require.Len(t, changes, 2)
	assert.Equal(t, LevelYellow, changes[1].OldLevel)
	assert.Equal(t, LevelNone, changes[1].NewLevel)

	assert.True(t, tr.ShouldShowWarning())
}

// =============================================================================
// Cooldown Tests
// =============================================================================

func TestShouldShowWarningCooldown(t *testing.T) {
	tr, c := newTestTracker(t)

	assert.True(t, tr.ShouldShowWarning())
	assert.False(t, tr.ShouldShowWarning())

	c.Advance(4999 * time.Millisecond)
	assert.False(t, tr.ShouldShowWarning())

	c.Advance(time.Millisecond)
	assert.True(t, tr.ShouldShowWarning())
	assert.False(t, tr.ShouldShowWarning())
}

func TestShouldShowWarningUsesUpdatedCooldown(t *testing.T) {
	tr, c := newTestTracker(t)
	tr.UpdateConfig(Policy{WarningCooldown: time.Second})

	assert.True(t, tr.ShouldShowWarning())
	c.Advance(time.Second)
	assert.True(t, tr.ShouldShowWarning())
}

// =============================================================================
// Severity Tests
// =============================================================================

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		kind  Kind
		count int
		want  Severity
	}{
		{KindWindowsKey, 1, SeverityHigh},
		{KindWindowsKey, 2, SeverityCritical},
		{KindFocusLoss, 2, SeverityMedium},
		{KindFocusLoss, 3, SeverityHigh},
		{KindFullscreenExit, 1, SeverityMedium},
		{KindFullscreenExit, 2, SeverityHigh},
		{KindDevTools, 1, SeverityMedium},
		{KindDevTools, 5, SeverityHigh},
		{KindSystemKey, 10, SeverityLow},
		{KindClipboard, 1, SeverityLow},
		{Kind("unknown"), 1, SeverityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.kind, tt.count), "%s x%d", tt.kind, tt.count)
	}
}

func TestSeverityUsesCurrentCount(t *testing.T) {
	tr, _ := newTestTracker(t)
	assert.Equal(t, SeverityHigh, tr.Severity(KindWindowsKey, 0))
	tr.AddViolation(KindWindowsKey, nil)
	tr.AddViolation(KindWindowsKey, nil)
	assert.Equal(t, SeverityCritical, tr.Severity(KindWindowsKey, 0))
	assert.Equal(t, SeverityHigh, tr.Severity(KindWindowsKey, 1))
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestUpdateConfigMerges(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.UpdateConfig(Policy{MaxWindowsKeyAttempts: 4})

	p := tr.Policy()
	assert.Equal(t, 4, p.MaxWindowsKeyAttempts)
	assert.Equal(t, 5, p.MaxFocusLossAttempts)
	assert.Equal(t, 8, p.MaxTotalViolations)

	for i := 0; i < 3; i++ {
		assert.False(t, tr.AddViolation(KindWindowsKey, nil).ShouldTerminate)
	}
	assert.True(t, tr.AddViolation(KindWindowsKey, nil).ShouldTerminate)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.MaxTotalViolations = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.WarningCooldown = -time.Second
	assert.Error(t, p.Validate())
}

func TestPolicyValidateReportsFirstInvalidLimit(t *testing.T) {
	p := DefaultPolicy()
	p.MaxFocusLossAttempts = 0
	p.MaxDevToolsAttempts = -1
	p.MaxTotalViolations = 0

	for i := 0; i < 20; i++ {
		err := p.Validate()
		require.Error(t, err)
		assert.Equal(t, "violation: maxFocusLossAttempts must be at least 1, got 0", err.Error())
	}
}

// =============================================================================
// Subscriber Isolation Tests
// =============================================================================

func TestPanickingSubscriberDoesNotCorruptState(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	tr := NewTracker(Policy{}, WithClock(clock.NewFake(epoch)), WithLogger(logger))

	tr.ViolationAdded().Subscribe(func(Added) { panic("boom") })
	delivered := 0
	tr.ViolationAdded().Subscribe(func(Added) { delivered++ })

	r := tr.AddViolation(KindFocusLoss, nil)
	assert.Equal(t, 1, r.TotalCount)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, tr.Total())
	assert.Contains(t, buf.String(), "event handler panicked")
}

func TestSubscriberMayReenterTracker(t *testing.T) {
	tr, _ := newTestTracker(t)
	var seen int
	tr.ViolationAdded().Subscribe(func(e Added) {
		seen = tr.Stats().Counters.Total
	})
	tr.AddViolation(KindClipboard, nil)
	assert.Equal(t, 1, seen)
}

func TestUnsubscribe(t *testing.T) {
	tr, _ := newTestTracker(t)
	calls := 0
	id := tr.ViolationAdded().Subscribe(func(Added) { calls++ })
	tr.AddViolation(KindClipboard, nil)
	assert.True(t, tr.ViolationAdded().Unsubscribe(id))
	tr.AddViolation(KindClipboard, nil)
	assert.Equal(t, 1, calls)
}
