// Package violation counts suspicious student behavior and decides when it
// escalates to a warning, a critical warning, or termination of the exam.
//
// The tracker is a pure state machine: it performs no I/O and reads time
// only through the injected clock. Subscribers are notified after the
// tracker's lock has been released, so a handler may call back into the
// tracker.
package violation

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/events"
)

// Tracker holds violation counters and the derived warning state.
type Tracker struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *slog.Logger

	policy Policy
	counts map[Kind]int
	total  int

	level       int
	lastKind    Kind
	lastWarning time.Time
	recent      []Record

	added        *events.Bus[Added]
	exceeded     *events.Bus[ThresholdExceeded]
	levelChanged *events.Bus[LevelChanged]
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker. Zero fields of policy take the defaults.
func NewTracker(policy Policy, opts ...Option) *Tracker {
	t := &Tracker{
		clock:  clock.Real(),
		logger: slog.Default(),
		policy: DefaultPolicy().Merge(policy),
		counts: make(map[Kind]int, len(KnownKinds)),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, k := range KnownKinds {
		t.counts[k] = 0
	}
	t.logger = t.logger.With("component", "violation")
	t.added = events.New[Added]("violation-added", t.logger)
	t.exceeded = events.New[ThresholdExceeded]("threshold-exceeded", t.logger)
	t.levelChanged = events.New[LevelChanged]("warning-level-changed", t.logger)
	return t
}

// ViolationAdded is published for every AddViolation call.
func (t *Tracker) ViolationAdded() events.Subscriber[Added] { return t.added }

// ThresholdExceeded is published when a limit is reached.
func (t *Tracker) ThresholdExceeded() events.Subscriber[ThresholdExceeded] { return t.exceeded }

// WarningLevelChanged is published when the warning level moves.
func (t *Tracker) WarningLevelChanged() events.Subscriber[LevelChanged] { return t.levelChanged }

// AddViolation records one violation of kind and evaluates thresholds.
// Unknown kinds still count toward the total.
func (t *Tracker) AddViolation(kind Kind, data map[string]any) Result {
	t.mu.Lock()
	now := t.clock.Now()

	t.total++
	count := 1
	if kind.Known() {
		t.counts[kind]++
		count = t.counts[kind]
	}

	rec := Record{
		Kind:      kind,
		Data:      maps.Clone(data),
		Timestamp: now,
		Count:     count,
	}
	t.recent = append([]Record{rec}, t.recent...)
	if len(t.recent) > HistorySize {
		t.recent = t.recent[:HistorySize]
	}
	t.lastKind = kind

	threshold := t.evaluateLocked(kind)

	oldLevel := t.level
	t.level = LevelFor(t.total)
	newLevel := t.level

	counters := t.countersLocked()
	policy := t.policy
	t.mu.Unlock()

	t.logger.Debug("violation recorded",
		"kind", kind,
		"count", count,
		"total", counters.Total,
		"level", newLevel,
	)

	if threshold.Exceeded {
		t.logger.Warn("violation threshold exceeded",
			"kind", kind,
			"action", threshold.Action,
			"total", counters.Total,
			"max_total", policy.MaxTotalViolations,
		)
		t.exceeded.Publish(ThresholdExceeded{
			Kind:      kind,
			Result:    threshold,
			Counters:  counters,
			Timestamp: now,
		})
	}
	if newLevel != oldLevel {
		t.levelChanged.Publish(LevelChanged{
			OldLevel:  oldLevel,
			NewLevel:  newLevel,
			Counters:  counters,
			Timestamp: now,
		})
	}
	t.added.Publish(Added{
		Kind:      kind,
		Data:      maps.Clone(data),
		Counters:  counters,
		Threshold: threshold,
		Timestamp: now,
	})

	return Result{
		Kind:              kind,
		Count:             count,
		TotalCount:        counters.Total,
		WarningLevel:      newLevel,
		ThresholdExceeded: threshold.Exceeded,
		ShouldTerminate:   threshold.Action == ActionTerminate,
	}
}

// evaluateLocked applies the per-kind limit and then the global limit,
// which overrides any per-kind action.
func (t *Tracker) evaluateLocked(kind Kind) ThresholdResult {
	res := ThresholdResult{Action: ActionNone}
	if limit, action, msg, ok := t.policy.limitFor(kind); ok && t.counts[kind] >= limit {
		res = ThresholdResult{Exceeded: true, Action: action, Message: msg}
	}
	if t.total >= t.policy.MaxTotalViolations {
		res = ThresholdResult{
			Exceeded: true,
			Action:   ActionTerminate,
			Message:  "Maximum total violations exceeded",
		}
	}
	return res
}

// ShouldShowWarning reports whether the warning cooldown has elapsed. A
// true result restarts the cooldown.
func (t *Tracker) ShouldShowWarning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if !t.lastWarning.IsZero() && now.Sub(t.lastWarning) < t.policy.WarningCooldown {
		return false
	}
	t.lastWarning = now
	return true
}

// Severity returns the severity of kind at count. A count of zero or less
// uses the current counter.
func (t *Tracker) Severity(kind Kind, count int) Severity {
	if count <= 0 {
		t.mu.Lock()
		count = t.counts[kind]
		t.mu.Unlock()
	}
	return SeverityFor(kind, count)
}

// ResetKind clears the counter for kind. The total is left untouched.
func (t *Tracker) ResetKind(kind Kind) {
	t.mu.Lock()
	if _, ok := t.counts[kind]; ok {
		t.counts[kind] = 0
	}
	oldLevel := t.level
	t.level = LevelFor(t.total)
	newLevel := t.level
	counters := t.countersLocked()
	t.mu.Unlock()

	t.logger.Info("violation counter reset", "kind", kind)
	t.publishLevel(oldLevel, newLevel, counters)
}

// ResetAll clears every counter, the history, and the warning state.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	for k := range t.counts {
		t.counts[k] = 0
	}
	t.total = 0
	oldLevel := t.level
	t.level = LevelNone
	t.lastKind = ""
	t.lastWarning = time.Time{}
	t.recent = nil
	counters := t.countersLocked()
	t.mu.Unlock()

	t.logger.Info("all violation counters reset")
	t.publishLevel(oldLevel, LevelNone, counters)
}

func (t *Tracker) publishLevel(oldLevel, newLevel int, counters Counters) {
	if oldLevel == newLevel {
		return
	}
	t.levelChanged.Publish(LevelChanged{
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Counters:  counters,
		Timestamp: t.clock.Now(),
	})
}

// UpdateConfig merges the non-zero fields of p into the active policy.
func (t *Tracker) UpdateConfig(p Policy) {
	t.mu.Lock()
	t.policy = t.policy.Merge(p)
	policy := t.policy
	t.mu.Unlock()

	t.logger.Info("violation policy updated",
		"max_windows_key", policy.MaxWindowsKeyAttempts,
		"max_focus_loss", policy.MaxFocusLossAttempts,
		"max_fullscreen_exit", policy.MaxFullscreenExitAttempts,
		"max_dev_tools", policy.MaxDevToolsAttempts,
		"max_total", policy.MaxTotalViolations,
		"cooldown", policy.WarningCooldown,
	)
}

// Policy returns the active policy.
func (t *Tracker) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// Stats returns a full snapshot.
func (t *Tracker) Stats() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Statistics{
		Counters: t.countersLocked(),
		State:    t.stateLocked(),
		Policy:   t.policy,
	}
}

// History returns the summary attached to outbound reports.
func (t *Tracker) History() History {
	t.mu.Lock()
	defer t.mu.Unlock()
	return History{
		Counters:     t.countersLocked(),
		Recent:       t.recentLocked(),
		WarningLevel: t.level,
		TotalCount:   t.total,
		LastKind:     t.lastKind,
		Timestamp:    t.clock.Now(),
	}
}

// WarningLevel returns the current level.
func (t *Tracker) WarningLevel() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// Total returns the total violation count.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *Tracker) countersLocked() Counters {
	return Counters{ByKind: maps.Clone(t.counts), Total: t.total}
}

func (t *Tracker) stateLocked() WarningState {
	return WarningState{
		Level:       t.level,
		LastKind:    t.lastKind,
		LastWarning: t.lastWarning,
		Recent:      t.recentLocked(),
	}
}

func (t *Tracker) recentLocked() []Record {
	out := make([]Record, len(t.recent))
	copy(out, t.recent)
	return out
}
