package metrics

// ReportingMetrics instruments the agent's outbound report queue.
type ReportingMetrics struct {
	Sent       *Counter
	Queued     *Counter
	Dropped    *Counter
	Flushed    *Counter
	EmitErrors *Counter
	QueueDepth *Gauge
}

// NewReportingMetrics registers the reporting metrics. A nil registry
// uses Default().
func NewReportingMetrics(r *Registry) *ReportingMetrics {
	if r == nil {
		r = Default()
	}
	return &ReportingMetrics{
		Sent:       r.Counter("reports_sent_total", "Reports emitted to the relay", nil),
		Queued:     r.Counter("reports_queued_total", "Reports queued while offline or after an emit failure", nil),
		Dropped:    r.Counter("reports_dropped_total", "Reports dropped on queue overflow or after exhausting retries", nil),
		Flushed:    r.Counter("reports_flushed_total", "Queued reports delivered by a flush", nil),
		EmitErrors: r.Counter("report_emit_errors_total", "Emit calls that returned an error", nil),
		QueueDepth: r.Gauge("report_queue_depth", "Reports currently waiting in the queue", nil),
	}
}

// AgentMetrics instruments the student-side agent.
type AgentMetrics struct {
	registry     *Registry
	Terminations *Counter
	AutoSaves    *Counter
	WarningLevel *Gauge
}

// NewAgentMetrics registers the agent metrics. A nil registry uses
// Default().
func NewAgentMetrics(r *Registry) *AgentMetrics {
	if r == nil {
		r = Default()
	}
	return &AgentMetrics{
		registry:     r,
		Terminations: r.Counter("exam_terminations_total", "Exams terminated for violations", nil),
		AutoSaves:    r.Counter("exam_autosaves_total", "Autosave ticks that sent code", nil),
		WarningLevel: r.Gauge("violation_warning_level", "Current violation warning level (0-3)", nil),
	}
}

// Violation counts one violation of kind.
func (m *AgentMetrics) Violation(kind string) {
	m.registry.Counter("violations_total", "Violations recorded by kind", Labels{"kind": kind}).Inc()
}

// RelayMetrics instruments the relay server.
type RelayMetrics struct {
	registry          *Registry
	StudentsConnected *Gauge
	TeachersConnected *Gauge
	StudentJoins      *Counter
	SessionsRestored  *Counter
	SessionsExpired   *Counter
	CodeSnapshots     *Counter
	ForcedDisconnects *Counter
	SchemaRejections  *Counter
	TeacherAuthFails  *Counter
	SuspicionScore    *Histogram
	FrameDuration     *Histogram
}

// NewRelayMetrics registers the relay metrics. A nil registry uses
// Default().
func NewRelayMetrics(r *Registry) *RelayMetrics {
	if r == nil {
		r = Default()
	}
	return &RelayMetrics{
		registry:          r,
		StudentsConnected: r.Gauge("relay_students_connected", "Student connections currently open", nil),
		TeachersConnected: r.Gauge("relay_teachers_connected", "Authenticated teacher connections currently open", nil),
		StudentJoins:      r.Counter("relay_student_joins_total", "New exam sessions created", nil),
		SessionsRestored:  r.Counter("relay_sessions_restored_total", "Exam sessions restored after reconnect", nil),
		SessionsExpired:   r.Counter("relay_sessions_expired_total", "Exam sessions that ran out of time", nil),
		CodeSnapshots:     r.Counter("relay_code_snapshots_total", "Code snapshots persisted", nil),
		ForcedDisconnects: r.Counter("relay_forced_disconnects_total", "Sessions ended by a forced disconnect", nil),
		SchemaRejections:  r.Counter("relay_schema_rejections_total", "Inbound frames rejected by schema validation", nil),
		TeacherAuthFails:  r.Counter("relay_teacher_auth_failures_total", "Failed teacher login attempts", nil),
		SuspicionScore:    r.Histogram("relay_suspicion_score", "Suspicion score after each recorded activity", nil, ScoreBuckets),
		FrameDuration:     r.Histogram("relay_frame_duration_seconds", "Time spent handling one inbound frame", nil, DurationBuckets),
	}
}

// Violation counts one inbound violation report.
func (m *RelayMetrics) Violation(kind, severity string) {
	m.registry.Counter("relay_violations_total", "Violation reports received",
		Labels{"kind": kind, "severity": severity}).Inc()
}
