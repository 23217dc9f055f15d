// Package emit is the control plane's observability tap. Subsystems emit
// small structured records as runs progress; pluggable backends turn them
// into logs, OpenTelemetry spans, or nothing at all.
package emit

// Event is one observability record from the control plane. It is not a
// run event: the run's event log is the durable record, Event is the
// operational exhaust.
type Event struct {
	// RunID identifies the run that produced the record. Empty for
	// process-level records.
	RunID string

	// Seq is the run's event-log cursor at emission time, -1 when the run
	// has no events yet.
	Seq int64

	// Phase is the run state at emission time.
	Phase string

	// Msg names what happened, e.g. "phase_changed", "approval_requested",
	// "drift_detected".
	Msg string

	// Meta carries record-specific fields. Common keys: "error",
	// "checkpoint_id", "tool_name", "duration_ms", "cost_cents".
	Meta map[string]any
}

// Emitter receives observability records. Implementations must be safe for
// concurrent use, must not block run progress, and must not panic; backend
// failures are swallowed or logged internally.
type Emitter interface {
	Emit(event Event)
}
