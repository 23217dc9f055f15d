// Package event defines the run event vocabulary and the append-only per-run
// event log that the rest of the control plane is built on.
//
// Events form a closed set of types. Each type carries its own fixed payload
// struct; validation is structural and exhaustive rather than driven by a
// runtime schema table. Within a run, events are totally ordered by a
// monotonic, gap-free sequence number.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a run event. The set is closed; Log
// implementations reject events whose payload does not match their type.
type Type string

const (
	TypeRunStarted          Type = "run.started"
	TypePhaseChanged        Type = "phase.changed"
	TypeToolCalled          Type = "tool.called"
	TypeToolResult          Type = "tool.result"
	TypeFileChanged         Type = "file.changed"
	TypeArtifactCreated     Type = "artifact.created"
	TypeCheckpointRequested Type = "checkpoint.requested"
	TypeCheckpointApproved  Type = "checkpoint.approved"
	TypeCheckpointRejected  Type = "checkpoint.rejected"
	TypeCheckpointTimeout   Type = "checkpoint.timeout"
	TypeDriftDetected       Type = "drift.detected"
	TypeRunCompleted        Type = "run.completed"
	TypeRunFailed           Type = "run.failed"
)

// Types returns every event type in the closed vocabulary.
func Types() []Type {
	return []Type{
		TypeRunStarted, TypePhaseChanged, TypeToolCalled, TypeToolResult,
		TypeFileChanged, TypeArtifactCreated, TypeCheckpointRequested,
		TypeCheckpointApproved, TypeCheckpointRejected, TypeCheckpointTimeout,
		TypeDriftDetected, TypeRunCompleted, TypeRunFailed,
	}
}

// Severity classifies an event for consumers that filter or alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// DriftType classifies a contract violation detected at the tool-call gate.
type DriftType string

const (
	DriftUnauthorizedTool DriftType = "unauthorized_tool"
	DriftPathViolation    DriftType = "path_violation"
	DriftLoopDetected     DriftType = "loop_detected"
	DriftConstraintBreach DriftType = "constraint_breach"
)

func (d DriftType) valid() bool {
	switch d {
	case DriftUnauthorizedTool, DriftPathViolation, DriftLoopDetected, DriftConstraintBreach:
		return true
	}
	return false
}

// Payload is the event-type-specific body of an event. Each variant carries
// the fixed fields of exactly one Type.
type Payload interface {
	// EventType reports which Type this payload belongs to.
	EventType() Type

	// Validate checks the payload's structural invariants.
	Validate() error
}

// RunStarted is emitted once, after the sandbox is provisioned and before
// the run enters planning.
type RunStarted struct {
	TemplateID      string `json:"template_id"`
	TemplateVersion string `json:"template_version,omitempty"`
	Goal            string `json:"goal"`
	WorkspaceID     string `json:"workspace_id"`
	SandboxID       string `json:"sandbox_id,omitempty"`
}

func (RunStarted) EventType() Type { return TypeRunStarted }

func (p RunStarted) Validate() error {
	if p.TemplateID == "" {
		return errors.New("run.started: template_id is required")
	}
	return nil
}

// PhaseChanged records a state machine transition. From is empty for the
// initial transition out of pending.
type PhaseChanged struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (PhaseChanged) EventType() Type { return TypePhaseChanged }

func (p PhaseChanged) Validate() error {
	if p.To == "" {
		return errors.New("phase.changed: to is required")
	}
	return nil
}

// ToolCalled is emitted before a validated tool call is dispatched to the
// sandbox.
type ToolCalled struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
	FilePath string         `json:"file_path,omitempty"`
}

func (ToolCalled) EventType() Type { return TypeToolCalled }

func (p ToolCalled) Validate() error {
	if p.ToolName == "" {
		return errors.New("tool.called: tool_name is required")
	}
	return nil
}

// ToolResult is emitted after a tool call returns, successful or not.
type ToolResult struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (ToolResult) EventType() Type { return TypeToolResult }

func (p ToolResult) Validate() error {
	if p.ToolName == "" {
		return errors.New("tool.result: tool_name is required")
	}
	if p.DurationMS < 0 {
		return errors.New("tool.result: duration_ms must be >= 0")
	}
	return nil
}

// FileChanged records a file mutation observed in the sandbox.
type FileChanged struct {
	Path   string `json:"path"`
	Change string `json:"change"` // created, modified, deleted
	Bytes  int64  `json:"bytes,omitempty"`
}

func (FileChanged) EventType() Type { return TypeFileChanged }

func (p FileChanged) Validate() error {
	if p.Path == "" {
		return errors.New("file.changed: path is required")
	}
	switch p.Change {
	case "created", "modified", "deleted":
		return nil
	}
	return fmt.Errorf("file.changed: unknown change %q", p.Change)
}

// ArtifactCreated records a new artifact manifest owned by the run.
type ArtifactCreated struct {
	ArtifactID      string `json:"artifact_id"`
	Kind            string `json:"kind"`
	DestinationPath string `json:"destination_path"`
	SHA256          string `json:"sha256"`
	SizeBytes       int64  `json:"size_bytes"`
	Status          string `json:"status"`
}

func (ArtifactCreated) EventType() Type { return TypeArtifactCreated }

func (p ArtifactCreated) Validate() error {
	if p.ArtifactID == "" {
		return errors.New("artifact.created: artifact_id is required")
	}
	if p.SizeBytes < 0 {
		return errors.New("artifact.created: size_bytes must be >= 0")
	}
	return nil
}

// CheckpointRequested is emitted by the orchestrator before the approval
// service suspends the run.
type CheckpointRequested struct {
	CheckpointID   string `json:"checkpoint_id"`
	ActionType     string `json:"action_type"`
	Preview        string `json:"preview,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	TimeoutAction  string `json:"timeout_action"`
}

func (CheckpointRequested) EventType() Type { return TypeCheckpointRequested }

func (p CheckpointRequested) Validate() error {
	if p.CheckpointID == "" {
		return errors.New("checkpoint.requested: checkpoint_id is required")
	}
	if p.ActionType == "" {
		return errors.New("checkpoint.requested: action_type is required")
	}
	return nil
}

// CheckpointApproved is emitted when a pending approval is granted.
type CheckpointApproved struct {
	CheckpointID string `json:"checkpoint_id"`
	ActorID      string `json:"actor_id,omitempty"`
	Source       string `json:"source"`
	ApprovedFrom string `json:"approved_from,omitempty"`
}

func (CheckpointApproved) EventType() Type { return TypeCheckpointApproved }

func (p CheckpointApproved) Validate() error {
	if p.CheckpointID == "" {
		return errors.New("checkpoint.approved: checkpoint_id is required")
	}
	return nil
}

// CheckpointRejected is emitted when a pending approval is rejected by an
// actor.
type CheckpointRejected struct {
	CheckpointID string `json:"checkpoint_id"`
	ActorID      string `json:"actor_id,omitempty"`
	Source       string `json:"source"`
	Reason       string `json:"reason,omitempty"`
}

func (CheckpointRejected) EventType() Type { return TypeCheckpointRejected }

func (p CheckpointRejected) Validate() error {
	if p.CheckpointID == "" {
		return errors.New("checkpoint.rejected: checkpoint_id is required")
	}
	return nil
}

// CheckpointTimeout is emitted when a pending approval expires and the
// configured timeout action is applied.
type CheckpointTimeout struct {
	CheckpointID  string    `json:"checkpoint_id"`
	TimeoutAction string    `json:"timeout_action"`
	ExpiredAt     time.Time `json:"expired_at"`
}

func (CheckpointTimeout) EventType() Type { return TypeCheckpointTimeout }

func (p CheckpointTimeout) Validate() error {
	if p.CheckpointID == "" {
		return errors.New("checkpoint.timeout: checkpoint_id is required")
	}
	return nil
}

// DriftDetected records agent behavior outside the contract, caught at the
// tool-call gate.
type DriftDetected struct {
	DriftType DriftType `json:"drift_type"`
	Details   string    `json:"details"`
	ToolName  string    `json:"tool_name,omitempty"`
	Path      string    `json:"path,omitempty"`
}

func (DriftDetected) EventType() Type { return TypeDriftDetected }

func (p DriftDetected) Validate() error {
	if !p.DriftType.valid() {
		return fmt.Errorf("drift.detected: unknown drift_type %q", p.DriftType)
	}
	return nil
}

// RunCompleted is the final event of a successful run.
type RunCompleted struct {
	ArtifactCount  int   `json:"artifact_count"`
	TotalCostCents int64 `json:"total_cost_cents"`
	DurationMS     int64 `json:"duration_ms"`
}

func (RunCompleted) EventType() Type { return TypeRunCompleted }

func (p RunCompleted) Validate() error {
	if p.ArtifactCount < 0 {
		return errors.New("run.completed: artifact_count must be >= 0")
	}
	return nil
}

// RunFailed is the final event of a failed run. ErrorMessage is the
// user-facing narration produced by the error handler, never a raw stack
// trace.
type RunFailed struct {
	ErrorType           string `json:"error_type"`
	ErrorMessage        string `json:"error_message"`
	Recoverable         bool   `json:"recoverable"`
	CheckpointAvailable bool   `json:"checkpoint_available"`
}

func (RunFailed) EventType() Type { return TypeRunFailed }

func (p RunFailed) Validate() error {
	if p.ErrorType == "" {
		return errors.New("run.failed: error_type is required")
	}
	return nil
}

// Event is one entry in a run's append-only log.
//
// ID is globally unique; appends are idempotent on it. Seq is assigned by
// the caller and must be exactly LatestSeq(run)+1 at append time.
type Event struct {
	ID       string
	RunID    string
	Seq      int64
	Time     time.Time
	Phase    string
	Severity Severity
	Payload  Payload
}

// New builds an event with a fresh UUID and the current UTC time.
func New(runID string, seq int64, phase string, severity Severity, payload Payload) Event {
	return Event{
		ID:       uuid.NewString(),
		RunID:    runID,
		Seq:      seq,
		Time:     time.Now().UTC(),
		Phase:    phase,
		Severity: severity,
		Payload:  payload,
	}
}

// Type reports the event's type, derived from its payload variant.
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Validate checks the envelope and the payload's structural invariants.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event: id is required")
	}
	if e.RunID == "" {
		return errors.New("event: run_id is required")
	}
	if e.Seq < 0 {
		return fmt.Errorf("event: seq %d must be >= 0", e.Seq)
	}
	if !e.Severity.valid() {
		return fmt.Errorf("event: unknown severity %q", e.Severity)
	}
	if e.Payload == nil {
		return errors.New("event: payload is required")
	}
	return e.Payload.Validate()
}

// envelope is the wire form shared by JSON marshaling and the SQL backends.
type envelope struct {
	ID       string          `json:"event_id"`
	RunID    string          `json:"run_id"`
	Seq      int64           `json:"seq"`
	Time     time.Time       `json:"ts"`
	Type     Type            `json:"type"`
	Phase    string          `json:"phase,omitempty"`
	Severity Severity        `json:"severity"`
	Payload  json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with its type tag and payload body.
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}
	return json.Marshal(envelope{
		ID:       e.ID,
		RunID:    e.RunID,
		Seq:      e.Seq,
		Time:     e.Time,
		Type:     e.Type(),
		Phase:    e.Phase,
		Severity: e.Severity,
		Payload:  body,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload to the
// variant named by the type tag. Unknown types are an error: the vocabulary
// is closed.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := newPayload(env.Type)
	if err != nil {
		return err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}
	e.ID = env.ID
	e.RunID = env.RunID
	e.Seq = env.Seq
	e.Time = env.Time
	e.Phase = env.Phase
	e.Severity = env.Severity
	e.Payload = derefPayload(payload)
	return nil
}

// newPayload returns a pointer to a zero payload of the given type for
// decoding. The switch is exhaustive over the closed vocabulary.
func newPayload(t Type) (Payload, error) {
	switch t {
	case TypeRunStarted:
		return &RunStarted{}, nil
	case TypePhaseChanged:
		return &PhaseChanged{}, nil
	case TypeToolCalled:
		return &ToolCalled{}, nil
	case TypeToolResult:
		return &ToolResult{}, nil
	case TypeFileChanged:
		return &FileChanged{}, nil
	case TypeArtifactCreated:
		return &ArtifactCreated{}, nil
	case TypeCheckpointRequested:
		return &CheckpointRequested{}, nil
	case TypeCheckpointApproved:
		return &CheckpointApproved{}, nil
	case TypeCheckpointRejected:
		return &CheckpointRejected{}, nil
	case TypeCheckpointTimeout:
		return &CheckpointTimeout{}, nil
	case TypeDriftDetected:
		return &DriftDetected{}, nil
	case TypeRunCompleted:
		return &RunCompleted{}, nil
	case TypeRunFailed:
		return &RunFailed{}, nil
	}
	return nil, fmt.Errorf("event: unknown type %q", t)
}

// derefPayload converts the decoding pointer back to the value form used
// throughout the package.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *RunStarted:
		return *v
	case *PhaseChanged:
		return *v
	case *ToolCalled:
		return *v
	case *ToolResult:
		return *v
	case *FileChanged:
		return *v
	case *ArtifactCreated:
		return *v
	case *CheckpointRequested:
		return *v
	case *CheckpointApproved:
		return *v
	case *CheckpointRejected:
		return *v
	case *CheckpointTimeout:
		return *v
	case *DriftDetected:
		return *v
	case *RunCompleted:
		return *v
	case *RunFailed:
		return *v
	}
	return p
}
