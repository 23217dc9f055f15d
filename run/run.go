// Package run defines the run record, its state machine, error
// classification with categorized retry, and cost accounting — the core
// model every other control-plane package is built around.
package run

import (
	"time"

	"github.com/dshills/runplane/run/contract"
)

// State is a run's lifecycle state.
type State string

const (
	StatePending          State = "pending"
	StateInitializing     State = "initializing"
	StatePlanning         State = "planning"
	StateExecuting        State = "executing"
	StateVerifying        State = "verifying"
	StatePackaging        State = "packaging"
	StateAwaitingApproval State = "awaiting_approval"
	StatePaused           State = "paused"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
	StateTimeout          State = "timeout"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Resumable reports whether the state is a work state a suspended run can
// return to.
func (s State) Resumable() bool {
	switch s {
	case StatePlanning, StateExecuting, StateVerifying:
		return true
	}
	return false
}

// Valid reports whether s is one of the twelve lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInitializing, StatePlanning, StateExecuting,
		StateVerifying, StatePackaging, StateAwaitingApproval, StatePaused,
		StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// CostBreakdown is a run's accumulated cost. TotalCents always equals
// ComputeCents + APICents.
type CostBreakdown struct {
	ComputeCents int64 `json:"compute_cents"`
	APICents     int64 `json:"api_cents"`
	TotalCents   int64 `json:"total_cents"`
}

// ExecutionEnv records the sandbox backing a run.
type ExecutionEnv struct {
	SandboxID string    `json:"sandbox_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorInfo is the terminal error attached to a failed run. Message is the
// user-facing narration, never a raw stack trace.
type ErrorInfo struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ArtifactStatus grades an artifact manifest.
type ArtifactStatus string

const (
	ArtifactDraft   ArtifactStatus = "draft"
	ArtifactFinal   ArtifactStatus = "final"
	ArtifactPartial ArtifactStatus = "partial"
)

// ArtifactManifest references one artifact produced by a run. The bytes
// live in the external vault or sandbox; the run owns only the reference.
type ArtifactManifest struct {
	ArtifactID      string         `json:"artifact_id"`
	RunID           string         `json:"run_id"`
	Kind            string         `json:"artifact_kind"`
	MIME            string         `json:"mime,omitempty"`
	PreviewKind     string         `json:"preview_kind,omitempty"`
	DestinationPath string         `json:"destination_path"`
	SHA256          string         `json:"sha256"`
	SizeBytes       int64          `json:"size_bytes"`
	CreatedAt       time.Time      `json:"created_at"`
	Status          ArtifactStatus `json:"status"`
}

// AuditAction is the resolution recorded in an approval audit row.
type AuditAction string

const (
	AuditApproved AuditAction = "approved"
	AuditRejected AuditAction = "rejected"
	AuditTimeout  AuditAction = "timeout"
)

// AuditSource identifies where an approval resolution came from.
type AuditSource string

const (
	SourceWeb     AuditSource = "web"
	SourceDesktop AuditSource = "desktop"
	SourceMobile  AuditSource = "mobile"
	SourceAPI     AuditSource = "api"
	SourceTimeout AuditSource = "timeout"
	SourceBulk    AuditSource = "bulk"
)

// ApprovalAuditRecord is one immutable row appended per approval
// resolution. ActorID is empty for timeout resolutions.
type ApprovalAuditRecord struct {
	AuditID         string      `json:"audit_id"`
	RunID           string      `json:"run_id"`
	CheckpointID    string      `json:"checkpoint_id"`
	Action          AuditAction `json:"action"`
	ActorID         string      `json:"actor_id,omitempty"`
	Source          AuditSource `json:"source"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Run is one execution of a templated agent against a user goal.
//
// The run store holds the canonical copy; all mutation goes through it.
// PreviousState is set exactly while State is awaiting_approval or paused.
type Run struct {
	ID              string             `json:"id"`
	WorkspaceID     string             `json:"workspace_id"`
	TemplateID      string             `json:"template_id"`
	TemplateVersion string             `json:"template_version,omitempty"`
	Contract        *contract.Contract `json:"contract"`
	Env             *ExecutionEnv      `json:"execution_env,omitempty"`
	State           State              `json:"state"`
	PreviousState   State              `json:"previous_state,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       time.Time          `json:"started_at,omitzero"`
	CompletedAt     time.Time          `json:"completed_at,omitzero"`
	UpdatedAt       time.Time          `json:"updated_at"`
	LastEventSeq    int64              `json:"last_event_seq"`
	Cost            CostBreakdown      `json:"cost"`
	Artifacts       []ArtifactManifest `json:"artifacts,omitempty"`
	Error           *ErrorInfo         `json:"error,omitempty"`
}

// Clone returns a copy safe to hand to readers while the store keeps
// mutating the original. The contract snapshot is immutable and shared.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Env != nil {
		env := *r.Env
		dup.Env = &env
	}
	if r.Error != nil {
		e := *r.Error
		dup.Error = &e
	}
	if len(r.Artifacts) > 0 {
		dup.Artifacts = make([]ArtifactManifest, len(r.Artifacts))
		copy(dup.Artifacts, r.Artifacts)
	}
	return &dup
}
