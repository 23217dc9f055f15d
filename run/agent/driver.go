// Package agent defines the seam between the control plane and the model
// driving a run. A Driver looks at the run's current view and proposes the
// next action; the orchestrator validates and executes it. Adapters exist
// for Anthropic, OpenAI, and Google models, plus a scripted mock.
package agent

import (
	"context"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/contract"
)

// Action is what the driver wants to happen next.
type Action string

const (
	// ActionToolCall proposes one tool call.
	ActionToolCall Action = "tool_call"

	// ActionCheckpoint asks for human approval before a side-effectful
	// step.
	ActionCheckpoint Action = "checkpoint"

	// ActionAdvance declares the current phase finished.
	ActionAdvance Action = "advance"

	// ActionComplete delivers the final output.
	ActionComplete Action = "complete"
)

// ToolCall is a proposed tool invocation.
type ToolCall struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
	FilePath string         `json:"file_path,omitempty"`
}

// Checkpoint is a proposed approval request.
type Checkpoint struct {
	ActionType string `json:"action_type"`
	Preview    string `json:"preview,omitempty"`
}

// Output is the final artifact the driver hands over on completion.
type Output struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
	Body  string `json:"body"`
}

// Decision is one step proposed by the driver. Exactly one of the optional
// fields is set, according to Action.
type Decision struct {
	Action     Action      `json:"action"`
	Tool       *ToolCall   `json:"tool,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Output     *Output     `json:"output,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// StepResult feeds a prior tool outcome back to the driver.
type StepResult struct {
	ToolName string
	Success  bool
	Output   string
	Error    string
}

// View is what the driver sees of the run when asked for its next step.
type View struct {
	RunID    string
	Phase    run.State
	Goal     string
	Contract *contract.Contract
	Results  []StepResult
}

// Usage is the token spend of one driver step, fed to the cost tracker.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Driver proposes the next step of a run. Implementations must be safe for
// concurrent use across runs and must honor ctx cancellation.
type Driver interface {
	// Next returns the driver's decision for the run's current state.
	Next(ctx context.Context, view View) (Decision, Usage, error)

	// Name identifies the driver for logs and cost entries.
	Name() string
}

// DriverError is a model-API failure translated for the error handler. The
// Message deliberately carries the classifier's trigger substrings (rate
// limit, timed out) so retry policy falls out of the standard taxonomy.
type DriverError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *DriverError) Error() string { return e.Message }

// IsRetryable reports whether the failure is transient.
func (e *DriverError) IsRetryable() bool { return e.Retryable }

// Common driver error values.
var (
	ErrRateLimited   = &DriverError{Code: "rate_limited", Message: "model API rate limit exceeded", Retryable: true}
	ErrTimeout       = &DriverError{Code: "timeout", Message: "model API request timed out", Retryable: true}
	ErrInvalidAPIKey = &DriverError{Code: "invalid_api_key", Message: "model API key is invalid or expired"}
	ErrQuotaExceeded = &DriverError{Code: "quota_exceeded", Message: "model API quota exceeded"}
)
