// Package sandbox defines the contract between the control plane and the
// external process host that executes agent tool calls. The control plane
// never touches sandbox internals: it provisions, executes, extracts, and
// shuts down through this interface.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotProvisioned is returned by operations on a sandbox that was never
// provisioned or has already been shut down.
var ErrNotProvisioned = errors.New("sandbox: not provisioned")

// ProvisionOptions configures a new sandbox.
type ProvisionOptions struct {
	RunID          string
	TemplateID     string
	TimeoutSeconds int
	InputFiles     []string
	Env            map[string]string
}

// ExecRequest is one validated tool call dispatched to the sandbox.
type ExecRequest struct {
	CallID   string
	ToolName string
	Input    map[string]any
	FilePath string
}

// ExecResult is what came back. A tool that ran but failed reports
// Success=false with Error set; transport-level problems surface as a Go
// error from Exec instead.
type ExecResult struct {
	Output       string
	Error        string
	Success      bool
	Duration     time.Duration
	FilesChanged []string
}

// Artifact is one output extracted from the sandbox at the end of a run.
type Artifact struct {
	Name string
	Kind string
	MIME string
	Body []byte
}

// Sandbox is a live provisioned execution environment.
type Sandbox interface {
	// ID returns the host-assigned sandbox identifier.
	ID() string

	// Exec runs one tool call and returns its result. Honors ctx
	// cancellation by force-killing the in-flight call.
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)

	// Extract returns the artifacts produced so far. Safe to call on a
	// failed or cancelled run; returns whatever can be salvaged.
	Extract(ctx context.Context) ([]Artifact, error)

	// Shutdown releases the sandbox. Idempotent.
	Shutdown(ctx context.Context) error
}

// Provisioner creates sandboxes. The concrete host (E2B or otherwise) lives
// behind this.
type Provisioner interface {
	Provision(ctx context.Context, opts ProvisionOptions) (Sandbox, error)
}
