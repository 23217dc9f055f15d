// Package store persists run records and approval audit trails, and wraps
// the event log so state changes and the events describing them commit
// together.
//
// The Backend interface is plain row storage; Store layers the state
// machine and per-run serialization on top of whichever backend is
// configured. Three backends ship: in-memory (tests, examples), SQLite
// (single-node production), and MySQL (shared database deployments).
package store

import (
	"context"

	"github.com/dshills/runplane/run"
)

// Filter narrows ListRuns. Zero fields match everything; set fields are
// ANDed.
type Filter struct {
	WorkspaceID string
	States      []run.State
	Limit       int
}

func (f Filter) matchState(s run.State) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, want := range f.States {
		if s == want {
			return true
		}
	}
	return false
}

// Backend is plain row storage for runs and audit records. Implementations
// do not interpret run state; Store owns all lifecycle logic.
type Backend interface {
	// InsertRun stores a new run. Returns run.ErrExists if the id is taken.
	InsertRun(ctx context.Context, r *run.Run) error

	// SaveRun replaces an existing run row. Returns run.ErrNotFound if the
	// run was never inserted.
	SaveRun(ctx context.Context, r *run.Run) error

	// GetRun returns the stored run or run.ErrNotFound.
	GetRun(ctx context.Context, id string) (*run.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f Filter) ([]*run.Run, error)

	// DeleteRun removes a run row and its audit records.
	DeleteRun(ctx context.Context, id string) error

	// AppendAudit adds one immutable audit record.
	AppendAudit(ctx context.Context, rec run.ApprovalAuditRecord) error

	// ListAudit returns a run's audit records in append order.
	ListAudit(ctx context.Context, runID string) ([]run.ApprovalAuditRecord, error)

	// Close releases backend resources.
	Close() error
}
