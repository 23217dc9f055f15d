// Package approval owns the pending-checkpoint registry and drives every
// approval resolution through the run store, so state change, event, and
// audit record land together.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/contract"
	"github.com/dshills/runplane/run/emit"
	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/store"
)

// Sentinel errors for checkpoint operations.
var (
	ErrUnknownCheckpoint   = errors.New("approval: unknown checkpoint")
	ErrNotPending          = errors.New("approval: checkpoint is not pending")
	ErrDuplicateCheckpoint = errors.New("approval: checkpoint already pending")
)

// DefaultTimeout applies when a request carries no timeout of its own.
const DefaultTimeout = time.Hour

// Status is the lifecycle of a pending approval entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timeout"
)

// Pending is one checkpoint awaiting resolution.
type Pending struct {
	CheckpointID       string                 `json:"checkpoint_id"`
	RunID              string                 `json:"run_id"`
	ActionType         string                 `json:"action_type"`
	Preview            string                 `json:"preview,omitempty"`
	RequestedAt        time.Time              `json:"requested_at"`
	ExpiresAt          time.Time              `json:"expires_at"`
	TimeoutAction      contract.TimeoutAction `json:"timeout_action"`
	RequestedFromPhase run.State              `json:"requested_from_phase"`
	Status             Status                 `json:"status"`
}

// Request describes a new checkpoint. Zero TimeoutSeconds selects
// DefaultTimeout; zero TimeoutAction selects reject.
type Request struct {
	CheckpointID   string
	ActionType     string
	Preview        string
	TimeoutSeconds int
	TimeoutAction  contract.TimeoutAction
}

// Filter selects pending entries for bulk operations. Set fields are ANDed.
type Filter struct {
	ActionType string
	RunID      string
	Limit      int
}

// BulkResult reports per-item outcomes of a bulk approve.
type BulkResult struct {
	Approved []string
	Failed   map[string]error
}

// Service holds the live pending entries and resolves them against the
// store. It is the exclusive owner of the registry; the orchestrator and
// any API surface go through it.
type Service struct {
	store   *store.Store
	emitter emit.Emitter

	mu      sync.Mutex
	pending map[string]*Pending

	now func() time.Time
}

// NewService creates an approval service over the store. A nil emitter
// discards.
func NewService(s *store.Store, emitter emit.Emitter) *Service {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Service{
		store:   s,
		emitter: emitter,
		pending: make(map[string]*Pending),
		now:     time.Now,
	}
}

// RequestApproval suspends the run and registers the pending checkpoint.
// The caller emits checkpoint.requested beforehand; the request itself
// emits nothing beyond the suspension's phase.changed.
func (s *Service) RequestApproval(ctx context.Context, runID string, req Request) (*Pending, error) {
	if req.CheckpointID == "" {
		return nil, fmt.Errorf("approval: checkpoint id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[req.CheckpointID]; ok && p.Status == StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, req.CheckpointID)
	}

	before, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Suspend(ctx, runID, "checkpoint "+req.CheckpointID); err != nil {
		return nil, err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	action := req.TimeoutAction
	if action == "" {
		action = contract.TimeoutReject
	}

	now := s.now().UTC()
	p := &Pending{
		CheckpointID:       req.CheckpointID,
		RunID:              runID,
		ActionType:         req.ActionType,
		Preview:            req.Preview,
		RequestedAt:        now,
		ExpiresAt:          now.Add(timeout),
		TimeoutAction:      action,
		RequestedFromPhase: before.State,
		Status:             StatusPending,
	}
	s.pending[req.CheckpointID] = p
	s.emitter.Emit(emit.Event{
		RunID: runID, Phase: string(run.StateAwaitingApproval), Msg: "approval_requested",
		Meta: map[string]any{
			"checkpoint_id": p.CheckpointID,
			"action_type":   p.ActionType,
			"expires_at":    p.ExpiresAt.Format(time.RFC3339),
		},
	})

	cp := *p
	return &cp, nil
}

// Get returns a copy of the checkpoint entry, pending or resolved.
func (s *Service) Get(checkpointID string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpointID)
	}
	cp := *p
	return &cp, nil
}

// ListPending returns pending entries matching the filter, oldest first.
func (s *Service) ListPending(f Filter) []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(f)
}

func (s *Service) selectLocked(f Filter) []*Pending {
	var out []*Pending
	for _, p := range s.pending {
		if p.Status != StatusPending {
			continue
		}
		if f.ActionType != "" && p.ActionType != f.ActionType {
			continue
		}
		if f.RunID != "" && p.RunID != f.RunID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Approve grants a pending checkpoint: the run returns to the state it was
// suspended from, checkpoint.approved is emitted, and an audit record is
// appended.
func (s *Service) Approve(ctx context.Context, checkpointID, actor string, source run.AuditSource) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approveLocked(ctx, checkpointID, actor, source)
}

func (s *Service) approveLocked(ctx context.Context, checkpointID, actor string, source run.AuditSource) (*run.Run, error) {
	p, err := s.pendingLocked(checkpointID)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	target, err := run.ActionTarget(r.State, r.PreviousState, run.ActionApprove, "")
	if err != nil {
		return nil, err
	}

	rec := run.ApprovalAuditRecord{
		AuditID:      uuid.NewString(),
		RunID:        p.RunID,
		CheckpointID: checkpointID,
		Action:       run.AuditApproved,
		ActorID:      actor,
		Source:       source,
		Timestamp:    s.now().UTC(),
	}
	updated, err := s.store.ResolveApproval(ctx, p.RunID, target, "approved",
		event.SeverityInfo,
		event.CheckpointApproved{
			CheckpointID: checkpointID,
			ActorID:      actor,
			Source:       string(source),
			ApprovedFrom: string(p.RequestedFromPhase),
		}, rec)
	if err != nil {
		return nil, err
	}

	p.Status = StatusApproved
	s.emitter.Emit(emit.Event{
		RunID: p.RunID, Seq: updated.LastEventSeq, Phase: string(updated.State), Msg: "approval_granted",
		Meta: map[string]any{"checkpoint_id": checkpointID, "actor": actor, "source": string(source)},
	})
	return updated, nil
}

// Reject resolves a pending checkpoint negatively. The reason selects the
// destination: user_cancelled → cancelled, needs_edit → paused,
// policy_violation → failed.
func (s *Service) Reject(ctx context.Context, checkpointID string, reason run.RejectReason, actor string, source run.AuditSource) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pendingLocked(checkpointID)
	if err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	target, err := run.ActionTarget(r.State, r.PreviousState, run.ActionReject, reason)
	if err != nil {
		return nil, err
	}

	rec := run.ApprovalAuditRecord{
		AuditID:         uuid.NewString(),
		RunID:           p.RunID,
		CheckpointID:    checkpointID,
		Action:          run.AuditRejected,
		ActorID:         actor,
		Source:          source,
		RejectionReason: string(reason),
		Timestamp:       s.now().UTC(),
	}
	updated, err := s.store.ResolveApproval(ctx, p.RunID, target, "rejected: "+string(reason),
		event.SeverityWarning,
		event.CheckpointRejected{
			CheckpointID: checkpointID,
			ActorID:      actor,
			Source:       string(source),
			Reason:       string(reason),
		}, rec)
	if err != nil {
		return nil, err
	}

	p.Status = StatusRejected
	s.emitter.Emit(emit.Event{
		RunID: p.RunID, Seq: updated.LastEventSeq, Phase: string(updated.State), Msg: "approval_rejected",
		Meta: map[string]any{
			"checkpoint_id": checkpointID, "reason": string(reason),
			"actor": actor, "source": string(source),
		},
	})
	return updated, nil
}

// BulkApprove approves every pending entry matching the filter, oldest
// first. Per-item failures are collected, not fatal. All audit records
// carry source bulk.
func (s *Service) BulkApprove(ctx context.Context, actor string, f Filter) BulkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := BulkResult{Failed: make(map[string]error)}
	for _, p := range s.selectLocked(f) {
		if _, err := s.approveLocked(ctx, p.CheckpointID, actor, run.SourceBulk); err != nil {
			result.Failed[p.CheckpointID] = err
			continue
		}
		result.Approved = append(result.Approved, p.CheckpointID)
	}
	return result
}

// ProcessTimeouts resolves every pending entry whose expiry has passed
// (inclusive). Approve-on-timeout takes the approve path but emits
// checkpoint.timeout at warning; reject-on-timeout moves the run straight
// to the timeout state and emits checkpoint.timeout at error. Both audit
// as action timeout with no actor. Returns the number processed.
func (s *Service) ProcessTimeouts(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	processed := 0
	for _, p := range s.selectLocked(Filter{}) {
		if now.Before(p.ExpiresAt) {
			continue
		}
		entry := s.pending[p.CheckpointID]
		if err := s.expireLocked(ctx, entry, now); err != nil {
			s.emitter.Emit(emit.Event{
				RunID: entry.RunID, Msg: "approval_timeout_failed",
				Meta: map[string]any{"checkpoint_id": entry.CheckpointID, "error": err.Error()},
			})
			continue
		}
		processed++
	}
	return processed
}

func (s *Service) expireLocked(ctx context.Context, p *Pending, now time.Time) error {
	rec := run.ApprovalAuditRecord{
		AuditID:      uuid.NewString(),
		RunID:        p.RunID,
		CheckpointID: p.CheckpointID,
		Action:       run.AuditTimeout,
		Source:       run.SourceTimeout,
		Timestamp:    now,
	}
	payload := event.CheckpointTimeout{
		CheckpointID:  p.CheckpointID,
		TimeoutAction: string(p.TimeoutAction),
		ExpiredAt:     p.ExpiresAt,
	}

	var target run.State
	var sev event.Severity
	if p.TimeoutAction == contract.TimeoutApprove {
		r, err := s.store.Get(ctx, p.RunID)
		if err != nil {
			return err
		}
		target, err = run.ActionTarget(r.State, r.PreviousState, run.ActionApprove, "")
		if err != nil {
			return err
		}
		sev = event.SeverityWarning
	} else {
		target = run.StateTimeout
		sev = event.SeverityError
	}

	if _, err := s.store.ResolveApproval(ctx, p.RunID, target, "checkpoint timed out", sev, payload, rec); err != nil {
		return err
	}
	p.Status = StatusTimedOut
	s.emitter.Emit(emit.Event{
		RunID: p.RunID, Msg: "approval_timed_out",
		Meta: map[string]any{
			"checkpoint_id":  p.CheckpointID,
			"timeout_action": string(p.TimeoutAction),
		},
	})
	return nil
}

// Drop discards a run's pending entries without resolving them. Used when
// the run reaches a terminal state through another path (cancel, failure).
func (s *Service) Drop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if p.RunID == runID && p.Status == StatusPending {
			delete(s.pending, id)
		}
	}
}

// RunTimeoutLoop calls ProcessTimeouts on the interval until the context
// is cancelled. Run it in its own goroutine.
func (s *Service) RunTimeoutLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessTimeouts(ctx)
		}
	}
}

func (s *Service) pendingLocked(checkpointID string) (*Pending, error) {
	p, ok := s.pending[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpointID)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, checkpointID, p.Status)
	}
	return p, nil
}
