package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/event"
)

// Store is the single writer of run rows. It serializes all mutation per
// run, drives every state change through the lifecycle graph, and appends
// the describing event before committing the new state, so readers never
// observe one without the other.
type Store struct {
	backend Backend
	log     event.Log
	logName string
	metrics *run.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates a store over the given backend and event log.
func New(backend Backend, log event.Log) *Store {
	name := "custom"
	if b, ok := log.(interface{ Backend() string }); ok {
		name = b.Backend()
	}
	return &Store{
		backend: backend,
		log:     log,
		logName: name,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// SetMetrics attaches a metric bundle. Event log appends are then observed
// on the append-latency histogram, labeled with the log backend.
func (s *Store) SetMetrics(m *run.Metrics) { s.metrics = m }

// EventLog exposes the wrapped log for read-side consumers (streaming,
// trace assembly).
func (s *Store) EventLog() event.Log { return s.log }

// Close closes the underlying backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) runLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create inserts a new run row. Zero lifecycle fields get their initial
// values: state pending, last_event_seq -1, created/updated timestamps.
func (s *Store) Create(ctx context.Context, r *run.Run) error {
	if r.ID == "" {
		return fmt.Errorf("store: run id is required")
	}
	now := s.now().UTC()
	if r.State == "" {
		r.State = run.StatePending
	}
	if !r.State.Valid() {
		return fmt.Errorf("store: invalid state %q", r.State)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.LastEventSeq == 0 {
		r.LastEventSeq = -1
	}
	return s.backend.InsertRun(ctx, r.Clone())
}

// Get returns a copy of the run.
func (s *Store) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.backend.GetRun(ctx, id)
}

// List returns runs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*run.Run, error) {
	return s.backend.ListRuns(ctx, f)
}

// Delete removes the run row, its audit trail, and its events. Used by
// test and cleanup paths only.
func (s *Store) Delete(ctx context.Context, id string) error {
	l := s.runLock(id)
	l.Lock()
	defer l.Unlock()
	if err := s.backend.DeleteRun(ctx, id); err != nil {
		return err
	}
	if err := s.log.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// Audit returns the run's approval audit trail in append order.
func (s *Store) Audit(ctx context.Context, runID string) ([]run.ApprovalAuditRecord, error) {
	return s.backend.ListAudit(ctx, runID)
}

// emitLocked appends a payload as the run's next event and advances
// last_event_seq on the in-memory row. Caller holds the run lock and is
// responsible for persisting r afterwards.
func (s *Store) emitLocked(ctx context.Context, r *run.Run, phase string, sev event.Severity, p event.Payload) (event.Event, error) {
	ev := event.New(r.ID, r.LastEventSeq+1, phase, sev, p)
	start := time.Now()
	if err := s.log.Append(ctx, ev); err != nil {
		return event.Event{}, err
	}
	s.metrics.AppendObserved(s.logName, time.Since(start))
	r.LastEventSeq = ev.Seq
	return ev, nil
}

// Emit appends a payload as the run's next event and persists the advanced
// cursor.
func (s *Store) Emit(ctx context.Context, runID string, sev event.Severity, p event.Payload) (event.Event, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return event.Event{}, err
	}
	ev, err := s.emitLocked(ctx, r, string(r.State), sev, p)
	if err != nil {
		return event.Event{}, err
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.backend.SaveRun(ctx, r); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// transitionLocked validates and applies one lifecycle edge. The
// phase.changed event is appended first; if that fails the transition
// aborts and the row is untouched. Entering initializing emits nothing;
// the run has not reached its first phase yet.
func (s *Store) transitionLocked(ctx context.Context, r *run.Run, to run.State, reason string) error {
	prev, err := run.Transition(r.State, r.PreviousState, to)
	if err != nil {
		return err
	}

	if to != run.StateInitializing {
		from := string(r.State)
		if r.State == run.StatePending || r.State == run.StateInitializing {
			from = ""
		}
		p := event.PhaseChanged{From: from, To: string(to), Reason: reason}
		if _, err := s.emitLocked(ctx, r, string(to), event.SeverityInfo, p); err != nil {
			return fmt.Errorf("store: transition %s -> %s aborted: %w", r.State, to, err)
		}
	}

	now := s.now().UTC()
	r.State = to
	r.PreviousState = prev
	r.UpdatedAt = now
	if to.Terminal() {
		r.CompletedAt = now
	}
	return nil
}

// Transition moves the run along a lifecycle edge and commits.
func (s *Store) Transition(ctx context.Context, runID string, to run.State, reason string) (*run.Run, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.transitionLocked(ctx, r, to, reason); err != nil {
		return nil, err
	}
	if err := s.backend.SaveRun(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Apply resolves a user action through the state machine and commits the
// resulting transition. Retry is the one action that is not an edge: it
// resets a terminal run to pending for a fresh attempt, clearing the error
// and execution environment but keeping the event history and cost.
func (s *Store) Apply(ctx context.Context, runID string, action run.UserAction, reason run.RejectReason, note string) (*run.Run, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	target, err := run.ActionTarget(r.State, r.PreviousState, action, reason)
	if err != nil {
		return nil, err
	}

	if action == run.ActionRetry {
		p := event.PhaseChanged{From: string(r.State), To: string(target), Reason: "retry"}
		if _, err := s.emitLocked(ctx, r, string(target), event.SeverityInfo, p); err != nil {
			return nil, err
		}
		r.State = target
		r.PreviousState = ""
		r.Error = nil
		r.Env = nil
		r.StartedAt = time.Time{}
		r.CompletedAt = time.Time{}
		r.UpdatedAt = s.now().UTC()
	} else {
		if note == "" {
			note = string(action)
		}
		if err := s.transitionLocked(ctx, r, target, note); err != nil {
			return nil, err
		}
	}

	if err := s.backend.SaveRun(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// ResolveApproval commits one approval resolution as a unit: the state
// transition (with its phase.changed event), the resolution event, and the
// audit record, all under the run's lock.
func (s *Store) ResolveApproval(ctx context.Context, runID string, to run.State, reason string, sev event.Severity, p event.Payload, rec run.ApprovalAuditRecord) (*run.Run, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.transitionLocked(ctx, r, to, reason); err != nil {
		return nil, err
	}
	if _, err := s.emitLocked(ctx, r, string(r.State), sev, p); err != nil {
		return nil, err
	}
	if err := s.backend.SaveRun(ctx, r); err != nil {
		return nil, err
	}
	if err := s.backend.AppendAudit(ctx, rec); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Suspend records a checkpoint request: transitions to awaiting_approval
// after the caller has emitted checkpoint.requested.
func (s *Store) Suspend(ctx context.Context, runID, reason string) (*run.Run, error) {
	return s.Transition(ctx, runID, run.StateAwaitingApproval, reason)
}

// SetEnv records the provisioned sandbox on the run.
func (s *Store) SetEnv(ctx context.Context, runID string, env run.ExecutionEnv) (*run.Run, error) {
	return s.update(ctx, runID, func(r *run.Run) {
		r.Env = &env
	})
}

// SetStarted stamps the run's start time.
func (s *Store) SetStarted(ctx context.Context, runID string, at time.Time) (*run.Run, error) {
	return s.update(ctx, runID, func(r *run.Run) {
		r.StartedAt = at.UTC()
	})
}

// SetCost replaces the run's cost breakdown with the tracker's totals.
func (s *Store) SetCost(ctx context.Context, runID string, bd run.CostBreakdown) (*run.Run, error) {
	return s.update(ctx, runID, func(r *run.Run) {
		r.Cost = bd
	})
}

// SetError attaches the terminal error narration to the run.
func (s *Store) SetError(ctx context.Context, runID string, info run.ErrorInfo) (*run.Run, error) {
	return s.update(ctx, runID, func(r *run.Run) {
		r.Error = &info
	})
}

// Fail moves the run to failed with its error attached and emits the
// run.failed event, all under one lock.
func (s *Store) Fail(ctx context.Context, runID, reason string, info run.ErrorInfo, p event.RunFailed) (*run.Run, error) {
	return s.terminate(ctx, runID, run.StateFailed, reason, &info, event.SeverityError, p)
}

// Timeout moves the run to the timeout state and emits the given payload.
// Only reachable from awaiting_approval, by a reject-on-timeout.
func (s *Store) Timeout(ctx context.Context, runID, reason string, p event.Payload) (*run.Run, error) {
	return s.terminate(ctx, runID, run.StateTimeout, reason, nil, event.SeverityError, p)
}

func (s *Store) terminate(ctx context.Context, runID string, to run.State, reason string, info *run.ErrorInfo, sev event.Severity, p event.Payload) (*run.Run, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.transitionLocked(ctx, r, to, reason); err != nil {
		return nil, err
	}
	if info != nil {
		r.Error = info
	}
	if p != nil {
		if _, err := s.emitLocked(ctx, r, string(to), sev, p); err != nil {
			return nil, err
		}
	}
	if err := s.backend.SaveRun(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// AddArtifact appends a manifest to the run and emits artifact.created.
func (s *Store) AddArtifact(ctx context.Context, runID string, m run.ArtifactManifest) (*run.Run, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	m.RunID = runID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	r.Artifacts = append(r.Artifacts, m)

	p := event.ArtifactCreated{
		ArtifactID:      m.ArtifactID,
		Kind:            m.Kind,
		DestinationPath: m.DestinationPath,
		SHA256:          m.SHA256,
		SizeBytes:       m.SizeBytes,
		Status:          string(m.Status),
	}
	if _, err := s.emitLocked(ctx, r, string(r.State), event.SeverityInfo, p); err != nil {
		return nil, err
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.backend.SaveRun(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (s *Store) update(ctx context.Context, runID string, mutate func(*run.Run)) (*run.Run, error) {
	l := s.runLock(runID)
	l.Lock()
	defer l.Unlock()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	mutate(r)
	r.UpdatedAt = s.now().UTC()
	if err := s.backend.SaveRun(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}
