package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/runplane/run"
)

// MemBackend is an in-memory Backend for tests and examples.
type MemBackend struct {
	mu    sync.RWMutex
	runs  map[string]*run.Run
	audit map[string][]run.ApprovalAuditRecord
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		runs:  make(map[string]*run.Run),
		audit: make(map[string][]run.ApprovalAuditRecord),
	}
}

func (m *MemBackend) InsertRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return run.ErrExists
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemBackend) SaveRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return run.ErrNotFound
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *MemBackend) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, run.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemBackend) ListRuns(_ context.Context, f Filter) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Run
	for _, r := range m.runs {
		if f.WorkspaceID != "" && r.WorkspaceID != f.WorkspaceID {
			continue
		}
		if !f.matchState(r.State) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemBackend) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	delete(m.audit, id)
	return nil
}

func (m *MemBackend) AppendAudit(_ context.Context, rec run.ApprovalAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[rec.RunID] = append(m.audit[rec.RunID], rec)
	return nil
}

func (m *MemBackend) ListAudit(_ context.Context, runID string) ([]run.ApprovalAuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]run.ApprovalAuditRecord, len(m.audit[runID]))
	copy(records, m.audit[runID])
	return records, nil
}

func (m *MemBackend) Close() error { return nil }
