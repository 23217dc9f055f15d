package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemLog is an in-memory implementation of Log.
//
// Designed for tests, single-process development, and short-lived runs
// where durability is not required. For durable storage use SQLiteLog.
//
// MemLog is safe for concurrent use. Per-run streams are independent:
// writers to one run never block readers of another beyond the shared map
// lock.
type MemLog struct {
	mu   sync.RWMutex
	runs map[string][]Event // runID -> events ordered by seq
	byID map[string]Event   // eventID -> event
}

// NewMemLog creates an empty in-memory event log.
func NewMemLog() *MemLog {
	return &MemLog{
		runs: make(map[string][]Event),
		byID: make(map[string]Event),
	}
}

// Backend identifies the implementation for metric labels.
func (m *MemLog) Backend() string { return "memory" }

// Append implements Log.
func (m *MemLog) Append(_ context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[evt.ID]; exists {
		return nil // idempotent on event ID
	}
	if evt.Seq != m.latestSeqLocked(evt.RunID)+1 {
		return fmt.Errorf("%w: run %s has latest seq %d, got %d",
			ErrInvalidSeq, evt.RunID, m.latestSeqLocked(evt.RunID), evt.Seq)
	}

	m.runs[evt.RunID] = append(m.runs[evt.RunID], evt)
	m.byID[evt.ID] = evt
	return nil
}

// AppendBatch implements Log. The whole batch is validated before anything
// is written, so a failed batch leaves the log unchanged.
func (m *MemLog) AppendBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	runID := events[0].RunID
	for i, evt := range events {
		if evt.RunID != runID {
			return fmt.Errorf("%w: event %d has run %s, batch run %s",
				ErrInvalidBatch, i, evt.RunID, runID)
		}
		if err := evt.Validate(); err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrInvalidPayload, i, err)
		}
		if i > 0 && evt.Seq != events[i-1].Seq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrInvalidBatch, evt.Seq, events[i-1].Seq)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, evt := range events {
		if _, exists := m.byID[evt.ID]; exists {
			return fmt.Errorf("%w: event id %s already appended", ErrInvalidBatch, evt.ID)
		}
	}
	if events[0].Seq != m.latestSeqLocked(runID)+1 {
		return fmt.Errorf("%w: run %s has latest seq %d, batch starts at %d",
			ErrInvalidSeq, runID, m.latestSeqLocked(runID), events[0].Seq)
	}

	for _, evt := range events {
		m.runs[runID] = append(m.runs[runID], evt)
		m.byID[evt.ID] = evt
	}
	return nil
}

// Query implements Log.
func (m *MemLog) Query(_ context.Context, runID string, q Query) (QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.runs[runID]
	start := sort.Search(len(stream), func(i int) bool {
		return stream[i].Seq > q.AfterSeq
	})

	limit := normalizeLimit(q.Limit)
	result := QueryResult{Cursor: q.AfterSeq}
	for i := start; i < len(stream); i++ {
		if !matchesTypes(stream[i].Type(), q.Types) {
			continue
		}
		if len(result.Events) == limit {
			result.HasMore = true
			break
		}
		result.Events = append(result.Events, stream[i])
		result.Cursor = stream[i].Seq
	}
	return result, nil
}

// GetByID implements Log.
func (m *MemLog) GetByID(_ context.Context, eventID string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evt, ok := m.byID[eventID]
	if !ok {
		return Event{}, ErrNotFound
	}
	return evt, nil
}

// Stats implements Log.
func (m *MemLog) Stats(_ context.Context, runID string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.runs[runID]
	stats := Stats{
		Total:        int64(len(stream)),
		LastSeq:      m.latestSeqLocked(runID),
		CountsByType: make(map[Type]int64),
	}
	for _, evt := range stream {
		stats.CountsByType[evt.Type()]++
	}
	if len(stream) > 0 {
		stats.FirstTime = stream[0].Time
		stats.LastTime = stream[len(stream)-1].Time
	}
	return stats, nil
}

// LatestSeq implements Log.
func (m *MemLog) LatestSeq(_ context.Context, runID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestSeqLocked(runID), nil
}

// DeleteRun implements Log.
func (m *MemLog) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, evt := range m.runs[runID] {
		delete(m.byID, evt.ID)
	}
	delete(m.runs, runID)
	return nil
}

func (m *MemLog) latestSeqLocked(runID string) int64 {
	stream := m.runs[runID]
	if len(stream) == 0 {
		return -1
	}
	return stream[len(stream)-1].Seq
}
