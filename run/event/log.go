package event

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested event ID does not exist.
var ErrNotFound = errors.New("event not found")

// ErrInvalidSeq is returned when an append's sequence number is not exactly
// one past the run's latest. A correct caller never triggers this; treat it
// as a programmer error, not an operational condition.
var ErrInvalidSeq = errors.New("invalid seq: append must use latest seq + 1")

// ErrInvalidPayload is returned when an event fails structural validation
// at append time.
var ErrInvalidPayload = errors.New("invalid event payload")

// ErrInvalidBatch is returned when a batch append mixes runs or its
// sequence numbers are not contiguous.
var ErrInvalidBatch = errors.New("invalid batch: events must share run_id with contiguous seqs")

// DefaultQueryLimit caps Query results when the caller does not set one.
const DefaultQueryLimit = 100

// Query selects a slice of a run's event stream.
type Query struct {
	// AfterSeq is the exclusive cursor: only events with Seq > AfterSeq are
	// returned. Use -1 (the zero Query via NewQuery) for the full stream.
	AfterSeq int64

	// Limit caps the number of returned events. Zero means
	// DefaultQueryLimit; negative means unlimited.
	Limit int

	// Types optionally restricts results to the listed event types.
	Types []Type
}

// NewQuery returns a query for the full stream of a run.
func NewQuery() Query {
	return Query{AfterSeq: -1}
}

// QueryResult is one page of a run's event stream.
type QueryResult struct {
	// Events in ascending seq order.
	Events []Event

	// Cursor is the seq of the last returned event, or the request's
	// AfterSeq when no events matched. Pass it back as AfterSeq to page.
	Cursor int64

	// HasMore reports whether events beyond Cursor matched the query.
	HasMore bool
}

// Stats summarizes a run's event stream.
type Stats struct {
	Total        int64
	LastSeq      int64
	CountsByType map[Type]int64
	FirstTime    time.Time
	LastTime     time.Time
}

// Log is the durable append-only per-run event stream.
//
// Invariants all implementations must hold:
//   - Per-run seqs are gap-free: an append succeeds only when
//     evt.Seq == LatestSeq(run)+1.
//   - Append is idempotent on event ID: re-appending an existing ID is a
//     successful no-op regardless of the rest of the event.
//   - Events are never modified. DeleteRun exists only for test and cleanup
//     paths.
type Log interface {
	// Append writes one event. Fails with ErrInvalidSeq on a sequence gap
	// and ErrInvalidPayload when validation fails. Appending an event whose
	// ID is already present succeeds without writing.
	Append(ctx context.Context, evt Event) error

	// AppendBatch writes events atomically: either all become durable or
	// none do. All events must share a run ID and their seqs must be
	// contiguous starting at LatestSeq(run)+1.
	AppendBatch(ctx context.Context, events []Event) error

	// Query returns events with Seq > q.AfterSeq in ascending seq order.
	Query(ctx context.Context, runID string, q Query) (QueryResult, error)

	// GetByID returns the event with the given ID or ErrNotFound.
	GetByID(ctx context.Context, eventID string) (Event, error)

	// Stats summarizes the run's stream. A run with no events has
	// Total 0 and LastSeq -1.
	Stats(ctx context.Context, runID string) (Stats, error)

	// LatestSeq returns the highest seq for the run, or -1 if the run has
	// no events.
	LatestSeq(ctx context.Context, runID string) (int64, error)

	// DeleteRun removes every event for the run. Test/cleanup only.
	DeleteRun(ctx context.Context, runID string) error
}

// normalizeLimit applies the default and the "negative means unlimited"
// convention shared by all backends.
func normalizeLimit(limit int) int {
	if limit == 0 {
		return DefaultQueryLimit
	}
	if limit < 0 {
		return int(^uint(0) >> 1)
	}
	return limit
}

// matchesTypes reports whether t passes the query's type filter.
func matchesTypes(t Type, filter []Type) bool {
	if len(filter) == 0 {
		return true
	}
	for _, ft := range filter {
		if t == ft {
			return true
		}
	}
	return false
}
