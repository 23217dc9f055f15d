package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a SQLite implementation of Log.
//
// It stores the per-run event streams in a single-file database. Designed
// for:
//   - Development and single-host deployments with zero setup
//   - Durable replay after process restarts
//   - Offline calibration over completed runs
//
// SQLiteLog uses WAL mode so stream readers (SSE/WebSocket pollers) do not
// block the appending orchestrator.
//
// Schema:
//   - run_events: one row per event, PRIMARY KEY (run_id, seq),
//     UNIQUE (event_id) for idempotent appends
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (creating if needed) a SQLite-backed event log.
//
// The path follows database/sql conventions: a file path such as
// "./runs.db", or ":memory:" for tests.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	log := &SQLiteLog{db: db}
	if err := log.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return log, nil
}

func (s *SQLiteLog) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create run_events table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(run_id, type)"); err != nil {
		return fmt.Errorf("failed to create idx_run_events_type: %w", err)
	}
	return nil
}

// Backend identifies the implementation for metric labels.
func (s *SQLiteLog) Backend() string { return "sqlite" }

// Close releases the underlying database handle.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

// Append implements Log.
func (s *SQLiteLog) Append(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.appendTx(ctx, []Event{evt}, false)
}

// AppendBatch implements Log. The batch commits in a single transaction.
func (s *SQLiteLog) AppendBatch(ctx context.Context, events []Event) error {
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
	return s.appendTx(ctx, events, true)
}

// appendTx writes the events inside one transaction. For single appends an
// already-present event ID is a successful no-op; inside a batch it aborts
// the batch, since a partial replay cannot keep seqs contiguous.
func (s *SQLiteLog) appendTx(ctx context.Context, events []Event, batch bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runID := events[0].RunID

	for _, evt := range events {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM run_events WHERE event_id = ?", evt.ID).Scan(&exists)
		switch {
		case err == nil:
			if batch {
				return fmt.Errorf("%w: event id %s already appended", ErrInvalidBatch, evt.ID)
			}
			return nil // idempotent on event ID
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check event id: %w", err)
		}
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) FROM run_events WHERE run_id = ?", runID).Scan(&last); err != nil {
		return fmt.Errorf("failed to read latest seq: %w", err)
	}
	if events[0].Seq != last+1 {
		return fmt.Errorf("%w: run %s has latest seq %d, got %d",
			ErrInvalidSeq, runID, last, events[0].Seq)
	}

	for _, evt := range events {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, event_id, ts, type, phase, severity, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.RunID, evt.Seq, evt.ID, evt.Time.UTC().Format(time.RFC3339Nano),
			string(evt.Type()), evt.Phase, string(evt.Severity), string(payload),
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// Query implements Log.
func (s *SQLiteLog) Query(ctx context.Context, runID string, q Query) (QueryResult, error) {
	limit := normalizeLimit(q.Limit)

	sb := strings.Builder{}
	sb.WriteString("SELECT event_id, run_id, seq, ts, type, phase, severity, payload FROM run_events WHERE run_id = ? AND seq > ?")
	args := []any{runID, q.AfterSeq}
	if len(q.Types) > 0 {
		sb.WriteString(" AND type IN (?" + strings.Repeat(",?", len(q.Types)-1) + ")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	sb.WriteString(" ORDER BY seq ASC")
	if limit < int(^uint(0)>>1) {
		// Fetch one extra row to learn whether more events match.
		sb.WriteString(" LIMIT ?")
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := QueryResult{Cursor: q.AfterSeq}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return QueryResult{}, err
		}
		if len(result.Events) == limit {
			result.HasMore = true
			break
		}
		result.Events = append(result.Events, evt)
		result.Cursor = evt.Seq
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read events: %w", err)
	}
	return result, nil
}

// GetByID implements Log.
func (s *SQLiteLog) GetByID(ctx context.Context, eventID string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, run_id, seq, ts, type, phase, severity, payload
		FROM run_events WHERE event_id = ?`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return evt, err
}

// Stats implements Log.
func (s *SQLiteLog) Stats(ctx context.Context, runID string) (Stats, error) {
	stats := Stats{LastSeq: -1, CountsByType: make(map[Type]int64)}

	var first, last sql.NullString
	var lastSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(seq), MIN(ts), MAX(ts)
		FROM run_events WHERE run_id = ?`, runID).
		Scan(&stats.Total, &lastSeq, &first, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	if lastSeq.Valid {
		stats.LastSeq = lastSeq.Int64
	}
	if first.Valid {
		if stats.FirstTime, err = time.Parse(time.RFC3339Nano, first.String); err != nil {
			return Stats{}, fmt.Errorf("failed to parse first ts: %w", err)
		}
	}
	if last.Valid {
		if stats.LastTime, err = time.Parse(time.RFC3339Nano, last.String); err != nil {
			return Stats{}, fmt.Errorf("failed to parse last ts: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM run_events WHERE run_id = ? GROUP BY type", runID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return Stats{}, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.CountsByType[Type(t)] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("failed to read type counts: %w", err)
	}
	return stats, nil
}

// LatestSeq implements Log.
func (s *SQLiteLog) LatestSeq(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) FROM run_events WHERE run_id = ?", runID).Scan(&last)
	if err != nil {
		return -1, fmt.Errorf("failed to read latest seq: %w", err)
	}
	return last, nil
}

// DeleteRun implements Log.
func (s *SQLiteLog) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM run_events WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		evt           Event
		ts, typ, sev  string
		phase, body   string
	)
	if err := row.Scan(&evt.ID, &evt.RunID, &evt.Seq, &ts, &typ, &phase, &sev, &body); err != nil {
		return Event{}, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse event ts: %w", err)
	}
	payload, err := newPayload(Type(typ))
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal([]byte(body), payload); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal %s payload: %w", typ, err)
	}

	evt.Time = parsed
	evt.Phase = phase
	evt.Severity = Severity(sev)
	evt.Payload = derefPayload(payload)
	return evt, nil
}
