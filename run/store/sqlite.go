package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dshills/runplane/run"
)

// SQLiteBackend persists runs in a SQLite database. Suitable for
// single-node deployments; the whole control plane can share one file with
// the SQLite event log.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for tests.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes access through a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	state        TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, created_at);

CREATE TABLE IF NOT EXISTS run_audit (
	audit_id TEXT PRIMARY KEY,
	run_id   TEXT NOT NULL,
	ts       TEXT NOT NULL,
	body     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_audit_run ON run_audit(run_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run tables: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) InsertRun(ctx context.Context, r *run.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, state, created_at, body) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, string(r.State), r.CreatedAt.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return run.ErrExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) SaveRun(ctx context.Context, r *run.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE runs SET workspace_id = ?, state = ?, body = ? WHERE id = ?`,
		r.WorkspaceID, string(r.State), string(body), r.ID)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return run.ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) GetRun(ctx context.Context, id string) (*run.Run, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var r run.Run
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return &r, nil
}

func (b *SQLiteBackend) ListRuns(ctx context.Context, f Filter) ([]*run.Run, error) {
	query := `SELECT body FROM runs`
	var conds []string
	var args []any
	if f.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if len(f.States) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(f.States)), ",")
		conds = append(conds, "state IN ("+placeholders+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r run.Run
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteRun(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM run_audit WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete audit: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) AppendAudit(ctx context.Context, rec run.ApprovalAuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO run_audit (audit_id, run_id, ts, body) VALUES (?, ?, ?, ?)`,
		rec.AuditID, rec.RunID, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListAudit(ctx context.Context, runID string) ([]run.ApprovalAuditRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT body FROM run_audit WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []run.ApprovalAuditRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec run.ApprovalAuditRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
