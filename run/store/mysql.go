package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dshills/runplane/run"
)

// MySQLBackend persists runs in MySQL/MariaDB, for deployments where the
// control plane shares a database with the rest of the product.
//
// DSN format follows go-sql-driver, e.g.
//
//	user:pass@tcp(localhost:3306)/runplane?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLBackend struct {
	db *sql.DB
}

// NewMySQLBackend opens a pooled connection, verifies it, and ensures the
// schema.
func NewMySQLBackend(dsn string) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	b := &MySQLBackend{db: db}
	if err := b.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run tables: %w", err)
	}
	return b, nil
}

func (b *MySQLBackend) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           VARCHAR(191) PRIMARY KEY,
			workspace_id VARCHAR(191) NOT NULL,
			state        VARCHAR(32)  NOT NULL,
			created_at   DATETIME(6)  NOT NULL,
			body         LONGTEXT     NOT NULL,
			INDEX idx_runs_workspace (workspace_id, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS run_audit (
			audit_id VARCHAR(191) PRIMARY KEY,
			run_id   VARCHAR(191) NOT NULL,
			seq      BIGINT AUTO_INCREMENT UNIQUE,
			ts       DATETIME(6)  NOT NULL,
			body     LONGTEXT     NOT NULL,
			INDEX idx_run_audit_run (run_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// 1062 is ER_DUP_ENTRY.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (b *MySQLBackend) InsertRun(ctx context.Context, r *run.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, state, created_at, body) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, string(r.State), r.CreatedAt.UTC(), string(body))
	if err != nil {
		if isDuplicate(err) {
			return run.ErrExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (b *MySQLBackend) SaveRun(ctx context.Context, r *run.Run) error {
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
		// RowsAffected is 0 both for a missing row and for a no-op update;
		// distinguish with an existence probe.
		var one int
		probe := b.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, r.ID).Scan(&one)
		if probe == sql.ErrNoRows {
			return run.ErrNotFound
		}
		return probe
	}
	return nil
}

func (b *MySQLBackend) GetRun(ctx context.Context, id string) (*run.Run, error) {
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

func (b *MySQLBackend) ListRuns(ctx context.Context, f Filter) ([]*run.Run, error) {
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

func (b *MySQLBackend) DeleteRun(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM run_audit WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete audit: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func (b *MySQLBackend) AppendAudit(ctx context.Context, rec run.ApprovalAuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO run_audit (audit_id, run_id, ts, body) VALUES (?, ?, ?, ?)`,
		rec.AuditID, rec.RunID, rec.Timestamp.UTC(), string(body))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (b *MySQLBackend) ListAudit(ctx context.Context, runID string) ([]run.ApprovalAuditRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT body FROM run_audit WHERE run_id = ? ORDER BY seq ASC`, runID)
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

func (b *MySQLBackend) Close() error { return b.db.Close() }
