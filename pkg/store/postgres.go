package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/user/scanpipe/pkg/model"
)

// Postgres persists scans in PostgreSQL. Vulnerability detail and
// severity counters are stored as JSONB so the schema does not chase
// the metadata bag.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings a connection for dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrPersistence, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrPersistence, err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id               TEXT PRIMARY KEY,
	repository       TEXT NOT NULL,
	branch           TEXT NOT NULL DEFAULT '',
	commit_sha       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	progress         INT NOT NULL DEFAULT 0,
	stage            TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	severity_counts  JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS scan_logs (
	id       BIGSERIAL PRIMARY KEY,
	scan_id  TEXT NOT NULL REFERENCES scans(id),
	level    TEXT NOT NULL,
	message  TEXT NOT NULL,
	ts       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS vulnerabilities (
	id       BIGSERIAL PRIMARY KEY,
	scan_id  TEXT NOT NULL REFERENCES scans(id),
	body     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_logs_scan ON scan_logs (scan_id, id);
CREATE INDEX IF NOT EXISTS idx_vulns_scan ON vulnerabilities (scan_id);
`

// EnsureSchema creates the tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrPersistence, err)
	}
	return nil
}

func (p *Postgres) CreateScan(ctx context.Context, scan *model.Scan) error {
	counts, err := json.Marshal(scan.SeverityCounts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO scans (id, repository, branch, commit_sha, status, progress, stage, severity_counts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		scan.ID, scan.Repository, scan.Branch, scan.Commit, scan.Status,
		scan.ProgressPercentage, scan.ProgressStage, counts, scan.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: create scan: %v", ErrPersistence, err)
	}
	return nil
}

func (p *Postgres) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	var (
		scan   model.Scan
		counts []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, repository, branch, commit_sha, status, progress, stage, error,
		        severity_counts, created_at, started_at, completed_at
		 FROM scans WHERE id = $1`, id).
		Scan(&scan.ID, &scan.Repository, &scan.Branch, &scan.Commit, &scan.Status,
			&scan.ProgressPercentage, &scan.ProgressStage, &scan.Error,
			&counts, &scan.CreatedAt, &scan.StartedAt, &scan.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get scan: %v", ErrPersistence, err)
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &scan.SeverityCounts); err != nil {
			return nil, fmt.Errorf("%w: decode counters: %v", ErrPersistence, err)
		}
	}
	return &scan, nil
}

func (p *Postgres) UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus, fields StatusFields) error {
	query := `UPDATE scans SET status = $2`
	args := []any{id, status}

	add := func(col string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if fields.Progress != nil {
		add("progress", *fields.Progress)
	}
	if fields.Stage != nil {
		add("stage", *fields.Stage)
	}
	if fields.Error != nil {
		add("error", *fields.Error)
	}
	if fields.SeverityCounts != nil {
		counts, err := json.Marshal(fields.SeverityCounts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		add("severity_counts", counts)
	}
	if fields.StartedAt != nil {
		add("started_at", *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		add("completed_at", *fields.CompletedAt)
	}
	query += " WHERE id = $1"

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update status: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendLog(ctx context.Context, id string, entry model.ScanLogEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO scan_logs (scan_id, level, message, ts) VALUES ($1, $2, $3, $4)`,
		id, entry.Level, entry.Message, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: append log: %v", ErrPersistence, err)
	}
	return nil
}

func (p *Postgres) ListLogs(ctx context.Context, id string) ([]model.ScanLogEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT level, message, ts FROM scan_logs WHERE scan_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list logs: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []model.ScanLogEntry
	for rows.Next() {
		var e model.ScanLogEntry
		if err := rows.Scan(&e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan log row: %v", ErrPersistence, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list logs: %v", ErrPersistence, err)
	}
	return out, nil
}

func (p *Postgres) UpsertVulnerabilities(ctx context.Context, id string, vulns []model.Vulnerability) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vulnerabilities WHERE scan_id = $1`, id); err != nil {
		return fmt.Errorf("%w: clear vulnerabilities: %v", ErrPersistence, err)
	}
	for i := range vulns {
		body, err := json.Marshal(&vulns[i])
		if err != nil {
			return fmt.Errorf("%w: encode vulnerability: %v", ErrPersistence, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vulnerabilities (scan_id, body) VALUES ($1, $2)`, id, body); err != nil {
			return fmt.Errorf("%w: insert vulnerability: %v", ErrPersistence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

func (p *Postgres) ListVulnerabilities(ctx context.Context, id string) ([]model.Vulnerability, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT body FROM vulnerabilities WHERE scan_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list vulnerabilities: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []model.Vulnerability
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", ErrPersistence, err)
		}
		var v model.Vulnerability
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("%w: decode vulnerability: %v", ErrPersistence, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list vulnerabilities: %v", ErrPersistence, err)
	}
	return out, nil
}
