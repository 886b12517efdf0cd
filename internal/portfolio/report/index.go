package report

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    started_at     DATETIME NOT NULL,
    finished_at    DATETIME,
    configurations TEXT NOT NULL,
    passed         INTEGER,
    total          INTEGER,
    duration_ms    INTEGER
)`

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    run_id     TEXT NOT NULL,
    tag        TEXT NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    status     TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    winner     TEXT,
    trace      TEXT NOT NULL,
    PRIMARY KEY (run_id, tag)
)`

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS attempts (
    run_id     TEXT NOT NULL,
    tag        TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    label      TEXT NOT NULL,
    status     TEXT NOT NULL,
    elapsed_ms INTEGER,
    synthetic  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, tag, seq)
)`

// Index mirrors the ledger into a SQLite database so results across runs can
// be queried. The ledger stays the source of truth.
type Index struct {
	db *sql.DB
}

// OpenIndex opens the SQLite database at dbPath and creates missing tables.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		createRunsTable,
		createJobsTable,
		createAttemptsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init index (%s): %w", firstLine(stmt), err)
		}
	}
	return &Index{db: db}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) StartRun(ctx context.Context, runID string, startedAt time.Time, configurations []string) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, started_at, configurations) VALUES (?, ?, ?)`,
		runID, startedAt.UTC(), strings.Join(configurations, ","),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordJob stores a job row and its attempts in one transaction.
func (x *Index) RecordJob(ctx context.Context, runID string, r runtime.JobResult) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (run_id, tag, elapsed_ms, status, outcome, winner, trace)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Tag, r.ElapsedMS, r.Status, string(r.Outcome), nullIfEmpty(r.Winner), r.TraceString(),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE run_id = ? AND tag = ?`, runID, r.Tag); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	for i, e := range r.Trace {
		var elapsed any
		if !e.Synthetic {
			elapsed = e.ElapsedMS
		}
		synthetic := 0
		if e.Synthetic {
			synthetic = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (run_id, tag, seq, label, status, elapsed_ms, synthetic)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, r.Tag, i, e.Label, e.Status, elapsed, synthetic,
		); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	return tx.Commit()
}

func (x *Index) FinishRun(ctx context.Context, runID string, finishedAt time.Time, passed, total int, duration time.Duration) error {
	res, err := x.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, passed = ?, total = ?, duration_ms = ? WHERE id = ?`,
		finishedAt.UTC(), passed, total, duration.Milliseconds(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// OutcomeCounts returns the number of jobs per final outcome for runID.
func (x *Index) OutcomeCounts(ctx context.Context, runID string) (map[runtime.Outcome]int, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM jobs WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	out := map[runtime.Outcome]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out[runtime.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// Attempts returns the stored trace of one job in order.
func (x *Index) Attempts(ctx context.Context, runID, tag string) ([]runtime.TraceEntry, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT label, status, elapsed_ms, synthetic FROM attempts WHERE run_id = ? AND tag = ? ORDER BY seq`,
		runID, tag)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	var out []runtime.TraceEntry
	for rows.Next() {
		var e runtime.TraceEntry
		var elapsed sql.NullInt64
		var synthetic int
		if err := rows.Scan(&e.Label, &e.Status, &elapsed, &synthetic); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		e.ElapsedMS = elapsed.Int64
		e.Synthetic = synthetic != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
