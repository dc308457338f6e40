package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// IndexEntry is one run in the bundle index.
type IndexEntry struct {
	RunID          string    `json:"run_id"`
	WorkflowID     string    `json:"workflow_id"`
	WorkflowName   string    `json:"workflow_name"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	BundlePath     string    `json:"bundle_path"`
	ManifestSHA256 string    `json:"manifest_sha256,omitempty"`
}

// Index is the queryable catalog of evidence bundles. The bundles themselves
// stay authoritative; losing the index loses nothing but lookup speed.
type Index struct {
	log zerolog.Logger
	db  *sql.DB
	mu  sync.Mutex
}

// OpenIndex opens or creates the sqlite index at path.
func OpenIndex(logger zerolog.Logger, path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		bundle_path TEXT NOT NULL,
		manifest_sha256 TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{
		log: logger.With().Str("component", "report-index").Logger(),
		db:  db,
	}, nil
}

// Record upserts a run. Called on start and again on every status change.
func (ix *Index) Record(ctx context.Context, e IndexEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var finished int64
	if !e.FinishedAt.IsZero() {
		finished = e.FinishedAt.Unix()
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, workflow_id, workflow_name, status, started_at, finished_at, bundle_path, manifest_sha256)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.WorkflowID, e.WorkflowName, e.Status, e.StartedAt.Unix(), finished, e.BundlePath, e.ManifestSHA256)
	if err != nil {
		return fmt.Errorf("record run %s: %w", e.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (ix *Index) Recent(ctx context.Context, limit int) ([]IndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT run_id, workflow_id, workflow_name, status, started_at, finished_at, bundle_path, manifest_sha256
		 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get looks up one run by id.
func (ix *Index) Get(ctx context.Context, runID string) (*IndexEntry, bool, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT run_id, workflow_id, workflow_name, status, started_at, finished_at, bundle_path, manifest_sha256
		 FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func scanEntry(rows *sql.Rows) (IndexEntry, error) {
	var e IndexEntry
	var started, finished int64
	var manifest sql.NullString
	if err := rows.Scan(&e.RunID, &e.WorkflowID, &e.WorkflowName, &e.Status, &started, &finished, &e.BundlePath, &manifest); err != nil {
		return e, err
	}
	e.StartedAt = time.Unix(started, 0).UTC()
	if finished != 0 {
		e.FinishedAt = time.Unix(finished, 0).UTC()
	}
	if manifest.Valid {
		e.ManifestSHA256 = manifest.String
	}
	return e, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
