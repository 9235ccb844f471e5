// Package persistence provides SQLite-backed run history and the stored
// credential tier.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides persistent state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the runs table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			total_cost REAL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			response_bytes INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`)
	return err
}

// migrateV2 creates the stored credential tier.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			tool TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tool, name)
		)
	`)
	return err
}

// migrateV3 records which transport served a run.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE runs ADD COLUMN transport TEXT NOT NULL DEFAULT 'sse'`)
	return err
}

// TimeLayout is the fixed-width timestamp format of the runs table, so that
// lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunStatus values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// Run is one persisted pipeline execution.
type Run struct {
	ID            string   `json:"id"`
	Tool          string   `json:"tool"`
	Model         string   `json:"model,omitempty"`
	Transport     string   `json:"transport"`
	Status        string   `json:"status"`
	ExitCode      int      `json:"exitCode"`
	DurationMs    int64    `json:"durationMs"`
	TotalCost     *float64 `json:"totalCost,omitempty"`
	InputTokens   int      `json:"inputTokens"`
	OutputTokens  int      `json:"outputTokens"`
	ErrorMessage  string   `json:"errorMessage,omitempty"`
	ResponseBytes int      `json:"responseBytes"`
	StartedAt     string   `json:"startedAt"`
	FinishedAt    string   `json:"finishedAt,omitempty"`
}

// RunOutcome is written when a run ends.
type RunOutcome struct {
	Status        string
	ExitCode      int
	DurationMs    int64
	TotalCost     *float64
	InputTokens   int
	OutputTokens  int
	ErrorMessage  string
	ResponseBytes int
}

// ErrRunNotFound is returned by FinishRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// InsertRun records the start of a run.
func (s *Store) InsertRun(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.StartedAt == "" {
		run.StartedAt = time.Now().UTC().Format(TimeLayout)
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.Transport == "" {
		run.Transport = "sse"
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, tool, model, transport, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Tool, run.Model, run.Transport, run.Status, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(id string, out RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cost sql.NullFloat64
	if out.TotalCost != nil {
		cost = sql.NullFloat64{Float64: *out.TotalCost, Valid: true}
	}

	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, exit_code = ?, duration_ms = ?, total_cost = ?, input_tokens = ?,
			output_tokens = ?, error_message = ?, response_bytes = ?, finished_at = ?
		WHERE id = ?`,
		out.Status, out.ExitCode, out.DurationMs, cost, out.InputTokens,
		out.OutputTokens, out.ErrorMessage, out.ResponseBytes, time.Now().UTC().Format(TimeLayout),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, tool, model, transport, status, exit_code, duration_ms, total_cost, input_tokens,
	output_tokens, error_message, response_bytes, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var cost sql.NullFloat64
	err := row.Scan(&r.ID, &r.Tool, &r.Model, &r.Transport, &r.Status, &r.ExitCode, &r.DurationMs, &cost,
		&r.InputTokens, &r.OutputTokens, &r.ErrorMessage, &r.ResponseBytes, &r.StartedAt, &r.FinishedAt)
	if cost.Valid {
		r.TotalCost = &cost.Float64
	}
	return r, err
}

// GetRun returns a run, or nil, nil when it does not exist.
func (s *Store) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs first. An empty tool matches all.
func (s *Store) ListRuns(tool string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		"SELECT "+runColumns+" FROM runs WHERE (? = '' OR tool = ?) ORDER BY started_at DESC LIMIT ?",
		tool, tool, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// MarkInterruptedRuns flags runs left "running" by a previous process as
// canceled. It returns the number of rows updated.
func (s *Store) MarkInterruptedRuns() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE runs SET status = ?, error_message = ?, finished_at = ? WHERE status = ?",
		RunCanceled, "relay restarted", time.Now().UTC().Format(TimeLayout), RunRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// PruneRuns deletes runs started before cutoff.
func (s *Store) PruneRuns(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM runs WHERE started_at < ?", cutoff.UTC().Format(TimeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
