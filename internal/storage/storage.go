package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store wraps the SQLite-backed ledger of estimation runs and their trials.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            project_path TEXT,
            output_dir TEXT,
            trials INTEGER,
            seed INTEGER,
            fit_json TEXT,
            completed_trials INTEGER DEFAULT 0,
            summary_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS trials (
            run_id TEXT NOT NULL,
            trial INTEGER NOT NULL,
            stem TEXT NOT NULL,
            rms_px REAL,
            observations INTEGER,
            files INTEGER,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, trial)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted run.
type RunRecord struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	ProjectPath     string     `json:"project_path"`
	OutputDir       string     `json:"output_dir"`
	Trials          int        `json:"trials"`
	Seed            uint64     `json:"seed"`
	FitJSON         string     `json:"fit_json,omitempty"`
	CompletedTrials int        `json:"completed_trials"`
	SummaryJSON     string     `json:"summary_json,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TrialRecord captures one finished trial.
type TrialRecord struct {
	RunID        string        `json:"run_id"`
	Trial        int           `json:"trial"`
	Stem         string        `json:"stem"`
	RMS          float64       `json:"rms_px"`
	Observations int           `json:"observations"`
	Files        int           `json:"files"`
	Duration     time.Duration `json:"duration"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, project_path, output_dir, trials, seed, fit_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, StatusQueued, rec.ProjectPath, rec.OutputDir, rec.Trials, int64(rec.Seed), rec.FitJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordTrial stores a finished trial and advances the run's progress.
func (s *Store) RecordTrial(rec TrialRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO trials (run_id, trial, stem, rms_px, observations, files, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Trial, rec.Stem, rec.RMS, rec.Observations, rec.Files, rec.Duration.Milliseconds()); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE runs SET completed_trials=? WHERE id=?;`, rec.Trial, rec.RunID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordRunResult finalizes a run with status and summary.
func (s *Store) RecordRunResult(id string, status string, summary any, errMsg string) error {
	if s == nil {
		return nil
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, summary_json=?, error_message=? WHERE id=?;`,
		status, string(summaryJSON), errMsg, id)
	return err
}

const runColumns = `id, status, project_path, output_dir, trials, seed, fit_json, completed_trials, summary_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var seed int64
	var started, completed sql.NullTime
	var fitJSON, summaryJSON, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Status, &rec.ProjectPath, &rec.OutputDir, &rec.Trials, &seed, &fitJSON,
		&rec.CompletedTrials, &summaryJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.Seed = uint64(seed)
	rec.FitJSON = fitJSON.String
	rec.SummaryJSON = summaryJSON.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches a single run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// Trials returns the recorded trials of a run in order.
func (s *Store) Trials(runID string) ([]TrialRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, trial, stem, rms_px, observations, files, duration_ms FROM trials WHERE run_id=? ORDER BY trial;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TrialRecord
	for rows.Next() {
		var rec TrialRecord
		var ms int64
		if err := rows.Scan(&rec.RunID, &rec.Trial, &rec.Stem, &rec.RMS, &rec.Observations, &rec.Files, &ms); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
