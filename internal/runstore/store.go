// Package runstore keeps the history of runs in SQLite: one row per run,
// one per repo result and the full event log.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/cascade/internal/domain"
	"github.com/hochfrequenz/cascade/internal/events"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New opens (and creates) the database at dbPath
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection so :memory: databases are shared and writes serialize
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a summary and its events, replacing an earlier save of the same run
func (s *Store) SaveRun(ctx context.Context, sum *domain.RunSummary, evs []events.Event) error {
	if sum.RunID == "" {
		return errors.New("run id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, change, dry_run, total, succeeded, failed, skipped, started_at, finished_at, duration_ms, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			change = excluded.change,
			dry_run = excluded.dry_run,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			saved_at = excluded.saved_at
	`,
		sum.RunID,
		sum.Change,
		sum.DryRun,
		sum.Total,
		sum.Succeeded,
		sum.Failed,
		sum.Skipped,
		sum.StartedAt.UTC(),
		sum.FinishedAt.UTC(),
		sum.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	for _, table := range []string{"repo_results", "events"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", sum.RunID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for i, res := range sum.Results {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO repo_results (run_id, position, repo, outcome, reason, pr_url, result_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sum.RunID, i, res.Repo, string(res.Outcome), string(res.Reason), res.PRURL, string(data))
		if err != nil {
			return fmt.Errorf("saving result for %s: %w", res.Repo, err)
		}
	}

	for _, e := range evs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (run_id, seq, timestamp, repo, kind, stage, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sum.RunID, int64(e.Seq), e.Time.UTC(), e.Repo, string(e.Kind), string(e.Stage), e.Payload)
		if err != nil {
			return fmt.Errorf("saving event %d: %w", e.Seq, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, change, dry_run, total, succeeded, failed, skipped, started_at, finished_at, duration_ms`

// GetRun returns a run with its results
func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	sum, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if sum.Results, err = s.results(ctx, id); err != nil {
		return nil, err
	}
	return sum, nil
}

// LastRun returns the most recently saved run with its results
func (s *Store) LastRun(ctx context.Context) (*domain.RunSummary, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// ListRuns returns up to limit runs, newest first, without their results
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.RunSummary
	for rows.Next() {
		sum, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, sum)
	}
	return runs, rows.Err()
}

// Events returns the stored event log of a run in sequence order
func (s *Store) Events(ctx context.Context, runID string) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, repo, kind, stage, payload FROM events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []events.Event
	for rows.Next() {
		var e events.Event
		var seq int64
		var repo, stage, payload sql.NullString
		var kind string
		if err := rows.Scan(&seq, &e.Time, &repo, &kind, &stage, &payload); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Repo = repo.String
		e.Kind = events.Kind(kind)
		e.Stage = domain.Stage(stage.String)
		e.Payload = payload.String
		evs = append(evs, e)
	}
	return evs, rows.Err()
}

func (s *Store) results(ctx context.Context, runID string) ([]domain.RepoResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT result_json FROM repo_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []domain.RepoResult{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var res domain.RepoResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.RunSummary, error) {
	var sum domain.RunSummary
	var durationMS int64
	err := row.Scan(&sum.RunID, &sum.Change, &sum.DryRun, &sum.Total, &sum.Succeeded, &sum.Failed, &sum.Skipped,
		&sum.StartedAt, &sum.FinishedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sum.Duration = time.Duration(durationMS) * time.Millisecond
	return &sum, nil
}
