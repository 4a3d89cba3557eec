package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reelforge/internal/config"
)

// Store persists job documents in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the status database under the configured log directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.StatusDBPath())
}

// OpenPath opens or creates the database at path.
func OpenPath(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure status dir: %w", err)
	}
	// Connection-scoped pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a new queued job document.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	ctx = ensureContext(ctx)
	if job.State == "" {
		job.State = StateQueued
	}
	if job.State != StateQueued {
		return fmt.Errorf("%w: new jobs start queued, got %s", ErrInvalidTransition, job.State)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	encoders, err := nullableJSON(job.Encoders, len(job.Encoders) == 0)
	if err != nil {
		return fmt.Errorf("encode encoders: %w", err)
	}
	metadata, err := nullableJSON(job.Metadata, len(job.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.State, job.Tier, nullableString(job.Title), job.SceneCount, nullableString(job.RetryOf),
			nil, 0.0, encoders, nil, nil, nil, metadata,
			formatTime(job.CreatedAt), formatTime(now), nil,
		)
		return execErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// AppendStep adds rec as the next step of jobID. Seq is assigned by the store.
func (s *Store) AppendStep(ctx context.Context, jobID string, rec StepRecord) error {
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var state string
		err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if State(state).Terminal() {
			return ErrFrozen
		}

		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM job_steps WHERE job_id = ?`, jobID,
		).Scan(&seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_steps (job_id, `+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, seq+1, rec.Step, rec.Status, formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
			rec.RetryCount, nullableString(rec.EncoderUsed), nullableString(rec.IdempotencyKey), nullableString(rec.Detail),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), jobID); err != nil {
			return err
		}
		return tx.Commit()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrFrozen):
		return fmt.Errorf("%w: %s", err, jobID)
	case isFrozen(err):
		return fmt.Errorf("%w: %s", ErrFrozen, jobID)
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	default:
		return fmt.Errorf("append step: %w", err)
	}
}

// UpdateJob applies upd to the job header, enforcing the lifecycle.
func (s *Store) UpdateJob(ctx context.Context, jobID string, upd Update) error {
	ctx = ensureContext(ctx)
	encoders, err := nullableJSON(upd.Encoders, len(upd.Encoders) == 0)
	if err != nil {
		return fmt.Errorf("encode encoders: %w", err)
	}
	metadata, err := nullableJSON(upd.Metadata, len(upd.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var sentinel error
	err = retryOnBusy(ctx, func() error {
		sentinel = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			sentinel = ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		from := State(current)
		if from.Terminal() {
			sentinel = ErrFrozen
			return nil
		}
		to := upd.State
		if to == "" {
			to = from
		}
		if to != from && !ValidTransition(from, to) {
			sentinel = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			return nil
		}
		now := time.Now().UTC()
		var finished any
		if to.Terminal() {
			finished = formatTime(now)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, artifact_ref = ?, duration_sec = ?, encoders_json = ?,
                error_code = ?, error_step = ?, error_message = ?, metadata_json = ?,
                updated_at = ?, finished_at = ?
             WHERE id = ?`,
			to, nullableString(upd.ArtifactRef), upd.DurationSec, encoders,
			nullableString(upd.ErrorCode), nullableString(upd.ErrorStep), nullableString(upd.ErrorMessage), metadata,
			formatTime(now), finished, jobID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if isFrozen(err) {
		return fmt.Errorf("%w: %s", ErrFrozen, jobID)
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if sentinel != nil {
		if errors.Is(sentinel, ErrInvalidTransition) {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, jobID)
	}
	return nil
}

// ClaimKey records an idempotency key. It reports true only for the first claim.
func (s *Store) ClaimKey(ctx context.Context, jobID, key string) (bool, error) {
	ctx = ensureContext(ctx)
	var claimed bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO idempotency_keys (key, job_id, claimed_at) VALUES (?, ?, ?)`,
			key, jobID, formatTime(time.Now()),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return claimed, nil
}

// GetJob returns the full document including steps in order.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	ctx = ensureContext(ctx)
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM job_steps WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		job.Steps = append(job.Steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return job, nil
}

// ListJobs returns job headers, newest first. Steps are not loaded.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}
