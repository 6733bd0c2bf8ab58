// File: internal/store/store.go

// Package store persists application records and backs the job queue on
// PostgreSQL. Claiming uses FOR UPDATE SKIP LOCKED so multiple workers can
// drain the queue without double-processing.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Status is the lifecycle state of a queued application.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusManual    Status = "needs_manual"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("application record not found")

// ClaimedJob is a queue entry handed to a worker, carrying the attempt count
// so the worker can cap retries per application.
type ClaimedJob struct {
	Payload  schemas.JobPayload
	Attempts int
}

// Record is the persisted view of one application.
type Record struct {
	ApplicationID string
	RequesterID   string
	TargetURL     string
	TargetKind    string
	Status        Status
	Attempts      int
	Cost          float64
	FailureKind   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store provides the PostgreSQL implementation of the queue and record API.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS applications (
    application_id   TEXT PRIMARY KEY,
    requester_id     TEXT NOT NULL,
    target_url       TEXT NOT NULL,
    target_kind      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    attempts         INT NOT NULL DEFAULT 0,
    cost             DOUBLE PRECISION NOT NULL DEFAULT 0,
    fields_extracted INT NOT NULL DEFAULT 0,
    fields_filled    INT NOT NULL DEFAULT 0,
    failure_kind     TEXT NOT NULL DEFAULT '',
    failure_reason   TEXT NOT NULL DEFAULT '',
    screenshot       BYTEA,
    next_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_applications_queue
    ON applications (status, next_attempt_at)
    WHERE status = 'pending';
`

// EnsureSchema creates the applications table and queue index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Enqueue inserts a new pending application. A duplicate application ID is
// reported as such so callers can classify it without parsing driver errors.
func (s *Store) Enqueue(ctx context.Context, job schemas.JobPayload) error {
	const sql = `
        INSERT INTO applications (application_id, requester_id, target_url, target_kind)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (application_id) DO NOTHING;
    `
	tag, err := s.pool.Exec(ctx, sql, job.ApplicationID, job.RequesterID, job.TargetURL, job.TargetKind)
	if err != nil {
		return fmt.Errorf("failed to enqueue application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("duplicate application %s already queued", job.ApplicationID)
	}

	s.log.Info("Application enqueued.",
		zap.String("application_id", job.ApplicationID),
		zap.String("target_url", job.TargetURL))
	return nil
}

// claimLease bounds how long a claimed row may sit in running before another
// worker may reclaim it. A worker that crashes after Claim leaves its rows
// behind; without the lease they would never become claimable again.
const claimLease = 15 * time.Minute

// Claim atomically takes up to limit due applications, marking them running
// and bumping their attempt count. Eligible rows are pending ones whose next
// attempt is due, plus running rows whose lease has lapsed. Rows locked by
// other workers are skipped, not waited on.
func (s *Store) Claim(ctx context.Context, limit int) ([]ClaimedJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback claim transaction.", zap.Error(rollbackErr))
		}
	}()

	const sql = `
        UPDATE applications
        SET status = 'running', attempts = attempts + 1, updated_at = now()
        WHERE application_id IN (
            SELECT application_id FROM applications
            WHERE (status = 'pending' AND next_attempt_at <= now())
               OR (status = 'running' AND updated_at < now() - make_interval(secs => $2))
            ORDER BY created_at
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING application_id, requester_id, target_url, target_kind, attempts;
    `
	rows, err := tx.Query(ctx, sql, limit, claimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim applications: %w", err)
	}

	var jobs []ClaimedJob
	for rows.Next() {
		var j ClaimedJob
		if err := rows.Scan(
			&j.Payload.ApplicationID, &j.Payload.RequesterID,
			&j.Payload.TargetURL, &j.Payload.TargetKind, &j.Attempts,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimed row: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during claim iteration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return jobs, nil
}

// MarkCompleted records a successful run together with its cost, field
// counts, and confirmation screenshot.
func (s *Store) MarkCompleted(ctx context.Context, applicationID string, result *schemas.ApplicationResult) error {
	const sql = `
        UPDATE applications
        SET status = 'completed', cost = cost + $2,
            fields_extracted = $3, fields_filled = $4,
            screenshot = $5, failure_kind = '', failure_reason = '',
            updated_at = now()
        WHERE application_id = $1;
    `
	tag, err := s.pool.Exec(ctx, sql, applicationID,
		result.Cost, result.FieldsExtracted, result.FieldsFilled, result.Screenshot)
	if err != nil {
		return fmt.Errorf("failed to mark application completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a classified failure. Retryable failures go back to
// pending with a scheduled next attempt; terminal ones land in failed or
// needs_manual.
func (s *Store) MarkFailed(ctx context.Context, applicationID, kind, reason string, retryAt *time.Time, needsManual bool) error {
	status := StatusFailed
	if needsManual {
		status = StatusManual
	}

	if retryAt != nil {
		const sql = `
            UPDATE applications
            SET status = 'pending', failure_kind = $2, failure_reason = $3,
                next_attempt_at = $4, updated_at = now()
            WHERE application_id = $1;
        `
		tag, err := s.pool.Exec(ctx, sql, applicationID, kind, reason, retryAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to reschedule application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	}

	const sql = `
        UPDATE applications
        SET status = $2, failure_kind = $3, failure_reason = $4, updated_at = now()
        WHERE application_id = $1;
    `
	tag, err := s.pool.Exec(ctx, sql, applicationID, string(status), kind, reason)
	if err != nil {
		return fmt.Errorf("failed to mark application failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one application record.
func (s *Store) Get(ctx context.Context, applicationID string) (*Record, error) {
	const sql = `
        SELECT application_id, requester_id, target_url, target_kind, status,
               attempts, cost, failure_kind, failure_reason, created_at, updated_at
        FROM applications
        WHERE application_id = $1;
    `
	var r Record
	var statusStr string
	err := s.pool.QueryRow(ctx, sql, applicationID).Scan(
		&r.ApplicationID, &r.RequesterID, &r.TargetURL, &r.TargetKind, &statusStr,
		&r.Attempts, &r.Cost, &r.FailureKind, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query application: %w", err)
	}
	r.Status = Status(statusStr)
	return &r, nil
}
