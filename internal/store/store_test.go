// File: internal/store/store_test.go
package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	s, err := New(context.Background(), mock, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestEnqueueInsertsPendingRow(t *testing.T) {
	s, mock := newTestStore(t)

	job := schemas.JobPayload{
		ApplicationID: "app-1",
		RequesterID:   "req-1",
		TargetURL:     "https://example.com/apply",
		TargetKind:    "standard",
	}

	mock.ExpectExec("INSERT INTO applications").
		WithArgs(job.ApplicationID, job.RequesterID, job.TargetURL, job.TargetKind).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Enqueue(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReportsDuplicate(t *testing.T) {
	s, mock := newTestStore(t)

	job := schemas.JobPayload{ApplicationID: "app-1", RequesterID: "req-1", TargetURL: "https://example.com"}

	mock.ExpectExec("INSERT INTO applications").
		WithArgs(job.ApplicationID, job.RequesterID, job.TargetURL, job.TargetKind).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.Enqueue(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate application")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsDueJobsWithAttemptCount(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE applications").
		WithArgs(5, claimLease.Seconds()).
		WillReturnRows(pgxmock.NewRows(
			[]string{"application_id", "requester_id", "target_url", "target_kind", "attempts"}).
			AddRow("app-1", "req-1", "https://a.example.com", "standard", 1).
			AddRow("app-2", "req-2", "https://b.example.com", "", 3))
	mock.ExpectCommit()
	mock.ExpectRollback()

	jobs, err := s.Claim(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "app-1", jobs[0].Payload.ApplicationID)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, 3, jobs[1].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReclaimsLapsedRunningRows(t *testing.T) {
	s, mock := newTestStore(t)

	// The claim predicate must also pick up running rows whose lease
	// expired, or a worker crash after Claim strands them forever.
	mock.ExpectBegin()
	mock.ExpectQuery(`status = 'running' AND updated_at < now\(\) - make_interval`).
		WithArgs(1, claimLease.Seconds()).
		WillReturnRows(pgxmock.NewRows(
			[]string{"application_id", "requester_id", "target_url", "target_kind", "attempts"}).
			AddRow("app-stuck", "req-1", "https://a.example.com", "", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	jobs, err := s.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "app-stuck", jobs[0].Payload.ApplicationID)
	assert.Equal(t, 2, jobs[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyQueue(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE applications").
		WithArgs(10, claimLease.Seconds()).
		WillReturnRows(pgxmock.NewRows(
			[]string{"application_id", "requester_id", "target_url", "target_kind", "attempts"}))
	mock.ExpectCommit()
	mock.ExpectRollback()

	jobs, err := s.Claim(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedWritesResult(t *testing.T) {
	s, mock := newTestStore(t)

	result := &schemas.ApplicationResult{
		Success:         true,
		FieldsExtracted: 10,
		FieldsFilled:    9,
		Cost:            0.01,
		Screenshot:      []byte{0x89, 0x50},
	}

	mock.ExpectExec("UPDATE applications").
		WithArgs("app-1", result.Cost, result.FieldsExtracted, result.FieldsFilled, result.Screenshot).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkCompleted(context.Background(), "app-1", result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedUnknownApplication(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE applications").
		WithArgs("missing", 0.0, 0, 0, []byte(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkCompleted(context.Background(), "missing", &schemas.ApplicationResult{})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedReschedulesRetryable(t *testing.T) {
	s, mock := newTestStore(t)

	retryAt := time.Now().Add(2 * time.Second)
	mock.ExpectExec("UPDATE applications").
		WithArgs("app-1", "network_timeout", "navigation timeout after 60s", retryAt.UTC()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkFailed(context.Background(), "app-1", "network_timeout", "navigation timeout after 60s", &retryAt, false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTerminal(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE applications").
		WithArgs("app-1", string(StatusFailed), "duplicate_application", "duplicate application detected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkFailed(context.Background(), "app-1", "duplicate_application", "duplicate application detected", nil, false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedNeedsManualIntervention(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE applications").
		WithArgs("app-1", string(StatusManual), "challenge_unsolved", "verification challenge could not be solved").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkFailed(context.Background(), "app-1", "challenge_unsolved", "verification challenge could not be solved", nil, true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsRecord(t *testing.T) {
	s, mock := newTestStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT application_id").
		WithArgs("app-1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"application_id", "requester_id", "target_url", "target_kind", "status",
				"attempts", "cost", "failure_kind", "failure_reason", "created_at", "updated_at"}).
			AddRow("app-1", "req-1", "https://example.com", "standard", "completed",
				2, 0.02, "", "", now, now))

	rec, err := s.Get(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.InDelta(t, 0.02, rec.Cost, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT application_id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(
			[]string{"application_id", "requester_id", "target_url", "target_kind", "status",
				"attempts", "cost", "failure_kind", "failure_reason", "created_at", "updated_at"}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
