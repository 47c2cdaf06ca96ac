package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSession(t *testing.T) (*Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSession(db), mock
}

func TestSession_BeginsOnFirstStatement(t *testing.T) {
	s, mock := newMockSession(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(), "commit without a transaction is a no-op")
	require.NoError(t, s.Rollback())
	require.NoError(t, s.RollbackTo(ctx, "job_attempt"))
	require.NoError(t, s.Release(ctx, "job_attempt"))
	assert.False(t, s.InTx())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batch_job SET status")).
		WithArgs("running", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.ExecContext(ctx, `UPDATE batch_job SET status = $1, updated_at = $2 WHERE id = $3`, "running", "now", 1)
	require.NoError(t, err)
	assert.True(t, s.InTx())
	require.NoError(t, s.Commit())
	assert.False(t, s.InTx())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_AttemptRollsBackToSavepoint(t *testing.T) {
	s, mock := newMockSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT job_attempt")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO house")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK TO SAVEPOINT job_attempt")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job SET status")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Savepoint(ctx, "job_attempt"))
	_, err := s.ExecContext(ctx, `INSERT INTO house (outer_id) VALUES ($1)`, "sh1001")
	require.NoError(t, err)

	// a canceled attempt still rolls back its writes
	cancel()
	require.NoError(t, s.RollbackTo(ctx, "job_attempt"))

	_, err = s.ExecContext(context.Background(), `UPDATE job SET status = $1 WHERE id = $2`, "failed", 7)
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_ReleaseKeepsWrites(t *testing.T) {
	s, mock := newMockSession(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT job_attempt")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job SET status")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("RELEASE SAVEPOINT job_attempt")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT job_attempt")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, s.Savepoint(ctx, "job_attempt"))
	_, err := s.ExecContext(ctx, `UPDATE job SET status = $1 WHERE id = $2`, "running", 7)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "job_attempt"))
	require.NoError(t, s.Savepoint(ctx, "job_attempt"))

	// closing discards what was not committed
	require.NoError(t, s.Close())
	assert.False(t, s.InTx())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_BeginFailure(t *testing.T) {
	s, mock := newMockSession(t)
	ctx := context.Background()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM job`).Scan(&n)
	assert.ErrorContains(t, err, "begin tx")
	assert.False(t, s.InTx())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_CommitFailure(t *testing.T) {
	s, mock := newMockSession(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	_, err := s.ExecContext(ctx, `UPDATE job SET status = $1`, "ready")
	require.NoError(t, err)
	assert.ErrorContains(t, s.Commit(), "commit: serialization failure")
	assert.False(t, s.InTx(), "a failed commit still ends the transaction")

	assert.NoError(t, mock.ExpectationsWereMet())
}
