package shardcopy

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestSQLQueue_DequeueJob(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)
	q.now = fixedClock()

	mock.ExpectQuery(`UPDATE copy_jobs`).
		WithArgs("running", "w-1", q.now(), "pending").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "definition", "status"}).
			AddRow(int64(7), int64(2), "3;1;100", "running"))

	job, err := q.DequeueJob(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), job.ID)
	assert.Equal(t, int64(2), job.Version)
	assert.Equal(t, "3;1;100", job.Definition)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, "w-1", job.Worker)
	assert.False(t, job.Exhausted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_DequeueJob_Empty(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)

	mock.ExpectQuery(`UPDATE copy_jobs`).
		WithArgs("running", "w-1", sqlmock.AnyArg(), "pending").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "definition", "status"}))

	job, err := q.DequeueJob(context.Background(), "w-1")
	require.NoError(t, err)
	assert.True(t, job.Exhausted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_CompleteJob(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)
	q.now = fixedClock()
	job := &Job{ID: 7, Version: 2, Status: JobStatusRunning}

	mock.ExpectExec(`UPDATE copy_jobs`).
		WithArgs("failed", "boom", q.now(), int64(7), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.CompleteJob(context.Background(), job, true, "boom"))
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.Result)
	assert.Equal(t, int64(3), job.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_CompleteJob_VersionConflict(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)
	job := &Job{ID: 7, Version: 2}

	mock.ExpectExec(`UPDATE copy_jobs`).
		WithArgs("completed", "", sqlmock.AnyArg(), int64(7), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.CompleteJob(context.Background(), job, false, "")
	assert.ErrorIs(t, err, ErrJobVersionConflict)
	assert.Equal(t, int64(2), job.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_EnqueueJobs_Rebuild(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)
	defs := []Definition{
		{ResourceTypeID: 1, MinID: 1, MaxID: 10, Suffix: "b1"},
		{ResourceTypeID: 1, MinID: 11, MaxID: 20, Suffix: "b1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM copy_jobs`).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`INSERT INTO copy_jobs`).
		WithArgs("1;1;10;b1", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO copy_jobs`).
		WithArgs("1;11;20;b1", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	added, err := q.EnqueueJobs(context.Background(), defs, true)
	require.NoError(t, err)
	assert.Equal(t, 1, added, "existing definitions are skipped")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_EnqueueJobs_RollsBackOnError(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO copy_jobs`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := q.EnqueueJobs(context.Background(), []Definition{{ResourceTypeID: 1, MinID: 1, MaxID: 1}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_JobQueueIsNotEmpty(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("pending", "running").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	notEmpty, err := q.JobQueueIsNotEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, notEmpty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQueue_Stats(t *testing.T) {
	db, mock := setupMockDB(t)
	q := NewSQLQueue(db)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "running", "completed", "failed"}).AddRow(4, 1, 10, 2))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &QueueStats{Pending: 4, Running: 1, Completed: 10, Failed: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}
