package shardcopy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/platform/searchstore"
)

func newTestShard(t *testing.T) (*SQLShard, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := setupMockDB(t)
	s := NewSQLShard(2, db, RetryPolicy{Attempts: 3}, zerolog.Nop())
	s.now = fixedClock()
	return s, mock
}

func TestSQLShard_BeginTransaction(t *testing.T) {
	s, mock := newTestShard(t)

	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(s.now()).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow(int64(41)))

	tid, err := s.BeginTransaction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TransactionID(41), tid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLShard_BeginTransaction_NotRetried(t *testing.T) {
	s, mock := newTestShard(t)

	mock.ExpectQuery(`INSERT INTO transactions`).WillReturnError(&pgconn.PgError{Code: "40001"})

	_, err := s.BeginTransaction(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLShard_CommitTransaction(t *testing.T) {
	s, mock := newTestShard(t)

	mock.ExpectExec(`UPDATE transactions`).
		WithArgs(s.now(), nil, int64(41)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CommitTransaction(context.Background(), 41, ""))

	// A transient error is retried; the statement is idempotent.
	mock.ExpectExec(`UPDATE transactions`).
		WithArgs(s.now(), "copy failed: boom", int64(42)).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectExec(`UPDATE transactions`).
		WithArgs(s.now(), "copy failed: boom", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CommitTransaction(context.Background(), 42, "copy failed: boom"))

	mock.ExpectExec(`UPDATE transactions`).
		WithArgs(s.now(), nil, int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorContains(t, s.CommitTransaction(context.Background(), 99, ""), "does not exist")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLShard_MergeResources(t *testing.T) {
	s, mock := newTestShard(t)
	updated := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	key := ResourceKey{ResourceTypeID: 3, ResourceID: `p"1`, TransactionID: 41, ShardletID: 7, Sequence: 0}
	batch := &Batch{
		Definition: Definition{ResourceTypeID: 3, MinID: 1, MaxID: 10},
		Resources:  []ResourceRow{{Key: key, LastUpdated: updated, Raw: []byte(`{}`)}},
		Index: map[string][]IndexRow{
			"uri_search_param": {{Key: key, Values: []any{"url", "http://example.org"}}},
		},
	}

	mock.ExpectBegin()
	for _, table := range searchstore.IndexTables {
		mock.ExpectExec(`DELETE FROM `+table+` x USING resource r`).
			WithArgs(int64(3), `{"p\"1"}`).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(`INSERT INTO resource`).
		WithArgs(int64(3), `p"1`, int64(41), int64(7), int64(0), updated, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO uri_search_param \(resource_type_id, transaction_id, shardlet_id, sequence, param_name, uri\)`).
		WithArgs(int64(3), int64(41), int64(7), int64(0), "url", "http://example.org").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	written, err := s.MergeResources(context.Background(), 41, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLShard_MergeResources_RejectsForeignStamp(t *testing.T) {
	s, mock := newTestShard(t)
	batch := &Batch{Resources: []ResourceRow{{Key: ResourceKey{ResourceID: "p1", TransactionID: 40}}}}

	_, err := s.MergeResources(context.Background(), 41, batch)
	assert.ErrorContains(t, err, "stamped with transaction 40")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLShard_AdvanceTransactionVisibility(t *testing.T) {
	s, mock := newTestShard(t)

	mock.ExpectQuery(`UPDATE transaction_visibility`).
		WithArgs(s.now()).
		WillReturnRows(sqlmock.NewRows([]string{"visible_transaction_id"}).AddRow(int64(40)))
	visible, ok, err := s.AdvanceTransactionVisibility(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TransactionID(40), visible)

	mock.ExpectQuery(`UPDATE transaction_visibility`).
		WillReturnRows(sqlmock.NewRows([]string{"visible_transaction_id"}))
	_, ok, err = s.AdvanceTransactionVisibility(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLShard_Stats(t *testing.T) {
	s, mock := newTestShard(t)

	mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(\*\) FROM resource\)`).
		WillReturnRows(sqlmock.NewRows([]string{"resources", "transactions", "open", "failed", "visible"}).
			AddRow(int64(100), int64(12), int64(1), int64(2), int64(10)))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ShardStats{Shard: 2, Resources: 100, Transactions: 12, OpenTransactions: 1, FailedTransactions: 2, VisibleTransaction: 10}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexInsertSQL(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO string_search_param (resource_type_id, transaction_id, shardlet_id, sequence, param_name, value) VALUES ($1, $2, $3, $4, $5, $6)",
		indexInsertSQL("string_search_param"))
}

func TestTextArray(t *testing.T) {
	assert.Equal(t, `{"a","b\\c","d\"e"}`, textArray([]string{"a", `b\c`, `d"e`}))
	assert.Equal(t, `{}`, textArray(nil))
}
