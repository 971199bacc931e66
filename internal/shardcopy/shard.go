package shardcopy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/searchstore"
)

// ShardStore is one target shard. Every transaction opened with
// BeginTransaction must be closed with CommitTransaction, on failure too,
// or the visibility watermark stops advancing.
type ShardStore interface {
	ID() ShardID
	BeginTransaction(ctx context.Context) (TransactionID, error)
	// CommitTransaction closes tid. A non-empty failureReason records the
	// transaction as failed.
	CommitTransaction(ctx context.Context, tid TransactionID, failureReason string) error
	// MergeResources upserts the batch, whose keys must already carry tid,
	// and returns the number of rows written.
	MergeResources(ctx context.Context, tid TransactionID, batch *Batch) (int, error)
	// AdvanceTransactionVisibility moves the watermark up to the highest
	// transaction below which every transaction is closed.
	AdvanceTransactionVisibility(ctx context.Context) (TransactionID, bool, error)
	Stats(ctx context.Context) (*ShardStats, error)
}

type ShardStats struct {
	Shard              ShardID       `json:"shard"`
	Resources          int64         `json:"resources"`
	Transactions       int64         `json:"transactions"`
	OpenTransactions   int64         `json:"open_transactions"`
	FailedTransactions int64         `json:"failed_transactions"`
	VisibleTransaction TransactionID `json:"visible_transaction"`
}

// SQLShard runs shard commands over database/sql, retrying each command on
// transient errors.
type SQLShard struct {
	id     ShardID
	db     *sql.DB
	retry  RetryPolicy
	logger zerolog.Logger
	now    func() time.Time
}

var _ ShardStore = (*SQLShard)(nil)

func NewSQLShard(id ShardID, db *sql.DB, retry RetryPolicy, logger zerolog.Logger) *SQLShard {
	return &SQLShard{
		id:     id,
		db:     db,
		retry:  retry,
		logger: logger.With().Str("component", "copy-shard").Int("shard", int(id)).Logger(),
		now:    time.Now,
	}
}

func (s *SQLShard) ID() ShardID { return s.id }

// BeginTransaction is not retried: a lost reply would leave an open
// transaction nobody commits.
func (s *SQLShard) BeginTransaction(ctx context.Context) (TransactionID, error) {
	var tid TransactionID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO transactions (created_at) VALUES ($1) RETURNING transaction_id`,
		s.now(),
	).Scan(&tid)
	if err != nil {
		return 0, fmt.Errorf("shard %d: begin transaction: %w", s.id, err)
	}
	return tid, nil
}

func (s *SQLShard) CommitTransaction(ctx context.Context, tid TransactionID, failureReason string) error {
	var reason *string
	if failureReason != "" {
		reason = &failureReason
	}
	err := withRetry(ctx, s.retry, s.logger, "commit transaction", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE transactions
			SET committed_at = COALESCE(committed_at, $1), failure_reason = COALESCE(failure_reason, $2)
			WHERE transaction_id = $3`,
			s.now(), reason, tid)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("transaction %d does not exist", tid)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("shard %d: commit transaction %d: %w", s.id, tid, err)
	}
	return nil
}

func (s *SQLShard) MergeResources(ctx context.Context, tid TransactionID, batch *Batch) (int, error) {
	for _, r := range batch.Resources {
		if r.Key.TransactionID != tid {
			return 0, fmt.Errorf("shard %d: resource %s is stamped with transaction %d, not %d", s.id, r.Key.ResourceID, r.Key.TransactionID, tid)
		}
	}
	var written int
	err := withRetry(ctx, s.retry, s.logger, "merge resources", func(ctx context.Context) error {
		var err error
		written, err = s.merge(ctx, batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("shard %d: merge %s: %w", s.id, batch.Definition, err)
	}
	return written, nil
}

const upsertShardResourceSQL = `
	INSERT INTO resource (resource_type_id, resource_id, transaction_id, shardlet_id, sequence, last_updated, raw_resource)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (resource_type_id, resource_id) DO UPDATE SET
		transaction_id = EXCLUDED.transaction_id,
		shardlet_id = EXCLUDED.shardlet_id,
		sequence = EXCLUDED.sequence,
		last_updated = EXCLUDED.last_updated,
		raw_resource = EXCLUDED.raw_resource`

func (s *SQLShard) merge(ctx context.Context, batch *Batch) (int, error) {
	if len(batch.Resources) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Index rows of a previous copy of these resources hang off their old
	// stamps; drop them before the resource rows are re-stamped.
	typeID := batch.Resources[0].Key.ResourceTypeID
	ids := make([]string, len(batch.Resources))
	for i, r := range batch.Resources {
		ids[i] = r.Key.ResourceID
	}
	idArray := textArray(ids)
	for _, table := range searchstore.IndexTables {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s x USING resource r
			WHERE r.resource_type_id = $1 AND r.resource_id = ANY($2::text[])
			  AND x.transaction_id = r.transaction_id AND x.shardlet_id = r.shardlet_id AND x.sequence = r.sequence`, table),
			typeID, idArray)
		if err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, err)
		}
	}

	written := 0
	for _, r := range batch.Resources {
		k := r.Key
		if _, err := tx.ExecContext(ctx, upsertShardResourceSQL,
			k.ResourceTypeID, k.ResourceID, k.TransactionID, k.ShardletID, k.Sequence, r.LastUpdated, r.Raw,
		); err != nil {
			return 0, fmt.Errorf("upsert resource %s: %w", k.ResourceID, err)
		}
		written++
	}

	for _, table := range searchstore.IndexTables {
		rows := batch.Index[table]
		if len(rows) == 0 {
			continue
		}
		query := indexInsertSQL(table)
		for _, row := range rows {
			k := row.Key
			args := append([]any{k.ResourceTypeID, k.TransactionID, k.ShardletID, k.Sequence}, row.Values...)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return 0, fmt.Errorf("insert %s: %w", table, err)
			}
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

func indexInsertSQL(table string) string {
	cols := append([]string{"resource_type_id", "transaction_id", "shardlet_id", "sequence"}, searchstore.IndexColumns[table]...)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

var arrayEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// textArray renders a PostgreSQL text[] literal.
func textArray(values []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(arrayEscaper.Replace(v))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

const advanceVisibilitySQL = `
	UPDATE transaction_visibility v
	SET visible_transaction_id = n.upto, updated_at = $1
	FROM (
		SELECT COALESCE(
			(SELECT MIN(transaction_id) - 1 FROM transactions WHERE committed_at IS NULL),
			(SELECT COALESCE(MAX(transaction_id), 0) FROM transactions)
		) AS upto
	) n
	WHERE v.id = 1 AND n.upto > v.visible_transaction_id
	RETURNING v.visible_transaction_id`

func (s *SQLShard) AdvanceTransactionVisibility(ctx context.Context) (TransactionID, bool, error) {
	var (
		visible  TransactionID
		advanced bool
	)
	err := withRetry(ctx, s.retry, s.logger, "advance visibility", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, advanceVisibilitySQL, s.now()).Scan(&visible)
		if errors.Is(err, sql.ErrNoRows) {
			advanced = false
			return nil
		}
		advanced = err == nil
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("shard %d: advance visibility: %w", s.id, err)
	}
	return visible, advanced, nil
}

func (s *SQLShard) Stats(ctx context.Context) (*ShardStats, error) {
	st := &ShardStats{Shard: s.id}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM resource),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM transactions WHERE committed_at IS NULL),
			(SELECT COUNT(*) FROM transactions WHERE failure_reason IS NOT NULL),
			(SELECT visible_transaction_id FROM transaction_visibility WHERE id = 1)`,
	).Scan(&st.Resources, &st.Transactions, &st.OpenTransactions, &st.FailedTransactions, &st.VisibleTransaction)
	if err != nil {
		return nil, fmt.Errorf("shard %d: stats: %w", s.id, err)
	}
	return st, nil
}
