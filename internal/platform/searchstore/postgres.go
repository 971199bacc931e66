package searchstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/search"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for the resource and index
// tables, rooted so that db.Migrator sees the .sql files directly.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore keeps resources and their index entries in PostgreSQL.
type PostgresStore struct {
	pool    *pgxpool.Pool
	indexer *search.Indexer
	builder SQLBuilder
	logger  zerolog.Logger
	now     func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, indexer *search.Indexer, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		indexer: indexer,
		logger:  logger.With().Str("component", "search-store").Logger(),
		now:     time.Now,
	}
}

const upsertResourceSQL = `
	INSERT INTO resource (resource_type, resource_id, last_updated, raw_resource)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (resource_type, resource_id)
	DO UPDATE SET last_updated = EXCLUDED.last_updated, raw_resource = EXCLUDED.raw_resource
	RETURNING resource_surrogate_id`

func (s *PostgresStore) Upsert(ctx context.Context, doc fhir.Document) (int64, error) {
	lastUpdated := stamp(doc, s.now())
	indexed, err := s.indexer.Index(doc)
	if err != nil {
		return 0, err
	}
	raw, err := doc.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", indexed.Reference(), err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	if err := tx.QueryRow(ctx, upsertResourceSQL, indexed.ResourceType, indexed.ID, lastUpdated, raw).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert %s: %w", indexed.Reference(), err)
	}
	if err := replaceEntries(ctx, tx, id, indexed.Entries); err != nil {
		return 0, fmt.Errorf("index %s: %w", indexed.Reference(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s: %w", indexed.Reference(), err)
	}

	s.logger.Debug().Str("resource", indexed.Reference()).Int64("surrogate_id", id).Int("entries", len(indexed.Entries)).Msg("resource indexed")
	return id, nil
}

func replaceEntries(ctx context.Context, q querier, id int64, entries []search.IndexEntry) error {
	for _, table := range IndexTables {
		if _, err := q.Exec(ctx, "DELETE FROM "+table+" WHERE resource_surrogate_id = $1", id); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, e := range entries {
		ins, ok := entryInsert(id, e)
		if !ok {
			continue
		}
		if _, err := q.Exec(ctx, ins.SQL, ins.Args...); err != nil {
			return fmt.Errorf("insert %s entry: %w", e.Param, err)
		}
	}
	return nil
}

// entryInsert returns the INSERT for one index entry. Composite entries
// keep only the parameter name, which is all :missing needs.
func entryInsert(id int64, e search.IndexEntry) (Query, bool) {
	switch v := e.Value.(type) {
	case search.TokenValue:
		var system *string
		if v.System != nil && *v.System != "" {
			system = v.System
		}
		return Query{
			SQL:  "INSERT INTO token_search_param (resource_surrogate_id, param_name, system, code, text) VALUES ($1, $2, $3, $4, $5)",
			Args: []any{id, e.Param, system, nullIfEmpty(v.Code), nullIfEmpty(v.Text)},
		}, true
	case search.StringValue:
		return Query{
			SQL:  "INSERT INTO string_search_param (resource_surrogate_id, param_name, value) VALUES ($1, $2, $3)",
			Args: []any{id, e.Param, v.Value},
		}, true
	case search.DateTimeValue:
		return Query{
			SQL:  "INSERT INTO date_time_search_param (resource_surrogate_id, param_name, start_date_time, end_date_time) VALUES ($1, $2, $3, $4)",
			Args: []any{id, e.Param, v.Start, v.End},
		}, true
	case search.NumberValue:
		return Query{
			SQL:  "INSERT INTO number_search_param (resource_surrogate_id, param_name, value) VALUES ($1, $2, $3::numeric)",
			Args: []any{id, e.Param, v.Number.Text('f')},
		}, true
	case search.QuantityValue:
		return Query{
			SQL:  "INSERT INTO quantity_search_param (resource_surrogate_id, param_name, system, code, quantity) VALUES ($1, $2, $3, $4, $5::numeric)",
			Args: []any{id, e.Param, nullIfEmpty(v.System), nullIfEmpty(v.Code), v.Quantity.Text('f')},
		}, true
	case search.URIValue:
		return Query{
			SQL:  "INSERT INTO uri_search_param (resource_surrogate_id, param_name, uri) VALUES ($1, $2, $3)",
			Args: []any{id, e.Param, v.URI},
		}, true
	case search.ReferenceValue:
		rt, rid := splitReference(v.Reference)
		return Query{
			SQL:  "INSERT INTO reference_search_param (resource_surrogate_id, param_name, reference, reference_resource_type, reference_resource_id) VALUES ($1, $2, $3, $4, $5)",
			Args: []any{id, e.Param, v.Reference, rt, rid},
		}, true
	case search.CompositeValue:
		return Query{
			SQL:  "INSERT INTO composite_search_param (resource_surrogate_id, param_name) VALUES ($1, $2)",
			Args: []any{id, e.Param},
		}, true
	}
	return Query{}, false
}

// splitReference returns the type and id of a relative "Type/id"
// reference, or nils for anything else.
func splitReference(ref string) (*string, *string) {
	typ, id, ok := strings.Cut(ref, "/")
	if !ok || typ == "" || id == "" || strings.Contains(id, "/") || typ[0] < 'A' || typ[0] > 'Z' {
		return nil, nil
	}
	return &typ, &id
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) Search(ctx context.Context, opts *search.Options) (*Result, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	after, err := DecodeContinuationToken(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}

	count, err := s.builder.Count(opts)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if err := s.pool.QueryRow(ctx, count.SQL, count.Args...).Scan(&res.Total); err != nil {
		return nil, fmt.Errorf("count search results: %w", err)
	}
	if opts.CountOnly {
		return res, nil
	}

	size := pageSize(opts)
	q, err := s.builder.Select(opts, after, size+1)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("sql", q.SQL).Int("args", len(q.Args)).Msg("search query")

	if err := s.scanPage(ctx, s.pool, q, size, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) scanPage(ctx context.Context, db querier, q Query, size int, res *Result) error {
	rows, err := db.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var last int64
	for rows.Next() {
		if len(res.Resources) == size {
			res.ContinuationToken = EncodeContinuationToken(last)
			break
		}
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan search row: %w", err)
		}
		doc, err := fhir.ParseDocument(raw)
		if err != nil {
			return fmt.Errorf("resource %d: %w", id, err)
		}
		res.Resources = append(res.Resources, doc)
		last = id
	}
	return rows.Err()
}
