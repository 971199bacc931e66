package shardcopy

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/searchstore"
)

// TypeCatalog numbers resource types. Ids are 1-based positions in the
// sorted name list, so every process built from the same search
// definitions agrees on them.
type TypeCatalog struct {
	names []string
	ids   map[string]int16
}

func NewTypeCatalog(names []string) *TypeCatalog {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	c := &TypeCatalog{ids: make(map[string]int16, len(sorted))}
	for _, n := range sorted {
		if _, dup := c.ids[n]; dup {
			continue
		}
		c.names = append(c.names, n)
		c.ids[n] = int16(len(c.names))
	}
	return c
}

func (c *TypeCatalog) ID(name string) (int16, bool) {
	id, ok := c.ids[name]
	return id, ok
}

func (c *TypeCatalog) Name(id int16) (string, bool) {
	if id < 1 || int(id) > len(c.names) {
		return "", false
	}
	return c.names[id-1], true
}

// ResourceRow is one row of the resource table.
type ResourceRow struct {
	Key         ResourceKey
	LastUpdated time.Time
	Raw         []byte
}

// IndexRow is one row of an index table. Values follow
// searchstore.IndexColumns for the table.
type IndexRow struct {
	Key    ResourceKey
	Values []any
}

// Batch is the data of one unit of work.
type Batch struct {
	Definition Definition
	Resources  []ResourceRow
	// Index maps an index table name to its rows.
	Index map[string][]IndexRow
}

// IndexRowCount is the number of index rows over all tables.
func (b *Batch) IndexRowCount() int {
	n := 0
	for _, rows := range b.Index {
		n += len(rows)
	}
	return n
}

// SourceStore reads units of work from the unsharded database.
type SourceStore interface {
	ReadUnit(ctx context.Context, def Definition) (*Batch, error)
	ResourceTypeRanges(ctx context.Context) ([]TypeRange, error)
}

// SQLSource reads the search store schema.
type SQLSource struct {
	db     *sql.DB
	types  *TypeCatalog
	retry  RetryPolicy
	logger zerolog.Logger
}

var _ SourceStore = (*SQLSource)(nil)

func NewSQLSource(db *sql.DB, types *TypeCatalog, retry RetryPolicy, logger zerolog.Logger) *SQLSource {
	return &SQLSource{
		db:     db,
		types:  types,
		retry:  retry,
		logger: logger.With().Str("component", "copy-source").Logger(),
	}
}

func (s *SQLSource) ReadUnit(ctx context.Context, def Definition) (*Batch, error) {
	typeName, ok := s.types.Name(def.ResourceTypeID)
	if !ok {
		return nil, fmt.Errorf("read unit %s: unknown resource type id %d", def, def.ResourceTypeID)
	}
	var batch *Batch
	err := withRetry(ctx, s.retry, s.logger, "read unit", func(ctx context.Context) error {
		var err error
		batch, err = s.readUnit(ctx, def, typeName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read unit %s: %w", def, err)
	}
	return batch, nil
}

func (s *SQLSource) readUnit(ctx context.Context, def Definition, typeName string) (*Batch, error) {
	batch := &Batch{Definition: def, Index: make(map[string][]IndexRow)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_surrogate_id, resource_id, last_updated, raw_resource
		FROM resource
		WHERE resource_type = $1 AND resource_surrogate_id BETWEEN $2 AND $3
		ORDER BY resource_surrogate_id`,
		typeName, def.MinID, def.MaxID)
	if err != nil {
		return nil, fmt.Errorf("select resources: %w", err)
	}
	bySurrogate := make(map[int64]ResourceKey)
	for rows.Next() {
		r := ResourceRow{Key: ResourceKey{ResourceTypeID: def.ResourceTypeID}}
		if err := rows.Scan(&r.Key.SurrogateID, &r.Key.ResourceID, &r.LastUpdated, &r.Raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		bySurrogate[r.Key.SurrogateID] = r.Key
		batch.Resources = append(batch.Resources, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select resources: %w", err)
	}
	if len(batch.Resources) == 0 {
		return batch, nil
	}

	for _, table := range searchstore.IndexTables {
		indexRows, err := s.readIndex(ctx, table, typeName, def, bySurrogate)
		if err != nil {
			return nil, err
		}
		if len(indexRows) > 0 {
			batch.Index[table] = indexRows
		}
	}
	return batch, nil
}

func (s *SQLSource) readIndex(ctx context.Context, table, typeName string, def Definition, keys map[int64]ResourceKey) ([]IndexRow, error) {
	cols := searchstore.IndexColumns[table]
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = "t." + c
	}
	query := fmt.Sprintf(`
		SELECT t.resource_surrogate_id, %s
		FROM %s t
		JOIN resource r ON r.resource_surrogate_id = t.resource_surrogate_id
		WHERE r.resource_type = $1 AND t.resource_surrogate_id BETWEEN $2 AND $3
		ORDER BY t.resource_surrogate_id`, strings.Join(qualified, ", "), table)

	rows, err := s.db.QueryContext(ctx, query, typeName, def.MinID, def.MaxID)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var surrogate int64
		values := make([]any, len(cols))
		dest := make([]any, len(cols)+1)
		dest[0] = &surrogate
		for i := range values {
			dest[i+1] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		key, ok := keys[surrogate]
		if !ok {
			// Written after the resource select; the next run picks it up.
			continue
		}
		out = append(out, IndexRow{Key: key, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

// ResourceTypeRanges returns the surrogate id span of every resource type
// the catalog knows. Types missing from the catalog are logged and skipped.
func (s *SQLSource) ResourceTypeRanges(ctx context.Context) ([]TypeRange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, MIN(resource_surrogate_id), MAX(resource_surrogate_id)
		FROM resource
		GROUP BY resource_type
		ORDER BY resource_type`)
	if err != nil {
		return nil, fmt.Errorf("select type ranges: %w", err)
	}
	defer rows.Close()

	var out []TypeRange
	for rows.Next() {
		var (
			name string
			r    TypeRange
		)
		if err := rows.Scan(&name, &r.MinID, &r.MaxID); err != nil {
			return nil, fmt.Errorf("scan type range: %w", err)
		}
		id, ok := s.types.ID(name)
		if !ok {
			s.logger.Warn().Str("resource_type", name).Msg("resource type not in catalog, not copied")
			continue
		}
		r.ResourceTypeID = id
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select type ranges: %w", err)
	}
	return out, nil
}
