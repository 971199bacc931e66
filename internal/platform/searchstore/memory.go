package searchstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/search"
)

type memoryRow struct {
	id      int64
	doc     fhir.Document
	indexed *search.IndexedResource
}

// MemoryStore keeps resources in memory and evaluates searches with
// search.Matches. It gives the same answers as PostgresStore.
type MemoryStore struct {
	indexer *search.Indexer
	now     func() time.Time

	mu     sync.RWMutex
	nextID int64
	rows   map[string]*memoryRow
}

var (
	_ Store                    = (*MemoryStore)(nil)
	_ search.ReferenceResolver = (*MemoryStore)(nil)
)

func NewMemoryStore(indexer *search.Indexer) *MemoryStore {
	return &MemoryStore{
		indexer: indexer,
		now:     time.Now,
		rows:    make(map[string]*memoryRow),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, doc fhir.Document) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stamp(doc, s.now())
	indexed, err := s.indexer.Index(doc)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ref := indexed.Reference()
	row, ok := s.rows[ref]
	if !ok {
		s.nextID++
		row = &memoryRow{id: s.nextID}
		s.rows[ref] = row
	}
	row.doc = doc
	row.indexed = indexed
	return row.id, nil
}

// Resolve implements search.ReferenceResolver.
func (s *MemoryStore) Resolve(reference string) (*search.IndexedResource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lockedResolver{s}.Resolve(reference)
}

// lockedResolver resolves while the caller already holds the read lock.
type lockedResolver struct{ s *MemoryStore }

func (r lockedResolver) Resolve(reference string) (*search.IndexedResource, bool) {
	row, ok := r.s.rows[reference]
	if !ok {
		return nil, false
	}
	return row.indexed, true
}

func (s *MemoryStore) Search(ctx context.Context, opts *search.Options) (*Result, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	after, err := DecodeContinuationToken(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*memoryRow
	for _, row := range s.rows {
		if opts.ResourceType != "" && row.indexed.ResourceType != opts.ResourceType {
			continue
		}
		if search.Matches(opts.Expression, row.indexed, lockedResolver{s}) {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	res := &Result{Total: len(matched)}
	if opts.CountOnly {
		return res, nil
	}
	size := pageSize(opts)
	var last int64
	for _, row := range matched {
		if row.id <= after {
			continue
		}
		if len(res.Resources) == size {
			res.ContinuationToken = EncodeContinuationToken(last)
			break
		}
		res.Resources = append(res.Resources, row.doc)
		last = row.id
	}
	return res, nil
}
