// Package searchstore persists FHIR resources together with their search
// index entries and answers search.Options against them.
package searchstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/search"
)

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	// Upsert stamps meta.lastUpdated, indexes the document and stores it,
	// replacing any previous version with the same type and id. It returns
	// the surrogate id of the stored row.
	Upsert(ctx context.Context, doc fhir.Document) (int64, error)
	Search(ctx context.Context, opts *search.Options) (*Result, error)
}

// Result is one page of search results.
type Result struct {
	Resources []fhir.Document
	// Total counts every match, not only this page.
	Total int
	// ContinuationToken is empty on the last page.
	ContinuationToken string
}

// pageToken is the keyset position: the surrogate id of the last resource
// on the previous page.
type pageToken struct {
	After int64 `json:"a"`
}

func EncodeContinuationToken(after int64) string {
	data, _ := json.Marshal(pageToken{After: after})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeContinuationToken returns 0 for an empty token. A malformed token is
// an invalid search operation.
func DecodeContinuationToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, &search.InvalidSearchOperationError{Message: "invalid continuation token"}
	}
	var t pageToken
	if err := json.Unmarshal(data, &t); err != nil || t.After <= 0 {
		return 0, &search.InvalidSearchOperationError{Message: "invalid continuation token"}
	}
	return t.After, nil
}

// stamp sets meta.lastUpdated to now with millisecond precision.
func stamp(doc fhir.Document, now time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	doc.SetLastUpdated(ts.Format("2006-01-02T15:04:05.000Z07:00"))
	return ts
}

func pageSize(opts *search.Options) int {
	if opts.MaxItemCount <= 0 {
		return 10
	}
	return opts.MaxItemCount
}

func validateOptions(opts *search.Options) error {
	if opts == nil {
		return fmt.Errorf("search options are required")
	}
	return nil
}
