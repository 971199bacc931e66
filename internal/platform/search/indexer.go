package search

import (
	"fmt"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// IndexEntry is one extracted value of one search parameter.
type IndexEntry struct {
	Param string
	Value Value
}

// IndexedResource is a resource reduced to its search index entries.
type IndexedResource struct {
	ResourceType string
	ID           string
	Entries      []IndexEntry
}

// Reference returns the "Type/id" form of the resource.
func (r *IndexedResource) Reference() string {
	return r.ResourceType + "/" + r.ID
}

// ExtractionError reports a resource whose content cannot be indexed, such
// as a malformed date. The resource is rejected.
type ExtractionError struct {
	ResourceType string
	ID           string
	Err          error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("index %s/%s: %v", e.ResourceType, e.ID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Indexer extracts index entries at write time.
type Indexer struct {
	manifests ManifestProvider
}

func NewIndexer(manifests ManifestProvider) *Indexer {
	return &Indexer{manifests: manifests}
}

// Extract returns the entries of every parameter defined for the
// document's resource type, in parameter name order.
func (ix *Indexer) Extract(doc fhir.Document) ([]IndexEntry, error) {
	m, err := ix.manifests.Manifest(doc.ResourceType())
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	for _, p := range m.Params() {
		vals, err := p.Extract(doc)
		if err != nil {
			return nil, &ExtractionError{ResourceType: doc.ResourceType(), ID: doc.ID(), Err: err}
		}
		for _, v := range vals {
			entries = append(entries, IndexEntry{Param: p.Name, Value: v})
		}
	}
	return entries, nil
}

// Index extracts entries and wraps them with the resource identity.
func (ix *Indexer) Index(doc fhir.Document) (*IndexedResource, error) {
	if doc.ID() == "" {
		return nil, &ExtractionError{ResourceType: doc.ResourceType(), Err: fmt.Errorf("resource has no id")}
	}
	entries, err := ix.Extract(doc)
	if err != nil {
		return nil, err
	}
	return &IndexedResource{ResourceType: doc.ResourceType(), ID: doc.ID(), Entries: entries}, nil
}
