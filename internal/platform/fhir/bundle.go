package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle creates a searchset Bundle from matched documents. An
// outcome with at least one issue is appended as a search.mode=outcome entry.
func NewSearchBundle(docs []Document, total *int, baseURL string, links []BundleLink, outcome *OperationOutcome) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(docs)+1)
	for _, doc := range docs {
		raw, err := doc.Marshal()
		if err != nil {
			continue
		}
		entries = append(entries, BundleEntry{
			FullURL:  FormatReference(baseURL+"/"+doc.ResourceType(), doc.ID()),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}

	if outcome != nil && len(outcome.Issue) > 0 {
		raw, err := json.Marshal(outcome)
		if err == nil {
			entries = append(entries, BundleEntry{
				Resource: raw,
				Search:   &BundleSearch{Mode: "outcome"},
			})
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        total,
		Link:         links,
		Entry:        entries,
		Timestamp:    &now,
	}
}

// FormatReference joins a base path and id into "base/id".
func FormatReference(base, id string) string {
	return base + "/" + id
}
