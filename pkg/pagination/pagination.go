package pagination

import (
	"net/url"
	"strings"
)

// ContinuationTokenParam is the query parameter carrying the keyset position.
const ContinuationTokenParam = "_continuationToken"

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// StripParam removes every occurrence of key from a raw query string,
// keeping the order and encoding of the remaining pairs.
func StripParam(rawQuery, key string) string {
	var kept []string
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, _, _ := strings.Cut(part, "=")
		if uk, err := url.QueryUnescape(k); err == nil && uk == key {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// FHIRLinks generates searchset links for keyset pagination. basePath is
// the request path (e.g. "/fhir/Patient") and rawQuery the request query.
// The self link repeats the request; a next link is added when nextToken is
// not empty.
func FHIRLinks(basePath, rawQuery, nextToken string) []FHIRLink {
	self := basePath
	if rawQuery != "" {
		self += "?" + rawQuery
	}
	links := []FHIRLink{{Relation: "self", URL: self}}

	if nextToken != "" {
		query := StripParam(rawQuery, ContinuationTokenParam)
		if query != "" {
			query += "&"
		}
		links = append(links, FHIRLink{
			Relation: "next",
			URL:      basePath + "?" + query + ContinuationTokenParam + "=" + url.QueryEscape(nextToken),
		})
	}
	return links
}
