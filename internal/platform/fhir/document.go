package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Document is a decoded FHIR resource. Numbers are kept as json.Number so
// that decimal precision is not lost on the way to the search index.
type Document map[string]any

// ParseDocument decodes a JSON resource and checks that it carries a
// resourceType.
func ParseDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if doc.ResourceType() == "" {
		return nil, fmt.Errorf("resourceType is required")
	}
	return doc, nil
}

func (d Document) ResourceType() string {
	s, _ := d["resourceType"].(string)
	return s
}

func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

func (d Document) SetID(id string) {
	d["id"] = id
}

// LastUpdated returns meta.lastUpdated, or "" when absent.
func (d Document) LastUpdated() string {
	meta, _ := d["meta"].(map[string]any)
	s, _ := meta["lastUpdated"].(string)
	return s
}

// SetLastUpdated stamps meta.lastUpdated, creating meta when needed.
func (d Document) SetLastUpdated(ts string) {
	meta, ok := d["meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		d["meta"] = meta
	}
	meta["lastUpdated"] = ts
}

func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(d))
}

// Select walks a dotted element path and returns every value reached,
// flattening repeating elements. A leading resource type (or "Resource")
// is skipped, "a | b" unions several paths, and a trailing "[x]" on a
// segment matches every choice-type variant (value[x] -> valueQuantity, ...).
func (d Document) Select(path string) []any {
	var out []any
	for _, alt := range strings.Split(path, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		out = append(out, d.selectOne(alt)...)
	}
	return out
}

func (d Document) selectOne(path string) []any {
	segments := strings.Split(path, ".")
	if len(segments) > 0 && isTypeSegment(segments[0], d.ResourceType()) {
		segments = segments[1:]
	}

	current := []any{map[string]any(d)}
	for _, seg := range segments {
		var next []any
		for _, node := range current {
			obj, ok := node.(map[string]any)
			if !ok {
				continue
			}
			for _, v := range childValues(obj, seg) {
				if arr, ok := v.([]any); ok {
					next = append(next, arr...)
					continue
				}
				if v != nil {
					next = append(next, v)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

func childValues(obj map[string]any, seg string) []any {
	if !strings.HasSuffix(seg, "[x]") {
		if v, ok := obj[seg]; ok {
			return []any{v}
		}
		return nil
	}
	prefix := strings.TrimSuffix(seg, "[x]")
	var out []any
	for k, v := range obj {
		if len(k) > len(prefix) && strings.HasPrefix(k, prefix) && unicode.IsUpper(rune(k[len(prefix)])) {
			out = append(out, v)
		}
	}
	return out
}

func isTypeSegment(seg, resourceType string) bool {
	if seg == "Resource" || seg == "DomainResource" {
		return true
	}
	return seg != "" && seg == resourceType
}

// AsCoding reads a Coding-shaped element.
func AsCoding(node any) (Coding, bool) {
	var c Coding
	ok := decodeElement(node, &c)
	return c, ok && (c.System != "" || c.Code != "")
}

// AsCodeableConcept reads a CodeableConcept-shaped element.
func AsCodeableConcept(node any) (CodeableConcept, bool) {
	var cc CodeableConcept
	ok := decodeElement(node, &cc)
	return cc, ok && (len(cc.Coding) > 0 || cc.Text != "")
}

// AsIdentifier reads an Identifier-shaped element.
func AsIdentifier(node any) (Identifier, bool) {
	var id Identifier
	ok := decodeElement(node, &id)
	return id, ok && (id.System != "" || id.Value != "")
}

// AsQuantity reads a Quantity-shaped element; the value is mandatory.
func AsQuantity(node any) (Quantity, bool) {
	var q Quantity
	ok := decodeElement(node, &q)
	return q, ok && q.Value != ""
}

// AsReference reads a Reference-shaped element.
func AsReference(node any) (Reference, bool) {
	var r Reference
	ok := decodeElement(node, &r)
	return r, ok && r.Reference != ""
}

// AsPeriod reads a Period-shaped element.
func AsPeriod(node any) (Period, bool) {
	var p Period
	ok := decodeElement(node, &p)
	return p, ok && (p.Start != "" || p.End != "")
}

func AsHumanName(node any) (HumanName, bool) {
	var n HumanName
	ok := decodeElement(node, &n)
	return n, ok
}

func AsAddress(node any) (Address, bool) {
	var a Address
	ok := decodeElement(node, &a)
	return a, ok
}

func AsContactPoint(node any) (ContactPoint, bool) {
	var cp ContactPoint
	ok := decodeElement(node, &cp)
	return cp, ok && cp.Value != ""
}

func decodeElement(node any, out any) bool {
	obj, ok := node.(map[string]any)
	if !ok {
		return false
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}
