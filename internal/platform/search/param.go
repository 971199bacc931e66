package search

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Extractor pulls the values of one search parameter out of a resource.
type Extractor func(doc fhir.Document) ([]Value, error)

// Component is one side of a composite parameter. Path is relative to the
// element selected by the composite's own path.
type Component struct {
	Type ParamType
	Path string
}

// SearchParam describes one named, typed search parameter of a resource
// type. A SearchParam is created and given its extractors by a
// ManifestBuilder; once the builder returns a Registry it is read-only.
type SearchParam struct {
	ResourceType string
	Name         string
	Type         ParamType
	// Targets lists the resource types a reference parameter may point to.
	Targets []string
	// UnderlyingType is the type of the value side of a composite.
	UnderlyingType ParamType
	Paths          []string
	Components     []Component

	extractors []Extractor
}

// Parse converts a raw query value into a typed value for this parameter.
func (p *SearchParam) Parse(raw string) (Value, error) {
	if p.Type == ParamComposite {
		return ParseCompositeValue(raw, p.UnderlyingType)
	}
	parse, err := scalarParser(p.Type)
	if err != nil {
		return nil, err
	}
	return parse(raw)
}

// Extract runs every extractor against doc.
func (p *SearchParam) Extract(doc fhir.Document) ([]Value, error) {
	var out []Value
	for _, ex := range p.extractors {
		vals, err := ex(doc)
		if err != nil {
			return nil, fmt.Errorf("extract %s.%s: %w", p.ResourceType, p.Name, err)
		}
		out = append(out, vals...)
	}
	return out, nil
}

// EffectiveType is the scalar type a raw value is parsed as.
func (p *SearchParam) EffectiveType() ParamType {
	if p.Type == ParamComposite {
		return p.UnderlyingType
	}
	return p.Type
}

// HasTarget reports whether resourceType is a declared reference target.
func (p *SearchParam) HasTarget(resourceType string) bool {
	for _, t := range p.Targets {
		if t == resourceType {
			return true
		}
	}
	return false
}

func (p *SearchParam) validate() error {
	if p.Name == "" {
		return fmt.Errorf("search parameter on %s has no name", p.ResourceType)
	}
	switch p.Type {
	case ParamReference:
		if len(p.Targets) == 0 {
			return fmt.Errorf("reference parameter %s.%s has no targets", p.ResourceType, p.Name)
		}
	case ParamComposite:
		if p.UnderlyingType == ParamComposite {
			return fmt.Errorf("composite parameter %s.%s must have a scalar underlying type", p.ResourceType, p.Name)
		}
		if len(p.Components) != 2 || p.Components[0].Type != ParamToken || p.Components[1].Type != p.UnderlyingType {
			return fmt.Errorf("composite parameter %s.%s must have a token and a %s component", p.ResourceType, p.Name, p.UnderlyingType)
		}
	}
	return nil
}

// pathExtractor builds the default extractor for a definition path.
func pathExtractor(p *SearchParam, path string) Extractor {
	if p.Type == ParamComposite {
		return func(doc fhir.Document) ([]Value, error) {
			return extractComposite(p, doc.Select(path))
		}
	}
	return func(doc fhir.Document) ([]Value, error) {
		return extractNodes(p.Type, doc.Select(path))
	}
}

func extractComposite(p *SearchParam, roots []any) ([]Value, error) {
	var out []Value
	for _, root := range roots {
		obj, ok := root.(map[string]any)
		if !ok {
			continue
		}
		sub := fhir.Document(obj)
		tokens, err := extractNodes(ParamToken, sub.Select(p.Components[0].Path))
		if err != nil {
			return nil, err
		}
		values, err := extractNodes(p.UnderlyingType, sub.Select(p.Components[1].Path))
		if err != nil {
			return nil, err
		}
		for _, t := range tokens {
			for _, v := range values {
				out = append(out, CompositeValue{Token: t.(TokenValue), Value: v})
			}
		}
	}
	return out, nil
}

func extractNodes(t ParamType, nodes []any) ([]Value, error) {
	var out []Value
	for _, n := range nodes {
		vals, err := extractNode(t, n)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

func extractNode(t ParamType, node any) ([]Value, error) {
	switch t {
	case ParamString:
		return extractStrings(node), nil
	case ParamToken:
		return extractTokens(node), nil
	case ParamDate:
		return extractDates(node)
	case ParamNumber:
		s, ok := numberLiteral(node)
		if !ok {
			return nil, nil
		}
		v, err := ParseNumberValue(s)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	case ParamQuantity:
		return extractQuantity(node)
	case ParamURI:
		if s, ok := node.(string); ok && s != "" {
			return []Value{URIValue{URI: s}}, nil
		}
	case ParamReference:
		return extractReference(node), nil
	}
	return nil, nil
}

func extractStrings(node any) []Value {
	if s, ok := node.(string); ok {
		return stringValues(s)
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	if _, isName := obj["family"]; isName || obj["given"] != nil {
		n, _ := fhir.AsHumanName(obj)
		parts := append([]string{n.Text, n.Family}, n.Given...)
		parts = append(parts, n.Prefix...)
		return stringValues(append(parts, n.Suffix...)...)
	}
	if a, ok := fhir.AsAddress(obj); ok {
		parts := append([]string{a.Text}, a.Line...)
		return stringValues(append(parts, a.City, a.District, a.State, a.PostalCode, a.Country)...)
	}
	return nil
}

func stringValues(ss ...string) []Value {
	var out []Value
	for _, s := range ss {
		if s != "" {
			out = append(out, StringValue{Value: s})
		}
	}
	return out
}

func extractTokens(node any) []Value {
	switch n := node.(type) {
	case string:
		if n == "" {
			return nil
		}
		return []Value{TokenValue{Code: n}}
	case bool:
		return []Value{TokenValue{Code: strconv.FormatBool(n)}}
	case map[string]any:
		return tokensFromElement(n)
	}
	return nil
}

func tokensFromElement(obj map[string]any) []Value {
	if _, ok := obj["coding"]; ok || obj["text"] != nil && obj["value"] == nil {
		cc, ok := fhir.AsCodeableConcept(obj)
		if !ok {
			return nil
		}
		var out []Value
		for _, c := range cc.Coding {
			if t, ok := codingToken(c); ok {
				out = append(out, t)
			}
		}
		if cc.Text != "" {
			out = append(out, TokenValue{Text: cc.Text})
		}
		return out
	}
	if _, ok := obj["value"]; ok {
		if sys, _ := obj["system"].(string); contactPointSystems[sys] {
			if cp, ok := fhir.AsContactPoint(obj); ok {
				return []Value{TokenValue{Code: cp.Value}}
			}
			return nil
		}
		id, ok := fhir.AsIdentifier(obj)
		if !ok {
			return nil
		}
		t := TokenValue{System: optional(id.System), Code: id.Value}
		if id.Type != nil {
			t.Text = id.Type.Text
		}
		return []Value{t}
	}
	if c, ok := fhir.AsCoding(obj); ok {
		if t, ok := codingToken(c); ok {
			return []Value{t}
		}
	}
	return nil
}

// ContactPoint.system codes; anything else carrying a value is an Identifier.
var contactPointSystems = map[string]bool{
	"phone": true, "fax": true, "email": true, "pager": true,
	"url": true, "sms": true, "other": true,
}

func codingToken(c fhir.Coding) (TokenValue, bool) {
	if c.System == "" && c.Code == "" {
		return TokenValue{}, false
	}
	return TokenValue{System: optional(c.System), Code: c.Code, Text: c.Display}, true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func extractDates(node any) ([]Value, error) {
	switch n := node.(type) {
	case string:
		v, err := ParseDateTimeValue(n)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	case map[string]any:
		p, ok := fhir.AsPeriod(n)
		if !ok {
			return nil, nil
		}
		v, err := ParseDateTimeRange(p.Start, p.End)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	}
	return nil, nil
}

func numberLiteral(node any) (string, bool) {
	switch n := node.(type) {
	case json.Number:
		return n.String(), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case string:
		return n, n != ""
	}
	return "", false
}

func extractQuantity(node any) ([]Value, error) {
	q, ok := fhir.AsQuantity(node)
	if !ok {
		return nil, nil
	}
	d, err := parseDecimal(q.Value.String())
	if err != nil {
		return nil, err
	}
	code := q.Code
	if code == "" {
		code = q.Unit
	}
	v, err := NewQuantityValue(q.System, code, d)
	if err != nil {
		return nil, err
	}
	return []Value{v}, nil
}

func extractReference(node any) []Value {
	switch n := node.(type) {
	case string:
		if n != "" {
			return []Value{ReferenceValue{Reference: ResolveReference(n)}}
		}
	case map[string]any:
		if r, ok := fhir.AsReference(n); ok {
			return []Value{ReferenceValue{Reference: ResolveReference(r.Reference)}}
		}
	}
	return nil
}
