package search

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Value is a typed search value. It is a closed set: the variants below are
// the only implementations, and the expression builder switches over them
// exhaustively.
type Value interface {
	fmt.Stringer
	isValue()
}

func (DateTimeValue) isValue()  {}
func (NumberValue) isValue()    {}
func (QuantityValue) isValue()  {}
func (TokenValue) isValue()     {}
func (StringValue) isValue()    {}
func (URIValue) isValue()       {}
func (ReferenceValue) isValue() {}
func (CompositeValue) isValue() {}

// NumberValue is a decimal with the precision it was written with.
type NumberValue struct {
	Number *apd.Decimal
}

// ParseNumberValue parses a FHIR decimal, keeping its implied precision.
func ParseNumberValue(s string) (Value, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return nil, err
	}
	return NumberValue{Number: d}, nil
}

func (v NumberValue) String() string { return v.Number.String() }

// Tolerance is half of one unit in the last written digit:
// "100" -> 0.5, "100.0" -> 0.05, "100.00" -> 0.005.
func (v NumberValue) Tolerance() *apd.Decimal {
	return apd.New(5, v.Number.Exponent-1)
}

// QuantityValue is a decimal with an optional unit system and code.
type QuantityValue struct {
	System   string
	Code     string
	Quantity *apd.Decimal
}

// ParseQuantityValue parses "number|system|code"; system and code may be empty.
func ParseQuantityValue(s string) (Value, error) {
	parts := splitEscaped(s, '|')
	if len(parts) > 3 {
		return nil, fmt.Errorf("quantity %q has more than three components", s)
	}
	d, err := parseDecimal(parts[0])
	if err != nil {
		return nil, err
	}
	return NewQuantityValue(partAt(parts, 1), partAt(parts, 2), d)
}

// NewQuantityValue builds a quantity; the numeric value is mandatory.
func NewQuantityValue(system, code string, quantity *apd.Decimal) (QuantityValue, error) {
	if quantity == nil {
		return QuantityValue{}, fmt.Errorf("quantity requires a value")
	}
	return QuantityValue{System: system, Code: code, Quantity: quantity}, nil
}

func (v QuantityValue) String() string {
	if v.System == "" && v.Code == "" {
		return v.Quantity.String()
	}
	return v.Quantity.String() + "|" + escape(v.System) + "|" + escape(v.Code)
}

// TokenValue is a coded value. A nil System means the system was not
// given; a non-nil empty System means "explicitly no system".
type TokenValue struct {
	System *string
	Code   string
	Text   string
}

// ParseTokenValue parses "code", "system|code", "|code" or "system|".
func ParseTokenValue(s string) (Value, error) {
	parts := splitEscaped(s, '|')
	switch len(parts) {
	case 1:
		return NewTokenValue(nil, unescape(parts[0]), "")
	case 2:
		system := unescape(parts[0])
		return NewTokenValue(&system, unescape(parts[1]), "")
	default:
		return nil, fmt.Errorf("token %q has more than one system separator", s)
	}
}

// NewTokenValue builds a token; at least one of system, code or text must
// carry something.
func NewTokenValue(system *string, code, text string) (TokenValue, error) {
	if (system == nil || *system == "") && code == "" && text == "" {
		return TokenValue{}, fmt.Errorf("token requires a system, code or text")
	}
	return TokenValue{System: system, Code: code, Text: text}, nil
}

func (v TokenValue) String() string {
	if v.System == nil {
		return escape(v.Code)
	}
	return escape(*v.System) + "|" + escape(v.Code)
}

// StringValue is free text.
type StringValue struct {
	Value string
}

func ParseStringValue(s string) (Value, error) {
	if s == "" {
		return nil, fmt.Errorf("string value is empty")
	}
	return StringValue{Value: unescape(s)}, nil
}

func (v StringValue) String() string { return v.Value }

// URIValue is an absolute or relative URI, compared as written.
type URIValue struct {
	URI string
}

func ParseURIValue(s string) (Value, error) {
	if s == "" {
		return nil, fmt.Errorf("uri value is empty")
	}
	return URIValue{URI: unescape(s)}, nil
}

func (v URIValue) String() string { return v.URI }

// ReferenceValue is a reference normalised to "Type/id" where possible.
type ReferenceValue struct {
	Reference string
}

func ParseReferenceValue(s string) (Value, error) {
	s = strings.TrimSpace(unescape(s))
	if s == "" {
		return nil, fmt.Errorf("reference value is empty")
	}
	return ReferenceValue{Reference: ResolveReference(s)}, nil
}

func (v ReferenceValue) String() string { return v.Reference }

// ResolveReference reduces an absolute or versioned reference to its
// relative "Type/id" form. Values that do not look like FHIR references are
// returned unchanged.
func ResolveReference(ref string) string {
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	if !strings.Contains(ref, "://") {
		return ref
	}
	segs := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(segs) < 2 {
		return ref
	}
	typ, id := segs[len(segs)-2], segs[len(segs)-1]
	if typ == "" || id == "" || typ[0] < 'A' || typ[0] > 'Z' {
		return ref
	}
	return typ + "/" + id
}

// CompositeValue pairs a token with a value of the parameter's underlying
// type, written "token$value".
type CompositeValue struct {
	Token TokenValue
	Value Value
}

// ParseCompositeValue splits on the first unescaped "$" and parses each side.
func ParseCompositeValue(s string, underlying ParamType) (Value, error) {
	parts := splitEscaped(s, '$')
	if len(parts) != 2 {
		return nil, fmt.Errorf("composite %q must have exactly two components", s)
	}
	tok, err := ParseTokenValue(parts[0])
	if err != nil {
		return nil, fmt.Errorf("composite token component: %w", err)
	}
	parse, err := scalarParser(underlying)
	if err != nil {
		return nil, err
	}
	v, err := parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("composite value component: %w", err)
	}
	return CompositeValue{Token: tok.(TokenValue), Value: v}, nil
}

func (v CompositeValue) String() string {
	return v.Token.String() + "$" + v.Value.String()
}

// scalarParser returns the parse routine for a non-composite type.
func scalarParser(t ParamType) (func(string) (Value, error), error) {
	switch t {
	case ParamString:
		return ParseStringValue, nil
	case ParamToken:
		return ParseTokenValue, nil
	case ParamDate:
		return ParseDateTimeValue, nil
	case ParamNumber:
		return ParseNumberValue, nil
	case ParamQuantity:
		return ParseQuantityValue, nil
	case ParamURI:
		return ParseURIValue, nil
	case ParamReference:
		return ParseReferenceValue, nil
	}
	return nil, fmt.Errorf("no scalar parser for %s", t)
}

var decimalCtx = apd.BaseContext.WithPrecision(34)

func parseDecimal(s string) (*apd.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("number is empty")
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return d, nil
}

func partAt(parts []string, i int) string {
	if i < len(parts) {
		return unescape(parts[i])
	}
	return ""
}
