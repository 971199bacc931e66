// Package search implements FHIR search parameter parsing: typed search
// values, per-resource-type parameter manifests, the expression tree that a
// query string compiles into, and extraction of index entries from resources.
package search

import (
	"fmt"
	"strings"
)

// ParamType defines the FHIR search parameter type.
type ParamType int

const (
	ParamString    ParamType = iota // String: case-insensitive prefix match, supports :exact, :contains
	ParamToken                      // Token: system|code, |code, system| or code
	ParamDate                       // Date: supports prefixes (gt, lt, ge, le, eq, etc.)
	ParamNumber                     // Number: supports prefixes, implicit precision
	ParamQuantity                   // Quantity: number|system|code
	ParamURI                        // URI: exact match, :above, :below
	ParamReference                  // Reference: Type/id
	ParamComposite                  // Composite: token$value
)

var paramTypeNames = map[ParamType]string{
	ParamString:    "string",
	ParamToken:     "token",
	ParamDate:      "date",
	ParamNumber:    "number",
	ParamQuantity:  "quantity",
	ParamURI:       "uri",
	ParamReference: "reference",
	ParamComposite: "composite",
}

func (t ParamType) String() string {
	if s, ok := paramTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ParamType(%d)", int(t))
}

// ParseParamType maps a SearchParameter.type code to a ParamType.
func ParseParamType(s string) (ParamType, error) {
	for t, name := range paramTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown search parameter type %q", s)
}

// hasComparators reports whether values of this type may carry a prefix.
func (t ParamType) hasComparators() bool {
	return t == ParamDate || t == ParamNumber || t == ParamQuantity
}

// Modifier represents a FHIR search modifier (the ":x" suffix on a key).
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierMissing  Modifier = "missing"
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierText     Modifier = "text"
	ModifierNot      Modifier = "not"
	ModifierAbove    Modifier = "above"
	ModifierBelow    Modifier = "below"
	ModifierIn       Modifier = "in"
	ModifierNotIn    Modifier = "not-in"
)

var knownModifiers = map[string]Modifier{
	"missing":  ModifierMissing,
	"exact":    ModifierExact,
	"contains": ModifierContains,
	"text":     ModifierText,
	"not":      ModifierNot,
	"above":    ModifierAbove,
	"below":    ModifierBelow,
	"in":       ModifierIn,
	"not-in":   ModifierNotIn,
}

// LookupModifier resolves a modifier code. ok is false for anything that is
// not a modifier, for example a resource type qualifier.
func LookupModifier(s string) (Modifier, bool) {
	m, ok := knownModifiers[s]
	return m, ok
}

// Comparator represents a FHIR search prefix for ordered values.
type Comparator string

const (
	ComparatorEq Comparator = "eq"
	ComparatorNe Comparator = "ne"
	ComparatorGt Comparator = "gt"
	ComparatorLt Comparator = "lt"
	ComparatorGe Comparator = "ge"
	ComparatorLe Comparator = "le"
	ComparatorSa Comparator = "sa" // starts after
	ComparatorEb Comparator = "eb" // ends before
	ComparatorAp Comparator = "ap" // approximately
)

var allComparators = []Comparator{
	ComparatorEq, ComparatorNe, ComparatorGt, ComparatorLt, ComparatorGe,
	ComparatorLe, ComparatorSa, ComparatorEb, ComparatorAp,
}

// splitComparator extracts a prefix from the start of raw.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func splitComparator(raw string) (Comparator, string) {
	if len(raw) >= 2 {
		prefix := Comparator(strings.ToLower(raw[:2]))
		for _, c := range allComparators {
			if c == prefix {
				return c, raw[2:]
			}
		}
	}
	return ComparatorEq, raw
}
