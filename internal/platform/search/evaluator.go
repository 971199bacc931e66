package search

import (
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// ReferenceResolver loads the indexed form of a referenced resource.
type ReferenceResolver interface {
	Resolve(reference string) (*IndexedResource, bool)
}

// Matches evaluates expr against r. A nil expression matches everything.
//
// A Multiary node scoped by a ParamName equality must be satisfied by a
// single index entry; other nodes combine per resource. Chained nodes follow
// the reference entries of r through resolver.
func Matches(expr Expression, r *IndexedResource, resolver ReferenceResolver) bool {
	switch e := expr.(type) {
	case nil:
		return true
	case *MultiaryExpression:
		if _, scoped := e.ParamName(); scoped {
			return anyEntry(r, e)
		}
		if e.Op == MultiaryOr {
			for _, c := range e.Expressions {
				if Matches(c, r, resolver) {
					return true
				}
			}
			return false
		}
		for _, c := range e.Expressions {
			if !Matches(c, r, resolver) {
				return false
			}
		}
		return true
	case *MissingSearchParameterExpression:
		for _, entry := range r.Entries {
			if entry.Param == e.Param {
				return !e.IsMissing
			}
		}
		return e.IsMissing
	case *ChainedExpression:
		if resolver == nil {
			return false
		}
		prefix := e.TargetResourceType + "/"
		for _, entry := range r.Entries {
			ref, ok := entry.Value.(ReferenceValue)
			if entry.Param != e.ReferenceParam || !ok || !strings.HasPrefix(ref.Reference, prefix) {
				continue
			}
			target, ok := resolver.Resolve(ref.Reference)
			if ok && target.ResourceType == e.TargetResourceType && Matches(e.Expression, target, resolver) {
				return true
			}
		}
		return false
	}
	return anyEntry(r, expr)
}

func anyEntry(r *IndexedResource, expr Expression) bool {
	for _, entry := range r.Entries {
		if entryMatches(expr, entry) {
			return true
		}
	}
	return false
}

func entryMatches(expr Expression, entry IndexEntry) bool {
	switch e := expr.(type) {
	case *MultiaryExpression:
		if e.Op == MultiaryOr {
			for _, c := range e.Expressions {
				if entryMatches(c, entry) {
					return true
				}
			}
			return false
		}
		for _, c := range e.Expressions {
			if !entryMatches(c, entry) {
				return false
			}
		}
		return true
	case *StringExpression:
		s, ok := stringField(entry, e.Field, e.ComponentIndex)
		if !ok {
			return false
		}
		return matchString(e.Op, s, e.Value, e.IgnoreCase)
	case *BinaryExpression:
		return matchBinary(e, entry)
	case *MissingFieldExpression:
		if e.Field.Domain() == DomainString {
			_, ok := stringField(entry, e.Field, e.ComponentIndex)
			return !ok
		}
		v := componentValue(entry.Value, e.ComponentIndex)
		switch e.Field {
		case FieldNumber:
			_, ok := v.(NumberValue)
			return !ok
		case FieldQuantity:
			_, ok := v.(QuantityValue)
			return !ok
		}
		_, ok := v.(DateTimeValue)
		return !ok
	}
	return false
}

// componentValue selects a composite component, or returns v unchanged.
func componentValue(v Value, component *int) Value {
	if component == nil {
		return v
	}
	c, ok := v.(CompositeValue)
	if !ok {
		return nil
	}
	if *component == 0 {
		return c.Token
	}
	return c.Value
}

func stringField(entry IndexEntry, f FieldName, component *int) (string, bool) {
	if f == FieldParamName {
		return entry.Param, true
	}
	switch v := componentValue(entry.Value, component).(type) {
	case TokenValue:
		switch f {
		case FieldTokenCode:
			return v.Code, v.Code != ""
		case FieldTokenSystem:
			if v.System == nil || *v.System == "" {
				return "", false
			}
			return *v.System, true
		case FieldTokenText:
			return v.Text, v.Text != ""
		}
	case StringValue:
		return v.Value, f == FieldString
	case URIValue:
		return v.URI, f == FieldURI
	case ReferenceValue:
		return v.Reference, f == FieldReference
	case QuantityValue:
		switch f {
		case FieldQuantityCode:
			return v.Code, v.Code != ""
		case FieldQuantitySystem:
			return v.System, v.System != ""
		}
	}
	return "", false
}

func matchString(op StringOperator, stored, value string, ignoreCase bool) bool {
	if ignoreCase {
		stored, value = strings.ToLower(stored), strings.ToLower(value)
	}
	switch op {
	case StringEquals:
		return stored == value
	case StringStartsWith:
		return strings.HasPrefix(stored, value)
	case StringContains:
		return strings.Contains(stored, value)
	case StringEndsWith:
		return strings.HasSuffix(stored, value)
	case StringNotStartsWith:
		return !strings.HasPrefix(stored, value)
	}
	return false
}

func matchBinary(e *BinaryExpression, entry IndexEntry) bool {
	v := componentValue(entry.Value, e.ComponentIndex)
	var c int
	switch want := e.Value.(type) {
	case time.Time:
		dt, ok := v.(DateTimeValue)
		if !ok {
			return false
		}
		stored := dt.Start
		if e.Field == FieldDateTimeEnd {
			stored = dt.End
		}
		c = stored.Compare(want)
	case *apd.Decimal:
		var stored *apd.Decimal
		switch x := v.(type) {
		case NumberValue:
			if e.Field != FieldNumber {
				return false
			}
			stored = x.Number
		case QuantityValue:
			if e.Field != FieldQuantity {
				return false
			}
			stored = x.Quantity
		default:
			return false
		}
		c = stored.Cmp(want)
	default:
		return false
	}
	switch e.Op {
	case BinaryEqual:
		return c == 0
	case BinaryGreaterThan:
		return c > 0
	case BinaryGreaterThanOrEqual:
		return c >= 0
	case BinaryLessThan:
		return c < 0
	case BinaryLessThanOrEqual:
		return c <= 0
	}
	return false
}
