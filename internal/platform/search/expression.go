package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// FieldName names a column of a stored search index entry.
type FieldName int

const (
	FieldParamName FieldName = iota
	FieldDateTimeStart
	FieldDateTimeEnd
	FieldNumber
	FieldQuantity
	FieldQuantityCode
	FieldQuantitySystem
	FieldReference
	FieldString
	FieldTokenCode
	FieldTokenSystem
	FieldTokenText
	FieldURI
)

var fieldNames = [...]string{
	FieldParamName:      "ParamName",
	FieldDateTimeStart:  "DateTimeStart",
	FieldDateTimeEnd:    "DateTimeEnd",
	FieldNumber:         "Number",
	FieldQuantity:       "Quantity",
	FieldQuantityCode:   "QuantityCode",
	FieldQuantitySystem: "QuantitySystem",
	FieldReference:      "Reference",
	FieldString:         "String",
	FieldTokenCode:      "TokenCode",
	FieldTokenSystem:    "TokenSystem",
	FieldTokenText:      "TokenText",
	FieldURI:            "Uri",
}

func (f FieldName) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return "FieldName(" + strconv.Itoa(int(f)) + ")"
}

// FieldDomain is the kind of value a field holds.
type FieldDomain int

const (
	DomainString FieldDomain = iota
	DomainTime
	DomainDecimal
)

// Domain reports which Go type a leaf over this field must carry:
// time.Time for DomainTime, *apd.Decimal for DomainDecimal, string otherwise.
func (f FieldName) Domain() FieldDomain {
	switch f {
	case FieldDateTimeStart, FieldDateTimeEnd:
		return DomainTime
	case FieldNumber, FieldQuantity:
		return DomainDecimal
	}
	return DomainString
}

// Expression is a node of a compiled search query. The set of node types is
// closed; consumers switch over them.
type Expression interface {
	fmt.Stringer
	isExpression()
}

func (*BinaryExpression) isExpression()                 {}
func (*StringExpression) isExpression()                 {}
func (*MissingFieldExpression) isExpression()           {}
func (*MissingSearchParameterExpression) isExpression() {}
func (*MultiaryExpression) isExpression()               {}
func (*ChainedExpression) isExpression()                {}

// BinaryOperator compares an ordered field with a value.
type BinaryOperator int

const (
	BinaryEqual BinaryOperator = iota
	BinaryGreaterThan
	BinaryGreaterThanOrEqual
	BinaryLessThan
	BinaryLessThanOrEqual
)

var binaryOperatorNames = [...]string{
	BinaryEqual:              "Equal",
	BinaryGreaterThan:        "GreaterThan",
	BinaryGreaterThanOrEqual: "GreaterThanOrEqual",
	BinaryLessThan:           "LessThan",
	BinaryLessThanOrEqual:    "LessThanOrEqual",
}

func (o BinaryOperator) String() string { return binaryOperatorNames[o] }

// BinaryExpression is a comparison over a time or decimal field.
type BinaryExpression struct {
	Op             BinaryOperator
	Field          FieldName
	ComponentIndex *int
	Value          any
}

func newBinary(op BinaryOperator, field FieldName, component *int, value any) *BinaryExpression {
	switch value.(type) {
	case time.Time:
		if field.Domain() != DomainTime {
			panic(fmt.Sprintf("search: time value on field %s", field))
		}
	case *apd.Decimal:
		if field.Domain() != DomainDecimal {
			panic(fmt.Sprintf("search: decimal value on field %s", field))
		}
	default:
		panic(fmt.Sprintf("search: unsupported binary value %T on field %s", value, field))
	}
	return &BinaryExpression{Op: op, Field: field, ComponentIndex: component, Value: value}
}

func Equal(field FieldName, component *int, value any) *BinaryExpression {
	return newBinary(BinaryEqual, field, component, value)
}

func GreaterThan(field FieldName, component *int, value any) *BinaryExpression {
	return newBinary(BinaryGreaterThan, field, component, value)
}

func GreaterThanOrEqual(field FieldName, component *int, value any) *BinaryExpression {
	return newBinary(BinaryGreaterThanOrEqual, field, component, value)
}

func LessThan(field FieldName, component *int, value any) *BinaryExpression {
	return newBinary(BinaryLessThan, field, component, value)
}

func LessThanOrEqual(field FieldName, component *int, value any) *BinaryExpression {
	return newBinary(BinaryLessThanOrEqual, field, component, value)
}

func (e *BinaryExpression) String() string {
	return "(Field" + e.Op.String() + " " + fieldRef(e.Field, e.ComponentIndex) + " " + formatOperand(e.Value) + ")"
}

// StringOperator is a text predicate.
type StringOperator int

const (
	StringEquals StringOperator = iota
	StringStartsWith
	StringContains
	StringEndsWith
	StringNotStartsWith
)

var stringOperatorNames = [...]string{
	StringEquals:        "Equals",
	StringStartsWith:    "StartsWith",
	StringContains:      "Contains",
	StringEndsWith:      "EndsWith",
	StringNotStartsWith: "NotStartsWith",
}

func (o StringOperator) String() string { return stringOperatorNames[o] }

// StringExpression is a text predicate over a string field.
type StringExpression struct {
	Op             StringOperator
	Field          FieldName
	ComponentIndex *int
	Value          string
	IgnoreCase     bool
}

func NewStringExpression(op StringOperator, field FieldName, component *int, value string, ignoreCase bool) *StringExpression {
	if field.Domain() != DomainString {
		panic(fmt.Sprintf("search: string predicate on field %s", field))
	}
	return &StringExpression{Op: op, Field: field, ComponentIndex: component, Value: value, IgnoreCase: ignoreCase}
}

func (e *StringExpression) String() string {
	s := "(String" + e.Op.String() + " " + fieldRef(e.Field, e.ComponentIndex) + " " + strconv.Quote(e.Value)
	if e.IgnoreCase {
		s += " IgnoreCase"
	}
	return s + ")"
}

// ParamNameEquals scopes a predicate to the index entries of one parameter.
func ParamNameEquals(name string) *StringExpression {
	return NewStringExpression(StringEquals, FieldParamName, nil, name, false)
}

// MissingFieldExpression matches entries where the field is absent.
type MissingFieldExpression struct {
	Field          FieldName
	ComponentIndex *int
}

func MissingField(field FieldName, component *int) *MissingFieldExpression {
	return &MissingFieldExpression{Field: field, ComponentIndex: component}
}

func (e *MissingFieldExpression) String() string {
	return "(MissingField " + fieldRef(e.Field, e.ComponentIndex) + ")"
}

// MissingSearchParameterExpression matches resources that have (IsMissing
// false) or lack (IsMissing true) any entry for the parameter.
type MissingSearchParameterExpression struct {
	Param     string
	IsMissing bool
}

func MissingSearchParameter(param string, isMissing bool) *MissingSearchParameterExpression {
	return &MissingSearchParameterExpression{Param: param, IsMissing: isMissing}
}

func (e *MissingSearchParameterExpression) String() string {
	if e.IsMissing {
		return "(MissingParam " + e.Param + ")"
	}
	return "(NotMissingParam " + e.Param + ")"
}

// MultiaryOperator combines child expressions.
type MultiaryOperator int

const (
	MultiaryAnd MultiaryOperator = iota
	MultiaryOr
)

func (o MultiaryOperator) String() string {
	if o == MultiaryOr {
		return "Or"
	}
	return "And"
}

// MultiaryExpression is an And or Or over its children.
type MultiaryExpression struct {
	Op          MultiaryOperator
	Expressions []Expression
}

// And returns a new conjunction. The argument slice is copied.
func And(exprs ...Expression) *MultiaryExpression {
	return &MultiaryExpression{Op: MultiaryAnd, Expressions: append([]Expression(nil), exprs...)}
}

// Or returns a new disjunction. The argument slice is copied.
func Or(exprs ...Expression) *MultiaryExpression {
	return &MultiaryExpression{Op: MultiaryOr, Expressions: append([]Expression(nil), exprs...)}
}

func (e *MultiaryExpression) String() string {
	var b strings.Builder
	b.WriteString("(" + e.Op.String())
	for _, c := range e.Expressions {
		b.WriteByte(' ')
		b.WriteString(c.String())
	}
	b.WriteByte(')')
	return b.String()
}

// ParamName returns the parameter this node is scoped to, if one of its
// direct children is a ParamName equality. Such a node must be satisfied by
// a single index entry.
func (e *MultiaryExpression) ParamName() (string, bool) {
	for _, c := range e.Expressions {
		if s, ok := c.(*StringExpression); ok && s.Field == FieldParamName && s.Op == StringEquals {
			return s.Value, true
		}
	}
	return "", false
}

// ChainedExpression follows ReferenceParam from ResourceType to
// TargetResourceType and applies Expression there.
type ChainedExpression struct {
	ResourceType       string
	ReferenceParam     string
	TargetResourceType string
	Expression         Expression
}

func Chained(resourceType, referenceParam, targetResourceType string, expr Expression) *ChainedExpression {
	return &ChainedExpression{
		ResourceType:       resourceType,
		ReferenceParam:     referenceParam,
		TargetResourceType: targetResourceType,
		Expression:         expr,
	}
}

func (e *ChainedExpression) String() string {
	return "(Chain " + e.ResourceType + "." + e.ReferenceParam + ":" + e.TargetResourceType + " " + e.Expression.String() + ")"
}

// ComponentAt returns a pointer to i for use as a composite component index.
func ComponentAt(i int) *int { return &i }

// EqualExpressions reports whether two trees are structurally equal.
func EqualExpressions(a, b Expression) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

func fieldRef(f FieldName, component *int) string {
	if component == nil {
		return f.String()
	}
	return "[" + strconv.Itoa(*component) + "]." + f.String()
}

func formatOperand(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *apd.Decimal:
		return x.Text('f')
	}
	return fmt.Sprint(v)
}
