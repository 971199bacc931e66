package search

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// approximateFactor is the share of the distance to now by which an "ap"
// date query is widened on each side.
const approximateFactor = 0.1

// Builder turns one parsed search value into an expression.
type Builder struct {
	// Now is the clock used by the "ap" date comparator.
	Now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{Now: time.Now}
}

// Build compiles raw for parameter p. Apart from :missing, the result is
// scoped to p by an And with a ParamName equality.
func (b *Builder) Build(p *SearchParam, mod Modifier, cmp Comparator, raw string) (Expression, error) {
	if mod == ModifierMissing {
		if cmp != ComparatorEq {
			return nil, invalidf("comparator %q is not supported with the missing modifier on search parameter %q", cmp, p.Name)
		}
		missing, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalidf("value %q of %s:missing must be true or false", raw, p.Name)
		}
		return MissingSearchParameter(p.Name, missing), nil
	}

	if mod == ModifierText && p.Type == ParamToken {
		if cmp != ComparatorEq {
			return nil, invalidf("comparator %q is not supported for search parameter %q of type %s", cmp, p.Name, p.Type)
		}
		if raw == "" {
			return nil, invalidf("invalid value %q for search parameter %q: text is empty", raw, p.Name)
		}
		return And(ParamNameEquals(p.Name), NewStringExpression(StringContains, FieldTokenText, nil, unescape(raw), true)), nil
	}

	if err := checkModifier(p, mod); err != nil {
		return nil, err
	}
	if err := checkComparator(p, cmp); err != nil {
		return nil, err
	}

	v, err := p.Parse(raw)
	if err != nil {
		return nil, invalidf("invalid value %q for search parameter %q: %v", raw, p.Name, err)
	}
	expr, err := b.visit(p, mod, cmp, v)
	if err != nil {
		return nil, err
	}
	return And(ParamNameEquals(p.Name), expr), nil
}

func (b *Builder) visit(p *SearchParam, mod Modifier, cmp Comparator, v Value) (Expression, error) {
	switch v := v.(type) {
	case DateTimeValue:
		return b.dateTime(cmp, v), nil
	case NumberValue:
		return number(cmp, v), nil
	case QuantityValue:
		return nil, notSupportedf("quantity search is not supported (search parameter %q)", p.Name)
	case TokenValue:
		return token(p, mod, v)
	case StringValue:
		return str(mod, v), nil
	case URIValue:
		return uri(mod, v), nil
	case ReferenceValue:
		return NewStringExpression(StringEquals, FieldReference, nil, v.Reference, false), nil
	case CompositeValue:
		return nil, notSupportedf("composite search is not supported (search parameter %q)", p.Name)
	}
	return nil, fmt.Errorf("unhandled search value %T", v)
}

func (b *Builder) dateTime(cmp Comparator, v DateTimeValue) Expression {
	start, end := v.Start, v.End
	switch cmp {
	case ComparatorNe:
		return Or(
			GreaterThan(FieldDateTimeStart, nil, end),
			LessThan(FieldDateTimeEnd, nil, start),
		)
	case ComparatorLt:
		return LessThan(FieldDateTimeStart, nil, start)
	case ComparatorGt:
		return GreaterThan(FieldDateTimeEnd, nil, end)
	case ComparatorLe:
		return LessThanOrEqual(FieldDateTimeStart, nil, end)
	case ComparatorGe:
		return GreaterThanOrEqual(FieldDateTimeEnd, nil, start)
	case ComparatorSa:
		return GreaterThan(FieldDateTimeStart, nil, end)
	case ComparatorEb:
		return LessThan(FieldDateTimeEnd, nil, start)
	case ComparatorAp:
		latest := end
		if start.After(latest) {
			latest = start
		}
		d := b.Now().UTC().Sub(latest)
		if d < 0 {
			d = -d
		}
		widen := time.Duration(float64(d) * approximateFactor)
		start = clampTime(start.Add(-widen))
		end = clampTime(end.Add(widen))
	}
	return And(
		GreaterThanOrEqual(FieldDateTimeStart, nil, start),
		LessThanOrEqual(FieldDateTimeEnd, nil, end),
	)
}

func clampTime(t time.Time) time.Time {
	if t.Before(MinDateTime) {
		return MinDateTime
	}
	if t.After(MaxDateTime) {
		return MaxDateTime
	}
	return t
}

func number(cmp Comparator, v NumberValue) Expression {
	switch cmp {
	case ComparatorGe:
		return GreaterThanOrEqual(FieldNumber, nil, v.Number)
	case ComparatorGt, ComparatorSa:
		return GreaterThan(FieldNumber, nil, v.Number)
	case ComparatorLe:
		return LessThanOrEqual(FieldNumber, nil, v.Number)
	case ComparatorLt, ComparatorEb:
		return LessThan(FieldNumber, nil, v.Number)
	}

	tol := v.Tolerance()
	low, high := new(apd.Decimal), new(apd.Decimal)
	// Only fails on context overflow, which 34 digits of precision rule out
	// for any literal the parser accepts.
	_, _ = decimalCtx.Sub(low, v.Number, tol)
	_, _ = decimalCtx.Add(high, v.Number, tol)
	if cmp == ComparatorNe {
		return Or(
			LessThan(FieldNumber, nil, low),
			GreaterThan(FieldNumber, nil, high),
		)
	}
	return And(
		GreaterThanOrEqual(FieldNumber, nil, low),
		LessThanOrEqual(FieldNumber, nil, high),
	)
}

func token(p *SearchParam, mod Modifier, v TokenValue) (Expression, error) {
	switch mod {
	case ModifierAbove, ModifierBelow, ModifierIn, ModifierNotIn, ModifierNot:
		return nil, notSupportedf("modifier %q is not supported for search parameter %q", mod, p.Name)
	}
	code := NewStringExpression(StringEquals, FieldTokenCode, nil, v.Code, false)
	switch {
	case v.System == nil:
		return code, nil
	case *v.System == "":
		return And(code, MissingField(FieldTokenSystem, nil)), nil
	case v.Code == "":
		return NewStringExpression(StringEquals, FieldTokenSystem, nil, *v.System, false), nil
	}
	return And(
		NewStringExpression(StringEquals, FieldTokenSystem, nil, *v.System, false),
		code,
	), nil
}

func str(mod Modifier, v StringValue) Expression {
	switch mod {
	case ModifierExact:
		return NewStringExpression(StringEquals, FieldString, nil, v.Value, false)
	case ModifierContains:
		return NewStringExpression(StringContains, FieldString, nil, v.Value, true)
	}
	return NewStringExpression(StringStartsWith, FieldString, nil, v.Value, true)
}

func uri(mod Modifier, v URIValue) Expression {
	switch mod {
	case ModifierAbove:
		return And(
			NewStringExpression(StringEndsWith, FieldURI, nil, v.URI, false),
			NewStringExpression(StringNotStartsWith, FieldURI, nil, "urn:", false),
		)
	case ModifierBelow:
		return And(
			NewStringExpression(StringStartsWith, FieldURI, nil, v.URI, false),
			NewStringExpression(StringNotStartsWith, FieldURI, nil, "urn:", false),
		)
	}
	return NewStringExpression(StringEquals, FieldURI, nil, v.URI, false)
}

// allowedModifiers lists the modifiers each type accepts besides :missing.
var allowedModifiers = map[ParamType][]Modifier{
	ParamString: {ModifierExact, ModifierContains},
	ParamToken:  {ModifierText, ModifierNot, ModifierAbove, ModifierBelow, ModifierIn, ModifierNotIn},
	ParamURI:    {ModifierAbove, ModifierBelow},
}

func checkModifier(p *SearchParam, mod Modifier) error {
	if mod == ModifierNone {
		return nil
	}
	for _, m := range allowedModifiers[p.Type] {
		if m == mod {
			return nil
		}
	}
	return invalidf("modifier %q is not supported for search parameter %q of type %s", mod, p.Name, p.Type)
}

func checkComparator(p *SearchParam, cmp Comparator) error {
	if cmp == ComparatorEq || p.EffectiveType().hasComparators() {
		return nil
	}
	return invalidf("comparator %q is not supported for search parameter %q of type %s", cmp, p.Name, p.Type)
}
