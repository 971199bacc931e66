package search

import "strings"

// ValueParser handles the value side of one search parameter: modifier
// resolution, comparator prefixes and comma separated alternatives.
type ValueParser struct {
	builder *Builder
}

func NewValueParser(b *Builder) *ValueParser {
	return &ValueParser{builder: b}
}

// Parse compiles raw for p. modifierOrType is the text after ":" in the key;
// on a reference parameter it may name a target resource type instead of a
// modifier.
func (vp *ValueParser) Parse(p *SearchParam, modifierOrType, raw string) (Expression, error) {
	mod, targetType, err := resolveModifier(p, modifierOrType)
	if err != nil {
		return nil, err
	}

	cmp, value := ComparatorEq, raw
	if mod != ModifierMissing && p.EffectiveType().hasComparators() {
		if p.Type == ParamComposite {
			if i := indexUnescaped(raw, '$'); i >= 0 {
				var rest string
				cmp, rest = splitComparator(raw[i+1:])
				value = raw[:i+1] + rest
			}
		} else {
			cmp, value = splitComparator(raw)
		}
	}

	alts := splitEscaped(value, ',')
	if len(alts) > 1 && cmp != ComparatorEq {
		return nil, invalidf("comparator %q cannot be used with multiple values on search parameter %q", cmp, p.Name)
	}

	exprs := make([]Expression, 0, len(alts))
	for _, alt := range alts {
		if targetType != "" && !strings.Contains(alt, "/") {
			alt = targetType + "/" + alt
		}
		e, err := vp.builder.Build(p, mod, cmp, alt)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return Or(exprs...), nil
}

func resolveModifier(p *SearchParam, s string) (Modifier, string, error) {
	if s == "" {
		return ModifierNone, "", nil
	}
	if m, ok := LookupModifier(s); ok {
		return m, "", nil
	}
	if p.Type == ParamReference {
		if p.HasTarget(s) {
			return ModifierNone, s, nil
		}
		return "", "", invalidf("resource type %q is not a target of search parameter %q", s, p.Name)
	}
	return "", "", invalidf("modifier %q is not supported for search parameter %q", s, p.Name)
}
