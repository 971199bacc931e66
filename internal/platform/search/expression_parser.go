package search

import "strings"

// DefaultMaxChainDepth bounds the number of segments in a chained key.
const DefaultMaxChainDepth = 10

// ExpressionParser resolves search keys, including chains such as
// "subject:Patient.name", against manifests.
type ExpressionParser struct {
	manifests ManifestProvider
	values    *ValueParser

	// MaxChainDepth is the largest accepted number of key segments.
	MaxChainDepth int
}

func NewExpressionParser(manifests ManifestProvider, values *ValueParser) *ExpressionParser {
	return &ExpressionParser{manifests: manifests, values: values, MaxChainDepth: DefaultMaxChainDepth}
}

// Parse compiles key=value against manifest. A chain that no target type
// can evaluate yields a SearchParameterNotSupportedError.
func (ep *ExpressionParser) Parse(manifest *ResourceTypeManifest, key, value string) (Expression, error) {
	segments := strings.Split(key, ".")
	if limit := ep.MaxChainDepth; limit > 0 && len(segments) > limit {
		return nil, invalidf("search parameter %q chains %d parameters, more than the limit of %d", key, len(segments), limit)
	}
	for _, s := range segments {
		if name, _ := splitSegment(s); name == "" {
			return nil, invalidf("search parameter %q has an empty chain segment", key)
		}
	}
	return ep.parse(manifest, key, segments, value)
}

func (ep *ExpressionParser) parse(m *ResourceTypeManifest, key string, segments []string, value string) (Expression, error) {
	name, qualifier := splitSegment(segments[0])
	p, err := m.Param(name)
	if err != nil {
		return nil, err
	}
	if len(segments) == 1 {
		return ep.values.Parse(p, qualifier, value)
	}

	if p.Type != ParamReference {
		return nil, invalidf("chained parameter must be reference type: %q is a %s parameter", name, p.Type)
	}
	targets := p.Targets
	if qualifier != "" {
		if !p.HasTarget(qualifier) {
			return nil, invalidf("resource type %q is not a target of search parameter %q", qualifier, name)
		}
		targets = []string{qualifier}
	}

	var branches []Expression
	for _, target := range targets {
		tm, err := ep.manifests.Manifest(target)
		if err != nil {
			if IsNotSupported(err) {
				continue
			}
			return nil, err
		}
		child, err := ep.parse(tm, key, segments[1:], value)
		if err != nil {
			if IsNotSupported(err) {
				continue
			}
			return nil, err
		}
		branches = append(branches, Chained(m.ResourceType, name, target, child))
	}

	switch len(branches) {
	case 0:
		return nil, &SearchParameterNotSupportedError{
			ResourceType: m.ResourceType,
			ParamName:    key,
			Reason:       "chained parameter not supported",
		}
	case 1:
		return branches[0], nil
	}
	return Or(branches...), nil
}

// splitSegment splits "name:qualifier".
func splitSegment(s string) (string, string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
