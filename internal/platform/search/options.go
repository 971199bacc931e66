package search

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Control parameters handled by the options factory rather than compiled
// into the expression.
const (
	ParamContinuationToken = "_continuationToken"
	ParamFormat            = "_format"
	ParamCount             = "_count"
	ParamSummary           = "_summary"
)

// resultParams are accepted syntactically but not evaluated by this engine.
var resultParams = map[string]func(string) error{
	"_sort":          validateSort,
	"_include":       validateInclude,
	"_revinclude":    validateInclude,
	"_elements":      validateElements,
	"_contained":     oneOf("true", "false", "both"),
	"_containedType": oneOf("container", "contained"),
	"_total":         oneOf("none", "estimate", "accurate"),
}

// QueryParam is one key/value pair of a query string, in request order.
type QueryParam struct {
	Key   string
	Value string
}

// ParseQueryString splits a raw query string into its pairs, keeping order
// and duplicates.
func ParseQueryString(raw string) ([]QueryParam, error) {
	var out []QueryParam
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("invalid query key %q: %w", k, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("invalid query value %q: %w", v, err)
		}
		out = append(out, QueryParam{Key: key, Value: value})
	}
	return out, nil
}

// Options is a compiled search request.
type Options struct {
	// ResourceType is empty for a search across all types.
	ResourceType      string
	ContinuationToken string
	MaxItemCount      int
	CountOnly         bool
	// Summary is the accepted _summary mode other than "count".
	Summary string
	// Expression is the And of every parsed search parameter, nil when
	// none parsed.
	Expression        Expression
	UnsupportedParams []QueryParam
}

// OptionsFactory compiles query parameters into Options.
type OptionsFactory struct {
	manifests ManifestProvider
	parser    *ExpressionParser
	logger    zerolog.Logger

	// DefaultItemCount is the page size when _count is absent.
	DefaultItemCount int
	// MaxItemCount caps _count.
	MaxItemCount int
}

func NewOptionsFactory(manifests ManifestProvider, parser *ExpressionParser, logger zerolog.Logger) *OptionsFactory {
	return &OptionsFactory{
		manifests:        manifests,
		parser:           parser,
		logger:           logger.With().Str("component", "search-options").Logger(),
		DefaultItemCount: 10,
		MaxItemCount:     1000,
	}
}

// Create compiles query for resourceType, or for every type when
// resourceType is empty. Parameters that are unknown or malformed are
// reported in UnsupportedParams instead of failing the search; invalid
// operations and unsupported search features are returned as errors.
func (f *OptionsFactory) Create(resourceType string, query []QueryParam) (*Options, error) {
	opts := &Options{ResourceType: resourceType, MaxItemCount: f.DefaultItemCount}

	seenToken := false
	bag := &paramBag{}
	for _, q := range query {
		switch {
		case q.Key == ParamContinuationToken:
			if seenToken {
				return nil, invalidf("the ContinuationToken parameter may only be specified once")
			}
			seenToken = true
			opts.ContinuationToken = q.Value
		case q.Key == ParamFormat:
		case strings.TrimSpace(q.Value) == "":
			f.unsupported(opts, q, "empty value")
		default:
			if err := bag.add(q); err != nil {
				f.unsupported(opts, q, err.Error())
			}
		}
	}

	if bag.count != nil {
		opts.MaxItemCount = *bag.count
		if opts.MaxItemCount > f.MaxItemCount {
			opts.MaxItemCount = f.MaxItemCount
		}
		if *bag.count == 0 {
			opts.CountOnly = true
		}
	}
	if bag.summary == "count" {
		opts.CountOnly = true
	} else {
		opts.Summary = bag.summary
	}
	for _, q := range bag.resultParams {
		f.unsupported(opts, q, "result parameter is not implemented")
	}

	manifest := f.manifests.GenericManifest()
	if resourceType != "" {
		m, err := f.manifests.Manifest(resourceType)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	var exprs []Expression
	for _, q := range bag.searchParams {
		e, err := f.parser.Parse(manifest, q.Key, q.Value)
		if err != nil {
			if IsNotSupported(err) {
				f.unsupported(opts, q, err.Error())
				continue
			}
			return nil, err
		}
		exprs = append(exprs, e)
	}

	if len(exprs) > 0 {
		opts.Expression = And(exprs...)
	}
	return opts, nil
}

func (f *OptionsFactory) unsupported(opts *Options, q QueryParam, reason string) {
	f.logger.Debug().
		Str("resource_type", opts.ResourceType).
		Str("key", q.Key).
		Str("value", q.Value).
		Str("reason", reason).
		Msg("ignoring unsupported search parameter")
	opts.UnsupportedParams = append(opts.UnsupportedParams, q)
}

var searchKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(:[A-Za-z][A-Za-z0-9-]*)?(\.[A-Za-z_][A-Za-z0-9_-]*(:[A-Za-z][A-Za-z0-9-]*)?)*$`)

// paramBag sorts query parameters into paging and result controls and
// search parameters, rejecting malformed syntax.
type paramBag struct {
	count        *int
	summary      string
	resultParams []QueryParam
	searchParams []QueryParam
}

func (b *paramBag) add(q QueryParam) error {
	switch q.Key {
	case ParamCount:
		if b.count != nil {
			return fmt.Errorf("%s specified more than once", ParamCount)
		}
		n, err := strconv.Atoi(q.Value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", ParamCount)
		}
		b.count = &n
		return nil
	case ParamSummary:
		if b.summary != "" {
			return fmt.Errorf("%s specified more than once", ParamSummary)
		}
		if err := oneOf("true", "false", "text", "data", "count")(q.Value); err != nil {
			return err
		}
		b.summary = q.Value
		return nil
	}
	base, _, _ := strings.Cut(q.Key, ":")
	if validate, ok := resultParams[base]; ok {
		if err := validate(q.Value); err != nil {
			return fmt.Errorf("%s: %w", q.Key, err)
		}
		b.resultParams = append(b.resultParams, q)
		return nil
	}
	if !searchKeyPattern.MatchString(q.Key) {
		return fmt.Errorf("malformed search parameter name %q", q.Key)
	}
	b.searchParams = append(b.searchParams, q)
	return nil
}

func oneOf(allowed ...string) func(string) error {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("value %q must be one of %s", v, strings.Join(allowed, ", "))
	}
}

var sortKeyPattern = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)

func validateSort(v string) error {
	for _, k := range strings.Split(v, ",") {
		if !sortKeyPattern.MatchString(k) {
			return fmt.Errorf("invalid sort key %q", k)
		}
	}
	return nil
}

var includePattern = regexp.MustCompile(`^(\*|[A-Z][A-Za-z]*:(\*|[a-z][A-Za-z0-9-]*)(:[A-Z][A-Za-z]*)?)$`)

func validateInclude(v string) error {
	if !includePattern.MatchString(v) {
		return fmt.Errorf("invalid include %q", v)
	}
	return nil
}

var elementPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(\.[A-Za-z][A-Za-z0-9]*)?$`)

func validateElements(v string) error {
	for _, e := range strings.Split(v, ",") {
		if !elementPattern.MatchString(strings.TrimSpace(e)) {
			return fmt.Errorf("invalid element %q", e)
		}
	}
	return nil
}
