package searchstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/ehr/fhirserver/internal/platform/search"
)

// indexTable is one index table and the column each expression field is
// stored in.
type indexTable struct {
	name    string
	columns map[search.FieldName]string
}

var (
	tokenTable = &indexTable{"token_search_param", map[search.FieldName]string{
		search.FieldTokenSystem: "system",
		search.FieldTokenCode:   "code",
		search.FieldTokenText:   "text",
	}}
	stringTable = &indexTable{"string_search_param", map[search.FieldName]string{
		search.FieldString: "value",
	}}
	dateTimeTable = &indexTable{"date_time_search_param", map[search.FieldName]string{
		search.FieldDateTimeStart: "start_date_time",
		search.FieldDateTimeEnd:   "end_date_time",
	}}
	numberTable = &indexTable{"number_search_param", map[search.FieldName]string{
		search.FieldNumber: "value",
	}}
	quantityTable = &indexTable{"quantity_search_param", map[search.FieldName]string{
		search.FieldQuantity:       "quantity",
		search.FieldQuantityCode:   "code",
		search.FieldQuantitySystem: "system",
	}}
	uriTable = &indexTable{"uri_search_param", map[search.FieldName]string{
		search.FieldURI: "uri",
	}}
	referenceTable = &indexTable{"reference_search_param", map[search.FieldName]string{
		search.FieldReference: "reference",
	}}
	// Composite entries only record presence; their components are not
	// searchable.
	compositeTable = &indexTable{"composite_search_param", nil}
)

// IndexTables lists every index table name; the copy engine reads them all.
var IndexTables = []string{
	tokenTable.name, stringTable.name, dateTimeTable.name, numberTable.name,
	quantityTable.name, uriTable.name, referenceTable.name, compositeTable.name,
}

// IndexColumns lists, per index table, the stored columns that follow
// resource_surrogate_id.
var IndexColumns = map[string][]string{
	"token_search_param":     {"param_name", "system", "code", "text"},
	"string_search_param":    {"param_name", "value"},
	"date_time_search_param": {"param_name", "start_date_time", "end_date_time"},
	"number_search_param":    {"param_name", "value"},
	"quantity_search_param":  {"param_name", "system", "code", "quantity"},
	"uri_search_param":       {"param_name", "uri"},
	"reference_search_param": {"param_name", "reference", "reference_resource_type", "reference_resource_id"},
	"composite_search_param": {"param_name"},
}

var allTables = []*indexTable{tokenTable, stringTable, dateTimeTable, numberTable, quantityTable, uriTable, referenceTable}

func tableForField(f search.FieldName) *indexTable {
	for _, t := range allTables {
		if _, ok := t.columns[f]; ok {
			return t
		}
	}
	return nil
}

// Query is SQL text with its positional arguments.
type Query struct {
	SQL  string
	Args []any
}

// SQLBuilder compiles search options into $n-parameterised SQL over the
// resource table (alias r) and the index tables.
//
// A parameter-scoped subtree becomes one EXISTS over a single index table so
// that all of its conditions hold for the same entry. Chains join
// reference_search_param back to resource; :missing consults the
// search_param_presence view.
type SQLBuilder struct{}

// Select returns the page query: rows after the keyset position, ordered by
// surrogate id, at most limit rows.
func (SQLBuilder) Select(opts *search.Options, after int64, limit int) (Query, error) {
	c := &compiler{}
	where, err := c.filter(opts)
	if err != nil {
		return Query{}, err
	}
	if after > 0 {
		where += " AND r.resource_surrogate_id > " + c.arg(after)
	}
	sql := "SELECT r.resource_surrogate_id, r.raw_resource FROM resource r WHERE " + where +
		" ORDER BY r.resource_surrogate_id LIMIT " + c.arg(limit)
	return Query{SQL: sql, Args: c.args}, nil
}

// Count returns the query counting every match.
func (SQLBuilder) Count(opts *search.Options) (Query, error) {
	c := &compiler{}
	where, err := c.filter(opts)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: "SELECT COUNT(*) FROM resource r WHERE " + where, Args: c.args}, nil
}

type compiler struct {
	args  []any
	alias int
}

func (c *compiler) arg(v any) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) nextAlias(prefix string) string {
	c.alias++
	return fmt.Sprintf("%s%d", prefix, c.alias)
}

func (c *compiler) filter(opts *search.Options) (string, error) {
	var conds []string
	if opts.ResourceType != "" {
		conds = append(conds, "r.resource_type = "+c.arg(opts.ResourceType))
	}
	if opts.Expression != nil {
		cond, err := c.resource(opts.Expression, "r")
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), nil
}

// resource compiles an expression evaluated against the resource aliased res.
func (c *compiler) resource(expr search.Expression, res string) (string, error) {
	switch e := expr.(type) {
	case *search.MultiaryExpression:
		if _, scoped := e.ParamName(); scoped {
			return c.entryExists(e, res)
		}
		return c.join(e, func(child search.Expression) (string, error) { return c.resource(child, res) })
	case *search.MissingSearchParameterExpression:
		a := c.nextAlias("m")
		cond := fmt.Sprintf("EXISTS (SELECT 1 FROM search_param_presence %[1]s WHERE %[1]s.resource_surrogate_id = %[2]s.resource_surrogate_id AND %[1]s.param_name = %[3]s)",
			a, res, c.arg(e.Param))
		if e.IsMissing {
			cond = "NOT " + cond
		}
		return cond, nil
	case *search.ChainedExpression:
		ref, target := c.nextAlias("c"), c.nextAlias("t")
		param, targetType := c.arg(e.ReferenceParam), c.arg(e.TargetResourceType)
		inner, err := c.resource(e.Expression, target)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM reference_search_param %[1]s JOIN resource %[2]s ON %[2]s.resource_type = %[1]s.reference_resource_type AND %[2]s.resource_id = %[1]s.reference_resource_id "+
			"WHERE %[1]s.resource_surrogate_id = %[3]s.resource_surrogate_id AND %[1]s.param_name = %[4]s AND %[1]s.reference_resource_type = %[5]s AND %[6]s)",
			ref, target, res, param, targetType, inner), nil
	}
	return c.entryExists(expr, res)
}

func (c *compiler) entryExists(expr search.Expression, res string) (string, error) {
	table, err := scopeTable(expr)
	if err != nil {
		return "", err
	}
	a := c.nextAlias("e")
	cond, err := c.entry(expr, table, a)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %[1]s %[2]s WHERE %[2]s.resource_surrogate_id = %[3]s.resource_surrogate_id AND %[4]s)",
		table.name, a, res, cond), nil
}

// entry compiles a condition on a single index row aliased a.
func (c *compiler) entry(expr search.Expression, table *indexTable, a string) (string, error) {
	switch e := expr.(type) {
	case *search.MultiaryExpression:
		return c.join(e, func(child search.Expression) (string, error) { return c.entry(child, table, a) })
	case *search.StringExpression:
		return c.stringCondition(e, column(e.Field, table, a)), nil
	case *search.BinaryExpression:
		return c.binaryCondition(e, column(e.Field, table, a))
	case *search.MissingFieldExpression:
		return column(e.Field, table, a) + " IS NULL", nil
	}
	return "", &search.SearchOperationNotSupportedError{Message: fmt.Sprintf("%s cannot be evaluated on an index entry", expr)}
}

func (c *compiler) join(e *search.MultiaryExpression, compile func(search.Expression) (string, error)) (string, error) {
	sep, empty := " AND ", "TRUE"
	if e.Op == search.MultiaryOr {
		sep, empty = " OR ", "FALSE"
	}
	if len(e.Expressions) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(e.Expressions))
	for _, child := range e.Expressions {
		p, err := compile(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (c *compiler) stringCondition(e *search.StringExpression, col string) string {
	switch e.Op {
	case search.StringEquals:
		if !e.IgnoreCase {
			return col + " = " + c.arg(e.Value)
		}
		return c.like(col, escapeLike(e.Value), true, false)
	case search.StringStartsWith:
		return c.like(col, escapeLike(e.Value)+"%", e.IgnoreCase, false)
	case search.StringContains:
		return c.like(col, "%"+escapeLike(e.Value)+"%", e.IgnoreCase, false)
	case search.StringEndsWith:
		return c.like(col, "%"+escapeLike(e.Value), e.IgnoreCase, false)
	case search.StringNotStartsWith:
		return c.like(col, escapeLike(e.Value)+"%", e.IgnoreCase, true)
	}
	return "FALSE"
}

func (c *compiler) like(col, pattern string, ignoreCase, negate bool) string {
	op := "LIKE"
	if ignoreCase {
		op = "ILIKE"
	}
	if negate {
		op = "NOT " + op
	}
	return fmt.Sprintf("%s %s %s", col, op, c.arg(pattern))
}

var binaryOps = map[search.BinaryOperator]string{
	search.BinaryEqual:              "=",
	search.BinaryGreaterThan:        ">",
	search.BinaryGreaterThanOrEqual: ">=",
	search.BinaryLessThan:           "<",
	search.BinaryLessThanOrEqual:    "<=",
}

func (c *compiler) binaryCondition(e *search.BinaryExpression, col string) (string, error) {
	op, ok := binaryOps[e.Op]
	if !ok {
		return "", fmt.Errorf("unknown binary operator %v", e.Op)
	}
	switch v := e.Value.(type) {
	case time.Time:
		return fmt.Sprintf("%s %s %s", col, op, c.arg(v.UTC())), nil
	case *apd.Decimal:
		return fmt.Sprintf("%s %s %s::numeric", col, op, c.arg(v.Text('f'))), nil
	}
	return "", fmt.Errorf("unsupported operand %T", e.Value)
}

func column(f search.FieldName, table *indexTable, alias string) string {
	if f == search.FieldParamName {
		return alias + ".param_name"
	}
	return alias + "." + table.columns[f]
}

// scopeTable finds the one index table every field under expr lives in.
func scopeTable(expr search.Expression) (*indexTable, error) {
	var found *indexTable
	visit := func(f search.FieldName, component *int) error {
		if component != nil {
			return &search.SearchOperationNotSupportedError{Message: "composite components are not indexed"}
		}
		if f == search.FieldParamName {
			return nil
		}
		t := tableForField(f)
		if t == nil {
			return fmt.Errorf("field %s has no index column", f)
		}
		if found != nil && found != t {
			return fmt.Errorf("expression mixes %s and %s fields", found.name, t.name)
		}
		found = t
		return nil
	}

	var walk func(search.Expression) error
	walk = func(expr search.Expression) error {
		switch e := expr.(type) {
		case *search.MultiaryExpression:
			for _, child := range e.Expressions {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		case *search.StringExpression:
			return visit(e.Field, e.ComponentIndex)
		case *search.BinaryExpression:
			return visit(e.Field, e.ComponentIndex)
		case *search.MissingFieldExpression:
			return visit(e.Field, e.ComponentIndex)
		}
		return &search.SearchOperationNotSupportedError{Message: fmt.Sprintf("%s cannot be evaluated on an index entry", expr)}
	}

	if err := walk(expr); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("expression %s names no indexed field", expr)
	}
	return found, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
