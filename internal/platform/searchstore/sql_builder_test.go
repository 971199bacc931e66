package searchstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/platform/search"
)

func TestSQLBuilder_Select(t *testing.T) {
	opts := &search.Options{
		ResourceType: "Patient",
		Expression: search.And(
			search.ParamNameEquals("name"),
			search.NewStringExpression(search.StringStartsWith, search.FieldString, nil, "pe_ter", true),
		),
	}

	q, err := SQLBuilder{}.Select(opts, 42, 11)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT r.resource_surrogate_id, r.raw_resource FROM resource r WHERE r.resource_type = $1 AND "+
			"EXISTS (SELECT 1 FROM string_search_param e1 WHERE e1.resource_surrogate_id = r.resource_surrogate_id AND (e1.param_name = $2 AND e1.value ILIKE $3)) "+
			"AND r.resource_surrogate_id > $4 ORDER BY r.resource_surrogate_id LIMIT $5",
		q.SQL)
	assert.Equal(t, []any{"Patient", "name", `pe\_ter%`, int64(42), 11}, q.Args)
}

func TestSQLBuilder_Count(t *testing.T) {
	q, err := SQLBuilder{}.Count(&search.Options{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM resource r WHERE TRUE", q.SQL)
	assert.Empty(t, q.Args)
}

func TestSQLBuilder_EntryScope(t *testing.T) {
	// System and code must come from the same token row.
	expr := search.And(
		search.ParamNameEquals("code"),
		search.And(
			search.NewStringExpression(search.StringEquals, search.FieldTokenSystem, nil, "http://loinc.org", false),
			search.NewStringExpression(search.StringEquals, search.FieldTokenCode, nil, "8480-6", false),
		),
	)
	q, err := SQLBuilder{}.Count(&search.Options{Expression: expr})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(*) FROM resource r WHERE EXISTS (SELECT 1 FROM token_search_param e1 WHERE e1.resource_surrogate_id = r.resource_surrogate_id "+
			"AND (e1.param_name = $1 AND (e1.system = $2 AND e1.code = $3)))",
		q.SQL)
	assert.Equal(t, []any{"code", "http://loinc.org", "8480-6"}, q.Args)
}

func TestSQLBuilder_OrOfScopes(t *testing.T) {
	gender := func(v string) search.Expression {
		return search.And(search.ParamNameEquals("gender"), search.NewStringExpression(search.StringEquals, search.FieldTokenCode, nil, v, false))
	}
	q, err := SQLBuilder{}.Count(&search.Options{Expression: search.Or(gender("male"), gender("female"))})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "(EXISTS (SELECT 1 FROM token_search_param e1 ")
	assert.Contains(t, q.SQL, ") OR EXISTS (SELECT 1 FROM token_search_param e2 ")
	assert.Equal(t, []any{"gender", "male", "gender", "female"}, q.Args)
}

func TestSQLBuilder_DateAndMissingField(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	expr := search.And(
		search.ParamNameEquals("birthdate"),
		search.GreaterThanOrEqual(search.FieldDateTimeStart, nil, start),
	)
	q, err := SQLBuilder{}.Count(&search.Options{Expression: expr})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "FROM date_time_search_param e1")
	assert.Contains(t, q.SQL, "e1.start_date_time >= $2")
	assert.Equal(t, start, q.Args[1])

	expr = search.And(
		search.ParamNameEquals("code"),
		search.And(
			search.NewStringExpression(search.StringEquals, search.FieldTokenCode, nil, "C", false),
			search.MissingField(search.FieldTokenSystem, nil),
		),
	)
	q, err = SQLBuilder{}.Count(&search.Options{Expression: expr})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "e1.system IS NULL")
}

func TestSQLBuilder_Number(t *testing.T) {
	v, err := search.ParseNumberValue("0.8")
	require.NoError(t, err)
	expr := search.And(
		search.ParamNameEquals("probability"),
		search.GreaterThan(search.FieldNumber, nil, v.(search.NumberValue).Number),
	)
	q, err := SQLBuilder{}.Count(&search.Options{Expression: expr})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "e1.value > $2::numeric")
	assert.Equal(t, "0.8", q.Args[1])
}

func TestSQLBuilder_MissingParam(t *testing.T) {
	q, err := SQLBuilder{}.Count(&search.Options{Expression: search.MissingSearchParameter("link", true)})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(*) FROM resource r WHERE NOT EXISTS (SELECT 1 FROM search_param_presence m1 WHERE m1.resource_surrogate_id = r.resource_surrogate_id AND m1.param_name = $1)",
		q.SQL)

	q, err = SQLBuilder{}.Count(&search.Options{Expression: search.MissingSearchParameter("link", false)})
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "NOT EXISTS")
}

func TestSQLBuilder_Chain(t *testing.T) {
	inner := search.And(
		search.ParamNameEquals("name"),
		search.NewStringExpression(search.StringStartsWith, search.FieldString, nil, "peter", true),
	)
	expr := search.Chained("Observation", "subject", "Patient", inner)

	q, err := SQLBuilder{}.Count(&search.Options{ResourceType: "Observation", Expression: expr})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(*) FROM resource r WHERE r.resource_type = $1 AND "+
			"EXISTS (SELECT 1 FROM reference_search_param c1 JOIN resource t2 ON t2.resource_type = c1.reference_resource_type AND t2.resource_id = c1.reference_resource_id "+
			"WHERE c1.resource_surrogate_id = r.resource_surrogate_id AND c1.param_name = $2 AND c1.reference_resource_type = $3 AND "+
			"EXISTS (SELECT 1 FROM string_search_param e3 WHERE e3.resource_surrogate_id = t2.resource_surrogate_id AND (e3.param_name = $4 AND e3.value ILIKE $5)))",
		q.SQL)
	assert.Equal(t, []any{"Observation", "subject", "Patient", "name", "peter%"}, q.Args)
}

func TestSQLBuilder_StringOperators(t *testing.T) {
	tests := []struct {
		op         search.StringOperator
		ignoreCase bool
		wantSQL    string
		wantArg    string
	}{
		{search.StringEquals, false, "e1.uri = $2", "a%b"},
		{search.StringEquals, true, "e1.uri ILIKE $2", `a\%b`},
		{search.StringStartsWith, false, "e1.uri LIKE $2", `a\%b%`},
		{search.StringContains, true, "e1.uri ILIKE $2", `%a\%b%`},
		{search.StringEndsWith, false, "e1.uri LIKE $2", `%a\%b`},
		{search.StringNotStartsWith, false, "e1.uri NOT LIKE $2", `a\%b%`},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			expr := search.And(search.ParamNameEquals("url"), search.NewStringExpression(tt.op, search.FieldURI, nil, "a%b", tt.ignoreCase))
			q, err := SQLBuilder{}.Count(&search.Options{Expression: expr})
			require.NoError(t, err)
			assert.Contains(t, q.SQL, tt.wantSQL)
			assert.Equal(t, tt.wantArg, q.Args[1])
		})
	}
}

func TestSQLBuilder_Unsupported(t *testing.T) {
	expr := search.And(
		search.ParamNameEquals("code-value-quantity"),
		search.NewStringExpression(search.StringEquals, search.FieldTokenCode, search.ComponentAt(0), "8480-6", false),
	)
	_, err := SQLBuilder{}.Count(&search.Options{Expression: expr})
	assert.True(t, search.IsOperationNotSupported(err), "got %v", err)

	mixed := search.And(
		search.ParamNameEquals("x"),
		search.NewStringExpression(search.StringEquals, search.FieldTokenCode, nil, "a", false),
		search.NewStringExpression(search.StringEquals, search.FieldString, nil, "b", false),
	)
	_, err = SQLBuilder{}.Count(&search.Options{Expression: mixed})
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, escapeLike(`100%_a\b`))
}

func TestIndexColumns_CoverEveryTable(t *testing.T) {
	require.Len(t, IndexColumns, len(IndexTables))
	for _, table := range IndexTables {
		cols, ok := IndexColumns[table]
		require.True(t, ok, table)
		assert.Equal(t, "param_name", cols[0], table)
	}
}
