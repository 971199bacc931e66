package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

const patientJSON = `{
	"resourceType": "Patient",
	"id": "p1",
	"meta": {"lastUpdated": "2024-03-01T10:00:00Z", "tag": [{"system": "http://tags", "code": "vip"}]},
	"identifier": [{"system": "http://hospital/mrn", "value": "MRN-1"}],
	"active": true,
	"name": [{"family": "Parker", "given": ["Peter", "Benjamin"]}],
	"telecom": [{"system": "email", "value": "peter@example.org"}],
	"gender": "male",
	"birthDate": "1980-05-12",
	"managingOrganization": {"reference": "Organization/o1"}
}`

const observationJSON = `{
	"resourceType": "Observation",
	"id": "obs1",
	"status": "final",
	"code": {"coding": [{"code": "C", "display": "Blood pressure"}], "text": "BP"},
	"subject": {"reference": "http://example.org/fhir/Patient/p1/_history/3"},
	"effectivePeriod": {"start": "2023-01-01", "end": "2023-01-05"},
	"valueQuantity": {"value": 120.50, "unit": "mmHg", "system": "http://unitsofmeasure.org", "code": "mm[Hg]"}
}`

type mapResolver map[string]*IndexedResource

func (m mapResolver) Resolve(ref string) (*IndexedResource, bool) {
	r, ok := m[ref]
	return r, ok
}

func indexJSON(t *testing.T, ix *Indexer, data string) *IndexedResource {
	t.Helper()
	doc, err := fhir.ParseDocument([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	r, err := ix.Index(doc)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func entriesOf(r *IndexedResource, param string) []string {
	var out []string
	for _, e := range r.Entries {
		if e.Param == param {
			out = append(out, e.Value.String())
		}
	}
	return out
}

func TestIndexer_Patient(t *testing.T) {
	ix := NewIndexer(testRegistry(t))
	r := indexJSON(t, ix, patientJSON)

	if r.Reference() != "Patient/p1" {
		t.Errorf("Reference() = %q", r.Reference())
	}

	tests := []struct {
		param string
		want  []string
	}{
		{"_id", []string{"p1"}},
		{"_tag", []string{"http://tags|vip"}},
		{"identifier", []string{"http://hospital/mrn|MRN-1"}},
		{"active", []string{"true"}},
		{"name", []string{"Parker", "Peter", "Benjamin"}},
		{"given", []string{"Peter", "Benjamin"}},
		{"telecom", []string{"peter@example.org"}},
		{"gender", []string{"male"}},
		{"organization", []string{"Organization/o1"}},
		{"link", nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, entriesOf(r, tt.param)); diff != "" {
			t.Errorf("%s entries mismatch (-want +got):\n%s", tt.param, diff)
		}
	}

	dates := entriesOf(r, "birthdate")
	if len(dates) != 1 || dates[0] != "1980-05-12T00:00:00Z..1980-05-12T23:59:59.999999999Z" {
		t.Errorf("birthdate entries = %v", dates)
	}
}

func TestIndexer_Observation(t *testing.T) {
	ix := NewIndexer(testRegistry(t))
	r := indexJSON(t, ix, observationJSON)

	if diff := cmp.Diff([]string{"Patient/p1"}, entriesOf(r, "subject")); diff != "" {
		t.Errorf("subject mismatch (-want +got):\n%s", diff)
	}
	var codes []TokenValue
	for _, e := range r.Entries {
		if e.Param == "code" {
			codes = append(codes, e.Value.(TokenValue))
		}
	}
	wantCodes := []TokenValue{{Code: "C", Text: "Blood pressure"}, {Text: "BP"}}
	if diff := cmp.Diff(wantCodes, codes); diff != "" {
		t.Errorf("code mismatch (-want +got):\n%s", diff)
	}
	if got := entriesOf(r, "value-quantity"); len(got) != 1 || got[0] != "120.50|http://unitsofmeasure.org|mm[Hg]" {
		t.Errorf("value-quantity = %v", got)
	}
	if got := entriesOf(r, "date"); len(got) != 1 || got[0] != "2023-01-01T00:00:00Z..2023-01-05T23:59:59.999999999Z" {
		t.Errorf("date = %v", got)
	}
}

func TestIndexer_Errors(t *testing.T) {
	ix := NewIndexer(testRegistry(t))

	if _, err := ix.Index(fhir.Document{"resourceType": "Patient"}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := ix.Index(fhir.Document{"resourceType": "Spaceship", "id": "1"}); !IsNotSupported(err) {
		t.Errorf("expected not supported error, got %v", err)
	}
	if _, err := ix.Index(fhir.Document{"resourceType": "Patient", "id": "1", "birthDate": "soon"}); err == nil {
		t.Error("expected error for unparseable birthDate")
	}
}

func TestMatches(t *testing.T) {
	reg := testRegistry(t)
	ix := NewIndexer(reg)
	f := newTestFactory(t)

	patient := indexJSON(t, ix, patientJSON)
	obs := indexJSON(t, ix, observationJSON)
	resolver := mapResolver{patient.Reference(): patient}

	tests := []struct {
		name  string
		rt    string
		query []QueryParam
		want  bool
	}{
		{"empty query", "Patient", nil, true},
		{"name prefix", "Patient", []QueryParam{{"name", "pet"}}, true},
		{"name prefix is case insensitive", "Patient", []QueryParam{{"name", "PARK"}}, true},
		{"name exact", "Patient", []QueryParam{{"name:exact", "Pet"}}, false},
		{"name contains", "Patient", []QueryParam{{"name:contains", "jam"}}, true},
		{"or alternatives", "Patient", []QueryParam{{"gender", "female,male"}}, true},
		{"and of params", "Patient", []QueryParam{{"gender", "male"}, {"active", "false"}}, false},
		{"identifier with system", "Patient", []QueryParam{{"identifier", "http://hospital/mrn|MRN-1"}}, true},
		{"identifier wrong system", "Patient", []QueryParam{{"identifier", "http://other|MRN-1"}}, false},
		{"system and code from separate entries", "Patient", []QueryParam{{"_tag", "http://tags|MRN-1"}}, false},
		{"birthdate eq", "Patient", []QueryParam{{"birthdate", "1980-05"}}, true},
		{"birthdate eq day off", "Patient", []QueryParam{{"birthdate", "1980-05-13"}}, false},
		{"birthdate lt", "Patient", []QueryParam{{"birthdate", "lt1981"}}, true},
		{"birthdate gt", "Patient", []QueryParam{{"birthdate", "gt1981"}}, false},
		{"missing true", "Patient", []QueryParam{{"link:missing", "true"}}, true},
		{"missing false", "Patient", []QueryParam{{"link:missing", "false"}}, false},
		{"period overlaps ge", "Observation", []QueryParam{{"date", "ge2023-01-03"}}, true},
		{"period eq contains", "Observation", []QueryParam{{"date", "eq2023-01"}}, true},
		{"period eq narrower", "Observation", []QueryParam{{"date", "eq2023-01-03"}}, false},
		{"token text", "Observation", []QueryParam{{"code:text", "pressure"}}, true},
		{"reference normalized", "Observation", []QueryParam{{"subject", "Patient/p1"}}, true},
		{"reference typed", "Observation", []QueryParam{{"subject:Patient", "p1"}}, true},
		{"chain matches", "Observation", []QueryParam{{"subject:Patient.name", "peter"}}, true},
		{"chain misses", "Observation", []QueryParam{{"subject.name", "mary"}}, false},
		{"chain two params", "Observation", []QueryParam{{"subject.gender", "male"}, {"subject.birthdate", "1980"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := f.Create(tt.rt, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if len(opts.UnsupportedParams) > 0 {
				t.Fatalf("unsupported params %v", opts.UnsupportedParams)
			}
			target := patient
			if tt.rt == "Observation" {
				target = obs
			}
			if got := Matches(opts.Expression, target, resolver); got != tt.want {
				t.Errorf("Matches(%s) = %v, want %v", opts.Expression, got, tt.want)
			}
		})
	}
}

func TestMatches_TokenWithoutSystem(t *testing.T) {
	reg := testRegistry(t)
	ix := NewIndexer(reg)
	f := newTestFactory(t)
	obs := indexJSON(t, ix, observationJSON)

	tests := []struct {
		value string
		want  bool
	}{
		{"C", true},
		{"|C", true},
		{"http://sys|C", false},
		{"http://sys|", false},
	}
	for _, tt := range tests {
		opts, err := f.Create("Observation", []QueryParam{{"code", tt.value}})
		if err != nil {
			t.Fatal(err)
		}
		if got := Matches(opts.Expression, obs, nil); got != tt.want {
			t.Errorf("code=%s: got %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestMatches_ChainWithoutResolver(t *testing.T) {
	reg := testRegistry(t)
	obs := indexJSON(t, NewIndexer(reg), observationJSON)
	expr := Chained("Observation", "subject", "Patient", And(ParamNameEquals("gender"), NewStringExpression(StringEquals, FieldTokenCode, nil, "male", false)))

	if Matches(expr, obs, nil) {
		t.Error("chain should not match without a resolver")
	}
	if Matches(expr, obs, mapResolver{}) {
		t.Error("chain should not match a dangling reference")
	}
}
