package searchstore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	NewHandler(f.store, f.options, zerolog.Nop()).RegisterRoutes(e.Group("/fhir"))
	return e, f
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) fhir.Bundle {
	t.Helper()
	var b fhir.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) fhir.OperationOutcome {
	t.Helper()
	var o fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	require.NotEmpty(t, o.Issue)
	return o
}

func TestHandler_PutAndSearch(t *testing.T) {
	e, _ := newTestServer(t)

	rec := serve(e, http.MethodPut, "/fhir/Patient/p1", peterJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/fhir/Patient/p1", rec.Header().Get("Location"))

	rec = serve(e, http.MethodPut, "/fhir/Patient/p3", `{"resourceType":"Patient","name":[{"given":["Petra"]}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(e, http.MethodGet, "/fhir/Patient?name=pet&_count=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBundle(t, rec)
	assert.Equal(t, "searchset", b.Type)
	require.NotNil(t, b.Total)
	assert.Equal(t, 2, *b.Total)
	require.Len(t, b.Entry, 1)
	assert.Equal(t, "/fhir/Patient/p1", b.Entry[0].FullURL)
	require.Len(t, b.Link, 2)
	assert.Equal(t, "next", b.Link[1].Relation)
	assert.True(t, strings.HasPrefix(b.Link[1].URL, "/fhir/Patient?name=pet&_count=1&_continuationToken="), b.Link[1].URL)

	rec = serve(e, http.MethodGet, b.Link[1].URL, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b = decodeBundle(t, rec)
	require.Len(t, b.Entry, 1)
	assert.Equal(t, "/fhir/Patient/p3", b.Entry[0].FullURL)
	assert.Len(t, b.Link, 1)
}

func TestHandler_SearchAll(t *testing.T) {
	e, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, serve(e, http.MethodPut, "/fhir/Patient/p1", peterJSON).Code)
	require.Equal(t, http.StatusOK, serve(e, http.MethodPut, "/fhir/Organization/org1", orgJSON).Code)

	rec := serve(e, http.MethodGet, "/fhir?_id=org1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBundle(t, rec)
	require.Len(t, b.Entry, 1)
	assert.Equal(t, "/fhir/Organization/org1", b.Entry[0].FullURL)
}

func TestHandler_UnsupportedParameterWarning(t *testing.T) {
	e, _ := newTestServer(t)

	rec := serve(e, http.MethodGet, "/fhir/Patient?shoe-size=42", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBundle(t, rec)
	require.Len(t, b.Entry, 1)
	assert.Equal(t, "outcome", b.Entry[0].Search.Mode)

	var o fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(b.Entry[0].Resource, &o))
	require.Len(t, o.Issue, 1)
	assert.Equal(t, fhir.IssueSeverityWarning, o.Issue[0].Severity)
	assert.Contains(t, o.Issue[0].Diagnostics, "shoe-size=42")
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"bad escape", http.MethodGet, "/fhir/Patient?name=%zz", "", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"bad date", http.MethodGet, "/fhir/Patient?birthdate=yesterday", "", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"bad token", http.MethodGet, "/fhir/Patient?_continuationToken=garbage!", "", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"quantity search", http.MethodGet, "/fhir/Observation?value-quantity=5", "", http.StatusBadRequest, fhir.IssueTypeNotSupported},
		{"unknown type", http.MethodGet, "/fhir/Spaceship?name=x", "", http.StatusNotFound, fhir.IssueTypeNotSupported},
		{"not json", http.MethodPut, "/fhir/Patient/p1", "{", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"type mismatch", http.MethodPut, "/fhir/Patient/p1", orgJSON, http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"id mismatch", http.MethodPut, "/fhir/Patient/p9", peterJSON, http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"bad birthDate", http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","birthDate":"soon"}`, http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"unknown type put", http.MethodPut, "/fhir/Spaceship/s1", `{"resourceType":"Spaceship"}`, http.StatusNotFound, fhir.IssueTypeNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestServer(t)
			rec := serve(e, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			o := decodeOutcome(t, rec)
			assert.Equal(t, tt.code, o.Issue[0].Code)
		})
	}
}
