package search

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tm.UTC()
}

func TestParseDateTimeValue(t *testing.T) {
	tests := []struct {
		input string
		start string
		end   string
	}{
		{"2020", "2020-01-01T00:00:00Z", "2020-12-31T23:59:59.999999999Z"},
		{"2020-02", "2020-02-01T00:00:00Z", "2020-02-29T23:59:59.999999999Z"},
		{"2020-01-01", "2020-01-01T00:00:00Z", "2020-01-01T23:59:59.999999999Z"},
		{"2020-01-01T10:30", "2020-01-01T10:30:00Z", "2020-01-01T10:30:59.999999999Z"},
		{"2020-01-01T10:30Z", "2020-01-01T10:30:00Z", "2020-01-01T10:30:59.999999999Z"},
		{"2020-01-01T10:30:15", "2020-01-01T10:30:15Z", "2020-01-01T10:30:15.999999999Z"},
		{"2020-01-01T10:30:15+02:00", "2020-01-01T08:30:15Z", "2020-01-01T08:30:15.999999999Z"},
		{"2020-01-01T10:30:15.5Z", "2020-01-01T10:30:15.5Z", "2020-01-01T10:30:15.599999999Z"},
		{"2020-01-01T10:30:15.123Z", "2020-01-01T10:30:15.123Z", "2020-01-01T10:30:15.123999999Z"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseDateTimeValue(tt.input)
			if err != nil {
				t.Fatalf("ParseDateTimeValue(%q): %v", tt.input, err)
			}
			dt := v.(DateTimeValue)
			if !dt.Start.Equal(mustTime(t, tt.start)) {
				t.Errorf("Start = %s, want %s", dt.Start.Format(time.RFC3339Nano), tt.start)
			}
			if !dt.End.Equal(mustTime(t, tt.end)) {
				t.Errorf("End = %s, want %s", dt.End.Format(time.RFC3339Nano), tt.end)
			}
			if dt.Start.After(dt.End) {
				t.Errorf("start %s after end %s", dt.Start, dt.End)
			}
		})
	}
}

func TestParseDateTimeValue_Invalid(t *testing.T) {
	for _, in := range []string{"", "20", "2020-13", "2020-02-30", "2020-01-01T10", "yesterday", "2020-01-01T25:00"} {
		if _, err := ParseDateTimeValue(in); err == nil {
			t.Errorf("ParseDateTimeValue(%q) expected error", in)
		}
	}
}

func TestParseDateTimeRange(t *testing.T) {
	v, err := ParseDateTimeRange("2020-01-01", "")
	if err != nil {
		t.Fatal(err)
	}
	dt := v.(DateTimeValue)
	if !dt.Start.Equal(mustTime(t, "2020-01-01T00:00:00Z")) || !dt.End.Equal(MaxDateTime) {
		t.Errorf("open end range = %s", dt)
	}

	v, err = ParseDateTimeRange("", "2020-06")
	if err != nil {
		t.Fatal(err)
	}
	dt = v.(DateTimeValue)
	if !dt.Start.Equal(MinDateTime) || !dt.End.Equal(mustTime(t, "2020-06-30T23:59:59.999999999Z")) {
		t.Errorf("open start range = %s", dt)
	}

	if _, err := ParseDateTimeRange("2021", "2020"); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestNumberTolerance(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"100", "0.5"},
		{"100.0", "0.05"},
		{"100.00", "0.005"},
		{"0.1", "0.05"},
		{"-3", "0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseNumberValue(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			got := v.(NumberValue).Tolerance().Text('f')
			if got != tt.want {
				t.Errorf("Tolerance(%s) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseNumberValue_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "NaN", "Infinity", "1,5"} {
		if _, err := ParseNumberValue(in); err == nil {
			t.Errorf("ParseNumberValue(%q) expected error", in)
		}
	}
}

func TestParseTokenValue(t *testing.T) {
	strp := func(s string) *string { return &s }
	tests := []struct {
		input string
		want  TokenValue
	}{
		{"C", TokenValue{Code: "C"}},
		{"http://sys|C", TokenValue{System: strp("http://sys"), Code: "C"}},
		{"|C", TokenValue{System: strp(""), Code: "C"}},
		{"http://sys|", TokenValue{System: strp("http://sys")}},
		{`a\|b`, TokenValue{Code: "a|b"}},
		{`http://sys|a\,b`, TokenValue{System: strp("http://sys"), Code: "a,b"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseTokenValue(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, v); diff != "" {
				t.Errorf("ParseTokenValue(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParseTokenValue_Invalid(t *testing.T) {
	for _, in := range []string{"", "|", "a|b|c"} {
		if _, err := ParseTokenValue(in); err == nil {
			t.Errorf("ParseTokenValue(%q) expected error", in)
		}
	}
}

func TestParseQuantityValue(t *testing.T) {
	v, err := ParseQuantityValue("5.4|http://unitsofmeasure.org|mg")
	if err != nil {
		t.Fatal(err)
	}
	q := v.(QuantityValue)
	if q.Quantity.Text('f') != "5.4" || q.System != "http://unitsofmeasure.org" || q.Code != "mg" {
		t.Errorf("got %+v", q)
	}
	if q.String() != "5.4|http://unitsofmeasure.org|mg" {
		t.Errorf("String() = %q", q.String())
	}

	v, err = ParseQuantityValue("5.4||mg")
	if err != nil {
		t.Fatal(err)
	}
	if q := v.(QuantityValue); q.System != "" || q.Code != "mg" {
		t.Errorf("got %+v", q)
	}

	for _, in := range []string{"", "|sys|code", "x|sys|code", "1|a|b|c"} {
		if _, err := ParseQuantityValue(in); err == nil {
			t.Errorf("ParseQuantityValue(%q) expected error", in)
		}
	}
}

func TestParseReferenceValue(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Patient/123", "Patient/123"},
		{"http://example.org/fhir/Patient/123", "Patient/123"},
		{"http://example.org/fhir/Patient/123/_history/2", "Patient/123"},
		{"Patient/123/_history/2", "Patient/123"},
		{"urn:uuid:1234", "urn:uuid:1234"},
		{"123", "123"},
	}
	for _, tt := range tests {
		v, err := ParseReferenceValue(tt.input)
		if err != nil {
			t.Fatalf("ParseReferenceValue(%q): %v", tt.input, err)
		}
		if got := v.(ReferenceValue).Reference; got != tt.want {
			t.Errorf("ParseReferenceValue(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseCompositeValue(t *testing.T) {
	v, err := ParseCompositeValue("http://loinc.org|8480-6$120", ParamQuantity)
	if err != nil {
		t.Fatal(err)
	}
	c := v.(CompositeValue)
	if c.Token.Code != "8480-6" || *c.Token.System != "http://loinc.org" {
		t.Errorf("token = %+v", c.Token)
	}
	if q, ok := c.Value.(QuantityValue); !ok || q.Quantity.Text('f') != "120" {
		t.Errorf("value = %#v", c.Value)
	}

	for _, in := range []string{"8480-6", "a$b$c", `8480-6\$120`} {
		if _, err := ParseCompositeValue(in, ParamQuantity); err == nil {
			t.Errorf("ParseCompositeValue(%q) expected error", in)
		}
	}
}

func TestSplitEscaped(t *testing.T) {
	tests := []struct {
		input string
		sep   byte
		want  []string
	}{
		{"a,b,c", ',', []string{"a", "b", "c"}},
		{`a\,b,c`, ',', []string{`a\,b`, "c"}},
		{`a\\,b`, ',', []string{`a\\`, "b"}},
		{"", ',', []string{""}},
		{"a$b", '$', []string{"a", "b"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitEscaped(tt.input, tt.sep)); diff != "" {
			t.Errorf("splitEscaped(%q) mismatch (-want +got):\n%s", tt.input, diff)
		}
	}
}

func TestUnescapeRoundTrip(t *testing.T) {
	for _, s := range []string{"plain", "a,b", "x|y$z", `back\slash`} {
		if got := unescape(escape(s)); got != s {
			t.Errorf("unescape(escape(%q)) = %q", s, got)
		}
	}
}
