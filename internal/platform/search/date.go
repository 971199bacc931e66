package search

import (
	"fmt"
	"strings"
	"time"
)

// Open range bounds. A DateTimeValue always carries both ends.
var (
	MinDateTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	MaxDateTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999999, time.UTC)
)

// DatePrecision is the granularity a date literal was written with.
type DatePrecision int

const (
	PrecisionYear DatePrecision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionMinute
	PrecisionSecond
	PrecisionFraction
)

// Layouts for precision aware parsing. The zone-less variants are read as UTC.
const (
	dateLayoutYear       = "2006"
	dateLayoutMonth      = "2006-01"
	dateLayoutDay        = "2006-01-02"
	dateLayoutMinute     = "2006-01-02T15:04"
	dateLayoutMinuteZone = "2006-01-02T15:04Z07:00"
	dateLayoutSecond     = "2006-01-02T15:04:05"
	dateLayoutSecondZone = "2006-01-02T15:04:05Z07:00"
)

var dateLayouts = []struct {
	layout    string
	precision DatePrecision
}{
	{dateLayoutYear, PrecisionYear},
	{dateLayoutMonth, PrecisionMonth},
	{dateLayoutDay, PrecisionDay},
	{dateLayoutMinute, PrecisionMinute},
	{dateLayoutMinuteZone, PrecisionMinute},
	{dateLayoutSecond, PrecisionSecond},
	{dateLayoutSecondZone, PrecisionSecond},
}

// DateTimeValue is the interval implied by a partial date literal.
// End is the last representable instant before the next precision boundary.
type DateTimeValue struct {
	Start time.Time
	End   time.Time
}

// ParseDateTimeValue parses a FHIR date, dateTime or instant literal into
// its precision interval, for example "2020-01-01" covers the whole day.
func ParseDateTimeValue(s string) (Value, error) {
	start, end, err := parseDateInterval(s)
	if err != nil {
		return nil, err
	}
	return DateTimeValue{Start: start, End: end}, nil
}

// ParseDateTimeRange builds a value from two optional literals, as found on
// Period.start and Period.end. A missing side is open.
func ParseDateTimeRange(start, end string) (Value, error) {
	v := DateTimeValue{Start: MinDateTime, End: MaxDateTime}
	if start != "" {
		s, _, err := parseDateInterval(start)
		if err != nil {
			return nil, err
		}
		v.Start = s
	}
	if end != "" {
		_, e, err := parseDateInterval(end)
		if err != nil {
			return nil, err
		}
		v.End = e
	}
	if v.Start.After(v.End) {
		return nil, fmt.Errorf("date range start %s is after end %s", start, end)
	}
	return v, nil
}

// NewDateTimeValue builds a value from explicit bounds.
func NewDateTimeValue(start, end time.Time) DateTimeValue {
	return DateTimeValue{Start: start.UTC(), End: end.UTC()}
}

func (v DateTimeValue) String() string {
	return v.Start.Format(time.RFC3339Nano) + ".." + v.End.Format(time.RFC3339Nano)
}

func parseDateInterval(s string) (time.Time, time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("date value is empty")
	}
	for _, l := range dateLayouts {
		t, err := time.ParseInLocation(l.layout, s, time.UTC)
		if err != nil {
			continue
		}
		// time.Parse accepts fractional seconds the layout does not name.
		p, digits := l.precision, fractionDigits(s)
		if p == PrecisionSecond && digits > 0 {
			p = PrecisionFraction
		}
		next := nextBoundary(t, p, digits)
		return t.UTC(), next.Add(-time.Nanosecond).UTC(), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q", s)
}

func nextBoundary(t time.Time, p DatePrecision, digits int) time.Time {
	switch p {
	case PrecisionYear:
		return t.AddDate(1, 0, 0)
	case PrecisionMonth:
		return t.AddDate(0, 1, 0)
	case PrecisionDay:
		return t.AddDate(0, 0, 1)
	case PrecisionMinute:
		return t.Add(time.Minute)
	case PrecisionSecond:
		return t.Add(time.Second)
	}
	step := time.Duration(1)
	for i := digits; i < 9; i++ {
		step *= 10
	}
	return t.Add(step)
}

// fractionDigits counts the digits of the fractional seconds in s.
func fractionDigits(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	n := 0
	for _, c := range s[i+1:] {
		if c < '0' || c > '9' {
			break
		}
		n++
	}
	return n
}
