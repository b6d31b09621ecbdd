// Package timerange decodes the half-open ranges stored in the reservations
// duration column.
package timerange

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ErrUnparseable = errors.New("unparseable range")

var rangePattern = regexp.MustCompile(`\[([^,]+),([^)]+)\)`)

// Postgres renders tstzrange bounds with a space separator and an hour-only
// offset; fractional seconds are accepted by time.Parse after the seconds field.
var layouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	"2006-01-02T15:04:05Z07",
}

// Interval is the half-open range [Start, End). Start is always before End.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Format renders the interval as a tstzrange literal.
func (iv Interval) Format() string {
	return "[" + iv.Start.Format(time.RFC3339) + "," + iv.End.Format(time.RFC3339) + ")"
}

func (iv Interval) String() string {
	return iv.Format()
}

// Parse decodes "[<start>,<end>)". Any mismatch, unreadable timestamp or
// empty range returns an error wrapping ErrUnparseable.
func Parse(raw string) (Interval, error) {
	m := rangePattern.FindStringSubmatch(raw)
	if m == nil {
		return Interval{}, fmt.Errorf("%w: %q does not match [start,end)", ErrUnparseable, raw)
	}
	start, err := parseTimestamp(m[1])
	if err != nil {
		return Interval{}, err
	}
	end, err := parseTimestamp(m[2])
	if err != nil {
		return Interval{}, err
	}
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("%w: start %s is not before end %s", ErrUnparseable, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrUnparseable, s)
}

// Failure records a raw value ParseAll could not decode.
type Failure struct {
	Index int
	Raw   string
	Err   error
}

// ParseAll decodes every raw range. Values that fail are reported separately
// and never stop the rest from being parsed.
func ParseAll(raws []string) ([]Interval, []Failure) {
	intervals := make([]Interval, 0, len(raws))
	var failures []Failure
	for i, raw := range raws {
		iv, err := Parse(raw)
		if err != nil {
			failures = append(failures, Failure{Index: i, Raw: raw, Err: err})
			continue
		}
		intervals = append(intervals, iv)
	}
	return intervals, failures
}
