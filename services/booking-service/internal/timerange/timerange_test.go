package timerange

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cet := time.FixedZone("", 2*60*60)
	cases := []struct {
		name  string
		raw   string
		start time.Time
		end   time.Time
	}{
		{
			name:  "rfc3339",
			raw:   "[2026-10-15T10:00:00Z,2026-10-15T11:00:00Z)",
			start: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 10, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name:  "fractional seconds",
			raw:   "[2026-10-15T10:00:00.000Z,2026-10-15T12:00:00.000Z)",
			start: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "postgres quoted",
			raw:   `["2026-10-15 10:00:00+02","2026-10-15 13:00:00+02")`,
			start: time.Date(2026, 10, 15, 10, 0, 0, 0, cet),
			end:   time.Date(2026, 10, 15, 13, 0, 0, 0, cet),
		},
		{
			name:  "postgres unquoted with minutes offset",
			raw:   "[2026-10-15 08:00:00+00:00, 2026-10-15 09:00:00+00:00)",
			start: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			iv, err := Parse(tc.raw)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tc.raw, err)
			}
			if !iv.Start.Equal(tc.start) || !iv.End.Equal(tc.end) {
				t.Fatalf("got [%s,%s), want [%s,%s)", iv.Start, iv.End, tc.start, tc.end)
			}
		})
	}
}

func TestParseFailures(t *testing.T) {
	for _, raw := range []string{
		"",
		"empty",
		"(2026-10-15T10:00:00Z,2026-10-15T11:00:00Z)",
		"[2026-10-15T10:00:00Z,2026-10-15T11:00:00Z]",
		"[yesterday,today)",
		"[2026-10-15T11:00:00Z,2026-10-15T10:00:00Z)",
		"[2026-10-15T10:00:00Z,2026-10-15T10:00:00Z)",
		"[2026-10-15 10:00:00,2026-10-15 11:00:00)",
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrUnparseable) {
			t.Fatalf("Parse(%q) expected ErrUnparseable, got %v", raw, err)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	iv := Interval{
		Start: time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 10, 15, 17, 0, 0, 0, time.UTC),
	}
	if got := iv.Format(); got != "[2026-10-15T14:00:00Z,2026-10-15T17:00:00Z)" {
		t.Fatalf("unexpected format %q", got)
	}
	back, err := Parse(iv.Format())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !back.Start.Equal(iv.Start) || !back.End.Equal(iv.End) || back.End.Sub(back.Start) != 3*time.Hour {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestParseAllKeepsGoodRecords(t *testing.T) {
	intervals, failures := ParseAll([]string{
		"[2026-10-15T10:00:00Z,2026-10-15T11:00:00Z)",
		"garbage",
		"[2026-10-15T15:00:00Z,2026-10-15T17:00:00Z)",
	})
	if len(intervals) != 2 {
		t.Fatalf("expected 2 intervals, got %d", len(intervals))
	}
	if len(failures) != 1 || failures[0].Index != 1 || failures[0].Raw != "garbage" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if !errors.Is(failures[0].Err, ErrUnparseable) {
		t.Fatalf("expected ErrUnparseable, got %v", failures[0].Err)
	}
}
