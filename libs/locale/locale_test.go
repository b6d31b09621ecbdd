package locale

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := map[string]Lang{
		"de":    German,
		"en":    English,
		"de-AT": German,
		"en-GB": English,
		" en ":  English,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %q, want %q", in, got, want)
		}
	}
	for _, in := range []string{"", "fr", "not a tag!"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		header string
		want   Lang
	}{
		{"", German},
		{"en-US,en;q=0.9", English},
		{"de-DE,de;q=0.9,en;q=0.8", German},
		{"fr-FR,en;q=0.5", English},
		{"ja", German},
		{";;;", German},
	}
	for _, tc := range cases {
		if got := Negotiate(tc.header); got != tc.want {
			t.Fatalf("Negotiate(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestLabels(t *testing.T) {
	start := time.Date(2026, time.October, 15, 14, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	if got := DayLabel(German, start); got != "15. Oktober 2026" {
		t.Fatalf("german day label = %q", got)
	}
	if got := DayLabel(English, start); got != "October 15, 2026" {
		t.Fatalf("english day label = %q", got)
	}
	if got := DayLabel(German, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)); got != "1. März 2026" {
		t.Fatalf("german march label = %q", got)
	}
	if got := RangeLabel(English, start, end); got != "October 15, 2026, 14:00 - 16:00" {
		t.Fatalf("english range label = %q", got)
	}
}
