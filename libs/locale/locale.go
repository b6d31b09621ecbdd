// Package locale negotiates the customer-facing language and renders the
// day and time labels shown next to slots, quotes and confirmation mails.
package locale

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Lang is a supported display language.
type Lang string

const (
	German  Lang = "de"
	English Lang = "en"

	Default = German
)

var (
	supported = []language.Tag{language.German, language.English}
	matcher   = language.NewMatcher(supported)
)

// Parse accepts a language code such as "en" or "de-AT".
func Parse(code string) (Lang, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("language code is empty")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("parse language %q: %w", code, err)
	}
	base, _ := tag.Base()
	switch base.String() {
	case string(German):
		return German, nil
	case string(English):
		return English, nil
	default:
		return "", fmt.Errorf("unsupported language %q", code)
	}
}

// Negotiate picks the best supported language for an Accept-Language header,
// falling back to Default.
func Negotiate(acceptLanguage string) Lang {
	if strings.TrimSpace(acceptLanguage) == "" {
		return Default
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return Default
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return Default
	}
	if supported[idx] == language.English {
		return English
	}
	return German
}

var germanMonths = [...]string{
	"Januar", "Februar", "März", "April", "Mai", "Juni",
	"Juli", "August", "September", "Oktober", "November", "Dezember",
}

// DayLabel renders a long calendar date, e.g. "15. Oktober 2026" or
// "October 15, 2026".
func DayLabel(lang Lang, day time.Time) string {
	if lang == English {
		return day.Format("January 2, 2006")
	}
	return fmt.Sprintf("%d. %s %d", day.Day(), germanMonths[day.Month()-1], day.Year())
}

// TimeLabel renders a 24h clock time; both languages use "14:00".
func TimeLabel(_ Lang, t time.Time) string {
	return t.Format("15:04")
}

// RangeLabel renders "15. Oktober 2026, 14:00 - 16:00".
func RangeLabel(lang Lang, start, end time.Time) string {
	return DayLabel(lang, start) + ", " + TimeLabel(lang, start) + " - " + TimeLabel(lang, end)
}
