package email

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/surfskatehalle/booking/libs/locale"
)

// Kind selects the mail template.
type Kind string

const (
	KindPaid      Kind = "paid"
	KindCancelled Kind = "cancelled"
)

// Reservation is the data a confirmation or cancellation mail shows.
type Reservation struct {
	ID            string
	SpaceName     string
	StartsAt      time.Time
	EndsAt        time.Time
	DurationHours int
	AmountMinor   int64
	Currency      string
	PinCode       string
}

type view struct {
	Reservation
	When   string
	Amount string
}

type mailTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[locale.Lang]map[Kind]mailTemplate{
	locale.German: {
		KindPaid: {
			subject: "Deine Buchung in der Surfskatehalle",
			body: template.Must(template.New("de-paid").Parse(`Danke für deine Buchung!

{{.SpaceName}}: {{.When}} ({{.DurationHours}} Std.)
Bezahlt: {{.Amount}}
{{if .PinCode}}
Dein Tür-PIN: {{.PinCode}}
{{end}}
Buchungsnummer: {{.ID}}
`)),
		},
		KindCancelled: {
			subject: "Deine Buchung wurde storniert",
			body: template.Must(template.New("de-cancelled").Parse(`Deine Buchung wurde storniert.

{{.SpaceName}}: {{.When}}
Der Betrag von {{.Amount}} wird erstattet.

Buchungsnummer: {{.ID}}
`)),
		},
	},
	locale.English: {
		KindPaid: {
			subject: "Your Surfskatehalle booking",
			body: template.Must(template.New("en-paid").Parse(`Thanks for your booking!

{{.SpaceName}}: {{.When}} ({{.DurationHours}} h)
Paid: {{.Amount}}
{{if .PinCode}}
Your door PIN: {{.PinCode}}
{{end}}
Booking number: {{.ID}}
`)),
		},
		KindCancelled: {
			subject: "Your booking was cancelled",
			body: template.Must(template.New("en-cancelled").Parse(`Your booking was cancelled.

{{.SpaceName}}: {{.When}}
The amount of {{.Amount}} will be refunded.

Booking number: {{.ID}}
`)),
		},
	},
}

// Render builds subject and body in lang. Times are shown in loc.
func Render(kind Kind, lang locale.Lang, loc *time.Location, r Reservation) (string, string, error) {
	byKind, ok := templates[lang]
	if !ok {
		byKind = templates[locale.Default]
	}
	tpl, ok := byKind[kind]
	if !ok {
		return "", "", fmt.Errorf("no %s template", kind)
	}
	if loc == nil {
		loc = time.UTC
	}
	v := view{
		Reservation: r,
		When:        locale.RangeLabel(lang, r.StartsAt.In(loc), r.EndsAt.In(loc)),
		Amount:      formatAmount(lang, r.AmountMinor, r.Currency),
	}
	var buf bytes.Buffer
	if err := tpl.body.Execute(&buf, v); err != nil {
		return "", "", err
	}
	return tpl.subject, buf.String(), nil
}

func formatAmount(lang locale.Lang, minor int64, currency string) string {
	symbol := currency
	if currency == "eur" || currency == "" {
		symbol = "€"
	}
	major, cents := minor/100, minor%100
	if lang == locale.English {
		return fmt.Sprintf("%s%d.%02d", symbol, major, cents)
	}
	return fmt.Sprintf("%d,%02d %s", major, cents, symbol)
}
