// Package quote prices a chosen slot and produces the interval the payment
// and storage layers persist.
package quote

import (
	"time"

	"github.com/surfskatehalle/booking/services/booking-service/internal/availability"
	"github.com/surfskatehalle/booking/services/booking-service/internal/timerange"
)

const (
	// UnitPrice is the hourly rate in euros.
	UnitPrice = 25
	Currency  = "eur"
)

type Quote struct {
	StartsAt      time.Time
	EndsAt        time.Time
	DurationHours int
	UnitPrice     int
	Total         int
	Currency      string
}

// Build does not check availability; callers pass a start taken from an
// available candidate.
func Build(day time.Time, start availability.TimeOfDay, durationHours int) Quote {
	startsAt := start.On(day)
	return Quote{
		StartsAt:      startsAt,
		EndsAt:        startsAt.Add(time.Duration(durationHours) * time.Hour),
		DurationHours: durationHours,
		UnitPrice:     UnitPrice,
		Total:         durationHours * UnitPrice,
		Currency:      Currency,
	}
}

// AmountMinorUnits is the total in cents.
func (q Quote) AmountMinorUnits() int64 {
	return int64(q.Total) * 100
}

func (q Quote) Interval() timerange.Interval {
	return timerange.Interval{Start: q.StartsAt, End: q.EndsAt}
}
