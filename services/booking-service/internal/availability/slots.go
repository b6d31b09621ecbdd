package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/surfskatehalle/booking/services/booking-service/internal/timerange"
)

const (
	OpeningHour = 9
	ClosingHour = 21

	MinDurationHours = 1
	MaxDurationHours = 4

	Step = time.Hour
)

var ErrInvalidDuration = errors.New("duration must be between 1 and 4 hours")

func ValidDuration(hours int) bool {
	return hours >= MinDurationHours && hours <= MaxDurationHours
}

// TimeOfDay is a wall clock mark in the facility's local time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant at t on day's calendar date, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func timeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// StartOfDay returns midnight of day in day's location.
func StartOfDay(day time.Time) time.Time {
	return TimeOfDay{}.On(day)
}

// DayBounds returns [midnight, next midnight) for day.
func DayBounds(day time.Time) (time.Time, time.Time) {
	start := StartOfDay(day)
	return start, start.AddDate(0, 0, 1)
}

// BookedStartSet holds the local start marks of the paid bookings on one day.
type BookedStartSet struct {
	marks map[TimeOfDay]struct{}
}

// NewBookedStartSet keeps the intervals whose start falls on day and records
// each start's time of day in day's location.
func NewBookedStartSet(day time.Time, intervals []timerange.Interval) BookedStartSet {
	dayStart, dayEnd := DayBounds(day)
	marks := make(map[TimeOfDay]struct{}, len(intervals))
	for _, iv := range intervals {
		if iv.Start.Before(dayStart) || !iv.Start.Before(dayEnd) {
			continue
		}
		marks[timeOfDayOf(iv.Start.In(day.Location()))] = struct{}{}
	}
	return BookedStartSet{marks: marks}
}

func (s BookedStartSet) Contains(t TimeOfDay) bool {
	_, ok := s.marks[t]
	return ok
}

func (s BookedStartSet) Len() int {
	return len(s.marks)
}

// Bookings is the outcome of fetching a day's bookings: either a loaded set
// or unknown because the fetch failed.
type Bookings struct {
	set   BookedStartSet
	known bool
}

func Loaded(set BookedStartSet) Bookings {
	return Bookings{set: set, known: true}
}

func Unknown() Bookings {
	return Bookings{}
}

func (b Bookings) Known() bool {
	return b.known
}

// Booked is the number of distinct booked start marks; zero when unknown.
func (b Bookings) Booked() int {
	return b.set.Len()
}

type Policy struct {
	// ClampToClose rejects candidates whose booking would run past closing.
	// Without it, marks after closing are only checked against the booked set.
	ClampToClose bool
}

type SlotCandidate struct {
	Start     TimeOfDay
	StartsAt  time.Time
	Available bool
	// Unconfirmed is set on available candidates computed without a loaded
	// booked set.
	Unconfirmed bool
}

// Compute returns one candidate per hour from opening up to closing, in
// ascending order. A candidate is available when now is strictly before its
// start and none of its durationHours hourly marks is booked.
func Compute(day time.Time, durationHours int, bookings Bookings, policy Policy, now time.Time) ([]SlotCandidate, error) {
	if !ValidDuration(durationHours) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDuration, durationHours)
	}

	closing := TimeOfDay{Hour: ClosingHour}.On(day)
	length := time.Duration(durationHours) * Step

	out := make([]SlotCandidate, 0, ClosingHour-OpeningHour)
	for hour := OpeningHour; hour < ClosingHour; hour++ {
		mark := TimeOfDay{Hour: hour}
		startsAt := mark.On(day)

		available := now.Before(startsAt)
		if available && policy.ClampToClose && startsAt.Add(length).After(closing) {
			available = false
		}
		if available && bookings.known && collides(startsAt, durationHours, bookings.set, day.Location()) {
			available = false
		}

		out = append(out, SlotCandidate{
			Start:       mark,
			StartsAt:    startsAt,
			Available:   available,
			Unconfirmed: available && !bookings.known,
		})
	}
	return out, nil
}

func collides(startsAt time.Time, durationHours int, set BookedStartSet, loc *time.Location) bool {
	for i := 0; i < durationHours; i++ {
		if set.Contains(timeOfDayOf(startsAt.Add(time.Duration(i) * Step).In(loc))) {
			return true
		}
	}
	return false
}

// ComputeSlots runs Compute against the paid intervals already fetched for
// day, with the default policy.
func ComputeSlots(day time.Time, durationHours int, intervals []timerange.Interval, now time.Time) ([]SlotCandidate, error) {
	return Compute(day, durationHours, Loaded(NewBookedStartSet(day, intervals)), Policy{}, now)
}
