package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/surfskatehalle/booking/libs/locale"
	"github.com/surfskatehalle/booking/services/booking-service/internal/availability"
	"github.com/surfskatehalle/booking/services/booking-service/internal/quote"
	"github.com/surfskatehalle/booking/services/booking-service/internal/timerange"
)

const dateLayout = "2006-01-02"

type slotItem struct {
	StartTime   string `json:"start_time"`
	StartsAt    string `json:"starts_at"`
	Available   bool   `json:"available"`
	Unconfirmed bool   `json:"unconfirmed,omitempty"`
}

type slotsResponse struct {
	Date          string     `json:"date"`
	DurationHours int        `json:"duration_hours"`
	DayLabel      string     `json:"day_label"`
	Confirmed     bool       `json:"confirmed"`
	Slots         []slotItem `json:"slots"`
}

type selectionRequest struct {
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	DurationHours int    `json:"duration_hours"`
}

type quoteResponse struct {
	StartsAt      string `json:"starts_at"`
	EndsAt        string `json:"ends_at"`
	DurationHours int    `json:"duration_hours"`
	UnitPrice     int    `json:"unit_price"`
	Total         int    `json:"total"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Label         string `json:"label"`
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	day, err := h.parseDay(dateStr)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	hours, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("duration_hours")))
	if err != nil || !availability.ValidDuration(hours) {
		http.Error(w, "duration_hours must be between 1 and 4", http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "availability.compute")
	span.SetAttributes(attribute.String("booking.date", dateStr), attribute.Int("booking.duration_hours", hours))
	defer span.End()

	bookings := h.loadBookings(ctx, day)
	span.SetAttributes(attribute.Bool("booking.confirmed", bookings.Known()), attribute.Int("booking.booked_starts", bookings.Booked()))
	slots, err := availability.Compute(day, hours, bookings, h.cfg.Policy, h.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := slotsResponse{
		Date:          dateStr,
		DurationHours: hours,
		DayLabel:      locale.DayLabel(h.language(r), day),
		Confirmed:     bookings.Known(),
		Slots:         make([]slotItem, 0, len(slots)),
	}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, slotItem{
			StartTime:   s.Start.String(),
			StartsAt:    s.StartsAt.Format(time.RFC3339),
			Available:   s.Available,
			Unconfirmed: s.Unconfirmed,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	day, start, hours, ok := h.decodeSelection(w, r)
	if !ok {
		return
	}
	q := quote.Build(day, start, hours)
	writeJSON(w, http.StatusOK, toQuoteResponse(q, h.language(r)))
}

// loadBookings fetches the day's paid ranges. A failed fetch yields
// availability.Unknown; records that do not parse are skipped.
func (h *Handler) loadBookings(ctx context.Context, day time.Time) availability.Bookings {
	from, to := availability.DayBounds(day)
	raws, err := h.store.PaidRangesForDay(ctx, from, to)
	if err != nil {
		h.logger.Warn("booked ranges fetch failed, availability unconfirmed", "date", day.Format(dateLayout), "err", err)
		return availability.Unknown()
	}
	intervals, failures := timerange.ParseAll(raws)
	for _, f := range failures {
		h.logger.Warn("skipping unparseable reservation range", "raw", f.Raw, "err", f.Err)
	}
	return availability.Loaded(availability.NewBookedStartSet(day, intervals))
}

func (h *Handler) parseDay(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, h.cfg.Location)
}

// decodeSelection reads {date, start_time, duration_hours} and writes a 400
// when a field is missing or malformed.
func (h *Handler) decodeSelection(w http.ResponseWriter, r *http.Request) (time.Time, availability.TimeOfDay, int, bool) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return time.Time{}, availability.TimeOfDay{}, 0, false
	}
	if strings.TrimSpace(req.Date) == "" || strings.TrimSpace(req.StartTime) == "" || req.DurationHours == 0 {
		http.Error(w, "date, start_time and duration_hours are required", http.StatusBadRequest)
		return time.Time{}, availability.TimeOfDay{}, 0, false
	}
	day, err := h.parseDay(strings.TrimSpace(req.Date))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return time.Time{}, availability.TimeOfDay{}, 0, false
	}
	start, err := availability.ParseTimeOfDay(strings.TrimSpace(req.StartTime))
	if err != nil {
		http.Error(w, "start_time must be HH:MM", http.StatusBadRequest)
		return time.Time{}, availability.TimeOfDay{}, 0, false
	}
	if !availability.ValidDuration(req.DurationHours) {
		http.Error(w, availability.ErrInvalidDuration.Error(), http.StatusBadRequest)
		return time.Time{}, availability.TimeOfDay{}, 0, false
	}
	return day, start, req.DurationHours, true
}

func toQuoteResponse(q quote.Quote, lang locale.Lang) quoteResponse {
	return quoteResponse{
		StartsAt:      q.StartsAt.Format(time.RFC3339),
		EndsAt:        q.EndsAt.Format(time.RFC3339),
		DurationHours: q.DurationHours,
		UnitPrice:     q.UnitPrice,
		Total:         q.Total,
		AmountMinor:   q.AmountMinorUnits(),
		Currency:      q.Currency,
		Label:         locale.RangeLabel(lang, q.StartsAt, q.EndsAt),
	}
}

var errSlotOutsideHours = errors.New("start_time is outside opening hours")

func findCandidate(slots []availability.SlotCandidate, start availability.TimeOfDay) (availability.SlotCandidate, error) {
	for _, s := range slots {
		if s.Start == start {
			return s, nil
		}
	}
	return availability.SlotCandidate{}, errSlotOutsideHours
}
