package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/surfskatehalle/booking/libs/locale"
	"github.com/surfskatehalle/booking/services/booking-service/internal/availability"
	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/payment"
	"github.com/surfskatehalle/booking/services/booking-service/internal/quote"
)

type checkoutResponse struct {
	ReservationID string        `json:"reservation_id"`
	SessionID     string        `json:"session_id"`
	URL           string        `json:"url"`
	Quote         quoteResponse `json:"quote"`
}

// Checkout re-checks the chosen slot, stores a pending reservation and opens
// a hosted payment session for it. The database exclusion constraint decides
// races; this check only keeps obviously taken slots out of checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	day, start, hours, ok := h.decodeSelection(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "booking.checkout")
	defer span.End()

	slots, err := availability.Compute(day, hours, h.loadBookings(ctx, day), h.cfg.Policy, h.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	candidate, err := findCandidate(slots, start)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !candidate.Available {
		http.Error(w, "slot not available", http.StatusConflict)
		return
	}
	if candidate.Unconfirmed {
		http.Error(w, "availability could not be confirmed, try again", http.StatusConflict)
		return
	}

	q := quote.Build(day, start, hours)
	lang := h.language(r)

	space, err := h.store.DefaultSpace(ctx)
	if err != nil {
		h.logger.Error("load space failed", "err", err)
		http.Error(w, "failed to load space", http.StatusInternalServerError)
		return
	}

	reservationID, err := h.store.CreatePending(ctx, model.Reservation{
		UserID:        p.UserID,
		UserEmail:     p.Email,
		SpaceID:       space.ID,
		Duration:      q.Interval().Format(),
		DurationHours: q.DurationHours,
		AmountMinor:   q.AmountMinorUnits(),
		Currency:      q.Currency,
		Locale:        string(lang),
	})
	if err != nil {
		h.logger.Error("create pending reservation failed", "user_id", p.UserID, "err", err)
		http.Error(w, "failed to create reservation", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("booking.reservation_id", reservationID))

	sess, err := h.payments.CreateCheckout(ctx, payment.CheckoutRequest{
		ReservationID:  reservationID,
		CustomerEmail:  p.Email,
		Locale:         string(lang),
		Description:    space.Name + " " + strconv.Itoa(hours) + "h, " + locale.RangeLabel(lang, q.StartsAt, q.EndsAt),
		AmountMinor:    q.AmountMinorUnits(),
		Currency:       q.Currency,
		SuccessURL:     h.cfg.SuccessURL,
		CancelURL:      h.cfg.CancelURL,
		IdempotencyKey: "checkout-" + reservationID,
	})
	if err != nil {
		h.logger.Error("checkout session create failed", "reservation_id", reservationID, "err", err)
		if err := h.store.MarkFailed(ctx, reservationID); err != nil {
			h.logger.Error("mark reservation failed", "reservation_id", reservationID, "err", err)
		}
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	if err := h.store.AttachCheckoutSession(ctx, reservationID, sess.ID); err != nil {
		h.logger.Error("attach checkout session failed", "reservation_id", reservationID, "session_id", sess.ID, "err", err)
		h.abandonCheckout(ctx, reservationID, sess.ID)
		http.Error(w, "failed to create checkout session", http.StatusInternalServerError)
		return
	}

	h.logger.Info("checkout created",
		"reservation_id", reservationID,
		"user_id", p.UserID,
		"starts_at", q.StartsAt,
		"duration_hours", hours,
		"amount_minor", q.AmountMinorUnits(),
	)
	writeJSON(w, http.StatusCreated, checkoutResponse{
		ReservationID: reservationID,
		SessionID:     sess.ID,
		URL:           sess.URL,
		Quote:         toQuoteResponse(q, lang),
	})
}

// abandonCheckout closes a session the reservation could not be linked to.
// The reservation is only failed once Stripe confirms the session is closed;
// otherwise it stays pending so a payment through the session still settles
// it by metadata.
func (h *Handler) abandonCheckout(ctx context.Context, reservationID, sessionID string) {
	if err := h.payments.ExpireCheckout(ctx, sessionID); err != nil {
		h.logger.Error("expire checkout session failed", "reservation_id", reservationID, "session_id", sessionID, "err", err)
		return
	}
	if err := h.store.MarkFailed(ctx, reservationID); err != nil {
		h.logger.Error("mark reservation failed", "reservation_id", reservationID, "err", err)
	}
}
