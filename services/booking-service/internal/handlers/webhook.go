package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/payment"
	"github.com/surfskatehalle/booking/services/booking-service/internal/storage"
)

const maxWebhookBody = 1 << 20

// PaymentWebhook settles reservations from Stripe events. No JWT auth; the
// signature is the auth. Replayed events are acknowledged and ignored, except
// that a replayed completion retries a conflict refund still owed.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := h.payments.ParseWebhook(body, sigHeader)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		h.logger.Error("webhook decode failed", "err", err)
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evt.Type,
		"occurred_at", evt.Created.Format(time.RFC3339),
	)
	record := storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		Payload:         evt.Payload,
	}

	paidCompletion := (evt.Type == payment.EventCheckoutCompleted || evt.Type == payment.EventCheckoutAsyncSucceeded) &&
		evt.Session != nil && evt.Session.ReservationID != "" && evt.Session.Paid

	var status string
	switch {
	case paidCompletion:
		status, err = h.completeCheckout(r, evt, record)

	case (evt.Type == payment.EventCheckoutExpired || evt.Type == payment.EventCheckoutAsyncFailed) &&
		evt.Session != nil && evt.Session.ReservationID != "":
		err = h.store.ExpireCheckout(r.Context(), record, evt.Session.ReservationID)
		status = "failed"

	default:
		// Unpaid completions wait for the async payment events.
		err = h.store.RecordProviderEvent(r.Context(), record)
		status = "ignored"
	}

	if errors.Is(err, storage.ErrDuplicateProviderEvent) {
		if paidCompletion {
			status, err = h.retryConflictRefund(r.Context(), evt.Session.ReservationID)
		} else {
			status, err = "duplicate", nil
		}
		if err == nil && status == "duplicate" {
			h.logger.Info("payment provider event duplicate ignored", "provider_event_id", evt.ID, "event_type", evt.Type)
		}
	}
	if err != nil {
		h.logger.Error("payment provider event failed", "provider_event_id", evt.ID, "event_type", evt.Type, "err", err)
		http.Error(w, "failed to apply event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *Handler) completeCheckout(r *http.Request, evt payment.Event, record storage.ProviderEvent) (string, error) {
	pin, err := h.cfg.PinCode()
	if err != nil {
		return "", err
	}
	cs := evt.Session
	outcome, res, err := h.store.CompleteCheckout(r.Context(), storage.CheckoutCompletion{
		Event:           record,
		ReservationID:   cs.ReservationID,
		SessionID:       cs.ID,
		PaymentIntentID: cs.PaymentIntentID,
		PinCode:         pin,
		OccurredAt:      evt.Created,
	})
	if err != nil {
		return "", err
	}

	switch outcome {
	case storage.OutcomePaid:
		h.logger.Info("reservation paid", "reservation_id", res.ID, "session_id", cs.ID)
	case storage.OutcomeConflict:
		// Another paid reservation took the range first; give the money back.
		h.logger.Warn("paid reservation overlaps existing booking, refunding", "reservation_id", res.ID, "payment_intent_id", cs.PaymentIntentID)
		if res.RefundStatus == model.RefundPending {
			if err := h.refundConflict(r.Context(), res); err != nil {
				return "", err
			}
		}
	default:
		h.logger.Info("checkout completion ignored", "reservation_id", cs.ReservationID, "status", res.Status)
	}
	return string(outcome), nil
}

// retryConflictRefund handles a replayed paid completion. The first delivery
// may have committed the conflict but failed to refund; the refund is owed
// until MarkRefunded succeeds.
func (h *Handler) retryConflictRefund(ctx context.Context, reservationID string) (string, error) {
	res, err := h.store.Get(ctx, reservationID)
	if errors.Is(err, storage.ErrNotFound) {
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	if res.RefundStatus != model.RefundPending {
		return "duplicate", nil
	}
	if err := h.refundConflict(ctx, res); err != nil {
		return "", err
	}
	return "refunded", nil
}

// refundConflict refunds a payment whose reservation lost its range. The
// idempotency key makes repeated attempts safe.
func (h *Handler) refundConflict(ctx context.Context, res model.Reservation) error {
	if err := h.payments.Refund(ctx, res.PaymentIntentID, "conflict-"+res.ID); err != nil {
		h.logger.Error("conflict refund failed", "reservation_id", res.ID, "payment_intent_id", res.PaymentIntentID, "err", err)
		return err
	}
	if err := h.store.MarkRefunded(ctx, res.ID); err != nil {
		return err
	}
	h.logger.Info("conflict refund issued", "reservation_id", res.ID, "payment_intent_id", res.PaymentIntentID)
	return nil
}
