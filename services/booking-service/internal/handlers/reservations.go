package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/surfskatehalle/booking/libs/auth"
	"github.com/surfskatehalle/booking/libs/locale"
	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/storage"
	"github.com/surfskatehalle/booking/services/booking-service/internal/timerange"
)

type reservationItem struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	SpaceName     string `json:"space_name"`
	StartsAt      string `json:"starts_at,omitempty"`
	EndsAt        string `json:"ends_at,omitempty"`
	Label         string `json:"label,omitempty"`
	DurationHours int    `json:"duration_hours"`
	Status        string `json:"status"`
	PinCode       string `json:"pin_code,omitempty"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	CreatedAt     string `json:"created_at"`
}

type cancelRequest struct {
	ReservationID string `json:"reservation_id"`
}

type cancelResponse struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	Refunded      bool   `json:"refunded"`
}

func (h *Handler) MyReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}

	list, err := h.store.ListByUser(r.Context(), p.UserID, h.cfg.ListLimit)
	if err != nil {
		h.logger.Error("list reservations failed", "user_id", p.UserID, "err", err)
		http.Error(w, "failed to list reservations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.toItems(list, h.language(r), false))
}

func (h *Handler) AdminReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	list, err := h.store.ListAll(r.Context(), h.cfg.ListLimit)
	if err != nil {
		h.logger.Error("list all reservations failed", "err", err)
		http.Error(w, "failed to list reservations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.toItems(list, h.language(r), true))
}

// AdminCancel refunds a paid reservation and marks it cancelled.
func (h *Handler) AdminCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ReservationID = strings.TrimSpace(req.ReservationID)
	if req.ReservationID == "" {
		http.Error(w, "reservation_id is required", http.StatusBadRequest)
		return
	}

	res, err := h.store.Get(r.Context(), req.ReservationID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load reservation", http.StatusInternalServerError)
		return
	}
	if res.Status != model.StatusPaid {
		http.Error(w, "only paid reservations can be cancelled", http.StatusConflict)
		return
	}

	refunded := false
	if res.PaymentIntentID != "" {
		if err := h.payments.Refund(r.Context(), res.PaymentIntentID, "cancel-"+res.ID); err != nil {
			h.logger.Error("refund failed", "reservation_id", res.ID, "err", err)
			http.Error(w, "refund failed", http.StatusBadGateway)
			return
		}
		refunded = true
	} else {
		h.logger.Warn("cancelling paid reservation without payment intent", "reservation_id", res.ID)
	}

	if _, err := h.store.MarkCancelled(r.Context(), res.ID, admin.UserID, h.now()); err != nil {
		if errors.Is(err, storage.ErrStatusChanged) {
			http.Error(w, "reservation status changed", http.StatusConflict)
			return
		}
		h.logger.Error("mark cancelled failed", "reservation_id", res.ID, "err", err)
		http.Error(w, "failed to cancel reservation", http.StatusInternalServerError)
		return
	}

	h.logger.Info("reservation cancelled", "reservation_id", res.ID, "admin_id", admin.UserID, "refunded", refunded)
	writeJSON(w, http.StatusOK, cancelResponse{
		ReservationID: res.ID,
		Status:        string(model.StatusCancelled),
		Refunded:      refunded,
	})
}

// requireAdmin accepts an admin token role or a user_roles admin row.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := principal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if p.Role == "admin" {
		return p, true
	}
	isAdmin, err := h.store.IsAdmin(r.Context(), p.UserID)
	if err != nil {
		h.logger.Error("admin role lookup failed", "user_id", p.UserID, "err", err)
		http.Error(w, "failed to check role", http.StatusInternalServerError)
		return auth.Principal{}, false
	}
	if !isAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return auth.Principal{}, false
	}
	return p, true
}

// toItems renders reservations; start and end are omitted when the stored
// range does not parse.
func (h *Handler) toItems(list []model.Reservation, lang locale.Lang, withEmail bool) []reservationItem {
	out := make([]reservationItem, 0, len(list))
	for _, res := range list {
		item := reservationItem{
			ID:            res.ID,
			SpaceName:     res.SpaceName,
			DurationHours: res.DurationHours,
			Status:        string(res.Status),
			AmountMinor:   res.AmountMinor,
			Currency:      res.Currency,
			CreatedAt:     res.CreatedAt.UTC().Format(time.RFC3339),
		}
		if withEmail {
			item.Email = res.UserEmail
		}
		if res.Status == model.StatusPaid {
			item.PinCode = res.PinCode
		}
		if iv, err := timerange.Parse(res.Duration); err == nil {
			start, end := iv.Start.In(h.cfg.Location), iv.End.In(h.cfg.Location)
			item.StartsAt = start.Format(time.RFC3339)
			item.EndsAt = end.Format(time.RFC3339)
			item.Label = locale.RangeLabel(lang, start, end)
		} else {
			h.logger.Warn("reservation with unparseable range", "reservation_id", res.ID, "err", err)
		}
		out = append(out, item)
	}
	return out
}
