package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/surfskatehalle/booking/libs/auth"
	"github.com/surfskatehalle/booking/libs/locale"
	"github.com/surfskatehalle/booking/services/booking-service/internal/availability"
	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/payment"
	"github.com/surfskatehalle/booking/services/booking-service/internal/pincode"
	"github.com/surfskatehalle/booking/services/booking-service/internal/storage"
)

type Store interface {
	PaidRangesForDay(ctx context.Context, from, to time.Time) ([]string, error)
	DefaultSpace(ctx context.Context) (model.Space, error)
	CreatePending(ctx context.Context, res model.Reservation) (string, error)
	AttachCheckoutSession(ctx context.Context, reservationID, sessionID string) error
	MarkFailed(ctx context.Context, reservationID string) error
	Get(ctx context.Context, reservationID string) (model.Reservation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Reservation, error)
	ListAll(ctx context.Context, limit int) ([]model.Reservation, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
	RecordProviderEvent(ctx context.Context, evt storage.ProviderEvent) error
	CompleteCheckout(ctx context.Context, c storage.CheckoutCompletion) (storage.Outcome, model.Reservation, error)
	ExpireCheckout(ctx context.Context, evt storage.ProviderEvent, reservationID string) error
	MarkCancelled(ctx context.Context, reservationID, actorID string, at time.Time) (model.Reservation, error)
	MarkRefunded(ctx context.Context, reservationID string) error
}

type Payments interface {
	CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.Session, error)
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error
	ExpireCheckout(ctx context.Context, sessionID string) error
	ParseWebhook(payload []byte, sigHeader string) (payment.Event, error)
}

type Preferences interface {
	Get(ctx context.Context, userID string) (locale.Lang, bool, error)
	Set(ctx context.Context, userID string, lang locale.Lang) error
}

type Config struct {
	// Location is the facility's time zone; days and opening hours are
	// interpreted in it.
	Location   *time.Location
	Policy     availability.Policy
	SuccessURL string
	CancelURL  string
	ListLimit  int

	Now     func() time.Time
	PinCode func() (string, error)
}

type Handler struct {
	store    Store
	payments Payments
	prefs    Preferences
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
}

func New(store Store, payments Payments, prefs Preferences, logger *slog.Logger, cfg Config) *Handler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PinCode == nil {
		cfg.PinCode = pincode.Generate
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &Handler{
		store:    store,
		payments: payments,
		prefs:    prefs,
		logger:   logger,
		tracer:   otel.Tracer("booking-service/handlers"),
		cfg:      cfg,
	}
}

// Register mounts the API on mux. requireAuth guards every route except the
// payment webhook, which authenticates by signature.
func (h *Handler) Register(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	authed := func(fn http.HandlerFunc) http.Handler { return requireAuth(fn) }

	mux.Handle("/api/v1/slots", authed(h.Slots))
	mux.Handle("/api/v1/quotes", authed(h.Quote))
	mux.Handle("/api/v1/checkout", authed(h.Checkout))
	mux.Handle("/api/v1/reservations", authed(h.MyReservations))
	mux.Handle("/api/v1/admin/reservations", authed(h.AdminReservations))
	mux.Handle("/api/v1/admin/reservations/cancel", authed(h.AdminCancel))
	mux.Handle("/api/v1/me/locale", authed(h.Locale))
	mux.HandleFunc("/api/v1/payments/webhook", h.PaymentWebhook)
}

func (h *Handler) now() time.Time {
	return h.cfg.Now().In(h.cfg.Location)
}

// language picks the caller's stored preference, then Accept-Language.
func (h *Handler) language(r *http.Request) locale.Lang {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && h.prefs != nil {
		lang, found, err := h.prefs.Get(r.Context(), p.UserID)
		if err != nil {
			h.logger.Warn("locale preference lookup failed", "user_id", p.UserID, "err", err)
		} else if found {
			return lang
		}
	}
	return locale.Negotiate(r.Header.Get("Accept-Language"))
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Principal{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
