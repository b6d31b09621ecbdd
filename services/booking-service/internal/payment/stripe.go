package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	MinSessionTTL = 31 * time.Minute
	MaxSessionTTL = 23 * time.Hour
)

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	SessionTTL       time.Duration
	// Backend overrides the API backend; tests point it at httptest.
	Backend stripe.Backend
}

type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	sessionTTL    time.Duration
	now           func() time.Time
}

func NewStripe(cfg StripeConfig) *Stripe {
	var backends *stripe.Backends
	if cfg.Backend != nil {
		backends = &stripe.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}
	// Stripe accepts expiry between 30 minutes and 24 hours after creation,
	// measured on its clock.
	cfg.SessionTTL = min(max(cfg.SessionTTL, MinSessionTTL), MaxSessionTTL)
	return &Stripe{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     cfg.WebhookTolerance,
		sessionTTL:    cfg.SessionTTL,
		now:           time.Now,
	}
}

// SessionTTL is the checkout lifetime actually requested from Stripe.
func (s *Stripe) SessionTTL() time.Duration {
	return s.sessionTTL
}

// NewBackend returns an API backend for baseURL using httpClient.
func NewBackend(baseURL string, httpClient *http.Client) stripe.Backend {
	return stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	})
}

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ReservationID),
		ExpiresAt:         stripe.Int64(s.now().Add(s.sessionTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			MetadataReservationID: req.ReservationID,
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				MetadataReservationID: req.ReservationID,
			},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(req.Locale)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	return Session{ID: sess.ID, URL: sess.URL}, nil
}

// Refund returns the full amount of a payment intent. The idempotency key
// makes repeated cancels refund once.
func (s *Stripe) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	if strings.TrimSpace(paymentIntentID) == "" {
		return fmt.Errorf("refund: payment intent id is empty")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	if idempotencyKey != "" {
		params.IdempotencyKey = stripe.String(idempotencyKey)
	}
	params.Context = ctx

	if _, err := s.api.Refunds.New(params); err != nil {
		return fmt.Errorf("refund %s: %w", paymentIntentID, err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (s *Stripe) ParseWebhook(payload []byte, sigHeader string) (Event, error) {
	if strings.TrimSpace(s.webhookSecret) == "" {
		return Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
		Payload: payload,
	}
	if !strings.HasPrefix(out.Type, "checkout.session.") || evt.Data == nil {
		return out, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		return Event{}, fmt.Errorf("decode checkout session: %w", err)
	}
	out.Session = toCheckoutSession(&session)
	return out, nil
}

// GetCheckout reads the current state of a checkout session.
func (s *Stripe) GetCheckout(ctx context.Context, sessionID string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	return *toCheckoutSession(session), nil
}

// ExpireCheckout closes an open session so it can no longer be paid.
func (s *Stripe) ExpireCheckout(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := s.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		return fmt.Errorf("expire checkout session %s: %w", sessionID, err)
	}
	return nil
}

func toCheckoutSession(session *stripe.CheckoutSession) *CheckoutSession {
	cs := &CheckoutSession{
		ID:            session.ID,
		ReservationID: strings.TrimSpace(session.Metadata[MetadataReservationID]),
		Paid:          session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Expired:       session.Status == stripe.CheckoutSessionStatusExpired,
	}
	if cs.ReservationID == "" {
		cs.ReservationID = strings.TrimSpace(session.ClientReferenceID)
	}
	if session.PaymentIntent != nil {
		cs.PaymentIntentID = session.PaymentIntent.ID
	}
	return cs
}
