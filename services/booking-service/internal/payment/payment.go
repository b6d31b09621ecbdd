// Package payment hands reservations to Stripe Checkout and reads back the
// webhook events that settle them.
package payment

import (
	"errors"
	"time"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

const MetadataReservationID = "reservation_id"

type CheckoutRequest struct {
	ReservationID  string
	CustomerEmail  string
	Locale         string
	Description    string
	AmountMinor    int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type Session struct {
	ID  string
	URL string
}

// Event is a verified provider event. Session is set for checkout events.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Payload []byte
	Session *CheckoutSession
}

type CheckoutSession struct {
	ID              string
	ReservationID   string
	PaymentIntentID string
	Paid            bool
	Expired         bool
}

const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired        = "checkout.session.expired"
)
