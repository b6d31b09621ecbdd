package model

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RefundStatus tracks the refund owed for a paid session that lost its slot.
type RefundStatus string

const (
	RefundNone     RefundStatus = ""
	RefundPending  RefundStatus = "pending"
	RefundRefunded RefundStatus = "refunded"
)

type Reservation struct {
	ID                string
	UserID            string
	UserEmail         string
	SpaceID           string
	SpaceName         string
	Duration          string // tstzrange text as stored
	DurationHours     int
	AmountMinor       int64
	Currency          string
	Status            Status
	PinCode           string
	Locale            string
	CheckoutSessionID string
	PaymentIntentID   string
	RefundStatus      RefundStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Space struct {
	ID   string
	Name string
}

// ReservationEvent is the payload of the reservation topics.
type ReservationEvent struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Locale        string    `json:"locale"`
	SpaceName     string    `json:"space_name"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	DurationHours int       `json:"duration_hours"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	PinCode       string    `json:"pin_code,omitempty"`
	Status        Status    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

const (
	EventReservationPaid      = "booking.reservation.paid.v1"
	EventReservationCancelled = "booking.reservation.cancelled.v1"
)
