// Package notify turns reservation events into customer mails.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/surfskatehalle/booking/libs/kafkax"
	"github.com/surfskatehalle/booking/libs/locale"
	"github.com/surfskatehalle/booking/services/notification-service/internal/email"
	"github.com/surfskatehalle/booking/services/notification-service/internal/storage"
)

const (
	EventReservationPaid      = "booking.reservation.paid.v1"
	EventReservationCancelled = "booking.reservation.cancelled.v1"
)

// Topics lists the event types this service reacts to.
var Topics = []string{EventReservationPaid, EventReservationCancelled}

// ReservationEvent mirrors the payload the booking service publishes.
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
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Recorder interface {
	Insert(ctx context.Context, n storage.Notification) error
}

type Notifier struct {
	sender   email.Sender
	recorder Recorder
	location *time.Location
	logger   *slog.Logger
}

func New(sender email.Sender, recorder Recorder, location *time.Location, logger *slog.Logger) *Notifier {
	if location == nil {
		location = time.UTC
	}
	return &Notifier{sender: sender, recorder: recorder, location: location, logger: logger}
}

// Handle sends the mail for one event. Malformed events are logged and
// dropped; send and persistence failures are returned for redelivery.
func (n *Notifier) Handle(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)
	var kind email.Kind
	switch meta.EventType {
	case EventReservationPaid:
		kind = email.KindPaid
	case EventReservationCancelled:
		kind = email.KindCancelled
	default:
		n.logger.Warn("unhandled event type", "event_type", meta.EventType)
		return nil
	}

	var evt ReservationEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		n.logger.Error("invalid reservation payload", "err", err, "event_id", meta.EventID)
		return nil
	}
	if evt.ReservationID == "" || strings.TrimSpace(evt.Email) == "" || !evt.StartsAt.Before(evt.EndsAt) {
		n.logger.Error("incomplete reservation payload", "event_id", meta.EventID, "reservation_id", evt.ReservationID)
		return nil
	}

	lang, err := locale.Parse(evt.Locale)
	if err != nil {
		lang = locale.Default
	}
	subject, body, err := email.Render(kind, lang, n.location, email.Reservation{
		ID:            evt.ReservationID,
		SpaceName:     evt.SpaceName,
		StartsAt:      evt.StartsAt,
		EndsAt:        evt.EndsAt,
		DurationHours: evt.DurationHours,
		AmountMinor:   evt.AmountMinor,
		Currency:      evt.Currency,
		PinCode:       evt.PinCode,
	})
	if err != nil {
		return fmt.Errorf("render %s mail: %w", kind, err)
	}

	record := storage.Notification{
		ReservationID: evt.ReservationID,
		EventType:     meta.EventType,
		Recipient:     evt.Email,
		Locale:        string(lang),
		Status:        "sent",
	}
	sendErr := n.sender.Send(evt.Email, subject, body)
	if sendErr != nil {
		record.Status = "failed"
		record.Error = sendErr.Error()
	}
	if err := n.recorder.Insert(ctx, record); err != nil {
		n.logger.Error("failed to persist notification", "err", err, "reservation_id", evt.ReservationID)
	}
	if sendErr != nil {
		return fmt.Errorf("send mail: %w", sendErr)
	}
	n.logger.Info("reservation mail sent", "reservation_id", evt.ReservationID, "event_type", meta.EventType, "locale", lang)
	return nil
}
