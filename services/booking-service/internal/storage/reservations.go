package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/surfskatehalle/booking/libs/db"
	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/outbox"
	"github.com/surfskatehalle/booking/services/booking-service/internal/timerange"
)

var (
	ErrNotFound               = errors.New("reservation not found")
	ErrStatusChanged          = errors.New("reservation status changed")
	ErrDuplicateProviderEvent = errors.New("duplicate provider event")
)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, ob *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: ob}
}

const reservationColumns = `
	r.id::text, r.user_id::text, COALESCE(p.email, ''), r.space_id::text, COALESCE(s.name, ''),
	r.duration::text, r.duration_hours, r.amount_minor, r.currency, r.payment_status,
	COALESCE(r.pin_code, ''), r.locale, COALESCE(r.stripe_session_id, ''),
	COALESCE(r.stripe_payment_intent_id, ''), COALESCE(r.refund_status, ''), r.created_at, r.updated_at
	FROM reservations r
	LEFT JOIN spaces s ON s.id = r.space_id
	LEFT JOIN profiles p ON p.id = r.user_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (model.Reservation, error) {
	var res model.Reservation
	var status, refund string
	err := row.Scan(
		&res.ID,
		&res.UserID,
		&res.UserEmail,
		&res.SpaceID,
		&res.SpaceName,
		&res.Duration,
		&res.DurationHours,
		&res.AmountMinor,
		&res.Currency,
		&status,
		&res.PinCode,
		&res.Locale,
		&res.CheckoutSessionID,
		&res.PaymentIntentID,
		&refund,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		return model.Reservation{}, err
	}
	res.Status = model.Status(status)
	res.RefundStatus = model.RefundStatus(refund)
	return res, nil
}

func collect(rows pgx.Rows) ([]model.Reservation, error) {
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PaidRangesForDay returns the raw duration ranges of paid reservations that
// start in [from, to).
func (r *Repository) PaidRangesForDay(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT duration::text
		FROM reservations
		WHERE payment_status = 'paid'
			AND lower(duration) >= $1
			AND lower(duration) < $2
		ORDER BY lower(duration)
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DefaultSpace returns the hall's bookable space; there is one per site.
func (r *Repository) DefaultSpace(ctx context.Context) (model.Space, error) {
	var sp model.Space
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name
		FROM spaces
		ORDER BY created_at
		LIMIT 1
	`).Scan(&sp.ID, &sp.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Space{}, ErrNotFound
	}
	return sp, err
}

// CreatePending records the customer's profile and a pending reservation for
// the quoted range.
func (r *Repository) CreatePending(ctx context.Context, res model.Reservation) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if strings.TrimSpace(res.UserEmail) != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO profiles (id, email)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()
		`, res.UserID, res.UserEmail); err != nil {
			return "", err
		}
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO reservations
			(user_id, space_id, duration, duration_hours, amount_minor, currency, payment_status, locale)
		VALUES ($1, $2, $3::tstzrange, $4, $5, $6, 'pending', $7)
		RETURNING id::text
	`, res.UserID, res.SpaceID, res.Duration, res.DurationHours, res.AmountMinor, res.Currency, res.Locale).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, tx.Commit(ctx)
}

func (r *Repository) AttachCheckoutSession(ctx context.Context, reservationID, sessionID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reservations
		SET stripe_session_id = $2, updated_at = now()
		WHERE id = $1
	`, reservationID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves a pending reservation to failed. Other states are left
// untouched.
func (r *Repository) MarkFailed(ctx context.Context, reservationID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE reservations
		SET payment_status = 'failed', updated_at = now()
		WHERE id = $1 AND payment_status = 'pending'
	`, reservationID)
	return err
}

func (r *Repository) Get(ctx context.Context, reservationID string) (model.Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` WHERE r.id = $1`, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Reservation{}, ErrNotFound
	}
	return res, err
}

func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+`
		WHERE r.user_id = $1
		ORDER BY r.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *Repository) ListAll(ctx context.Context, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+`
		ORDER BY r.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListStalePending returns pending reservations created before cutoff,
// oldest first.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+`
		WHERE r.payment_status = 'pending' AND r.created_at < $1
		ORDER BY r.created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListRefundPending returns failed reservations whose conflict refund has
// not been confirmed yet, oldest first.
func (r *Repository) ListRefundPending(ctx context.Context, limit int) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+`
		WHERE r.refund_status = 'pending'
		ORDER BY r.updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// MarkRefunded records that the pending refund went through.
func (r *Repository) MarkRefunded(ctx context.Context, reservationID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE reservations
		SET refund_status = 'refunded', updated_at = now()
		WHERE id = $1 AND refund_status = 'pending'
	`, reservationID)
	return err
}

func (r *Repository) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = 'admin')
	`, userID).Scan(&ok)
	return ok, err
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// RecordProviderEvent stores an event that needs no further handling so a
// replay is recognised.
func (r *Repository) RecordProviderEvent(ctx context.Context, evt ProviderEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertProviderEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

type CheckoutCompletion struct {
	Event           ProviderEvent
	ReservationID   string
	SessionID       string
	PaymentIntentID string
	PinCode         string
	OccurredAt      time.Time
}

type Outcome string

const (
	OutcomePaid     Outcome = "paid"
	OutcomeConflict Outcome = "conflict"
	OutcomeIgnored  Outcome = "ignored"
)

// CompleteCheckout marks a pending reservation paid and queues the paid
// event. When the range overlaps another paid reservation the exclusion
// constraint rejects the update; the reservation is then marked failed with
// a pending refund and OutcomeConflict is returned so the caller can refund.
func (r *Repository) CompleteCheckout(ctx context.Context, c CheckoutCompletion) (Outcome, model.Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", model.Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertProviderEvent(ctx, tx, c.Event); err != nil {
		return "", model.Reservation{}, err
	}

	res, err := getForUpdate(ctx, tx, c.ReservationID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeIgnored, model.Reservation{}, tx.Commit(ctx)
	}
	if err != nil {
		return "", model.Reservation{}, err
	}
	if res.Status != model.StatusPending {
		return OutcomeIgnored, res, tx.Commit(ctx)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return "", model.Reservation{}, err
	}
	_, err = sp.Exec(ctx, `
		UPDATE reservations
		SET payment_status = 'paid',
			pin_code = $2,
			stripe_session_id = COALESCE(NULLIF($3, ''), stripe_session_id),
			stripe_payment_intent_id = NULLIF($4, ''),
			updated_at = now()
		WHERE id = $1
	`, res.ID, c.PinCode, c.SessionID, c.PaymentIntentID)
	res.PaymentIntentID = c.PaymentIntentID
	if err != nil {
		_ = sp.Rollback(ctx)
		if !db.IsExclusionViolation(err) {
			return "", model.Reservation{}, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reservations
			SET payment_status = 'failed',
				stripe_payment_intent_id = NULLIF($2, ''),
				refund_status = CASE WHEN $2::text = '' THEN NULL ELSE 'pending' END,
				updated_at = now()
			WHERE id = $1
		`, res.ID, c.PaymentIntentID); err != nil {
			return "", model.Reservation{}, err
		}
		res.Status = model.StatusFailed
		if c.PaymentIntentID != "" {
			res.RefundStatus = model.RefundPending
		}
		return OutcomeConflict, res, tx.Commit(ctx)
	}
	if err := sp.Commit(ctx); err != nil {
		return "", model.Reservation{}, err
	}

	res.Status = model.StatusPaid
	res.PinCode = c.PinCode
	if err := r.enqueue(ctx, tx, model.EventReservationPaid, res, c.OccurredAt); err != nil {
		return "", model.Reservation{}, err
	}
	return OutcomePaid, res, tx.Commit(ctx)
}

// ExpireCheckout fails the pending reservation behind an expired session.
func (r *Repository) ExpireCheckout(ctx context.Context, evt ProviderEvent, reservationID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertProviderEvent(ctx, tx, evt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET payment_status = 'failed', updated_at = now()
		WHERE id = $1 AND payment_status = 'pending'
	`, reservationID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkCancelled cancels a paid reservation and queues the cancelled event.
func (r *Repository) MarkCancelled(ctx context.Context, reservationID, actorID string, at time.Time) (model.Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := getForUpdate(ctx, tx, reservationID)
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Status != model.StatusPaid {
		return model.Reservation{}, ErrStatusChanged
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET payment_status = 'cancelled', cancelled_by = $2, cancelled_at = $3, updated_at = now()
		WHERE id = $1
	`, res.ID, actorID, at); err != nil {
		return model.Reservation{}, err
	}

	res.Status = model.StatusCancelled
	if err := r.enqueue(ctx, tx, model.EventReservationCancelled, res, at); err != nil {
		return model.Reservation{}, err
	}
	return res, tx.Commit(ctx)
}

func getForUpdate(ctx context.Context, tx pgx.Tx, reservationID string) (model.Reservation, error) {
	res, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+`
		WHERE r.id = $1
		FOR UPDATE OF r
	`, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Reservation{}, ErrNotFound
	}
	return res, err
}

func (r *Repository) enqueue(ctx context.Context, tx pgx.Tx, eventType string, res model.Reservation, at time.Time) error {
	evt, err := NewReservationEvent(res, at)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "reservation",
		AggregateID:   res.ID,
		EventType:     eventType,
		Payload:       payload,
	})
	return err
}

// NewReservationEvent builds the topic payload for res.
func NewReservationEvent(res model.Reservation, at time.Time) (model.ReservationEvent, error) {
	iv, err := timerange.Parse(res.Duration)
	if err != nil {
		return model.ReservationEvent{}, fmt.Errorf("reservation %s: %w", res.ID, err)
	}
	return model.ReservationEvent{
		ReservationID: res.ID,
		UserID:        res.UserID,
		Email:         res.UserEmail,
		Locale:        res.Locale,
		SpaceName:     res.SpaceName,
		StartsAt:      iv.Start.UTC(),
		EndsAt:        iv.End.UTC(),
		DurationHours: res.DurationHours,
		AmountMinor:   res.AmountMinor,
		Currency:      res.Currency,
		PinCode:       res.PinCode,
		Status:        res.Status,
		OccurredAt:    at.UTC(),
	}, nil
}
