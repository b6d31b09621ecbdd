package storage

import (
	"context"

	"github.com/surfskatehalle/booking/libs/db"
)

type Notification struct {
	ReservationID string
	EventType     string
	Recipient     string
	Locale        string
	Status        string
	Error         string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (reservation_id, event_type, recipient, locale, status, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, n.ReservationID, n.EventType, n.Recipient, n.Locale, n.Status, n.Error)
	return err
}
