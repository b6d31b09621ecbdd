// Package reconcile settles pending reservations whose checkout webhook never
// arrived by asking Stripe for the session state, and retries conflict
// refunds that did not go through.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/surfskatehalle/booking/libs/db"
	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/payment"
	"github.com/surfskatehalle/booking/services/booking-service/internal/pincode"
	"github.com/surfskatehalle/booking/services/booking-service/internal/storage"
)

const (
	provider    = "stripe-reconcile"
	staleMargin = 15 * time.Minute
)

type Store interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error)
	CompleteCheckout(ctx context.Context, c storage.CheckoutCompletion) (storage.Outcome, model.Reservation, error)
	ExpireCheckout(ctx context.Context, evt storage.ProviderEvent, reservationID string) error
	MarkFailed(ctx context.Context, reservationID string) error
	ListRefundPending(ctx context.Context, limit int) ([]model.Reservation, error)
	MarkRefunded(ctx context.Context, reservationID string) error
}

type Payments interface {
	GetCheckout(ctx context.Context, sessionID string) (payment.CheckoutSession, error)
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) error
}

// lockConn is the dedicated connection that holds the session-level advisory
// lock while this instance leads.
type lockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Release()
}

type CheckoutReconciler struct {
	acquire     func(ctx context.Context) (lockConn, error)
	store       Store
	payments    Payments
	logger      *slog.Logger
	staleAfter  time.Duration
	batchSize   int
	advisoryKey int64
	now         func() time.Time
	pinCode     func() (string, error)
}

type Config struct {
	// StaleAfter is how long a reservation may stay pending before Stripe is
	// asked directly. It is raised to at least SessionTTL plus a margin so
	// open sessions are never failed while still payable.
	StaleAfter      time.Duration
	SessionTTL      time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func NewCheckoutReconciler(pool *db.Pool, store Store, payments Payments, logger *slog.Logger, cfg Config) *CheckoutReconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 75 * time.Minute
	}
	if floor := cfg.SessionTTL + staleMargin; cfg.SessionTTL > 0 && cfg.StaleAfter < floor {
		cfg.StaleAfter = floor
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 7312001
	}
	return &CheckoutReconciler{
		acquire: func(ctx context.Context) (lockConn, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		store:       store,
		payments:    payments,
		logger:      logger,
		staleAfter:  cfg.StaleAfter,
		batchSize:   cfg.BatchSize,
		advisoryKey: cfg.AdvisoryLockKey,
		now:         time.Now,
		pinCode:     pincode.Generate,
	}
}

// Run reconciles every interval. Only the instance holding the advisory lock
// does any work. The lock is session-scoped, so it is taken and released on
// one connection kept out of the pool while this instance leads.
func (r *CheckoutReconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for ctx.Err() == nil {
		conn, ok := r.acquireLock(ctx)
		if !ok {
			continue
		}
		r.lead(ctx, conn, interval)
	}
}

func (r *CheckoutReconciler) acquireLock(ctx context.Context) (lockConn, bool) {
	conn, err := r.acquire(ctx)
	if err != nil {
		r.logger.Error("checkout reconcile: failed to acquire connection", "err", err)
		sleep(ctx, 5*time.Second)
		return nil, false
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
		conn.Release()
		r.logger.Error("checkout reconcile: failed to acquire advisory lock", "err", err)
		sleep(ctx, 5*time.Second)
		return nil, false
	}
	if !locked {
		conn.Release()
		r.logger.Info("checkout reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
		sleep(ctx, 30*time.Second)
		return nil, false
	}
	r.logger.Info("checkout reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
	return conn, true
}

// lead runs the reconcile loop until ctx ends or the lock connection drops.
func (r *CheckoutReconciler) lead(ctx context.Context, conn lockConn, interval time.Duration) {
	defer func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey); err != nil {
			r.logger.Warn("checkout reconcile: advisory unlock failed", "err", err)
		}
		conn.Release()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.ReconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				r.logger.Warn("checkout reconcile: lock connection lost", "err", err)
				return
			}
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce processes one batch and returns how many reservations left
// the pending state. Outstanding conflict refunds are retried afterwards.
func (r *CheckoutReconciler) ReconcileOnce(ctx context.Context) int {
	settled := r.settlePending(ctx)
	if n := r.RetryRefunds(ctx); n > 0 {
		r.logger.Info("checkout reconcile: conflict refunds issued", "count", n)
	}
	return settled
}

func (r *CheckoutReconciler) settlePending(ctx context.Context) int {
	now := r.now().UTC()
	pending, err := r.store.ListStalePending(ctx, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		r.logger.Error("checkout reconcile: failed to list pending reservations", "err", err)
		return 0
	}

	settled := 0
	for _, res := range pending {
		if ctx.Err() != nil {
			return settled
		}
		if r.settle(ctx, res, now) {
			settled++
		}
	}
	return settled
}

func (r *CheckoutReconciler) settle(ctx context.Context, res model.Reservation, now time.Time) bool {
	if res.CheckoutSessionID == "" {
		// Checkout creation never finished.
		if err := r.store.MarkFailed(ctx, res.ID); err != nil {
			r.logger.Warn("checkout reconcile: mark failed", "err", err, "reservation_id", res.ID)
			return false
		}
		r.logger.Info("checkout reconcile: reservation without session failed", "reservation_id", res.ID)
		return true
	}

	cs, err := r.payments.GetCheckout(ctx, res.CheckoutSessionID)
	if err != nil {
		r.logger.Warn("checkout reconcile: failed to fetch session", "err", err, "reservation_id", res.ID, "session_id", res.CheckoutSessionID)
		return false
	}

	switch {
	case cs.Paid:
		return r.complete(ctx, res, cs, now)
	case cs.Expired:
		evt, err := providerEvent(cs, payment.EventCheckoutExpired)
		if err == nil {
			err = r.store.ExpireCheckout(ctx, evt, res.ID)
		}
		if err != nil {
			r.logger.Warn("checkout reconcile: expire failed", "err", err, "reservation_id", res.ID)
			return false
		}
		r.logger.Info("checkout reconcile: reservation expired", "reservation_id", res.ID, "session_id", cs.ID)
		return true
	default:
		return false
	}
}

func (r *CheckoutReconciler) complete(ctx context.Context, res model.Reservation, cs payment.CheckoutSession, now time.Time) bool {
	evt, err := providerEvent(cs, payment.EventCheckoutCompleted)
	if err != nil {
		r.logger.Warn("checkout reconcile: encode event", "err", err)
		return false
	}
	pin, err := r.pinCode()
	if err != nil {
		r.logger.Error("checkout reconcile: pin generation failed", "err", err)
		return false
	}
	outcome, settled, err := r.store.CompleteCheckout(ctx, storage.CheckoutCompletion{
		Event:           evt,
		ReservationID:   res.ID,
		SessionID:       cs.ID,
		PaymentIntentID: cs.PaymentIntentID,
		PinCode:         pin,
		OccurredAt:      now,
	})
	if err != nil {
		r.logger.Warn("checkout reconcile: complete failed", "err", err, "reservation_id", res.ID)
		return false
	}
	switch outcome {
	case storage.OutcomePaid:
		r.logger.Info("checkout reconcile: reservation paid", "reservation_id", settled.ID, "session_id", cs.ID)
	case storage.OutcomeConflict:
		r.logger.Warn("checkout reconcile: paid reservation overlaps existing booking, refunding", "reservation_id", res.ID)
		if settled.RefundStatus == model.RefundPending {
			// A failure stays pending and is picked up by RetryRefunds.
			_ = r.refund(ctx, settled)
		}
	}
	return outcome != storage.OutcomeIgnored
}

// RetryRefunds issues the conflict refunds still marked pending and returns
// how many went through.
func (r *CheckoutReconciler) RetryRefunds(ctx context.Context) int {
	owed, err := r.store.ListRefundPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("checkout reconcile: failed to list pending refunds", "err", err)
		return 0
	}
	done := 0
	for _, res := range owed {
		if ctx.Err() != nil {
			return done
		}
		if r.refund(ctx, res) == nil {
			done++
		}
	}
	return done
}

func (r *CheckoutReconciler) refund(ctx context.Context, res model.Reservation) error {
	if err := r.payments.Refund(ctx, res.PaymentIntentID, "conflict-"+res.ID); err != nil {
		r.logger.Error("checkout reconcile: conflict refund failed", "reservation_id", res.ID, "err", err)
		return err
	}
	if err := r.store.MarkRefunded(ctx, res.ID); err != nil {
		r.logger.Error("checkout reconcile: mark refunded failed", "reservation_id", res.ID, "err", err)
		return err
	}
	return nil
}

func providerEvent(cs payment.CheckoutSession, eventType string) (storage.ProviderEvent, error) {
	payload, err := json.Marshal(map[string]any{
		"session_id":        cs.ID,
		"payment_intent_id": cs.PaymentIntentID,
		"paid":              cs.Paid,
		"expired":           cs.Expired,
	})
	if err != nil {
		return storage.ProviderEvent{}, err
	}
	return storage.ProviderEvent{
		Provider:        provider,
		ProviderEventID: cs.ID + ":" + eventType,
		EventType:       eventType,
		Payload:         payload,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
