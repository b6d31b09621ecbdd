package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/surfskatehalle/booking/libs/auth"
	"github.com/surfskatehalle/booking/libs/locale"
	"github.com/surfskatehalle/booking/services/booking-service/internal/model"
	"github.com/surfskatehalle/booking/services/booking-service/internal/payment"
	"github.com/surfskatehalle/booking/services/booking-service/internal/storage"
)

var (
	hall    = time.FixedZone("CEST", 2*60*60)
	testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, hall)
)

type fakeStore struct {
	ranges       []string
	rangesErr    error
	reservations map[string]model.Reservation
	admins       map[string]bool
	events       map[string]bool
	nextID       int
	created      []model.Reservation
	completions  []storage.CheckoutCompletion
	outcome      storage.Outcome
	expired      []string
	failed       []string
	sessions     map[string]string
	attachErr    error
	refunded     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reservations: map[string]model.Reservation{},
		admins:       map[string]bool{},
		events:       map[string]bool{},
		sessions:     map[string]string{},
		outcome:      storage.OutcomePaid,
	}
}

func (f *fakeStore) PaidRangesForDay(_ context.Context, _, _ time.Time) ([]string, error) {
	return f.ranges, f.rangesErr
}

func (f *fakeStore) DefaultSpace(context.Context) (model.Space, error) {
	return model.Space{ID: "space-1", Name: "Surfskatehalle"}, nil
}

func (f *fakeStore) CreatePending(_ context.Context, res model.Reservation) (string, error) {
	f.nextID++
	res.ID = "res-" + string(rune('0'+f.nextID))
	res.Status = model.StatusPending
	f.reservations[res.ID] = res
	f.created = append(f.created, res)
	return res.ID, nil
}

func (f *fakeStore) AttachCheckoutSession(_ context.Context, id, sessionID string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.sessions[id] = sessionID
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (model.Reservation, error) {
	res, ok := f.reservations[id]
	if !ok {
		return model.Reservation{}, storage.ErrNotFound
	}
	return res, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string, _ int) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, res := range f.reservations {
		if res.UserID == userID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAll(context.Context, int) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, res := range f.reservations {
		out = append(out, res)
	}
	return out, nil
}

func (f *fakeStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	return f.admins[userID], nil
}

func (f *fakeStore) record(evt storage.ProviderEvent) error {
	if f.events[evt.ProviderEventID] {
		return storage.ErrDuplicateProviderEvent
	}
	f.events[evt.ProviderEventID] = true
	return nil
}

func (f *fakeStore) RecordProviderEvent(_ context.Context, evt storage.ProviderEvent) error {
	return f.record(evt)
}

func (f *fakeStore) CompleteCheckout(_ context.Context, c storage.CheckoutCompletion) (storage.Outcome, model.Reservation, error) {
	if err := f.record(c.Event); err != nil {
		return "", model.Reservation{}, err
	}
	f.completions = append(f.completions, c)
	res := f.reservations[c.ReservationID]
	if f.outcome == storage.OutcomeConflict {
		res.Status = model.StatusFailed
		res.PaymentIntentID = c.PaymentIntentID
		if c.PaymentIntentID != "" {
			res.RefundStatus = model.RefundPending
		}
		f.reservations[c.ReservationID] = res
	}
	return f.outcome, res, nil
}

func (f *fakeStore) MarkRefunded(_ context.Context, id string) error {
	res := f.reservations[id]
	if res.RefundStatus == model.RefundPending {
		res.RefundStatus = model.RefundRefunded
		f.reservations[id] = res
		f.refunded = append(f.refunded, id)
	}
	return nil
}

func (f *fakeStore) ExpireCheckout(_ context.Context, evt storage.ProviderEvent, id string) error {
	if err := f.record(evt); err != nil {
		return err
	}
	f.expired = append(f.expired, id)
	return nil
}

func (f *fakeStore) MarkCancelled(_ context.Context, id, _ string, _ time.Time) (model.Reservation, error) {
	res := f.reservations[id]
	if res.Status != model.StatusPaid {
		return model.Reservation{}, storage.ErrStatusChanged
	}
	res.Status = model.StatusCancelled
	f.reservations[id] = res
	return res, nil
}

type fakePayments struct {
	checkouts   []payment.CheckoutRequest
	checkoutErr error
	refunds     []string
	refundErr   error
	expired     []string
	expireErr   error
	event       payment.Event
	parseErr    error
}

func (f *fakePayments) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.Session, error) {
	f.checkouts = append(f.checkouts, req)
	if f.checkoutErr != nil {
		return payment.Session{}, f.checkoutErr
	}
	return payment.Session{ID: "cs_" + req.ReservationID, URL: "https://checkout.example/" + req.ReservationID}, nil
}

func (f *fakePayments) Refund(_ context.Context, paymentIntentID, key string) error {
	f.refunds = append(f.refunds, paymentIntentID+"|"+key)
	return f.refundErr
}

func (f *fakePayments) ExpireCheckout(_ context.Context, sessionID string) error {
	f.expired = append(f.expired, sessionID)
	return f.expireErr
}

func (f *fakePayments) ParseWebhook([]byte, string) (payment.Event, error) {
	return f.event, f.parseErr
}

type fakePrefs struct {
	langs map[string]locale.Lang
}

func (f *fakePrefs) Get(_ context.Context, userID string) (locale.Lang, bool, error) {
	lang, ok := f.langs[userID]
	if !ok {
		return locale.Default, false, nil
	}
	return lang, true, nil
}

func (f *fakePrefs) Set(_ context.Context, userID string, lang locale.Lang) error {
	f.langs[userID] = lang
	return nil
}

type fixture struct {
	store    *fakeStore
	payments *fakePayments
	prefs    *fakePrefs
	mux      *http.ServeMux
}

func newFixture() *fixture {
	f := &fixture{
		store:    newFakeStore(),
		payments: &fakePayments{},
		prefs:    &fakePrefs{langs: map[string]locale.Lang{}},
		mux:      http.NewServeMux(),
	}
	h := New(f.store, f.payments, f.prefs, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Location:   hall,
		SuccessURL: "https://surfskatehalle.example/payment-success",
		CancelURL:  "https://surfskatehalle.example/book",
		Now:        func() time.Time { return testNow },
		PinCode:    func() (string, error) { return "123456", nil },
	})
	h.Register(f.mux, testAuth)
	return f
}

// testAuth reads the principal from X-Test-User / X-Test-Role.
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{
			UserID: user,
			Email:  user + "@example.com",
			Role:   r.Header.Get("X-Test-Role"),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (f *fixture) do(t *testing.T, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestSlots(t *testing.T) {
	f := newFixture()
	f.store.ranges = []string{
		`["2026-10-20 10:00:00+02","2026-10-20 11:00:00+02")`,
		"not a range",
	}

	rec := f.do(t, http.MethodGet, "/api/v1/slots?date=2026-10-20&duration_hours=2", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[slotsResponse](t, rec)
	if resp.Date != "2026-10-20" || resp.DurationHours != 2 || !resp.Confirmed {
		t.Fatalf("unexpected header fields: %+v", resp)
	}
	if resp.DayLabel != "20. Oktober 2026" {
		t.Fatalf("unexpected day label %q", resp.DayLabel)
	}
	if len(resp.Slots) != 12 {
		t.Fatalf("expected 12 slots, got %d", len(resp.Slots))
	}
	got := map[string]bool{}
	for _, s := range resp.Slots {
		got[s.StartTime] = s.Available
	}
	if got["09:00"] || got["10:00"] || !got["11:00"] || !got["20:00"] {
		t.Fatalf("unexpected availability: %v", got)
	}
}

func TestSlotsFetchFailureIsUnconfirmed(t *testing.T) {
	f := newFixture()
	f.store.rangesErr = errors.New("db down")
	f.prefs.langs["user-1"] = locale.English

	rec := f.do(t, http.MethodGet, "/api/v1/slots?date=2026-10-20&duration_hours=1", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[slotsResponse](t, rec)
	if resp.Confirmed {
		t.Fatal("expected confirmed=false")
	}
	if resp.DayLabel != "October 20, 2026" {
		t.Fatalf("expected english label, got %q", resp.DayLabel)
	}
	for _, s := range resp.Slots {
		if !s.Available || !s.Unconfirmed {
			t.Fatalf("slot %s should be tentatively available", s.StartTime)
		}
	}
}

func TestSlotsValidation(t *testing.T) {
	f := newFixture()
	for _, target := range []string{
		"/api/v1/slots?duration_hours=2",
		"/api/v1/slots?date=20.10.2026&duration_hours=2",
		"/api/v1/slots?date=2026-10-20",
		"/api/v1/slots?date=2026-10-20&duration_hours=5",
	} {
		if rec := f.do(t, http.MethodGet, target, "user-1", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/slots?date=2026-10-20&duration_hours=1", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", rec.Code)
	}
}

func TestQuote(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/quotes", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "14:00", DurationHours: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	q := decode[quoteResponse](t, rec)
	if q.Total != 75 || q.AmountMinor != 7500 || q.Currency != "eur" {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.StartsAt != "2026-10-20T14:00:00+02:00" || q.EndsAt != "2026-10-20T17:00:00+02:00" {
		t.Fatalf("unexpected range %s - %s", q.StartsAt, q.EndsAt)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/quotes", "user-1", map[string]any{"date": "2026-10-20"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rec.Code)
	}
}

func TestCheckout(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "14:00", DurationHours: 2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[checkoutResponse](t, rec)
	if resp.ReservationID == "" || resp.SessionID != "cs_"+resp.ReservationID || resp.URL == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	created := f.store.created[0]
	if created.Duration != "[2026-10-20T14:00:00+02:00,2026-10-20T16:00:00+02:00)" {
		t.Fatalf("unexpected stored range %q", created.Duration)
	}
	if created.AmountMinor != 5000 || created.UserID != "user-1" || created.SpaceID != "space-1" || created.Locale != "de" {
		t.Fatalf("unexpected pending reservation: %+v", created)
	}
	req := f.payments.checkouts[0]
	if req.AmountMinor != 5000 || req.IdempotencyKey != "checkout-"+resp.ReservationID || req.CustomerEmail != "user-1@example.com" {
		t.Fatalf("unexpected checkout request: %+v", req)
	}
	if f.store.sessions[resp.ReservationID] != resp.SessionID {
		t.Fatal("expected session to be attached")
	}
}

func TestCheckoutRejectsTakenSlots(t *testing.T) {
	f := newFixture()
	f.store.ranges = []string{"[2026-10-20T15:00:00+02:00,2026-10-20T16:00:00+02:00)"}

	rec := f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "14:00", DurationHours: 2})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-19", StartTime: "10:00", DurationHours: 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a past slot, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "08:00", DurationHours: 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 before opening, got %d", rec.Code)
	}

	f.store.ranges = nil
	f.store.rangesErr = errors.New("db down")
	rec = f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "14:00", DurationHours: 2})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unconfirmed slot, got %d", rec.Code)
	}
	if len(f.store.created) != 0 || len(f.payments.checkouts) != 0 {
		t.Fatal("no reservation or session should have been created")
	}
}

func TestCheckoutPaymentFailure(t *testing.T) {
	f := newFixture()
	f.payments.checkoutErr = errors.New("stripe unavailable")

	rec := f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "09:00", DurationHours: 1})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if len(f.store.failed) != 1 || f.store.failed[0] != f.store.created[0].ID {
		t.Fatalf("expected pending reservation to be failed, got %v", f.store.failed)
	}
}

func TestCheckoutAttachFailureClosesSession(t *testing.T) {
	f := newFixture()
	f.store.attachErr = errors.New("db down")

	rec := f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "09:00", DurationHours: 1})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	id := f.store.created[0].ID
	if len(f.payments.expired) != 1 || f.payments.expired[0] != "cs_"+id {
		t.Fatalf("expected session to be expired, got %v", f.payments.expired)
	}
	if len(f.store.failed) != 1 || f.store.failed[0] != id {
		t.Fatalf("expected reservation to be failed, got %v", f.store.failed)
	}
	if strings.Contains(rec.Body.String(), "checkout.example") {
		t.Fatal("checkout url must not be handed out")
	}

	f.payments.expireErr = errors.New("stripe unavailable")
	rec = f.do(t, http.MethodPost, "/api/v1/checkout", "user-1", selectionRequest{Date: "2026-10-20", StartTime: "10:00", DurationHours: 1})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(f.store.failed) != 1 {
		t.Fatalf("a still payable session must leave the reservation pending, got %v", f.store.failed)
	}
}

func TestMyReservations(t *testing.T) {
	f := newFixture()
	f.store.reservations["res-a"] = model.Reservation{
		ID: "res-a", UserID: "user-1", SpaceName: "Surfskatehalle", Status: model.StatusPaid, PinCode: "654321",
		Duration: `["2026-10-20 12:00:00+00","2026-10-20 14:00:00+00")`, DurationHours: 2,
	}
	f.store.reservations["res-b"] = model.Reservation{ID: "res-b", UserID: "user-1", Status: model.StatusPending, PinCode: "999999", Duration: "broken"}
	f.store.reservations["res-c"] = model.Reservation{ID: "res-c", UserID: "user-2", Status: model.StatusPaid}

	rec := f.do(t, http.MethodGet, "/api/v1/reservations", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	items := decode[[]reservationItem](t, rec)
	if len(items) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(items))
	}
	byID := map[string]reservationItem{}
	for _, it := range items {
		byID[it.ID] = it
	}
	a := byID["res-a"]
	if a.PinCode != "654321" || a.StartsAt != "2026-10-20T14:00:00+02:00" || a.Label != "20. Oktober 2026, 14:00 - 16:00" || a.Email != "" {
		t.Fatalf("unexpected paid item: %+v", a)
	}
	b := byID["res-b"]
	if b.PinCode != "" || b.StartsAt != "" || b.EndsAt != "" {
		t.Fatalf("unexpected pending item: %+v", b)
	}
}

func TestAdminAccess(t *testing.T) {
	f := newFixture()
	f.store.reservations["res-a"] = model.Reservation{ID: "res-a", UserID: "user-1", UserEmail: "rider@example.com", Status: model.StatusPaid}

	if rec := f.do(t, http.MethodGet, "/api/v1/admin/reservations", "user-1", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	f.store.admins["boss"] = true
	rec := f.do(t, http.MethodGet, "/api/v1/admin/reservations", "boss", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	items := decode[[]reservationItem](t, rec)
	if len(items) != 1 || items[0].Email != "rider@example.com" {
		t.Fatalf("unexpected admin items: %+v", items)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/reservations", nil)
	req.Header.Set("X-Test-User", "token-admin")
	req.Header.Set("X-Test-Role", "admin")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected token role admin to pass, got %d", rec.Code)
	}
}

func TestAdminCancel(t *testing.T) {
	f := newFixture()
	f.store.admins["boss"] = true
	f.store.reservations["res-a"] = model.Reservation{ID: "res-a", Status: model.StatusPaid, PaymentIntentID: "pi_1"}
	f.store.reservations["res-b"] = model.Reservation{ID: "res-b", Status: model.StatusPending}

	rec := f.do(t, http.MethodPost, "/api/v1/admin/reservations/cancel", "boss", cancelRequest{ReservationID: "res-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[cancelResponse](t, rec)
	if resp.Status != "cancelled" || !resp.Refunded {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(f.payments.refunds) != 1 || f.payments.refunds[0] != "pi_1|cancel-res-a" {
		t.Fatalf("unexpected refunds: %v", f.payments.refunds)
	}
	if f.store.reservations["res-a"].Status != model.StatusCancelled {
		t.Fatal("expected reservation to be cancelled")
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/admin/reservations/cancel", "boss", cancelRequest{ReservationID: "res-b"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/reservations/cancel", "boss", cancelRequest{ReservationID: "nope"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/reservations/cancel", "user-1", cancelRequest{ReservationID: "res-a"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestLocale(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/v1/me/locale", "user-1", nil)
	if got := decode[localeBody](t, rec); got.Locale != "de" || got.Stored {
		t.Fatalf("unexpected default locale: %+v", got)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/me/locale", "user-1", localeBody{Locale: "en"})
	if rec.Code != http.StatusOK || f.prefs.langs["user-1"] != locale.English {
		t.Fatalf("expected english to be stored, got %d %v", rec.Code, f.prefs.langs)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/me/locale", "user-1", nil)
	if got := decode[localeBody](t, rec); got.Locale != "en" || !got.Stored {
		t.Fatalf("unexpected stored locale: %+v", got)
	}

	if rec := f.do(t, http.MethodPut, "/api/v1/me/locale", "user-1", localeBody{Locale: "fr"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported locale, got %d", rec.Code)
	}
}

func webhookRequest(f *fixture) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(`{"id":"evt"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	f := newFixture()
	f.store.reservations["res-a"] = model.Reservation{ID: "res-a", Status: model.StatusPending}
	f.payments.event = payment.Event{
		ID:      "evt_1",
		Type:    payment.EventCheckoutCompleted,
		Created: testNow,
		Payload: []byte(`{"id":"evt_1"}`),
		Session: &payment.CheckoutSession{ID: "cs_1", ReservationID: "res-a", PaymentIntentID: "pi_1", Paid: true},
	}

	rec := webhookRequest(f)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"paid"`) {
		t.Fatalf("expected paid, got %d %s", rec.Code, rec.Body.String())
	}
	c := f.store.completions[0]
	if c.ReservationID != "res-a" || c.PinCode != "123456" || c.PaymentIntentID != "pi_1" || c.SessionID != "cs_1" {
		t.Fatalf("unexpected completion: %+v", c)
	}

	rec = webhookRequest(f)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("expected duplicate, got %d %s", rec.Code, rec.Body.String())
	}
	if len(f.store.completions) != 1 {
		t.Fatal("replay must not complete twice")
	}
}

func TestWebhookConflictRefunds(t *testing.T) {
	f := newFixture()
	f.store.outcome = storage.OutcomeConflict
	f.store.reservations["res-a"] = model.Reservation{ID: "res-a", Status: model.StatusFailed}
	f.payments.event = payment.Event{
		ID:      "evt_2",
		Type:    payment.EventCheckoutCompleted,
		Session: &payment.CheckoutSession{ID: "cs_2", ReservationID: "res-a", PaymentIntentID: "pi_2", Paid: true},
	}

	rec := webhookRequest(f)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "conflict") {
		t.Fatalf("expected conflict, got %d %s", rec.Code, rec.Body.String())
	}
	if len(f.payments.refunds) != 1 || f.payments.refunds[0] != "pi_2|conflict-res-a" {
		t.Fatalf("unexpected refunds: %v", f.payments.refunds)
	}
	if got := f.store.reservations["res-a"].RefundStatus; got != model.RefundRefunded {
		t.Fatalf("expected refund to be recorded, got %q", got)
	}

	rec = webhookRequest(f)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("expected duplicate, got %d %s", rec.Code, rec.Body.String())
	}
	if len(f.payments.refunds) != 1 {
		t.Fatalf("settled refund must not be repeated, got %v", f.payments.refunds)
	}
}

func TestWebhookConflictRefundFailureIsRetried(t *testing.T) {
	f := newFixture()
	f.store.outcome = storage.OutcomeConflict
	f.store.reservations["res-a"] = model.Reservation{ID: "res-a", Status: model.StatusPending}
	f.payments.refundErr = errors.New("stripe unavailable")
	f.payments.event = payment.Event{
		ID:      "evt_5",
		Type:    payment.EventCheckoutCompleted,
		Session: &payment.CheckoutSession{ID: "cs_5", ReservationID: "res-a", PaymentIntentID: "pi_5", Paid: true},
	}

	rec := webhookRequest(f)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider redelivers, got %d %s", rec.Code, rec.Body.String())
	}
	if got := f.store.reservations["res-a"].RefundStatus; got != model.RefundPending {
		t.Fatalf("expected refund to stay pending, got %q", got)
	}

	// The redelivery is a duplicate event but the refund is still owed.
	rec = webhookRequest(f)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 while refunds keep failing, got %d", rec.Code)
	}

	f.payments.refundErr = nil
	rec = webhookRequest(f)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "refunded") {
		t.Fatalf("expected refunded, got %d %s", rec.Code, rec.Body.String())
	}
	if len(f.store.completions) != 1 {
		t.Fatalf("replays must not complete again, got %d", len(f.store.completions))
	}
	want := []string{"pi_5|conflict-res-a", "pi_5|conflict-res-a", "pi_5|conflict-res-a"}
	if strings.Join(f.payments.refunds, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected refunds: %v", f.payments.refunds)
	}
	if len(f.store.refunded) != 1 || f.store.reservations["res-a"].RefundStatus != model.RefundRefunded {
		t.Fatalf("expected refund to be marked once, got %v", f.store.refunded)
	}
}

func TestWebhookOtherEvents(t *testing.T) {
	f := newFixture()
	f.payments.event = payment.Event{
		ID:      "evt_3",
		Type:    payment.EventCheckoutExpired,
		Session: &payment.CheckoutSession{ID: "cs_3", ReservationID: "res-x"},
	}
	if rec := webhookRequest(f); rec.Code != http.StatusOK || len(f.store.expired) != 1 || f.store.expired[0] != "res-x" {
		t.Fatalf("expected expiry to be applied, got %d %v", rec.Code, f.store.expired)
	}

	f.payments.event = payment.Event{
		ID:      "evt_4",
		Type:    payment.EventCheckoutCompleted,
		Session: &payment.CheckoutSession{ID: "cs_4", ReservationID: "res-y", Paid: false},
	}
	if rec := webhookRequest(f); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("expected unpaid completion to be ignored, got %d %s", rec.Code, rec.Body.String())
	}
	if len(f.store.completions) != 0 {
		t.Fatal("unpaid completion must not mark the reservation paid")
	}

	f.payments.parseErr = payment.ErrInvalidSignature
	if rec := webhookRequest(f); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad signature, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without signature header, got %d", rec.Code)
	}
}
