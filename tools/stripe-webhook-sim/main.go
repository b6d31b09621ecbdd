package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/surfskatehalle/booking/libs/config"
)

func main() {
	var (
		baseURL       = flag.String("base-url", config.String("BASE_URL", "http://localhost:8080"), "booking service base url")
		evtType       = flag.String("type", config.String("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		reservationID = flag.String("reservation-id", config.String("RESERVATION_ID", ""), "reservation_id metadata")
		sessionID     = flag.String("session-id", config.String("CHECKOUT_SESSION_ID", "cs_test_sim"), "checkout session id")
		secret        = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*reservationID) == "" {
		fatal("RESERVATION_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *sessionID, *reservationID)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/payments/webhook", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("event=%s status=%d body=%s\n", eventID, resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, sessionID, reservationID string) ([]byte, error) {
	paymentStatus := "paid"
	status := "complete"
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	case "checkout.session.async_payment_failed":
		paymentStatus = "unpaid"
	case "checkout.session.expired":
		paymentStatus = "unpaid"
		status = "expired"
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":                  sessionID,
				"object":              "checkout.session",
				"mode":                "payment",
				"status":              status,
				"payment_status":      paymentStatus,
				"client_reference_id": reservationID,
				"payment_intent":      "pi_test_" + strings.TrimPrefix(sessionID, "cs_test_"),
				"metadata": map[string]any{
					"reservation_id": reservationID,
				},
			},
		},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
