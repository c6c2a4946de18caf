/**
 * @description
 * This file implements a sandbox payment gateway that accepts the same
 * requests as the real M-Pesa client but never leaves the process. It
 * acknowledges every request synchronously and then delivers a simulated
 * result callback to the service's own webhook endpoints after a short delay,
 * exercising the full asynchronous reconciliation path in development
 * environments without live gateway credentials.
 */
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sandbox simulates the M-Pesa gateway for local development. Collections and
// disbursements always succeed after Delay.
type Sandbox struct {
	CallbackBaseURL string
	Delay           time.Duration
	HTTPClient      *http.Client
}

// NewSandbox creates a sandbox gateway that posts result callbacks back to the
// service at callbackBaseURL.
func NewSandbox(callbackBaseURL string) *Sandbox {
	return &Sandbox{
		CallbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		Delay:           2 * time.Second,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// InitiateCollection accepts the request and schedules a successful
// contribution callback.
func (s *Sandbox) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionResponse, error) {
	phone, err := NormalizePhone(req.PayerPhone)
	if err != nil {
		return nil, err
	}

	checkoutID := "ws_CO_SANDBOX_" + uuid.NewString()
	resp := &CollectionResponse{
		MerchantRequestID:   uuid.NewString(),
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}

	go s.deliverCallback("/webhooks/payments/contribution", map[string]interface{}{
		"checkoutReference": checkoutID,
		"resultCode":        0,
		"resultDescription": "The service request is processed successfully.",
		"metadata": map[string]interface{}{
			"receiptCode":          sandboxReceiptCode(),
			"amount":               req.Amount,
			"transactionTimestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})

	log.Printf("level=info component=mpesa_sandbox op=collection checkout_reference=%s phone=%s amount=%d", checkoutID, phone, req.Amount)
	return resp, nil
}

// InitiateDisbursement accepts the request and schedules a successful payout
// callback.
func (s *Sandbox) InitiateDisbursement(ctx context.Context, req DisbursementRequest) (*DisbursementResponse, error) {
	phone, err := NormalizePhone(req.PayeePhone)
	if err != nil {
		return nil, err
	}

	conversationID := "AG_SANDBOX_" + uuid.NewString()
	resp := &DisbursementResponse{
		ConversationID:           conversationID,
		OriginatorConversationID: uuid.NewString(),
		ResponseCode:             "0",
		ResponseDescription:      "Accept the service request successfully.",
	}

	go s.deliverCallback("/webhooks/payments/payout", map[string]interface{}{
		"conversationReference": conversationID,
		"resultCode":            0,
		"resultDescription":     "The service request is processed successfully.",
		"transactionId":         sandboxReceiptCode(),
		"transactionTimestamp":  time.Now().UTC().Format(time.RFC3339),
	})

	log.Printf("level=info component=mpesa_sandbox op=disbursement conversation_reference=%s phone=%s amount=%d", conversationID, phone, req.Amount)
	return resp, nil
}

func (s *Sandbox) deliverCallback(path string, payload map[string]interface{}) {
	time.Sleep(s.Delay)

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("level=error component=mpesa_sandbox msg=\"failed to marshal callback\" error=%q", err)
		return
	}

	resp, err := s.HTTPClient.Post(s.CallbackBaseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("level=error component=mpesa_sandbox path=%s msg=\"failed to deliver callback\" error=%q", path, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("level=info component=mpesa_sandbox path=%s status=%d msg=\"callback delivered\"", path, resp.StatusCode)
}

// sandboxReceiptCode fabricates a receipt in the gateway's usual shape.
func sandboxReceiptCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("S%s", raw[:9])
}
