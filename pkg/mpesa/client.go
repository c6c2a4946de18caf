/**
 * @description
 * This package provides a client for the M-Pesa (Daraja-style) mobile-money API.
 * It encapsulates OAuth token acquisition with expiry-based caching, STK-push
 * collection requests, B2C disbursement requests, and phone number
 * normalization to the canonical country-code-prefixed form.
 *
 * @notes
 * - The access token is cached per client instance and refreshed one minute
 *   before its actual expiry. Token acquisition failures surface as
 *   ErrCredentialUnavailable so callers can distinguish "payment system
 *   unavailable" from a payment-specific rejection.
 * - The collection target (where a chama's funds land before disbursement) is
 *   supplied per request; each group settles into its own account.
 */
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenExpiryMargin is how long before actual expiry a cached token is treated
// as stale.
const tokenExpiryMargin = time.Minute

// ErrCredentialUnavailable wraps token acquisition failures.
var ErrCredentialUnavailable = errors.New("payment gateway credentials unavailable")

// ErrInvalidPhoneNumber is returned when a phone number cannot be normalized
// to the canonical 2547XXXXXXXX form.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Client is a client for the M-Pesa API.
type Client struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	HTTPClient         *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new M-Pesa API client.
func NewClient(baseURL, consumerKey, consumerSecret, shortCode, passkey, initiatorName, securityCredential, callbackBaseURL string) *Client {
	return &Client{
		BaseURL:            strings.TrimRight(baseURL, "/"),
		ConsumerKey:        consumerKey,
		ConsumerSecret:     consumerSecret,
		ShortCode:          shortCode,
		Passkey:            passkey,
		InitiatorName:      initiatorName,
		SecurityCredential: securityCredential,
		CallbackBaseURL:    strings.TrimRight(callbackBaseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CollectionRequest describes one outbound collection (STK push).
type CollectionRequest struct {
	PayerPhone        string
	Amount            int64
	Reference         string
	Description       string
	CollectionAccount string
}

// CollectionResponse is the synchronous acceptance of a collection request.
// The checkout request id is the reference the later result callback carries.
type CollectionResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

// DisbursementRequest describes one outbound payout (B2C payment).
type DisbursementRequest struct {
	PayeePhone  string
	Amount      int64
	Reference   string
	Description string
}

// DisbursementResponse is the synchronous acceptance of a disbursement.
type DisbursementResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// ErrorResponse represents a synchronous rejection from the M-Pesa API.
type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorCode != "" || e.ErrorMessage != "" {
		return fmt.Sprintf("mpesa api error: %s - %s", e.ErrorCode, e.ErrorMessage)
	}
	return "unknown mpesa api error"
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// GetAccessToken returns a cached bearer token, refreshing it when it is within
// the safety margin of expiry.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=mpesa_client op=get_access_token status=%d msg=\"token request rejected\"", resp.StatusCode)
		return "", fmt.Errorf("%w: token endpoint returned status %d", ErrCredentialUnavailable, resp.StatusCode)
	}

	var tokenResp accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrCredentialUnavailable, err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrCredentialUnavailable)
	}

	ttl := time.Hour
	if secs, parseErr := time.ParseDuration(strings.TrimSpace(tokenResp.ExpiresIn) + "s"); parseErr == nil && secs > 0 {
		ttl = secs
	}

	c.token = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

// stkPushRequest is the wire payload for a collection request.
type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// b2cRequest is the wire payload for a disbursement request.
type b2cRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// InitiateCollection sends an STK-push request asking the payer to authorize a
// collection into the chama's collection account.
func (c *Client) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionResponse, error) {
	phone, err := NormalizePhone(req.PayerPhone)
	if err != nil {
		return nil, err
	}

	target := strings.TrimSpace(req.CollectionAccount)
	if target == "" {
		target = c.ShortCode
	}

	timestamp := time.Now().Format("20060102150405")
	payload := stkPushRequest{
		BusinessShortCode: target,
		Password:          base64.StdEncoding.EncodeToString([]byte(target + c.Passkey + timestamp)),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            target,
		PhoneNumber:       phone,
		CallBackURL:       c.CallbackBaseURL + "/webhooks/payments/contribution",
		AccountReference:  req.Reference,
		TransactionDesc:   req.Description,
	}

	var resp CollectionResponse
	if err := c.doAuthorizedPost(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, &ErrorResponse{ErrorCode: resp.ResponseCode, ErrorMessage: resp.ResponseDescription}
	}
	return &resp, nil
}

// InitiateDisbursement sends a B2C payment request paying out to the receiver's
// nominated number.
func (c *Client) InitiateDisbursement(ctx context.Context, req DisbursementRequest) (*DisbursementResponse, error) {
	phone, err := NormalizePhone(req.PayeePhone)
	if err != nil {
		return nil, err
	}

	payload := b2cRequest{
		InitiatorName:      c.InitiatorName,
		SecurityCredential: c.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             req.Amount,
		PartyA:             c.ShortCode,
		PartyB:             phone,
		Remarks:            req.Description,
		QueueTimeOutURL:    c.CallbackBaseURL + "/webhooks/payments/timeout",
		ResultURL:          c.CallbackBaseURL + "/webhooks/payments/payout",
		Occasion:           req.Reference,
	}

	var resp DisbursementResponse
	if err := c.doAuthorizedPost(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, &ErrorResponse{ErrorCode: resp.ResponseCode, ErrorMessage: resp.ResponseDescription}
	}
	return &resp, nil
}

// doAuthorizedPost executes a bearer-authorized JSON POST against the gateway.
func (c *Client) doAuthorizedPost(ctx context.Context, path string, payload interface{}, out interface{}) error {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute gateway request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=mpesa_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=mpesa_client path=%s status=%d error_code=%q error_message=%q", path, resp.StatusCode, errResp.ErrorCode, errResp.ErrorMessage)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode success response: %w", err)
	}
	return nil
}

// NormalizePhone rewrites a Kenyan mobile number to the canonical
// country-code-prefixed form (2547XXXXXXXX / 2541XXXXXXXX).
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, strings.TrimPrefix(strings.TrimSpace(raw), "+"))

	switch {
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, "254"):
		// Already canonical.
	case len(cleaned) == 10 && strings.HasPrefix(cleaned, "0"):
		cleaned = "254" + cleaned[1:]
	case len(cleaned) == 9 && (strings.HasPrefix(cleaned, "7") || strings.HasPrefix(cleaned, "1")):
		cleaned = "254" + cleaned
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}
	return cleaned, nil
}
