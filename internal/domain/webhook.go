/**
 * @description
 * Wire types for the asynchronous result callbacks delivered by the payment
 * gateway. Callbacks are keyed by the gateway's own references (checkout id for
 * collections, conversation id for disbursements) because the gateway never
 * learns our internal ids.
 *
 * The gateway expects a 2xx acknowledgment with `{resultCode:0}` regardless of
 * what happens internally; anything else triggers its retry storm.
 */

package domain

import "time"

// GatewayResultOK is the result code the gateway sends on success and the code
// we always answer callbacks with.
const GatewayResultOK = 0

// ContributionCallback is the collection-result payload posted by the gateway.
type ContributionCallback struct {
	CheckoutReference string                       `json:"checkoutReference"`
	ResultCode        int                          `json:"resultCode"`
	ResultDescription string                       `json:"resultDescription"`
	Metadata          ContributionCallbackMetadata `json:"metadata"`
}

// ContributionCallbackMetadata carries the completion details present only on
// successful collections.
type ContributionCallbackMetadata struct {
	ReceiptCode          string     `json:"receiptCode"`
	Amount               int64      `json:"amount"`
	TransactionTimestamp *time.Time `json:"transactionTimestamp,omitempty"`
}

// PayoutCallback is the disbursement-result payload posted by the gateway.
type PayoutCallback struct {
	ConversationReference string     `json:"conversationReference"`
	ResultCode            int        `json:"resultCode"`
	ResultDescription     string     `json:"resultDescription"`
	TransactionID         string     `json:"transactionId"`
	TransactionTimestamp  *time.Time `json:"transactionTimestamp,omitempty"`
}

// TimeoutCallback signals the gateway gave up waiting for user action on a
// disbursement. Acknowledged and logged; the sweeper owns stale-state policy.
type TimeoutCallback struct {
	ConversationReference string `json:"conversationReference"`
}

// CallbackAck is the unconditional acknowledgment returned to the gateway.
type CallbackAck struct {
	ResultCode        int    `json:"resultCode"`
	ResultDescription string `json:"resultDescription"`
}
