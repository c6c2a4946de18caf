/**
 * @description
 * Contribution and Payout ledger entities. Both are append-then-immutable: once
 * a record reaches a terminal status it is never mutated again, and the store
 * enforces the transition guards.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Contribution status values. `pending` means created but not yet acknowledged
// by the gateway; `processing` means the gateway accepted the collection request
// and assigned a checkout reference; the rest are terminal.
const (
	ContributionStatusPending    = "pending"
	ContributionStatusProcessing = "processing"
	ContributionStatusCompleted  = "completed"
	ContributionStatusFailed     = "failed"
	ContributionStatusCancelled  = "cancelled"
)

// Contribution is one member's payment into one cycle of a chama. At most one
// non-failed, non-cancelled contribution may exist per (user, chama, cycle);
// the `contributions` table enforces this with a partial unique index.
type Contribution struct {
	ID                uuid.UUID  `json:"id"`
	ChamaID           uuid.UUID  `json:"chama_id"`
	UserID            uuid.UUID  `json:"user_id"`
	Cycle             int        `json:"cycle"`
	Amount            int64      `json:"amount"`
	PhoneNumber       string     `json:"phone_number"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty"`
	ReceiptCode       *string    `json:"receipt_code,omitempty"`
	Status            string     `json:"status"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	TransactionAt     *time.Time `json:"transaction_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the contribution can no longer change state.
func (c *Contribution) IsTerminal() bool {
	switch c.Status {
	case ContributionStatusCompleted, ContributionStatusFailed, ContributionStatusCancelled:
		return true
	}
	return false
}

// InitiateContributionRequest is the DTO for a member starting a contribution.
// The amount is fixed by the chama; only the paying number is caller-supplied.
type InitiateContributionRequest struct {
	PhoneNumber string `json:"phone_number"`
}
