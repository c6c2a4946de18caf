package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payout status values. A payout is created in `processing` once the cycle is
// confirmed complete; `failed` payouts keep the cycle open for a re-trigger.
const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
)

// Payout is the disbursement of one cycle's pooled amount to the current
// receiver. At most one non-failed payout may exist per (chama, cycle); the
// `payouts` table enforces this with a partial unique index, which doubles as
// the fencing token against concurrent cycle-completion observers.
type Payout struct {
	ID             uuid.UUID  `json:"id"`
	ChamaID        uuid.UUID  `json:"chama_id"`
	RecipientID    uuid.UUID  `json:"recipient_id"`
	Cycle          int        `json:"cycle"`
	Amount         int64      `json:"amount"`
	PhoneNumber    string     `json:"phone_number"`
	ConversationID *string    `json:"conversation_id,omitempty"`
	TransactionID  *string    `json:"transaction_id,omitempty"`
	Status         string     `json:"status"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	TransactionAt  *time.Time `json:"transaction_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the payout can no longer change state.
func (p *Payout) IsTerminal() bool {
	return p.Status == PayoutStatusCompleted || p.Status == PayoutStatusFailed
}

// ManualPayoutRequest is the operator escape hatch for a stuck cycle: it names
// the recipient and cycle explicitly and bypasses the completeness check.
type ManualPayoutRequest struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Cycle       int       `json:"cycle"`
}
