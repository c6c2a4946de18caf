/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the chama-service. The interface keeps the orchestration logic
 * independent of PostgreSQL and lets tests substitute stubs.
 *
 * The storage layer, not application code, enforces the two load-bearing
 * uniqueness guarantees: at most one live contribution per (user, chama, cycle)
 * and at most one non-failed payout per (chama, cycle).
 */

package store

import (
	"context"
	"time"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Chama aggregate methods
	CreateChama(ctx context.Context, chama *domain.Chama) error
	FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error)
	FindChamaByInviteCode(ctx context.Context, inviteCode string) (*domain.Chama, error)
	AddChamaMember(ctx context.Context, chamaID, userID uuid.UUID, receivingPhone *string) (*domain.ChamaMember, error)
	RemoveChamaMember(ctx context.Context, chamaID, userID uuid.UUID) error
	SetMemberReceivingPhone(ctx context.Context, chamaID, userID uuid.UUID, phone string) error
	CountChamaMembers(ctx context.Context, chamaID uuid.UUID) (int, error)

	// AdvanceChamaCycle applies the full §4.1 advance transition in one database
	// transaction: flag the receiver, reset the rotation if everyone has
	// received, bump the cycle pointer and zero the running total.
	AdvanceChamaCycle(ctx context.Context, chamaID, receiverID uuid.UUID) error

	// Contribution methods
	CreateContribution(ctx context.Context, contribution *domain.Contribution) error
	SetContributionCheckoutReference(ctx context.Context, contributionID uuid.UUID, checkoutRequestID string) error
	FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error)
	FindContributionByCheckoutReference(ctx context.Context, checkoutRequestID string) (*domain.Contribution, error)
	CountCompletedContributions(ctx context.Context, chamaID uuid.UUID, cycle int) (int, error)
	ListContributionsByMember(ctx context.Context, chamaID, userID uuid.UUID) ([]domain.Contribution, error)

	// MarkContributionCompleted atomically finalizes a contribution and applies
	// its side effects (member lifetime total, chama running cycle amount) in the
	// same transaction. Returns false without error when the contribution is
	// already terminal, which makes duplicate callback delivery a no-op.
	MarkContributionCompleted(ctx context.Context, contributionID uuid.UUID, receiptCode string, amount int64, transactionAt *time.Time) (bool, error)
	MarkContributionFailed(ctx context.Context, contributionID uuid.UUID, reason string) (bool, error)
	CancelContribution(ctx context.Context, contributionID, userID uuid.UUID) error

	// ExpireStaleContributions fails every pending/processing contribution
	// created before the cutoff and returns the affected ids.
	ExpireStaleContributions(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error)

	// Payout methods. CreatePayout returns ErrPayoutAlreadyExists when a
	// non-failed payout for the same (chama, cycle) exists; concurrent cycle
	// completions race on that constraint and the loser treats it as handled.
	CreatePayout(ctx context.Context, payout *domain.Payout) error
	SetPayoutConversationID(ctx context.Context, payoutID uuid.UUID, conversationID string) error
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	FindPayoutByConversationID(ctx context.Context, conversationID string) (*domain.Payout, error)
	MarkPayoutCompleted(ctx context.Context, payoutID uuid.UUID, transactionID string, transactionAt *time.Time) (bool, error)
	MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) (bool, error)
}
