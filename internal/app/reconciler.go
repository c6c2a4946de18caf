/**
 * @description
 * Callback reconciliation: translates the gateway's asynchronous result
 * callbacks into exactly-once state transitions. The webhook handlers
 * acknowledge the gateway unconditionally and hand the payload here; every
 * path below must therefore tolerate duplicates, unknown references, and
 * callbacks arriving after the sweeper already expired the record.
 *
 * Key decisions:
 * - Unknown references are logged and discarded, never retried. The gateway's
 *   reference is the only join key we have; if it matches nothing, the
 *   callback is for a record we never created (or a replay after cleanup).
 * - Duplicate callbacks lose the guarded status transition in the store and
 *   become no-ops. Side effects (totals, cycle amount, cycle advance) are
 *   keyed to winning that transition, so they apply exactly once.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
)

// Reconciler applies gateway callback outcomes to the ledger and forwards
// confirmed outcomes to the orchestrator.
type Reconciler struct {
	repo         store.Repository
	orchestrator *Orchestrator
}

// NewReconciler creates a new callback reconciler.
func NewReconciler(repo store.Repository, orchestrator *Orchestrator) *Reconciler {
	return &Reconciler{
		repo:         repo,
		orchestrator: orchestrator,
	}
}

// HandleContributionCallback reconciles an STK-push result. A nil return means
// the callback was fully absorbed; errors are internal failures worth a retry
// by the gateway's redelivery, never contract violations.
func (r *Reconciler) HandleContributionCallback(ctx context.Context, cb domain.ContributionCallback) error {
	contribution, err := r.repo.FindContributionByCheckoutReference(ctx, cb.CheckoutReference)
	if err != nil {
		if errors.Is(err, store.ErrContributionNotFound) {
			log.Printf("level=warn component=reconciler msg=\"discarding callback for unknown checkout reference\" checkout_reference=%s result_code=%d", cb.CheckoutReference, cb.ResultCode)
			return nil
		}
		return fmt.Errorf("failed to look up contribution by checkout reference: %w", err)
	}

	if cb.ResultCode != domain.GatewayResultOK {
		reason := cb.ResultDescription
		if reason == "" {
			reason = fmt.Sprintf("gateway result code %d", cb.ResultCode)
		}
		transitioned, err := r.repo.MarkContributionFailed(ctx, contribution.ID, reason)
		if err != nil {
			return fmt.Errorf("failed to mark contribution failed: %w", err)
		}
		if !transitioned {
			log.Printf("level=info component=reconciler msg=\"duplicate failure callback ignored\" contribution_id=%s", contribution.ID)
			return nil
		}
		log.Printf("level=info component=reconciler op=contribution_failed contribution_id=%s chama_id=%s cycle=%d reason=%q", contribution.ID, contribution.ChamaID, contribution.Cycle, reason)
		return nil
	}

	amount := cb.Metadata.Amount
	if amount == 0 {
		amount = contribution.Amount
	}
	transitioned, err := r.repo.MarkContributionCompleted(ctx, contribution.ID, cb.Metadata.ReceiptCode, amount, cb.Metadata.TransactionTimestamp)
	if err != nil {
		return fmt.Errorf("failed to mark contribution completed: %w", err)
	}
	if !transitioned {
		log.Printf("level=info component=reconciler msg=\"duplicate success callback ignored\" contribution_id=%s", contribution.ID)
		return nil
	}

	contribution.Status = domain.ContributionStatusCompleted
	contribution.Amount = amount
	if cb.Metadata.ReceiptCode != "" {
		contribution.ReceiptCode = &cb.Metadata.ReceiptCode
	}
	contribution.TransactionAt = cb.Metadata.TransactionTimestamp

	log.Printf("level=info component=reconciler op=contribution_completed contribution_id=%s chama_id=%s cycle=%d receipt=%s", contribution.ID, contribution.ChamaID, contribution.Cycle, cb.Metadata.ReceiptCode)
	return r.orchestrator.OnContributionCompleted(ctx, contribution)
}

// HandlePayoutCallback reconciles a disbursement result.
func (r *Reconciler) HandlePayoutCallback(ctx context.Context, cb domain.PayoutCallback) error {
	payout, err := r.repo.FindPayoutByConversationID(ctx, cb.ConversationReference)
	if err != nil {
		if errors.Is(err, store.ErrPayoutNotFound) {
			log.Printf("level=warn component=reconciler msg=\"discarding callback for unknown conversation reference\" conversation_reference=%s result_code=%d", cb.ConversationReference, cb.ResultCode)
			return nil
		}
		return fmt.Errorf("failed to look up payout by conversation reference: %w", err)
	}

	if cb.ResultCode != domain.GatewayResultOK {
		reason := cb.ResultDescription
		if reason == "" {
			reason = fmt.Sprintf("gateway result code %d", cb.ResultCode)
		}
		return r.orchestrator.OnPayoutFailed(ctx, payout, reason)
	}

	transitioned, err := r.repo.MarkPayoutCompleted(ctx, payout.ID, cb.TransactionID, cb.TransactionTimestamp)
	if err != nil {
		return fmt.Errorf("failed to mark payout completed: %w", err)
	}
	if !transitioned {
		// The completed transition can win while the cycle advance behind it
		// fails. The gateway's redelivery is the only retry we get, so if the
		// chama is still parked on this payout's cycle, run the advance again
		// instead of dropping the callback as a duplicate.
		if payout.Status == domain.PayoutStatusCompleted {
			chama, chamaErr := r.repo.FindChamaByID(ctx, payout.ChamaID)
			if chamaErr != nil {
				return fmt.Errorf("failed to load chama %s: %w", payout.ChamaID, chamaErr)
			}
			if chama.CurrentCycle == payout.Cycle {
				log.Printf("level=warn component=reconciler msg=\"completed payout with unadvanced cycle; retrying advance\" payout_id=%s chama_id=%s cycle=%d", payout.ID, payout.ChamaID, payout.Cycle)
				return r.orchestrator.OnPayoutConfirmed(ctx, payout)
			}
		}
		log.Printf("level=info component=reconciler msg=\"duplicate payout callback ignored\" payout_id=%s", payout.ID)
		return nil
	}

	payout.Status = domain.PayoutStatusCompleted
	if cb.TransactionID != "" {
		payout.TransactionID = &cb.TransactionID
	}
	payout.TransactionAt = cb.TransactionTimestamp

	log.Printf("level=info component=reconciler op=payout_completed payout_id=%s chama_id=%s cycle=%d transaction_id=%s", payout.ID, payout.ChamaID, payout.Cycle, cb.TransactionID)
	return r.orchestrator.OnPayoutConfirmed(ctx, payout)
}

// HandleTimeoutCallback acknowledges the gateway's queue-timeout notice. The
// stale-state policy belongs to the sweeper, so this only records the signal.
func (r *Reconciler) HandleTimeoutCallback(ctx context.Context, cb domain.TimeoutCallback) error {
	log.Printf("level=warn component=reconciler msg=\"gateway reported queue timeout\" conversation_reference=%s", cb.ConversationReference)
	return nil
}
