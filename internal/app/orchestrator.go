/**
 * @description
 * Payout orchestration: the state machine that moves a chama from "collecting"
 * through payout to the next cycle. It reacts to reconciled payment outcomes
 * rather than to raw gateway callbacks.
 *
 * Key decisions:
 * - The cycle-completeness check runs after every confirmed contribution, so
 *   whichever contribution lands last triggers the payout.
 * - Payout creation relies on the storage layer's partial unique index as the
 *   fencing token: when two observers confirm the same complete cycle
 *   concurrently, the loser receives ErrPayoutAlreadyExists and stands down.
 * - A failed disbursement never advances the cycle. The payout record stays
 *   failed and visible, and the admin can re-trigger it manually once the
 *   underlying cause (usually a missing or wrong payout number) is fixed.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
	"github.com/chamapay/chama-service/pkg/mpesa"
	"github.com/chamapay/chama-service/pkg/rabbitmq"
)

// ErrMissingReceivingPhone marks payouts that could not be dispatched because
// the receiver never nominated a payout number.
var ErrMissingReceivingPhone = errors.New("receiver has no nominated payout number")

// Orchestrator drives the contribution-cycle state machine.
type Orchestrator struct {
	repo     store.Repository
	gateway  PaymentGateway
	producer rabbitmq.Publisher
}

// NewOrchestrator creates a new payout orchestrator.
func NewOrchestrator(repo store.Repository, gateway PaymentGateway, producer rabbitmq.Publisher) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		gateway:  gateway,
		producer: producer,
	}
}

// OnContributionCompleted runs after a contribution is confirmed. It publishes
// the completion event and, when this contribution completes its cycle,
// triggers the cycle's payout.
func (o *Orchestrator) OnContributionCompleted(ctx context.Context, contribution *domain.Contribution) error {
	if err := o.producer.PublishContributionCompleted(ctx, rabbitmq.ContributionCompletedEvent{
		ChamaID:        contribution.ChamaID,
		UserID:         contribution.UserID,
		ContributionID: contribution.ID,
		Cycle:          contribution.Cycle,
		Amount:         contribution.Amount,
		Timestamp:      time.Now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to publish contribution event\" contribution_id=%s error=%q", contribution.ID, err)
	}

	chama, err := o.repo.FindChamaByID(ctx, contribution.ChamaID)
	if err != nil {
		return fmt.Errorf("failed to load chama %s: %w", contribution.ChamaID, err)
	}

	// A confirmation for a cycle the chama already moved past changes totals
	// only; it can never re-trigger that cycle's payout.
	if contribution.Cycle != chama.CurrentCycle {
		log.Printf("level=info component=orchestrator msg=\"late confirmation for past cycle\" chama_id=%s cycle=%d current_cycle=%d", chama.ID, contribution.Cycle, chama.CurrentCycle)
		return nil
	}

	completed, err := o.repo.CountCompletedContributions(ctx, chama.ID, chama.CurrentCycle)
	if err != nil {
		return fmt.Errorf("failed to count completed contributions: %w", err)
	}
	if completed < len(chama.Members) {
		log.Printf("level=info component=orchestrator msg=\"cycle not yet complete\" chama_id=%s cycle=%d completed=%d members=%d", chama.ID, chama.CurrentCycle, completed, len(chama.Members))
		return nil
	}

	receiver, err := chama.CurrentReceiver()
	if err != nil {
		return fmt.Errorf("failed to resolve receiver for chama %s cycle %d: %w", chama.ID, chama.CurrentCycle, err)
	}

	_, err = o.dispatchPayout(ctx, chama, receiver, chama.CurrentCycle)
	if errors.Is(err, store.ErrPayoutAlreadyExists) {
		// A concurrent observer already owns this cycle's payout.
		log.Printf("level=info component=orchestrator msg=\"payout already in flight\" chama_id=%s cycle=%d", chama.ID, chama.CurrentCycle)
		return nil
	}
	return err
}

// dispatchPayout creates the payout record and asks the gateway to disburse.
// The record is created first so every attempt, including ones that never
// reach the gateway, leaves an auditable row.
func (o *Orchestrator) dispatchPayout(ctx context.Context, chama *domain.Chama, receiver *domain.ChamaMember, cycle int) (*domain.Payout, error) {
	payout := &domain.Payout{
		ID:          uuid.New(),
		ChamaID:     chama.ID,
		RecipientID: receiver.UserID,
		Cycle:       cycle,
		Amount:      chama.PayoutAmount(),
		Status:      domain.PayoutStatusProcessing,
	}
	if receiver.ReceivingPhone != nil {
		payout.PhoneNumber = *receiver.ReceivingPhone
	}

	if err := o.repo.CreatePayout(ctx, payout); err != nil {
		return nil, err
	}

	if payout.PhoneNumber == "" {
		if err := o.OnPayoutFailed(ctx, payout, ErrMissingReceivingPhone.Error()); err != nil {
			return nil, err
		}
		return payout, nil
	}

	resp, err := o.gateway.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
		PayeePhone:  payout.PhoneNumber,
		Amount:      payout.Amount,
		Reference:   payout.ID.String(),
		Description: fmt.Sprintf("%s cycle %d payout", chama.Name, cycle),
	})
	if err != nil {
		if failErr := o.OnPayoutFailed(ctx, payout, fmt.Sprintf("disbursement rejected: %v", err)); failErr != nil {
			return nil, failErr
		}
		return payout, nil
	}

	if err := o.repo.SetPayoutConversationID(ctx, payout.ID, resp.ConversationID); err != nil {
		return nil, fmt.Errorf("failed to store conversation id: %w", err)
	}
	payout.ConversationID = &resp.ConversationID

	log.Printf("level=info component=orchestrator op=dispatch_payout chama_id=%s cycle=%d payout_id=%s conversation_reference=%s amount=%d", chama.ID, cycle, payout.ID, resp.ConversationID, payout.Amount)
	return payout, nil
}

// OnPayoutFailed marks a payout failed and publishes the failure. The cycle does
// not advance; the failed payout frees the unique slot for a re-trigger.
func (o *Orchestrator) OnPayoutFailed(ctx context.Context, payout *domain.Payout, reason string) error {
	transitioned, err := o.repo.MarkPayoutFailed(ctx, payout.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark payout failed: %w", err)
	}
	if !transitioned {
		return nil
	}
	payout.Status = domain.PayoutStatusFailed
	payout.FailureReason = &reason

	log.Printf("level=warn component=orchestrator op=payout_failed chama_id=%s cycle=%d payout_id=%s reason=%q", payout.ChamaID, payout.Cycle, payout.ID, reason)
	if err := o.producer.PublishPayoutFailed(ctx, rabbitmq.PayoutFailedEvent{
		ChamaID:    payout.ChamaID,
		ReceiverID: payout.RecipientID,
		PayoutID:   payout.ID,
		Cycle:      payout.Cycle,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to publish payout failure event\" payout_id=%s error=%q", payout.ID, err)
	}
	return nil
}

// OnPayoutConfirmed runs exactly once per payout, after the reconciler wins
// the completed transition. It advances the chama to its next cycle and
// publishes the rollover.
func (o *Orchestrator) OnPayoutConfirmed(ctx context.Context, payout *domain.Payout) error {
	if err := o.repo.AdvanceChamaCycle(ctx, payout.ChamaID, payout.RecipientID); err != nil {
		return fmt.Errorf("failed to advance cycle for chama %s: %w", payout.ChamaID, err)
	}

	if err := o.producer.PublishPayoutCompleted(ctx, rabbitmq.PayoutCompletedEvent{
		ChamaID:    payout.ChamaID,
		ReceiverID: payout.RecipientID,
		PayoutID:   payout.ID,
		Cycle:      payout.Cycle,
		Amount:     payout.Amount,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to publish payout event\" payout_id=%s error=%q", payout.ID, err)
	}

	chama, err := o.repo.FindChamaByID(ctx, payout.ChamaID)
	if err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to reload chama after advance\" chama_id=%s error=%q", payout.ChamaID, err)
		return nil
	}

	event := rabbitmq.CycleAdvancedEvent{
		ChamaID:       chama.ID,
		PreviousCycle: payout.Cycle,
		CurrentCycle:  chama.CurrentCycle,
		RotationsDone: chama.CompletedCycles,
		Timestamp:     time.Now().UTC(),
	}
	if next, recvErr := chama.CurrentReceiver(); recvErr == nil {
		event.NextReceiverID = next.UserID
	}
	if err := o.producer.PublishCycleAdvanced(ctx, event); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to publish cycle event\" chama_id=%s error=%q", chama.ID, err)
	}

	log.Printf("level=info component=orchestrator op=cycle_advanced chama_id=%s previous_cycle=%d current_cycle=%d", chama.ID, payout.Cycle, chama.CurrentCycle)
	return nil
}

// ManualPayout is the admin escape hatch for a stuck cycle: it re-triggers the
// disbursement for an explicit recipient once the previous attempt failed.
// Errors surface directly so the admin sees why the re-trigger was refused.
func (o *Orchestrator) ManualPayout(ctx context.Context, callerID, chamaID uuid.UUID, req domain.ManualPayoutRequest) (*domain.Payout, error) {
	chama, err := o.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if chama.AdminID != callerID {
		return nil, ErrNotAdmin
	}

	recipient := chama.MemberByUserID(req.RecipientID)
	if recipient == nil {
		return nil, store.ErrMemberNotFound
	}

	cycle := req.Cycle
	if cycle == 0 {
		cycle = chama.CurrentCycle
	}

	log.Printf("level=info component=orchestrator op=manual_payout chama_id=%s cycle=%d recipient_id=%s triggered_by=%s", chamaID, cycle, req.RecipientID, callerID)
	return o.dispatchPayout(ctx, chama, recipient, cycle)
}
