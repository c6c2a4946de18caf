package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
)

type reconcilerRepoStub struct {
	store.Repository

	contribution *domain.Contribution
	payout       *domain.Payout
	chama        *domain.Chama

	completeTransitioned bool
	completeCalled       bool
	completedReceipt     string
	completedAmount      int64

	failTransitioned       bool
	markContributionFailed string

	payoutCompleteTransitioned bool
	payoutCompleteCalled       bool
	payoutFailReason           string

	advanceCalled bool
}

func (s *reconcilerRepoStub) FindContributionByCheckoutReference(ctx context.Context, ref string) (*domain.Contribution, error) {
	if s.contribution == nil || s.contribution.CheckoutRequestID == nil || *s.contribution.CheckoutRequestID != ref {
		return nil, store.ErrContributionNotFound
	}
	return s.contribution, nil
}

func (s *reconcilerRepoStub) MarkContributionCompleted(ctx context.Context, contributionID uuid.UUID, receiptCode string, amount int64, transactionAt *time.Time) (bool, error) {
	s.completeCalled = true
	s.completedReceipt = receiptCode
	s.completedAmount = amount
	return s.completeTransitioned, nil
}

func (s *reconcilerRepoStub) MarkContributionFailed(ctx context.Context, contributionID uuid.UUID, reason string) (bool, error) {
	s.markContributionFailed = reason
	return s.failTransitioned, nil
}

func (s *reconcilerRepoStub) FindPayoutByConversationID(ctx context.Context, conversationID string) (*domain.Payout, error) {
	if s.payout == nil || s.payout.ConversationID == nil || *s.payout.ConversationID != conversationID {
		return nil, store.ErrPayoutNotFound
	}
	return s.payout, nil
}

func (s *reconcilerRepoStub) MarkPayoutCompleted(ctx context.Context, payoutID uuid.UUID, transactionID string, transactionAt *time.Time) (bool, error) {
	s.payoutCompleteCalled = true
	return s.payoutCompleteTransitioned, nil
}

func (s *reconcilerRepoStub) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) (bool, error) {
	s.payoutFailReason = reason
	return true, nil
}

func (s *reconcilerRepoStub) FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	if s.chama == nil {
		return nil, store.ErrChamaNotFound
	}
	return s.chama, nil
}

func (s *reconcilerRepoStub) CountCompletedContributions(ctx context.Context, chamaID uuid.UUID, cycle int) (int, error) {
	return 0, nil
}

func (s *reconcilerRepoStub) AdvanceChamaCycle(ctx context.Context, chamaID, receiverID uuid.UUID) error {
	s.advanceCalled = true
	return nil
}

func newReconcilerUnderTest(repo *reconcilerRepoStub) *Reconciler {
	orch := NewOrchestrator(repo, &gatewayStub{}, &recordingPublisher{})
	return NewReconciler(repo, orch)
}

func processingContribution(chama *domain.Chama, ref string) *domain.Contribution {
	return &domain.Contribution{
		ID:                uuid.New(),
		ChamaID:           chama.ID,
		UserID:            chama.Members[0].UserID,
		Cycle:             chama.CurrentCycle,
		Amount:            chama.ContributionAmount,
		Status:            domain.ContributionStatusProcessing,
		CheckoutRequestID: &ref,
	}
}

func TestHandleContributionCallback_UnknownReferenceDiscarded(t *testing.T) {
	repo := &reconcilerRepoStub{}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandleContributionCallback(context.Background(), domain.ContributionCallback{
		CheckoutReference: "ws_CO_never_issued",
		ResultCode:        domain.GatewayResultOK,
	})
	if err != nil {
		t.Fatalf("unknown references are discarded, not errors: %v", err)
	}
	if repo.completeCalled || repo.markContributionFailed != "" {
		t.Fatal("an unknown reference must not touch any record")
	}
}

func TestHandleContributionCallback_SuccessCompletesOnce(t *testing.T) {
	chama := activeChama(3)
	repo := &reconcilerRepoStub{
		chama:                chama,
		contribution:         processingContribution(chama, "ws_CO_1"),
		completeTransitioned: true,
	}
	rec := newReconcilerUnderTest(repo)

	ts := time.Now().UTC()
	err := rec.HandleContributionCallback(context.Background(), domain.ContributionCallback{
		CheckoutReference: "ws_CO_1",
		ResultCode:        domain.GatewayResultOK,
		ResultDescription: "The service request is processed successfully.",
		Metadata: domain.ContributionCallbackMetadata{
			ReceiptCode:          "SBX12345",
			Amount:               1000,
			TransactionTimestamp: &ts,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.completeCalled || repo.completedReceipt != "SBX12345" || repo.completedAmount != 1000 {
		t.Fatalf("expected completion with receipt and amount, got receipt=%q amount=%d", repo.completedReceipt, repo.completedAmount)
	}
}

func TestHandleContributionCallback_ConfirmedAmountOverridesInitiated(t *testing.T) {
	chama := activeChama(3)
	contribution := processingContribution(chama, "ws_CO_1")
	repo := &reconcilerRepoStub{
		chama:                chama,
		contribution:         contribution,
		completeTransitioned: true,
	}
	rec := newReconcilerUnderTest(repo)

	// The gateway settled a different amount than was initiated; the ledger
	// write and the in-memory record must both carry the confirmed figure.
	err := rec.HandleContributionCallback(context.Background(), domain.ContributionCallback{
		CheckoutReference: "ws_CO_1",
		ResultCode:        domain.GatewayResultOK,
		Metadata:          domain.ContributionCallbackMetadata{ReceiptCode: "SBX950", Amount: 950},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.completedAmount != 950 {
		t.Fatalf("expected the confirmed amount 950 to reach the store, got %d", repo.completedAmount)
	}
	if contribution.Amount != 950 {
		t.Fatalf("expected the contribution record to carry the confirmed amount, got %d", contribution.Amount)
	}
}

func TestHandleContributionCallback_DuplicateIsNoOp(t *testing.T) {
	chama := activeChama(3)
	repo := &reconcilerRepoStub{
		chama:                chama,
		contribution:         processingContribution(chama, "ws_CO_1"),
		completeTransitioned: false, // already terminal
	}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandleContributionCallback(context.Background(), domain.ContributionCallback{
		CheckoutReference: "ws_CO_1",
		ResultCode:        domain.GatewayResultOK,
		Metadata:          domain.ContributionCallbackMetadata{ReceiptCode: "SBX12345", Amount: 1000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Losing the transition must not re-run orchestration.
	if repo.advanceCalled {
		t.Fatal("duplicate delivery must not drive the state machine")
	}
}

func TestHandleContributionCallback_FailureMarksFailed(t *testing.T) {
	chama := activeChama(3)
	repo := &reconcilerRepoStub{
		chama:            chama,
		contribution:     processingContribution(chama, "ws_CO_1"),
		failTransitioned: true,
	}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandleContributionCallback(context.Background(), domain.ContributionCallback{
		CheckoutReference: "ws_CO_1",
		ResultCode:        1032,
		ResultDescription: "Request cancelled by user",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.markContributionFailed != "Request cancelled by user" {
		t.Fatalf("expected the gateway description as reason, got %q", repo.markContributionFailed)
	}
	if repo.completeCalled {
		t.Fatal("a failure callback must not complete the contribution")
	}
}

func TestHandlePayoutCallback_SuccessAdvancesCycle(t *testing.T) {
	chama := activeChama(2)
	conv := "AG_1"
	repo := &reconcilerRepoStub{
		chama: chama,
		payout: &domain.Payout{
			ID:             uuid.New(),
			ChamaID:        chama.ID,
			RecipientID:    chama.Members[0].UserID,
			Cycle:          1,
			Amount:         2000,
			Status:         domain.PayoutStatusProcessing,
			ConversationID: &conv,
		},
		payoutCompleteTransitioned: true,
	}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandlePayoutCallback(context.Background(), domain.PayoutCallback{
		ConversationReference: "AG_1",
		ResultCode:            domain.GatewayResultOK,
		TransactionID:         "TX999",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.advanceCalled {
		t.Fatal("a confirmed payout must advance the cycle")
	}
}

func TestHandlePayoutCallback_DuplicateDoesNotAdvanceTwice(t *testing.T) {
	chama := activeChama(2)
	chama.CurrentCycle = 2 // the first delivery already advanced past cycle 1
	conv := "AG_1"
	repo := &reconcilerRepoStub{
		chama: chama,
		payout: &domain.Payout{
			ID:             uuid.New(),
			ChamaID:        chama.ID,
			RecipientID:    chama.Members[0].UserID,
			Cycle:          1,
			Status:         domain.PayoutStatusCompleted,
			ConversationID: &conv,
		},
		payoutCompleteTransitioned: false,
	}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandlePayoutCallback(context.Background(), domain.PayoutCallback{
		ConversationReference: "AG_1",
		ResultCode:            domain.GatewayResultOK,
		TransactionID:         "TX999",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.advanceCalled {
		t.Fatal("a duplicate payout callback must not advance the cycle again")
	}
}

func TestHandlePayoutCallback_RedeliveryRetriesLostAdvance(t *testing.T) {
	// The payout completed on an earlier delivery but the cycle advance behind
	// it failed; the chama is still parked on the payout's cycle. The
	// redelivered callback must run the advance instead of no-opping.
	chama := activeChama(2)
	conv := "AG_1"
	repo := &reconcilerRepoStub{
		chama: chama,
		payout: &domain.Payout{
			ID:             uuid.New(),
			ChamaID:        chama.ID,
			RecipientID:    chama.Members[0].UserID,
			Cycle:          1,
			Status:         domain.PayoutStatusCompleted,
			ConversationID: &conv,
		},
		payoutCompleteTransitioned: false,
	}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandlePayoutCallback(context.Background(), domain.PayoutCallback{
		ConversationReference: "AG_1",
		ResultCode:            domain.GatewayResultOK,
		TransactionID:         "TX999",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.advanceCalled {
		t.Fatal("a completed payout whose chama never advanced must retry the advance")
	}
}

func TestHandlePayoutCallback_FailureKeepsCycleOpen(t *testing.T) {
	chama := activeChama(2)
	conv := "AG_1"
	repo := &reconcilerRepoStub{
		chama: chama,
		payout: &domain.Payout{
			ID:             uuid.New(),
			ChamaID:        chama.ID,
			RecipientID:    chama.Members[0].UserID,
			Cycle:          1,
			Status:         domain.PayoutStatusProcessing,
			ConversationID: &conv,
		},
	}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandlePayoutCallback(context.Background(), domain.PayoutCallback{
		ConversationReference: "AG_1",
		ResultCode:            2001,
		ResultDescription:     "The initiator information is invalid.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.payoutFailReason != "The initiator information is invalid." {
		t.Fatalf("expected failure reason recorded, got %q", repo.payoutFailReason)
	}
	if repo.advanceCalled {
		t.Fatal("a failed payout must never advance the cycle")
	}
}

func TestHandlePayoutCallback_UnknownReferenceDiscarded(t *testing.T) {
	repo := &reconcilerRepoStub{}
	rec := newReconcilerUnderTest(repo)

	err := rec.HandlePayoutCallback(context.Background(), domain.PayoutCallback{
		ConversationReference: "AG_never_issued",
		ResultCode:            domain.GatewayResultOK,
	})
	if err != nil {
		t.Fatalf("unknown references are discarded, not errors: %v", err)
	}
	if repo.payoutCompleteCalled || repo.payoutFailReason != "" {
		t.Fatal("an unknown reference must not touch any record")
	}
}
