/**
 * @description
 * This file contains the membership and contribution business logic for the
 * chama-service. The `Service` struct coordinates between the database
 * repository, the M-Pesa gateway client, the Redis rate limiter, and the
 * message broker.
 *
 * Key features:
 * - Chama lifecycle: create, join by invite code, member removal, payout
 *   number management.
 * - Contribution initiation: membership and status checks, per-member rate
 *   limiting, duplicate rejection (delegated to the storage layer's unique
 *   index), and STK-push dispatch.
 * - Synchronous gateway failures mark the contribution failed immediately so
 *   the member can retry; asynchronous outcomes arrive through the reconciler.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/mpesa, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
	"github.com/chamapay/chama-service/pkg/mpesa"
)

const (
	// MinContributionAmount guards against zero or token-sized groups.
	MinContributionAmount = 10

	contributionRateScope = "contribution_initiate"
)

var (
	ErrNotMember          = errors.New("user is not a member of this chama")
	ErrNotAdmin           = errors.New("only the chama admin may perform this action")
	ErrChamaNotActive     = errors.New("chama is not active")
	ErrAdminNotRemovable  = errors.New("the chama admin cannot be removed")
	ErrInvalidAmount      = errors.New("contribution amount is below the minimum")
	ErrMemberHasReceived  = errors.New("a member who has already received a payout cannot be removed mid-rotation")
	ErrGatewayUnavailable = errors.New("payment gateway is unavailable, try again shortly")
)

// RateLimitedError is returned when a member exceeds the contribution
// initiation limit. RetryAfterSeconds feeds the Retry-After response header.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %d seconds", e.RetryAfterSeconds)
}

// RateLimiter is the limiter contract used by contribution initiation. A nil
// limiter disables limiting (local development without Redis).
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the membership and contribution business logic.
type Service struct {
	repo      store.Repository
	gateway   PaymentGateway
	limiter   RateLimiter
	rateLimit int
	rateWin   time.Duration
}

// NewService creates a new chama service instance.
func NewService(repo store.Repository, gateway PaymentGateway, limiter RateLimiter, ratePerWindow int, rateWindow time.Duration) *Service {
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	return &Service{
		repo:      repo,
		gateway:   gateway,
		limiter:   limiter,
		rateLimit: ratePerWindow,
		rateWin:   rateWindow,
	}
}

// CreateChama creates a new rotating savings group with the caller as admin and
// first member of the rotation.
func (s *Service) CreateChama(ctx context.Context, adminID uuid.UUID, req domain.CreateChamaRequest) (*domain.Chama, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("chama name is required")
	}
	if req.ContributionAmount < MinContributionAmount {
		return nil, ErrInvalidAmount
	}

	var receivingPhone *string
	if req.ReceivingPhone != nil {
		normalized, err := mpesa.NormalizePhone(*req.ReceivingPhone)
		if err != nil {
			return nil, err
		}
		receivingPhone = &normalized
	}

	chama := &domain.Chama{
		ID:                 uuid.New(),
		Name:               name,
		Description:        strings.TrimSpace(req.Description),
		AdminID:            adminID,
		ContributionAmount: req.ContributionAmount,
		CollectionAccount:  strings.TrimSpace(req.CollectionAccount),
		Status:             domain.ChamaStatusActive,
		CurrentCycle:       1,
		Members: []domain.ChamaMember{{
			UserID:         adminID,
			PayoutOrder:    1,
			ReceivingPhone: receivingPhone,
		}},
	}

	if err := s.repo.CreateChama(ctx, chama); err != nil {
		return nil, fmt.Errorf("failed to create chama: %w", err)
	}

	log.Printf("level=info component=service op=create_chama chama_id=%s admin_id=%s amount=%d", chama.ID, adminID, chama.ContributionAmount)
	return chama, nil
}

// GetChama returns the chama aggregate, visible to members only.
func (s *Service) GetChama(ctx context.Context, userID, chamaID uuid.UUID) (*domain.Chama, error) {
	chama, err := s.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if !chama.IsMember(userID) {
		return nil, ErrNotMember
	}
	return chama, nil
}

// JoinChama adds the caller to the chama identified by invite code. The new
// member takes the last position in the rotation and counts toward cycle
// completeness immediately.
func (s *Service) JoinChama(ctx context.Context, userID uuid.UUID, req domain.JoinChamaRequest) (*domain.Chama, error) {
	code := strings.ToUpper(strings.TrimSpace(req.InviteCode))
	if code == "" {
		return nil, errors.New("invite code is required")
	}

	chama, err := s.repo.FindChamaByInviteCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if chama.Status != domain.ChamaStatusActive {
		return nil, ErrChamaNotActive
	}

	var receivingPhone *string
	if req.ReceivingPhone != nil {
		normalized, err := mpesa.NormalizePhone(*req.ReceivingPhone)
		if err != nil {
			return nil, err
		}
		receivingPhone = &normalized
	}

	if _, err := s.repo.AddChamaMember(ctx, chama.ID, userID, receivingPhone); err != nil {
		return nil, err
	}

	log.Printf("level=info component=service op=join_chama chama_id=%s user_id=%s", chama.ID, userID)
	return s.repo.FindChamaByID(ctx, chama.ID)
}

// RemoveMember removes a member from the rotation. Only the admin may remove
// members, the admin themselves cannot be removed, and members who already
// received a payout this rotation stay until the rotation resets so the group
// ledger balances.
func (s *Service) RemoveMember(ctx context.Context, callerID, chamaID, memberID uuid.UUID) error {
	chama, err := s.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		return err
	}
	if chama.AdminID != callerID {
		return ErrNotAdmin
	}
	if memberID == chama.AdminID {
		return ErrAdminNotRemovable
	}

	member := chama.MemberByUserID(memberID)
	if member == nil {
		return store.ErrMemberNotFound
	}
	if member.HasReceived {
		return ErrMemberHasReceived
	}

	if err := s.repo.RemoveChamaMember(ctx, chamaID, memberID); err != nil {
		return err
	}
	log.Printf("level=info component=service op=remove_member chama_id=%s user_id=%s removed_by=%s", chamaID, memberID, callerID)
	return nil
}

// SetReceivingPhone sets the caller's nominated payout number for one chama.
func (s *Service) SetReceivingPhone(ctx context.Context, userID, chamaID uuid.UUID, phone string) error {
	normalized, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return err
	}
	return s.repo.SetMemberReceivingPhone(ctx, chamaID, userID, normalized)
}

// InitiateContribution starts a member's contribution for the chama's current
// cycle: it records a pending contribution (losing the storage-layer race on
// duplicates), asks the gateway to push the payment prompt, and stores the
// checkout reference the result callback will carry.
func (s *Service) InitiateContribution(ctx context.Context, userID, chamaID uuid.UUID, req domain.InitiateContributionRequest) (*domain.Contribution, error) {
	chama, err := s.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if chama.Status != domain.ChamaStatusActive {
		return nil, ErrChamaNotActive
	}
	if !chama.IsMember(userID) {
		return nil, ErrNotMember
	}

	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil && s.rateLimit > 0 {
		count, retryAfter, limErr := s.limiter.ConsumeRateLimit(ctx, contributionRateScope, userID.String(), s.rateLimit, s.rateWin)
		if limErr != nil {
			// Limiter outages must not block payments.
			log.Printf("level=warn component=service op=initiate_contribution msg=\"rate limiter unavailable\" user_id=%s error=%q", userID, limErr)
		} else if count > s.rateLimit {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	contribution := &domain.Contribution{
		ID:          uuid.New(),
		ChamaID:     chama.ID,
		UserID:      userID,
		Cycle:       chama.CurrentCycle,
		Amount:      chama.ContributionAmount,
		PhoneNumber: phone,
		Status:      domain.ContributionStatusPending,
	}
	if err := s.repo.CreateContribution(ctx, contribution); err != nil {
		return nil, err
	}

	resp, err := s.gateway.InitiateCollection(ctx, mpesa.CollectionRequest{
		PayerPhone:        phone,
		Amount:            chama.ContributionAmount,
		Reference:         contribution.ID.String(),
		Description:       fmt.Sprintf("%s cycle %d", chama.Name, chama.CurrentCycle),
		CollectionAccount: chama.CollectionAccount,
	})
	if err != nil {
		reason := fmt.Sprintf("collection request rejected: %v", err)
		if _, markErr := s.repo.MarkContributionFailed(ctx, contribution.ID, reason); markErr != nil {
			log.Printf("level=error component=service op=initiate_contribution msg=\"failed to mark rejected contribution\" contribution_id=%s error=%q", contribution.ID, markErr)
		}
		if errors.Is(err, mpesa.ErrCredentialUnavailable) {
			return nil, ErrGatewayUnavailable
		}
		return nil, fmt.Errorf("failed to initiate collection: %w", err)
	}

	if err := s.repo.SetContributionCheckoutReference(ctx, contribution.ID, resp.CheckoutRequestID); err != nil {
		// The callback will still find the contribution through the gateway
		// reference only if this write landed; surface loudly.
		log.Printf("level=error component=service op=initiate_contribution msg=\"failed to store checkout reference\" contribution_id=%s checkout_reference=%s error=%q", contribution.ID, resp.CheckoutRequestID, err)
		return nil, fmt.Errorf("failed to store checkout reference: %w", err)
	}

	contribution.Status = domain.ContributionStatusProcessing
	contribution.CheckoutRequestID = &resp.CheckoutRequestID
	log.Printf("level=info component=service op=initiate_contribution chama_id=%s user_id=%s cycle=%d checkout_reference=%s", chama.ID, userID, contribution.Cycle, resp.CheckoutRequestID)
	return contribution, nil
}

// CancelContribution cancels the caller's own still-pending contribution.
func (s *Service) CancelContribution(ctx context.Context, userID, contributionID uuid.UUID) error {
	return s.repo.CancelContribution(ctx, contributionID, userID)
}

// GetContribution returns a contribution visible to its owner only.
func (s *Service) GetContribution(ctx context.Context, userID, contributionID uuid.UUID) (*domain.Contribution, error) {
	contribution, err := s.repo.FindContributionByID(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	if contribution.UserID != userID {
		return nil, store.ErrContributionNotFound
	}
	return contribution, nil
}

// ListMemberContributions returns the caller's contribution history in a chama.
func (s *Service) ListMemberContributions(ctx context.Context, userID, chamaID uuid.UUID) ([]domain.Contribution, error) {
	chama, err := s.repo.FindChamaByID(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if !chama.IsMember(userID) {
		return nil, ErrNotMember
	}
	return s.repo.ListContributionsByMember(ctx, chamaID, userID)
}
