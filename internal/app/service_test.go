package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
	"github.com/chamapay/chama-service/pkg/mpesa"
)

type serviceRepoStub struct {
	store.Repository

	chama *domain.Chama

	createdChama *domain.Chama

	createContributionErr error
	createdContribution   *domain.Contribution

	checkoutReference string

	markFailedReason string

	removedMember uuid.UUID
}

func (s *serviceRepoStub) FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	if s.chama == nil {
		return nil, store.ErrChamaNotFound
	}
	return s.chama, nil
}

func (s *serviceRepoStub) CreateChama(ctx context.Context, chama *domain.Chama) error {
	chama.InviteCode = "ABC234"
	s.createdChama = chama
	return nil
}

func (s *serviceRepoStub) CreateContribution(ctx context.Context, contribution *domain.Contribution) error {
	if s.createContributionErr != nil {
		return s.createContributionErr
	}
	s.createdContribution = contribution
	return nil
}

func (s *serviceRepoStub) SetContributionCheckoutReference(ctx context.Context, contributionID uuid.UUID, checkoutRequestID string) error {
	s.checkoutReference = checkoutRequestID
	return nil
}

func (s *serviceRepoStub) MarkContributionFailed(ctx context.Context, contributionID uuid.UUID, reason string) (bool, error) {
	s.markFailedReason = reason
	return true, nil
}

func (s *serviceRepoStub) RemoveChamaMember(ctx context.Context, chamaID, userID uuid.UUID) error {
	s.removedMember = userID
	return nil
}

// scriptedLimiter returns a fixed count so tests can push the caller over the
// limit without Redis.
type scriptedLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *scriptedLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func TestCreateChama_AdminIsFirstInRotation(t *testing.T) {
	repo := &serviceRepoStub{}
	svc := NewService(repo, &gatewayStub{}, nil, 0, 0)
	adminID := uuid.New()
	phone := "0712345678"

	chama, err := svc.CreateChama(context.Background(), adminID, domain.CreateChamaRequest{
		Name:               "Umoja Savings",
		ContributionAmount: 1000,
		ReceivingPhone:     &phone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chama.Members) != 1 || chama.Members[0].UserID != adminID || chama.Members[0].PayoutOrder != 1 {
		t.Fatalf("expected the admin as sole member at payout order 1, got %+v", chama.Members)
	}
	if chama.Members[0].ReceivingPhone == nil || *chama.Members[0].ReceivingPhone != "254712345678" {
		t.Fatal("expected the payout number normalized at creation")
	}
	if chama.CurrentCycle != 1 || chama.Status != domain.ChamaStatusActive {
		t.Fatalf("expected a fresh active chama at cycle 1, got cycle=%d status=%s", chama.CurrentCycle, chama.Status)
	}
}

func TestCreateChama_RejectsTinyAmount(t *testing.T) {
	svc := NewService(&serviceRepoStub{}, &gatewayStub{}, nil, 0, 0)

	_, err := svc.CreateChama(context.Background(), uuid.New(), domain.CreateChamaRequest{
		Name:               "Too Cheap",
		ContributionAmount: 1,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestInitiateContribution_HappyPath(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{chama: chama}
	svc := NewService(repo, &gatewayStub{}, nil, 0, 0)

	contribution, err := svc.InitiateContribution(context.Background(), chama.Members[1].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contribution.Status != domain.ContributionStatusProcessing {
		t.Fatalf("expected processing after gateway accept, got %s", contribution.Status)
	}
	if contribution.Amount != chama.ContributionAmount || contribution.Cycle != chama.CurrentCycle {
		t.Fatalf("amount and cycle come from the chama, got amount=%d cycle=%d", contribution.Amount, contribution.Cycle)
	}
	if repo.checkoutReference != "ws_CO_test" {
		t.Fatalf("expected checkout reference stored, got %q", repo.checkoutReference)
	}
}

func TestInitiateContribution_RejectsNonMember(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{chama: chama}
	svc := NewService(repo, &gatewayStub{}, nil, 0, 0)

	_, err := svc.InitiateContribution(context.Background(), uuid.New(), chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if repo.createdContribution != nil {
		t.Fatal("non-members must not create contributions")
	}
}

func TestInitiateContribution_DuplicateRejectedByStore(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{
		chama:                 chama,
		createContributionErr: store.ErrDuplicateContribution,
	}
	gateway := &gatewayStub{
		collectFn: func(ctx context.Context, req mpesa.CollectionRequest) (*mpesa.CollectionResponse, error) {
			t.Fatal("gateway must not be reached for a duplicate contribution")
			return nil, nil
		},
	}
	svc := NewService(repo, gateway, nil, 0, 0)

	_, err := svc.InitiateContribution(context.Background(), chama.Members[0].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	if !errors.Is(err, store.ErrDuplicateContribution) {
		t.Fatalf("expected ErrDuplicateContribution, got %v", err)
	}
}

func TestInitiateContribution_GatewayRejectionMarksFailed(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{chama: chama}
	gateway := &gatewayStub{
		collectFn: func(ctx context.Context, req mpesa.CollectionRequest) (*mpesa.CollectionResponse, error) {
			return nil, &mpesa.ErrorResponse{ErrorCode: "400.008.01", ErrorMessage: "Invalid Amount"}
		},
	}
	svc := NewService(repo, gateway, nil, 0, 0)

	_, err := svc.InitiateContribution(context.Background(), chama.Members[0].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	if err == nil {
		t.Fatal("expected the rejection to surface")
	}
	if repo.markFailedReason == "" {
		t.Fatal("a synchronous rejection must mark the contribution failed so the member can retry")
	}
}

func TestInitiateContribution_CredentialOutageMapsToGatewayUnavailable(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{chama: chama}
	gateway := &gatewayStub{
		collectFn: func(ctx context.Context, req mpesa.CollectionRequest) (*mpesa.CollectionResponse, error) {
			return nil, mpesa.ErrCredentialUnavailable
		},
	}
	svc := NewService(repo, gateway, nil, 0, 0)

	_, err := svc.InitiateContribution(context.Background(), chama.Members[0].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestInitiateContribution_RateLimited(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{chama: chama}
	svc := NewService(repo, &gatewayStub{}, &scriptedLimiter{count: 6, retryAfter: 42}, 5, time.Minute)

	_, err := svc.InitiateContribution(context.Background(), chama.Members[0].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after 42, got %d", limited.RetryAfterSeconds)
	}
	if repo.createdContribution != nil {
		t.Fatal("rate-limited requests must not create contributions")
	}
}

func TestInitiateContribution_LimiterOutageDoesNotBlock(t *testing.T) {
	chama := activeChama(3)
	repo := &serviceRepoStub{chama: chama}
	svc := NewService(repo, &gatewayStub{}, &scriptedLimiter{err: errors.New("redis down")}, 5, time.Minute)

	if _, err := svc.InitiateContribution(context.Background(), chama.Members[0].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	}); err != nil {
		t.Fatalf("a limiter outage must not block payments: %v", err)
	}
}

func TestInitiateContribution_InactiveChama(t *testing.T) {
	chama := activeChama(3)
	chama.Status = domain.ChamaStatusPaused
	svc := NewService(&serviceRepoStub{chama: chama}, &gatewayStub{}, nil, 0, 0)

	_, err := svc.InitiateContribution(context.Background(), chama.Members[0].UserID, chama.ID, domain.InitiateContributionRequest{
		PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrChamaNotActive) {
		t.Fatalf("expected ErrChamaNotActive, got %v", err)
	}
}

func TestRemoveMember_Rules(t *testing.T) {
	chama := activeChama(3)
	chama.Members[2].HasReceived = true

	tests := []struct {
		name    string
		caller  uuid.UUID
		target  uuid.UUID
		wantErr error
	}{
		{"non-admin caller", chama.Members[1].UserID, chama.Members[2].UserID, ErrNotAdmin},
		{"admin removes admin", chama.AdminID, chama.AdminID, ErrAdminNotRemovable},
		{"member already received", chama.AdminID, chama.Members[2].UserID, ErrMemberHasReceived},
		{"admin removes member", chama.AdminID, chama.Members[1].UserID, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &serviceRepoStub{chama: chama}
			svc := NewService(repo, &gatewayStub{}, nil, 0, 0)

			err := svc.RemoveMember(context.Background(), tt.caller, chama.ID, tt.target)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if repo.removedMember != tt.target {
					t.Fatalf("expected %s removed, got %s", tt.target, repo.removedMember)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
