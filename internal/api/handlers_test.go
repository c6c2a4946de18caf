package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/app"
	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
	"github.com/chamapay/chama-service/pkg/mpesa"
	"github.com/chamapay/chama-service/pkg/rabbitmq"
)

type contributionRepoStub struct {
	store.Repository

	chama *domain.Chama

	markedFailedReason string
}

func (s *contributionRepoStub) FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	if s.chama == nil || s.chama.ID != chamaID {
		return nil, store.ErrChamaNotFound
	}
	return s.chama, nil
}

func (s *contributionRepoStub) CreateContribution(ctx context.Context, contribution *domain.Contribution) error {
	return nil
}

func (s *contributionRepoStub) MarkContributionFailed(ctx context.Context, contributionID uuid.UUID, reason string) (bool, error) {
	s.markedFailedReason = reason
	return true, nil
}

type rejectingGateway struct{}

func (rejectingGateway) InitiateCollection(ctx context.Context, req mpesa.CollectionRequest) (*mpesa.CollectionResponse, error) {
	return nil, &mpesa.ErrorResponse{ErrorCode: "500.001.1001", ErrorMessage: "Unable to lock subscriber"}
}

func (rejectingGateway) InitiateDisbursement(ctx context.Context, req mpesa.DisbursementRequest) (*mpesa.DisbursementResponse, error) {
	return nil, &mpesa.ErrorResponse{ErrorCode: "500.001.1001", ErrorMessage: "Unable to lock subscriber"}
}

func authedRequest(method, target string, body []byte, userID uuid.UUID, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, authUserIDKey, userID.String())
	return httptest.NewRequest(method, target, bytes.NewReader(body)).WithContext(ctx)
}

func TestInitiateContributionHandler_GatewayRejectionSurfacesReason(t *testing.T) {
	userID := uuid.New()
	phone := "254700000001"
	repo := &contributionRepoStub{
		chama: &domain.Chama{
			ID:                 uuid.New(),
			Name:               "Umoja Savings",
			AdminID:            userID,
			ContributionAmount: 1000,
			Status:             domain.ChamaStatusActive,
			CurrentCycle:       1,
			Members:            []domain.ChamaMember{{UserID: userID, PayoutOrder: 1, ReceivingPhone: &phone}},
		},
	}
	svc := app.NewService(repo, rejectingGateway{}, nil, 0, 0)
	orch := app.NewOrchestrator(repo, rejectingGateway{}, &rabbitmq.EventProducerFallback{})
	h := NewChamaHandlers(svc, orch, app.NewReconciler(repo, orch))

	body, _ := json.Marshal(domain.InitiateContributionRequest{PhoneNumber: "0700000001"})
	req := authedRequest(http.MethodPost, "/chamas/"+repo.chama.ID.String()+"/contributions", body, userID,
		map[string]string{"chamaID": repo.chama.ID.String()})
	rr := httptest.NewRecorder()
	h.InitiateContributionHandler(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("a synchronous gateway rejection must map to 502, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if !strings.Contains(resp["error"], "Unable to lock subscriber") {
		t.Fatalf("the gateway's stated reason must reach the caller, got %q", resp["error"])
	}
	if repo.markedFailedReason == "" {
		t.Fatal("the rejected contribution must still be marked failed")
	}
}
