/**
 * @description
 * This file contains the HTTP handlers for the chama-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/app"
	"github.com/chamapay/chama-service/internal/domain"
	"github.com/chamapay/chama-service/internal/store"
	"github.com/chamapay/chama-service/pkg/mpesa"
)

// ChamaHandlers holds the application services that handlers will use.
type ChamaHandlers struct {
	service      *app.Service
	orchestrator *app.Orchestrator
	reconciler   *app.Reconciler
}

// NewChamaHandlers creates a new instance of ChamaHandlers.
func NewChamaHandlers(service *app.Service, orchestrator *app.Orchestrator, reconciler *app.Reconciler) *ChamaHandlers {
	return &ChamaHandlers{
		service:      service,
		orchestrator: orchestrator,
		reconciler:   reconciler,
	}
}

// currentUserID resolves the authenticated user's UUID, writing the error
// response itself when that fails.
func (h *ChamaHandlers) currentUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id user_id=%q", userIDStr)
		http.Error(w, "Invalid user ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return userID, true
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}

// CreateChamaHandler handles requests to create a new chama.
func (h *ChamaHandlers) CreateChamaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreateChamaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	chama, err := h.service.CreateChama(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, "create_chama", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, chama)
}

// JoinChamaHandler handles requests to join a chama by invite code.
func (h *ChamaHandlers) JoinChamaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	var req domain.JoinChamaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	chama, err := h.service.JoinChama(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, "join_chama", err)
		return
	}
	h.writeJSON(w, http.StatusOK, chama)
}

// GetChamaHandler returns the chama aggregate to one of its members.
func (h *ChamaHandlers) GetChamaHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	chamaID, err := pathUUID(r, "chamaID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chama, err := h.service.GetChama(r.Context(), userID, chamaID)
	if err != nil {
		h.respondServiceError(w, "get_chama", err)
		return
	}
	h.writeJSON(w, http.StatusOK, chama)
}

// RemoveMemberHandler removes a member from the rotation (admin only).
func (h *ChamaHandlers) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	chamaID, err := pathUUID(r, "chamaID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	memberID, err := pathUUID(r, "userID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.RemoveMember(r.Context(), callerID, chamaID, memberID); err != nil {
		h.respondServiceError(w, "remove_member", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// SetReceivingPhoneHandler sets the caller's nominated payout number.
func (h *ChamaHandlers) SetReceivingPhoneHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	chamaID, err := pathUUID(r, "chamaID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req domain.UpdateReceivingPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := h.service.SetReceivingPhone(r.Context(), userID, chamaID, req.ReceivingPhone); err != nil {
		h.respondServiceError(w, "set_receiving_phone", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// InitiateContributionHandler starts a contribution for the current cycle.
func (h *ChamaHandlers) InitiateContributionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	chamaID, err := pathUUID(r, "chamaID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req domain.InitiateContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	contribution, err := h.service.InitiateContribution(r.Context(), userID, chamaID, req)
	if err != nil {
		var limited *app.RateLimitedError
		if errors.As(err, &limited) {
			w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, "Too many contribution attempts. Please slow down.")
			return
		}
		h.respondServiceError(w, "initiate_contribution", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, contribution)
}

// ListContributionsHandler returns the caller's contribution history in a chama.
func (h *ChamaHandlers) ListContributionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	chamaID, err := pathUUID(r, "chamaID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contributions, err := h.service.ListMemberContributions(r.Context(), userID, chamaID)
	if err != nil {
		h.respondServiceError(w, "list_contributions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, contributions)
}

// GetContributionHandler returns one of the caller's contributions.
func (h *ChamaHandlers) GetContributionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	contributionID, err := pathUUID(r, "contributionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contribution, err := h.service.GetContribution(r.Context(), userID, contributionID)
	if err != nil {
		h.respondServiceError(w, "get_contribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, contribution)
}

// CancelContributionHandler cancels the caller's still-pending contribution.
func (h *ChamaHandlers) CancelContributionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	contributionID, err := pathUUID(r, "contributionID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.CancelContribution(r.Context(), userID, contributionID); err != nil {
		h.respondServiceError(w, "cancel_contribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ManualPayoutHandler re-triggers a stuck cycle's payout (admin only).
func (h *ChamaHandlers) ManualPayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}
	chamaID, err := pathUUID(r, "chamaID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req domain.ManualPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	payout, err := h.orchestrator.ManualPayout(r.Context(), callerID, chamaID, req)
	if err != nil {
		h.respondServiceError(w, "manual_payout", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, payout)
}

// respondServiceError maps service and store errors to HTTP statuses.
func (h *ChamaHandlers) respondServiceError(w http.ResponseWriter, endpoint string, err error) {
	var gatewayErr *mpesa.ErrorResponse
	if errors.As(err, &gatewayErr) {
		// The gateway rejected synchronously; the caller needs its stated
		// reason to act (wrong number, insufficient gateway credit).
		h.writeError(w, http.StatusBadGateway, gatewayErr.Error())
		return
	}

	switch {
	case errors.Is(err, store.ErrChamaNotFound),
		errors.Is(err, store.ErrContributionNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrMemberNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateContribution),
		errors.Is(err, store.ErrPayoutAlreadyExists),
		errors.Is(err, store.ErrAlreadyMember),
		errors.Is(err, store.ErrContributionFinalized):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotMember), errors.Is(err, app.ErrNotAdmin):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrChamaNotActive),
		errors.Is(err, app.ErrAdminNotRemovable),
		errors.Is(err, app.ErrMemberHasReceived),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, mpesa.ErrInvalidPhoneNumber):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrGatewayUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *ChamaHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ChamaHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
