/**
 * @description
 * HTTP handlers for the payment gateway's asynchronous result callbacks.
 *
 * The gateway's contract is unusual: every callback must be answered 200 with
 * `{resultCode: 0}` no matter what happened internally, otherwise the gateway
 * keeps retrying and floods the endpoint. Processing failures are therefore
 * logged and swallowed here; correctness is owned by the reconciler's
 * idempotent transitions, not by the HTTP status.
 */

package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/chamapay/chama-service/internal/domain"
)

// ContributionCallbackHandler receives STK-push results.
func (h *ChamaHandlers) ContributionCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var cb domain.ContributionCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		log.Printf("level=warn component=api endpoint=contribution_callback msg=\"unparsable callback body\" err=%v", err)
		h.ackCallback(w)
		return
	}

	if err := h.reconciler.HandleContributionCallback(r.Context(), cb); err != nil {
		log.Printf("level=error component=api endpoint=contribution_callback msg=\"reconciliation failed\" checkout_reference=%s err=%v", cb.CheckoutReference, err)
	}
	h.ackCallback(w)
}

// PayoutCallbackHandler receives B2C disbursement results.
func (h *ChamaHandlers) PayoutCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var cb domain.PayoutCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		log.Printf("level=warn component=api endpoint=payout_callback msg=\"unparsable callback body\" err=%v", err)
		h.ackCallback(w)
		return
	}

	if err := h.reconciler.HandlePayoutCallback(r.Context(), cb); err != nil {
		log.Printf("level=error component=api endpoint=payout_callback msg=\"reconciliation failed\" conversation_reference=%s err=%v", cb.ConversationReference, err)
	}
	h.ackCallback(w)
}

// TimeoutCallbackHandler receives the gateway's queue-timeout notices.
func (h *ChamaHandlers) TimeoutCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var cb domain.TimeoutCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		log.Printf("level=warn component=api endpoint=timeout_callback msg=\"unparsable callback body\" err=%v", err)
		h.ackCallback(w)
		return
	}

	if err := h.reconciler.HandleTimeoutCallback(r.Context(), cb); err != nil {
		log.Printf("level=error component=api endpoint=timeout_callback msg=\"handling failed\" conversation_reference=%s err=%v", cb.ConversationReference, err)
	}
	h.ackCallback(w)
}

// ackCallback writes the unconditional gateway acknowledgment.
func (h *ChamaHandlers) ackCallback(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusOK, domain.CallbackAck{
		ResultCode:        domain.GatewayResultOK,
		ResultDescription: "Accepted",
	})
}
