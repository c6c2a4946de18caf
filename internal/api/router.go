/**
 * @description
 * This file sets up the HTTP router for the chama-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * The webhook endpoints are deliberately outside the authenticated group: the
 * payment gateway calls them directly and authenticates nothing. They validate
 * by reference lookup and always acknowledge.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ChamaRoutes creates and returns a new router for the chama service.
func ChamaRoutes(h *ChamaHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway result callbacks. Unauthenticated by contract; always 200.
	r.Route("/webhooks/payments", func(r chi.Router) {
		r.Post("/contribution", h.ContributionCallbackHandler)
		r.Post("/payout", h.PayoutCallbackHandler)
		r.Post("/timeout", h.TimeoutCallbackHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(AuthMiddleware(jwksURL))

		// Chama lifecycle and membership
		r.Post("/chamas", h.CreateChamaHandler)
		r.Post("/chamas/join", h.JoinChamaHandler)
		r.Get("/chamas/{chamaID}", h.GetChamaHandler)
		r.Delete("/chamas/{chamaID}/members/{userID}", h.RemoveMemberHandler)
		r.Put("/chamas/{chamaID}/receiving-phone", h.SetReceivingPhoneHandler)

		// Contributions
		r.Post("/chamas/{chamaID}/contributions", h.InitiateContributionHandler)
		r.Get("/chamas/{chamaID}/contributions", h.ListContributionsHandler)
		r.Get("/contributions/{contributionID}", h.GetContributionHandler)
		r.Post("/contributions/{contributionID}/cancel", h.CancelContributionHandler)

		// Admin escape hatch for stuck payouts
		r.Post("/chamas/{chamaID}/payouts", h.ManualPayoutHandler)
	})

	return r
}
