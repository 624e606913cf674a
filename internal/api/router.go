/**
 * @description
 * This file sets up the HTTP router for the token-ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
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
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns a new router for the token ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Server-to-server grant ingestion.
	r.Route("/internal/grants", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/", h.InternalGrantHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/tokens/balance", h.GetBalanceHandler)
		r.Get("/tokens/balance-check", h.BalanceCheckHandler)
		r.Post("/tokens/deduct", h.DeductHandler)
		r.Get("/tokens/history", h.HistoryHandler)

		r.Get("/subscription", h.GetSubscriptionHandler)
		r.Post("/subscription/change-plan", h.ChangePlanHandler)
		r.Post("/subscription/cancel", h.CancelSubscriptionHandler)
		r.Post("/subscription/reactivate", h.ReactivateSubscriptionHandler)
	})

	return r
}
