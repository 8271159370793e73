/**
 * @description
 * This file sets up the HTTP router for the donation-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware. The provider callback routes are registered outside the
 * authenticated group: Safaricom posts to them directly and cannot carry a
 * bearer token.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DonationRoutes creates and returns a new router for the donation service.
func DonationRoutes(h *DonationHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider callback endpoints. Unauthenticated by necessity; the
	// callback URL itself carries an unguessable path segment in deployment.
	r.Post("/payments/mpesa/callback", h.STKCallbackHandler)
	r.Post("/payments/mpesa/timeout", h.STKTimeoutHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/donations/mpesa", h.InitiateDonationHandler)
		r.Get("/donations/{donationID}", h.GetDonationStatusHandler)
		r.Get("/donations/checkout/{checkoutID}", h.GetDonationByCheckoutHandler)
	})

	return r
}
