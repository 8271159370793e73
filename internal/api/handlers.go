/**
 * @description
 * This file contains the HTTP handlers for the donation-service's donor-facing
 * API endpoints. Handlers are responsible for parsing incoming requests,
 * calling the appropriate methods on the application service, and writing the
 * HTTP response. The provider callback handlers live in handlers_callback.go
 * because their response contract is dictated by Safaricom, not by this API.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sheneeds/donation-service/internal/app"
	"github.com/sheneeds/donation-service/internal/domain"
	"github.com/sheneeds/donation-service/internal/store"
	"github.com/sheneeds/donation-service/pkg/darajaclient"
)

// DonationHandlers holds the application service that handlers will use.
type DonationHandlers struct {
	service *app.Service
}

// NewDonationHandlers creates a new instance of DonationHandlers.
func NewDonationHandlers(service *app.Service) *DonationHandlers {
	return &DonationHandlers{service: service}
}

// donationResponse is the donor's view of a donation. Provider correlation
// ids are included so the client can poll by checkout id while waiting for
// the push to resolve.
type donationResponse struct {
	DonationID        string  `json:"donation_id"`
	CharityID         string  `json:"charity_id"`
	Status            string  `json:"status"`
	StatusLabel       string  `json:"status_label"`
	Amount            int64   `json:"amount"`
	CheckoutRequestID *string `json:"checkout_request_id,omitempty"`
	MerchantRequestID *string `json:"merchant_request_id,omitempty"`
	ReceiptNumber     *string `json:"receipt_number,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	Message           string  `json:"message,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func buildDonationResponse(d *domain.Donation, message string) donationResponse {
	return donationResponse{
		DonationID:        d.ID.String(),
		CharityID:         d.CharityID.String(),
		Status:            string(d.Status),
		StatusLabel:       d.Status.Label(),
		Amount:            d.Amount,
		CheckoutRequestID: d.CheckoutRequestID,
		MerchantRequestID: d.MerchantRequestID,
		ReceiptNumber:     d.MpesaReceiptNumber,
		FailureReason:     d.FailureReason,
		Message:           message,
		CreatedAt:         d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:         d.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// InitiateDonationHandler handles requests to start a mobile-money donation.
func (h *DonationHandlers) InitiateDonationHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := GetDonorID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get donor ID from context")
		return
	}

	var req domain.InitiateDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	donation, customerMessage, err := h.service.InitiateDonation(r.Context(), donorID, req)
	if err != nil {
		h.writeInitiationError(w, donorID, err)
		return
	}

	log.Printf("level=info component=api endpoint=initiate_donation outcome=accepted donation_id=%s status=%s", donation.ID, donation.Status)
	h.writeJSON(w, http.StatusCreated, buildDonationResponse(donation, customerMessage))
}

// writeInitiationError maps service errors onto HTTP statuses.
func (h *DonationHandlers) writeInitiationError(w http.ResponseWriter, donorID uuid.UUID, err error) {
	var rejected *darajaclient.RejectedError
	switch {
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrInvalidPhoneNumber):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrCharityNotFound):
		h.writeError(w, http.StatusNotFound, "Charity not found or inactive")
	case errors.Is(err, app.ErrRateLimited):
		var limited *app.RateLimitedError
		if errors.As(err, &limited) && limited.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		}
		h.writeError(w, http.StatusTooManyRequests, "Too many donation attempts. Please wait a moment and try again.")
	case errors.As(err, &rejected):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":      "Payment request was rejected",
			"reason":     rejected.Description,
			"error_code": rejected.Code,
		})
	case errors.Is(err, app.ErrProviderUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "Payment provider is unavailable. Please try again shortly.")
	case errors.Is(err, app.ErrStorageUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again shortly.")
	default:
		log.Printf("level=error component=api endpoint=initiate_donation outcome=failed donor_id=%s err=%v", donorID, err)
		h.writeError(w, http.StatusBadGateway, "Could not initiate payment")
	}
}

// GetDonationStatusHandler returns the current state of a donation owned by
// the authenticated donor.
func (h *DonationHandlers) GetDonationStatusHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := GetDonorID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get donor ID from context")
		return
	}

	donationID, err := uuid.Parse(chi.URLParam(r, "donationID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid donation ID format")
		return
	}

	donation, err := h.service.GetDonationStatus(r.Context(), donorID, donationID)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			h.writeError(w, http.StatusNotFound, "Donation not found")
			return
		}
		log.Printf("level=error component=api endpoint=donation_status outcome=failed donation_id=%s err=%v", donationID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, buildDonationResponse(donation, ""))
}

// GetDonationByCheckoutHandler is the poll variant keyed by the checkout
// request id handed to the client at initiation time.
func (h *DonationHandlers) GetDonationByCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := GetDonorID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get donor ID from context")
		return
	}

	checkoutID := chi.URLParam(r, "checkoutID")
	if checkoutID == "" {
		h.writeError(w, http.StatusBadRequest, "Checkout request ID is required")
		return
	}

	donation, err := h.service.GetDonationStatusByCheckout(r.Context(), donorID, checkoutID)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			h.writeError(w, http.StatusNotFound, "Donation not found")
			return
		}
		log.Printf("level=error component=api endpoint=donation_status_by_checkout outcome=failed checkout_id=%s err=%v", checkoutID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, buildDonationResponse(donation, ""))
}

// writeJSON is a helper for writing JSON responses.
func (h *DonationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *DonationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
