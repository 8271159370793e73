/**
 * @description
 * This file defines the core domain models for the donation-service. These
 * structs represent the donation ledger record and the DTOs used by the API,
 * repository, and payment-gateway layers.
 *
 * @notes
 * - Amounts are stored as `int64` in cents (KES 500 = 50000 cents) to avoid
 *   floating-point inaccuracies with financial data. The Daraja API itself
 *   deals in whole KES; the conversion happens at the edges.
 * - Provider-issued identifiers are pointer-typed because they do not exist
 *   until the provider has acknowledged the push request.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DonationStatus is the lifecycle state of a donation.
type DonationStatus string

const (
	// StatusCreated means the local record exists but the provider has not
	// yet acknowledged the push request.
	StatusCreated DonationStatus = "CREATED"
	// StatusPending means the provider accepted the push request and we are
	// waiting for the asynchronous confirmation callback.
	StatusPending DonationStatus = "PENDING"
	// Terminal states. No transition ever leaves these.
	StatusPaid    DonationStatus = "PAID"
	StatusFailed  DonationStatus = "FAILED"
	StatusTimeout DonationStatus = "TIMEOUT"
)

// IsTerminal reports whether the status is a lifecycle sink.
func (s DonationStatus) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Label returns the human-readable status label shown to donors.
func (s DonationStatus) Label() string {
	switch s {
	case StatusCreated:
		return "Initiating payment"
	case StatusPending:
		return "Waiting for payment confirmation"
	case StatusPaid:
		return "Payment received"
	case StatusFailed:
		return "Payment failed"
	case StatusTimeout:
		return "Payment timed out"
	}
	return string(s)
}

// Donation is the central record for a single push-payment donation.
// This struct maps directly to the `donations` table in the database.
type Donation struct {
	ID                 uuid.UUID      `json:"id"`
	DonorID            uuid.UUID      `json:"donor_id"`
	CharityID          uuid.UUID      `json:"charity_id"`
	Amount             int64          `json:"amount"` // in cents
	PhoneNumber        string         `json:"phone_number"`
	Message            *string        `json:"message,omitempty"`
	IsAnonymous        bool           `json:"is_anonymous"`
	Status             DonationStatus `json:"status"`
	CheckoutRequestID  *string        `json:"checkout_request_id,omitempty"`
	MerchantRequestID  *string        `json:"merchant_request_id,omitempty"`
	MpesaReceiptNumber *string        `json:"mpesa_receipt_number,omitempty"`
	ResultCode         *string        `json:"result_code,omitempty"`
	ResultDesc         *string        `json:"result_desc,omitempty"`
	FailureReason      *string        `json:"failure_reason,omitempty"`
	// Version increments on every applied transition and gates the
	// repository's compare-and-swap so racing transitions cannot both win.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AmountKES returns the donation amount in whole KES, the unit Daraja uses.
func (d *Donation) AmountKES() int64 {
	return d.Amount / 100
}

// InitiateDonationRequest is the DTO for incoming donation initiation
// API requests. Amount is in whole KES, as entered by the donor.
type InitiateDonationRequest struct {
	CharityID   uuid.UUID `json:"charity_id"`
	Amount      int64     `json:"amount"` // whole KES
	PhoneNumber string    `json:"phone_number"`
	Message     *string   `json:"message,omitempty"`
	IsAnonymous bool      `json:"is_anonymous"`
}
