/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the donation-service needs. Keeping the interface small decouples
 * the state machine from PostgreSQL and lets tests substitute in-memory
 * stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For donation identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sheneeds/donation-service/internal/domain"
)

var (
	ErrDonationNotFound = errors.New("donation not found")
	ErrCharityNotFound  = errors.New("charity not found")
	// ErrDuplicateCheckoutID is returned when a transition tries to record a
	// checkout id that another donation already owns. Checkout ids are the
	// sole correlation key and must be unique across all donations.
	ErrDuplicateCheckoutID = errors.New("checkout request id already registered")
)

// Charity is the minimal charity view the donation flow needs: existence,
// activity, and the name used as the STK account reference.
type Charity struct {
	ID       uuid.UUID
	Name     string
	IsActive bool
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// FindCharityByID returns the charity referenced by an initiation
	// request, or ErrCharityNotFound.
	FindCharityByID(ctx context.Context, charityID uuid.UUID) (*Charity, error)

	// CreateDonation persists a freshly created donation record. The record
	// must already carry its local id so a crash after this call leaves an
	// inspectable CREATED row.
	CreateDonation(ctx context.Context, d *domain.Donation) error

	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)

	// FindDonationByCheckoutID is the correlation registry lookup: it maps a
	// provider-issued checkout id back to the local donation. Returns
	// ErrDonationNotFound for checkout ids this system never issued.
	FindDonationByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Donation, error)

	// TransitionDonation writes an applied lifecycle transition with a
	// compare-and-swap on (id, expectedVersion, non-terminal status). It
	// returns false, without error, when the swap found the record already
	// moved on; the caller lost the race and must reload.
	TransitionDonation(ctx context.Context, d *domain.Donation, expectedVersion int) (bool, error)

	// ListStalePendingDonations returns PENDING donations created before the
	// cutoff, oldest first, for active reconciliation.
	ListStalePendingDonations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Donation, error)
}
