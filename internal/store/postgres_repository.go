/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for the donation lifecycle,
 * including the compare-and-swap transition write that serializes racing
 * lifecycle events per donation.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sheneeds/donation-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const donationColumns = `
	id, donor_id, charity_id, amount, phone_number, message, is_anonymous,
	status, checkout_request_id, merchant_request_id, mpesa_receipt_number,
	result_code, result_desc, failure_reason, version, created_at, updated_at
`

func scanDonation(row pgx.Row) (*domain.Donation, error) {
	var d domain.Donation
	err := row.Scan(
		&d.ID, &d.DonorID, &d.CharityID, &d.Amount, &d.PhoneNumber, &d.Message,
		&d.IsAnonymous, &d.Status, &d.CheckoutRequestID, &d.MerchantRequestID,
		&d.MpesaReceiptNumber, &d.ResultCode, &d.ResultDesc, &d.FailureReason,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return &d, nil
}

// FindCharityByID retrieves the charity referenced by an initiation request.
func (r *PostgresRepository) FindCharityByID(ctx context.Context, charityID uuid.UUID) (*Charity, error) {
	var c Charity
	query := `SELECT id, btrim(name), is_active FROM charities WHERE id = $1`
	err := r.db.QueryRow(ctx, query, charityID).Scan(&c.ID, &c.Name, &c.IsActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCharityNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateDonation inserts a new donation row in its initial state.
func (r *PostgresRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	query := `
		INSERT INTO donations (
			id, donor_id, charity_id, amount, phone_number, message,
			is_anonymous, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		d.ID, d.DonorID, d.CharityID, d.Amount, d.PhoneNumber, d.Message,
		d.IsAnonymous, d.Status, d.Version,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

// FindDonationByID retrieves a donation by its local identifier.
func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE id = $1`
	return scanDonation(r.db.QueryRow(ctx, query, donationID))
}

// FindDonationByCheckoutID retrieves a donation by its provider checkout id.
// The donations table has a unique index on checkout_request_id, which makes
// this lookup the correlation registry.
func (r *PostgresRepository) FindDonationByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE checkout_request_id = $1`
	return scanDonation(r.db.QueryRow(ctx, query, checkoutRequestID))
}

// TransitionDonation persists an applied lifecycle transition. The WHERE
// clause is the compare-and-swap: the row must still carry the version the
// caller read and must not have reached a terminal state. Zero rows affected
// means a concurrent transition won; the caller reloads and re-evaluates.
func (r *PostgresRepository) TransitionDonation(ctx context.Context, d *domain.Donation, expectedVersion int) (bool, error) {
	query := `
		UPDATE donations SET
			status = $3,
			checkout_request_id = $4,
			merchant_request_id = $5,
			mpesa_receipt_number = $6,
			result_code = $7,
			result_desc = $8,
			failure_reason = $9,
			version = $10,
			updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		  AND status NOT IN ('PAID', 'FAILED', 'TIMEOUT')
	`
	result, err := r.db.Exec(ctx, query,
		d.ID, expectedVersion, d.Status, d.CheckoutRequestID, d.MerchantRequestID,
		d.MpesaReceiptNumber, d.ResultCode, d.ResultDesc, d.FailureReason, d.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 unique_violation on the checkout_request_id index
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, ErrDuplicateCheckoutID
		}
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ListStalePendingDonations returns PENDING donations created before the
// cutoff, oldest first.
func (r *PostgresRepository) ListStalePendingDonations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Donation, error) {
	query := `
		SELECT ` + donationColumns + `
		FROM donations
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var donations []domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	return donations, rows.Err()
}
