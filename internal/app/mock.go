/**
 * @description
 * Mock payment mode for local development and sandbox demos. No gateway
 * calls are made: a freshly created donation is carried through the same
 * state machine entry points the real provider would drive, first to
 * PENDING with deterministic mock correlation ids, then immediately to
 * PAID with a synthetic receipt. Notification and idempotency behavior
 * are identical to the real path.
 */

package app

import (
	"context"
	"fmt"

	"github.com/sheneeds/donation-service/internal/domain"
)

// completeMockDonation plays out a full successful payment for a donation
// in CREATED, synchronously.
func (s *Service) completeMockDonation(ctx context.Context, d *domain.Donation) (*domain.Donation, error) {
	now := s.now()
	checkoutID := fmt.Sprintf("ws_CO_MOCK_%d", now.UnixNano())
	merchantID := fmt.Sprintf("MR_MOCK_%d", now.UnixNano())

	pending, _, err := s.applyEvent(ctx, d, domain.ProviderAccepted{
		CheckoutRequestID: checkoutID,
		MerchantRequestID: merchantID,
	})
	if err != nil {
		return nil, err
	}

	paid, _, err := s.applyEvent(ctx, pending, domain.PaymentSucceeded{
		ReceiptNumber: fmt.Sprintf("MOCK%s", now.Format("20060102150405")),
		AmountPaid:    pending.Amount,
		PhoneNumber:   pending.PhoneNumber,
		ResultCode:    "0",
		ResultDesc:    "The service request is processed successfully.",
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}
