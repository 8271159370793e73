/**
 * @description
 * This file is the single write path for donation lifecycle transitions.
 * Provider callbacks, timeout notifications, active reconciliation, and the
 * mock completion path all funnel through applyEvent, which pairs the pure
 * domain transition with the repository's compare-and-swap:
 *
 *   1. compute the transition from the loaded record,
 *   2. attempt the CAS write (bounded retries on storage errors),
 *   3. on a lost race, reload and re-evaluate; terminal records reduce the
 *      event to the no-op sink,
 *   4. fire the receipt notifier only when this call won a PAID transition.
 *
 * The notifier is invoked after the write is durably committed and its
 * failure is logged, never propagated; the provider acknowledgment must not
 * depend on it.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sheneeds/donation-service/internal/domain"
	"github.com/sheneeds/donation-service/internal/store"
	"github.com/sheneeds/donation-service/pkg/rabbitmq"
)

// ProcessCallback resolves the correlation for a normalized provider
// confirmation and submits the implied event to the state machine. Unknown
// checkout ids return ErrUnknownCorrelation; duplicate deliveries for
// already-terminal donations return the unchanged record without error.
func (s *Service) ProcessCallback(ctx context.Context, result domain.CallbackResult) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByCheckoutID(ctx, result.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			log.Printf("level=warn component=donation_service op=callback checkout_id=%s outcome=unknown_correlation", result.CheckoutRequestID)
			return nil, ErrUnknownCorrelation
		}
		return nil, err
	}

	updated, applied, err := s.applyEvent(ctx, donation, result.Event())
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("level=info component=donation_service op=callback donation_id=%s outcome=%s result_code=%s", updated.ID, updated.Status, result.ResultCode)
	} else {
		log.Printf("level=info component=donation_service op=callback donation_id=%s outcome=duplicate status=%s", updated.ID, updated.Status)
	}
	return updated, nil
}

// ProcessTimeout handles the provider's timeout notification for a checkout
// id. Distinct from local staleness: only the provider saying it gave up
// moves a donation to TIMEOUT.
func (s *Service) ProcessTimeout(ctx context.Context, checkoutRequestID, resultDesc string) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			log.Printf("level=warn component=donation_service op=timeout checkout_id=%s outcome=unknown_correlation", checkoutRequestID)
			return nil, ErrUnknownCorrelation
		}
		return nil, err
	}

	updated, applied, err := s.applyEvent(ctx, donation, domain.ProviderTimedOut{ResultDesc: resultDesc})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("level=warn component=donation_service op=timeout donation_id=%s outcome=TIMEOUT", updated.ID)
	}
	return updated, nil
}

// applyEvent runs one lifecycle event to completion against the store. The
// boolean reports whether this call applied a transition (as opposed to the
// event reducing to a no-op).
func (s *Service) applyEvent(ctx context.Context, d *domain.Donation, ev domain.Event) (*domain.Donation, bool, error) {
	current := *d
	for {
		outcome := domain.Transition(current, ev, s.now())
		if !outcome.Applied {
			log.Printf("level=info component=donation_service op=transition donation_id=%s event=%s outcome=noop reason=%q", current.ID, ev.Kind(), outcome.NoOpReason)
			return &current, false, nil
		}

		won, err := s.transitionWithRetry(ctx, &outcome.Donation, current.Version)
		if err != nil {
			return nil, false, err
		}
		if won {
			if outcome.Donation.Status == domain.StatusPaid {
				s.notifyPaid(ctx, &outcome.Donation)
			}
			return &outcome.Donation, true, nil
		}

		// Lost the compare-and-swap: a concurrent transition moved the
		// record. Reload and re-evaluate; if the winner reached a terminal
		// state this event becomes a no-op.
		reloaded, err := s.repo.FindDonationByID(ctx, current.ID)
		if err != nil {
			return nil, false, err
		}
		current = *reloaded
	}
}

// transitionWithRetry writes one transition with bounded retries on
// transient storage errors. A duplicate checkout id is not retryable.
func (s *Service) transitionWithRetry(ctx context.Context, d *domain.Donation, expectedVersion int) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= s.storageAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 100 * time.Millisecond):
			}
		}
		won, err := s.repo.TransitionDonation(ctx, d, expectedVersion)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateCheckoutID) {
				return false, err
			}
			lastErr = err
			log.Printf("level=warn component=donation_service op=transition donation_id=%s attempt=%d err=%v", d.ID, attempt, err)
			continue
		}
		return won, nil
	}
	return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

// notifyPaid publishes the receipt event for a donation that just reached
// PAID. Called only by the transition winner, so it fires exactly once per
// donation. Failures are logged and swallowed.
func (s *Service) notifyPaid(ctx context.Context, d *domain.Donation) {
	receipt := ""
	if d.MpesaReceiptNumber != nil {
		receipt = *d.MpesaReceiptNumber
	}
	event := rabbitmq.ReceiptEvent{
		DonationID:    d.ID,
		DonorID:       d.DonorID,
		CharityID:     d.CharityID,
		Amount:        d.Amount,
		ReceiptNumber: receipt,
		PhoneNumber:   d.PhoneNumber,
		PaidAt:        d.UpdatedAt,
	}
	if err := s.notifier.PublishReceiptEvent(ctx, event); err != nil {
		log.Printf("level=error component=donation_service op=notify donation_id=%s msg=\"receipt event publish failed\" err=%v", d.ID, err)
	}
}
