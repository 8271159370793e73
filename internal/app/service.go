/**
 * @description
 * This file contains the core business logic for the donation-service. The
 * `Service` struct owns the donation lifecycle: it creates donations, drives
 * the push-payment initiation against the Daraja gateway, and is the single
 * write path for lifecycle transitions (callbacks, timeouts, and active
 * reconciliation all funnel through applyEvent in callback.go).
 *
 * Key features:
 * - Initiation creates the local record before any outbound provider call,
 *   so a crash mid-flight leaves an inspectable CREATED row.
 * - A gateway failure during initiation transitions the donation to FAILED
 *   rather than stranding it in CREATED.
 * - The receipt notifier fires exactly once, after the PAID transition has
 *   been committed by the repository's compare-and-swap.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For donation identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/darajaclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sheneeds/donation-service/internal/domain"
	"github.com/sheneeds/donation-service/internal/store"
	"github.com/sheneeds/donation-service/pkg/darajaclient"
	"github.com/sheneeds/donation-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount      = errors.New("amount must be a positive whole number of KES")
	ErrInvalidPhoneNumber = errors.New("phone number must be a Kenyan number (254XXXXXXXXX)")
	ErrUnknownCorrelation = errors.New("no donation matches the checkout request id")
	ErrRateLimited        = errors.New("too many donation attempts; slow down")
	// ErrProviderUnavailable is surfaced when the payment provider cannot be
	// used at all (credentials rejected or gateway not configured). This is
	// a service condition, not the donor's fault.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrStorageUnavailable means a lifecycle write kept failing after the
	// bounded retries. Callers must answer so the triggering request is
	// redelivered or retried.
	ErrStorageUnavailable = errors.New("storage unavailable after retries")
)

var phonePattern = regexp.MustCompile(`^254\d{9}$`)

// RateLimitedError reports a donor who hit the initiation cap, carrying how
// long the current window has left. It unwraps to ErrRateLimited so callers
// can keep matching with errors.Is.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many donation attempts; retry in %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Gateway is the outbound provider surface the service depends on. The
// darajaclient.Client satisfies it; tests substitute stubs.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, req darajaclient.STKPushRequest) (*darajaclient.STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*darajaclient.QueryResult, error)
}

// RateLimiter is the counter used to throttle donation initiation.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for donations.
type Service struct {
	repo            store.Repository
	gateway         Gateway
	notifier        rabbitmq.Publisher
	mockMode        bool
	staleAfter      time.Duration
	storageAttempts int

	rateLimiter   RateLimiter
	ratePerMinute int

	now func() time.Time
}

// NewService creates a new donation service instance.
func NewService(repo store.Repository, gateway Gateway, notifier rabbitmq.Publisher, mockMode bool, staleAfter time.Duration, storageAttempts int) *Service {
	if notifier == nil {
		notifier = &rabbitmq.EventProducerFallback{}
	}
	if storageAttempts < 1 {
		storageAttempts = 3
	}
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	return &Service{
		repo:            repo,
		gateway:         gateway,
		notifier:        notifier,
		mockMode:        mockMode,
		staleAfter:      staleAfter,
		storageAttempts: storageAttempts,
		now:             time.Now,
	}
}

// SetRateLimiter attaches a distributed rate limiter for initiation.
func (s *Service) SetRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.ratePerMinute = perMinute
}

// NormalizePhoneNumber coerces 07XX..., +254... and 254... inputs into the
// canonical 254XXXXXXXXX form. Returns an empty string when it cannot.
func NormalizePhoneNumber(raw string) string {
	clean := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(clean, "+") {
		clean = clean[1:]
	}
	if strings.HasPrefix(clean, "0") {
		clean = "254" + clean[1:]
	}
	if phonePattern.MatchString(clean) {
		return clean
	}
	return ""
}

// InitiateDonation validates the request, creates the donation record, and
// fires the push payment. On return the donation is PENDING (provider
// accepted), PAID (mock mode), or FAILED (provider rejected/unreachable);
// it is never left in CREATED.
func (s *Service) InitiateDonation(ctx context.Context, donorID uuid.UUID, req domain.InitiateDonationRequest) (*domain.Donation, string, error) {
	if req.Amount <= 0 {
		return nil, "", ErrInvalidAmount
	}
	phone := NormalizePhoneNumber(req.PhoneNumber)
	if phone == "" {
		return nil, "", ErrInvalidPhoneNumber
	}

	if s.rateLimiter != nil && s.ratePerMinute > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "donation_initiate", donorID.String(), s.ratePerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=donation_service op=rate_limit msg=\"limiter unavailable; allowing request\" err=%v", err)
		} else if count > s.ratePerMinute {
			if retryAfter < 1 {
				retryAfter = 1
			}
			return nil, "", &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	charity, err := s.repo.FindCharityByID(ctx, req.CharityID)
	if err != nil {
		return nil, "", err
	}
	if !charity.IsActive {
		return nil, "", store.ErrCharityNotFound
	}

	donation := &domain.Donation{
		ID:          uuid.New(),
		DonorID:     donorID,
		CharityID:   charity.ID,
		Amount:      req.Amount * 100, // store cents
		PhoneNumber: phone,
		Message:     req.Message,
		IsAnonymous: req.IsAnonymous,
		Status:      domain.StatusCreated,
		Version:     0,
	}
	if err := s.createWithRetry(ctx, donation); err != nil {
		return nil, "", err
	}
	log.Printf("level=info component=donation_service op=initiate donation_id=%s charity_id=%s amount=%d", donation.ID, charity.ID, donation.Amount)

	if s.mockMode {
		completed, err := s.completeMockDonation(ctx, donation)
		if err != nil {
			return nil, "", err
		}
		return completed, "Mock payment completed", nil
	}

	if s.gateway == nil {
		_, _, _ = s.applyEvent(ctx, donation, domain.InitiationFailed{Reason: "payment gateway not configured"})
		return nil, "", ErrProviderUnavailable
	}

	push, err := s.gateway.InitiateSTKPush(ctx, darajaclient.STKPushRequest{
		AmountKES:        donation.AmountKES(),
		PhoneNumber:      phone,
		AccountReference: accountReference(charity.Name, donation.ID),
		Description:      "Donation",
	})
	if err != nil {
		return s.failInitiation(ctx, donation, err)
	}

	updated, _, err := s.applyEvent(ctx, donation, domain.ProviderAccepted{
		CheckoutRequestID: push.CheckoutRequestID,
		MerchantRequestID: push.MerchantRequestID,
	})
	if err != nil {
		return nil, "", err
	}
	return updated, push.CustomerMessage, nil
}

// failInitiation records a FAILED transition for a push the provider never
// accepted, then maps the gateway error for the caller.
func (s *Service) failInitiation(ctx context.Context, d *domain.Donation, gatewayErr error) (*domain.Donation, string, error) {
	var rejected *darajaclient.RejectedError
	reason := "push payment could not be initiated"
	switch {
	case errors.As(gatewayErr, &rejected):
		reason = fmt.Sprintf("provider rejected request: %s (%s)", rejected.Description, rejected.Code)
	case errors.Is(gatewayErr, darajaclient.ErrAuthFailure):
		reason = "provider authentication failed"
	case errors.Is(gatewayErr, darajaclient.ErrGatewayUnreachable):
		reason = "provider unreachable"
	}

	updated, _, applyErr := s.applyEvent(ctx, d, domain.InitiationFailed{Reason: reason})
	if applyErr != nil {
		log.Printf("level=error component=donation_service op=initiate donation_id=%s msg=\"could not record initiation failure\" err=%v", d.ID, applyErr)
		return nil, "", gatewayErr
	}

	if errors.Is(gatewayErr, darajaclient.ErrAuthFailure) {
		return updated, "", fmt.Errorf("%w: %v", ErrProviderUnavailable, gatewayErr)
	}
	return updated, "", gatewayErr
}

// GetDonationStatus returns the donor's view of a donation, actively
// reconciling against the provider when the record is stale PENDING.
func (s *Service) GetDonationStatus(ctx context.Context, donorID, donationID uuid.UUID) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	// Ownership check: other donors' donations are indistinguishable from
	// missing ones.
	if donation.DonorID != donorID {
		return nil, store.ErrDonationNotFound
	}
	return s.maybeReconcile(ctx, donation), nil
}

// GetDonationStatusByCheckout is the poll variant keyed by the checkout id
// the client received at initiation.
func (s *Service) GetDonationStatusByCheckout(ctx context.Context, donorID uuid.UUID, checkoutRequestID string) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if donation.DonorID != donorID {
		return nil, store.ErrDonationNotFound
	}
	return s.maybeReconcile(ctx, donation), nil
}

// maybeReconcile drives an active provider query for a PENDING donation
// older than the staleness threshold. Reconciliation never fails the poll:
// on any query problem the current local state is returned unchanged.
func (s *Service) maybeReconcile(ctx context.Context, d *domain.Donation) *domain.Donation {
	if d.Status != domain.StatusPending || d.CheckoutRequestID == nil {
		return d
	}
	if s.now().Sub(d.CreatedAt) < s.staleAfter {
		return d
	}
	return s.reconcileDonation(ctx, d)
}

// reconcileDonation asks the provider for the transaction's current result
// and feeds it through the same lifecycle events a callback would produce.
func (s *Service) reconcileDonation(ctx context.Context, d *domain.Donation) *domain.Donation {
	if s.gateway == nil || d.CheckoutRequestID == nil {
		return d
	}

	query, err := s.gateway.QueryStatus(ctx, *d.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, darajaclient.ErrStillProcessing) {
			log.Printf("level=info component=donation_service op=reconcile donation_id=%s outcome=still_processing", d.ID)
		} else {
			log.Printf("level=warn component=donation_service op=reconcile donation_id=%s msg=\"status query failed\" err=%v", d.ID, err)
		}
		return d
	}

	var event domain.Event
	if query.ResultCode == "0" {
		// The query endpoint does not echo a receipt number; the receipt
		// stays empty unless a later callback supplies one first.
		event = domain.PaymentSucceeded{
			AmountPaid: d.Amount,
			ResultCode: query.ResultCode,
			ResultDesc: query.ResultDesc,
		}
	} else {
		event = domain.PaymentFailed{ResultCode: query.ResultCode, ResultDesc: query.ResultDesc}
	}

	updated, applied, err := s.applyEvent(ctx, d, event)
	if err != nil {
		log.Printf("level=error component=donation_service op=reconcile donation_id=%s msg=\"transition failed\" err=%v", d.ID, err)
		return d
	}
	if applied {
		log.Printf("level=info component=donation_service op=reconcile donation_id=%s outcome=%s", d.ID, updated.Status)
	}
	return updated
}

// accountReference builds the STK account reference shown on the donor's
// phone. A per-donation suffix keeps it unique per attempt so the provider
// never deduplicates two initiation attempts into one charge.
func accountReference(charityName string, donationID uuid.UUID) string {
	name := strings.TrimSpace(charityName)
	if name == "" {
		name = "Donation"
	}
	if runes := []rune(name); len(runes) > 7 {
		name = string(runes[:7])
	}
	return fmt.Sprintf("%s-%s", name, donationID.String()[:4])
}

// createWithRetry persists a new donation with bounded retries.
func (s *Service) createWithRetry(ctx context.Context, d *domain.Donation) error {
	var lastErr error
	for attempt := 1; attempt <= s.storageAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 100 * time.Millisecond):
			}
		}
		if err := s.repo.CreateDonation(ctx, d); err != nil {
			lastErr = err
			log.Printf("level=warn component=donation_service op=create donation_id=%s attempt=%d err=%v", d.ID, attempt, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}
