package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sheneeds/donation-service/internal/domain"
	"github.com/sheneeds/donation-service/internal/store"
	"github.com/sheneeds/donation-service/pkg/darajaclient"
	"github.com/sheneeds/donation-service/pkg/rabbitmq"
)

// memRepo is an in-memory store.Repository with the same compare-and-swap
// semantics as the Postgres implementation: one writer wins per version.
type memRepo struct {
	mu         sync.Mutex
	charities  map[uuid.UUID]store.Charity
	donations  map[uuid.UUID]domain.Donation
	byCheckout map[string]uuid.UUID

	createFailures     int
	transitionFailures int
}

func newMemRepo() *memRepo {
	return &memRepo{
		charities:  make(map[uuid.UUID]store.Charity),
		donations:  make(map[uuid.UUID]domain.Donation),
		byCheckout: make(map[string]uuid.UUID),
	}
}

func (r *memRepo) addCharity(name string, active bool) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.charities[id] = store.Charity{ID: id, Name: name, IsActive: active}
	return id
}

func (r *memRepo) FindCharityByID(ctx context.Context, charityID uuid.UUID) (*store.Charity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.charities[charityID]
	if !ok {
		return nil, store.ErrCharityNotFound
	}
	return &c, nil
}

func (r *memRepo) CreateDonation(ctx context.Context, d *domain.Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createFailures > 0 {
		r.createFailures--
		return errors.New("connection reset")
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	r.donations[d.ID] = *d
	return nil
}

func (r *memRepo) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.donations[donationID]
	if !ok {
		return nil, store.ErrDonationNotFound
	}
	return &d, nil
}

func (r *memRepo) FindDonationByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCheckout[checkoutRequestID]
	if !ok {
		return nil, store.ErrDonationNotFound
	}
	d := r.donations[id]
	return &d, nil
}

func (r *memRepo) TransitionDonation(ctx context.Context, d *domain.Donation, expectedVersion int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionFailures > 0 {
		r.transitionFailures--
		return false, errors.New("connection reset")
	}
	current, ok := r.donations[d.ID]
	if !ok {
		return false, store.ErrDonationNotFound
	}
	if current.Version != expectedVersion || current.Status.IsTerminal() {
		return false, nil
	}
	if d.CheckoutRequestID != nil {
		if owner, claimed := r.byCheckout[*d.CheckoutRequestID]; claimed && owner != d.ID {
			return false, store.ErrDuplicateCheckoutID
		}
		r.byCheckout[*d.CheckoutRequestID] = d.ID
	}
	r.donations[d.ID] = *d
	return true, nil
}

func (r *memRepo) ListStalePendingDonations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []domain.Donation
	for _, d := range r.donations {
		if d.Status == domain.StatusPending && d.CreatedAt.Before(cutoff) {
			stale = append(stale, d)
		}
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (r *memRepo) get(t *testing.T, id uuid.UUID) domain.Donation {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.donations[id]
	if !ok {
		t.Fatalf("donation %s not in repo", id)
	}
	return d
}

type stubGateway struct {
	mu          sync.Mutex
	pushResult  *darajaclient.STKPushResult
	pushErr     error
	queryResult *darajaclient.QueryResult
	queryErr    error
	pushCalls   int
	queryCalls  int
}

func (g *stubGateway) InitiateSTKPush(ctx context.Context, req darajaclient.STKPushRequest) (*darajaclient.STKPushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushCalls++
	return g.pushResult, g.pushErr
}

func (g *stubGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*darajaclient.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.queryResult, g.queryErr
}

type stubNotifier struct {
	mu     sync.Mutex
	events []rabbitmq.ReceiptEvent
	err    error
}

func (n *stubNotifier) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return n.err
}

func (n *stubNotifier) PublishReceiptEvent(ctx context.Context, event rabbitmq.ReceiptEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *stubNotifier) Close() {}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func acceptedPush(checkoutID string) *darajaclient.STKPushResult {
	return &darajaclient.STKPushResult{
		CheckoutRequestID: checkoutID,
		MerchantRequestID: "29115-34620561-1",
		CustomerMessage:   "Success. Request accepted for processing",
	}
}

func TestInitiateDonation_AcceptedPushLeavesPending(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	gateway := &stubGateway{pushResult: acceptedPush("ws_CO_191220191020363925")}
	notifier := &stubNotifier{}
	svc := NewService(repo, gateway, notifier, false, 90*time.Second, 3)

	donation, message, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID:   charityID,
		Amount:      500,
		PhoneNumber: "0712345678",
	})
	if err != nil {
		t.Fatalf("expected initiation to succeed, got %v", err)
	}
	if donation.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", donation.Status)
	}
	if donation.Amount != 50000 {
		t.Fatalf("expected amount stored in cents, got %d", donation.Amount)
	}
	if donation.PhoneNumber != "254712345678" {
		t.Fatalf("expected normalized phone, got %q", donation.PhoneNumber)
	}
	if donation.CheckoutRequestID == nil || *donation.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatal("expected checkout request id recorded")
	}
	if message == "" {
		t.Fatal("expected the provider's customer message")
	}
	if notifier.count() != 0 {
		t.Fatal("no receipt event before payment confirmation")
	}
}

func TestInitiateDonation_ValidationErrors(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	svc := NewService(repo, &stubGateway{}, &stubNotifier{}, false, 0, 0)

	_, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 0, PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	_, _, err = svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "12345",
	})
	if !errors.Is(err, ErrInvalidPhoneNumber) {
		t.Fatalf("expected ErrInvalidPhoneNumber, got %v", err)
	}

	_, _, err = svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: uuid.New(), Amount: 500, PhoneNumber: "0712345678",
	})
	if !errors.Is(err, store.ErrCharityNotFound) {
		t.Fatalf("expected ErrCharityNotFound, got %v", err)
	}
}

func TestInitiateDonation_InactiveCharityRejected(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Dormant Org", false)
	svc := NewService(repo, &stubGateway{}, &stubNotifier{}, false, 0, 0)

	_, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if !errors.Is(err, store.ErrCharityNotFound) {
		t.Fatalf("expected ErrCharityNotFound for inactive charity, got %v", err)
	}
}

func TestInitiateDonation_ProviderRejectionFailsDonation(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	gateway := &stubGateway{pushErr: &darajaclient.RejectedError{Code: "400.002.02", Description: "Bad Request - Invalid PhoneNumber"}}
	svc := NewService(repo, gateway, &stubNotifier{}, false, 0, 0)

	donation, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	var rejected *darajaclient.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if donation == nil || donation.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED donation record, got %+v", donation)
	}
	if donation.FailureReason == nil || !strings.Contains(*donation.FailureReason, "Bad Request") {
		t.Fatalf("expected provider description in failure reason, got %v", donation.FailureReason)
	}
}

func TestInitiateDonation_AuthFailureMapsToProviderUnavailable(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	gateway := &stubGateway{pushErr: darajaclient.ErrAuthFailure}
	svc := NewService(repo, gateway, &stubNotifier{}, false, 0, 0)

	donation, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if donation == nil || donation.Status != domain.StatusFailed {
		t.Fatal("expected the donation to be recorded FAILED")
	}
}

func TestInitiateDonation_MockModeCompletesSynchronously(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	gateway := &stubGateway{}
	notifier := &stubNotifier{}
	svc := NewService(repo, gateway, notifier, true, 0, 0)

	donation, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if err != nil {
		t.Fatalf("expected mock initiation to succeed, got %v", err)
	}
	if donation.Status != domain.StatusPaid {
		t.Fatalf("expected PAID, got %s", donation.Status)
	}
	if donation.CheckoutRequestID == nil || !strings.HasPrefix(*donation.CheckoutRequestID, "ws_CO_MOCK_") {
		t.Fatalf("expected mock checkout id, got %v", donation.CheckoutRequestID)
	}
	if donation.MpesaReceiptNumber == nil || !strings.HasPrefix(*donation.MpesaReceiptNumber, "MOCK") {
		t.Fatalf("expected mock receipt, got %v", donation.MpesaReceiptNumber)
	}
	if gateway.pushCalls != 0 {
		t.Fatal("mock mode must never call the gateway")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected exactly one receipt event, got %d", notifier.count())
	}
}

func TestInitiateDonation_StorageRetriesThenSucceeds(t *testing.T) {
	repo := newMemRepo()
	repo.createFailures = 2
	charityID := repo.addCharity("Maji Safi", true)
	svc := NewService(repo, &stubGateway{pushResult: acceptedPush("ws_CO_1")}, &stubNotifier{}, false, 0, 3)

	donation, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if err != nil {
		t.Fatalf("expected create to succeed after retries, got %v", err)
	}
	if donation.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", donation.Status)
	}
}

func TestInitiateDonation_StorageExhaustionFails(t *testing.T) {
	repo := newMemRepo()
	repo.createFailures = 10
	charityID := repo.addCharity("Maji Safi", true)
	svc := NewService(repo, &stubGateway{}, &stubNotifier{}, false, 0, 2)

	_, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestInitiateDonation_RateLimited(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	svc := NewService(repo, &stubGateway{pushResult: acceptedPush("ws_CO_1")}, &stubNotifier{}, false, 0, 0)
	svc.SetRateLimiter(fixedRateLimiter{count: 11, retryAfter: 42}, 10)

	_, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %T", err)
	}
	if limited.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after 42s from the limiter, got %d", limited.RetryAfterSeconds)
	}
}

func TestInitiateDonation_RateLimitedRetryAfterFloor(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	svc := NewService(repo, &stubGateway{pushResult: acceptedPush("ws_CO_1")}, &stubNotifier{}, false, 0, 0)
	svc.SetRateLimiter(fixedRateLimiter{count: 11, retryAfter: 0}, 10)

	_, _, err := svc.InitiateDonation(context.Background(), uuid.New(), domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfterSeconds != 1 {
		t.Fatalf("expected retry-after floored to 1s, got %d", limited.RetryAfterSeconds)
	}
}

type fixedRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l fixedRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func TestAccountReference_MultibyteCharityName(t *testing.T) {
	ref := accountReference("Màjì Sáfì Charitable Trust", uuid.New())
	if !utf8.ValidString(ref) {
		t.Fatalf("account reference is not valid UTF-8: %q", ref)
	}
	if !strings.HasPrefix(ref, "Màjì Sá-") {
		t.Fatalf("expected the name cut at the seventh rune, got %q", ref)
	}
	if utf8.RuneCountInString(ref) > 12 {
		t.Fatalf("account reference too long: %q", ref)
	}
}

func TestNormalizePhoneNumber(t *testing.T) {
	cases := map[string]string{
		"0712345678":      "254712345678",
		"+254712345678":   "254712345678",
		"254712345678":    "254712345678",
		"0712 345 678":    "254712345678",
		"0712-345-678":    "254712345678",
		"712345678":       "",
		"25571234567":     "",
		"notaphonenumber": "",
	}
	for input, want := range cases {
		if got := NormalizePhoneNumber(input); got != want {
			t.Fatalf("NormalizePhoneNumber(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestGetDonationStatus_OwnershipEnforced(t *testing.T) {
	repo := newMemRepo()
	charityID := repo.addCharity("Maji Safi", true)
	svc := NewService(repo, &stubGateway{pushResult: acceptedPush("ws_CO_1")}, &stubNotifier{}, false, 90*time.Second, 0)

	donorID := uuid.New()
	donation, _, err := svc.InitiateDonation(context.Background(), donorID, domain.InitiateDonationRequest{
		CharityID: charityID, Amount: 500, PhoneNumber: "0712345678",
	})
	if err != nil {
		t.Fatalf("initiation failed: %v", err)
	}

	if _, err := svc.GetDonationStatus(context.Background(), donorID, donation.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := svc.GetDonationStatus(context.Background(), uuid.New(), donation.ID); !errors.Is(err, store.ErrDonationNotFound) {
		t.Fatalf("expected not-found for foreign donor, got %v", err)
	}
}
