package app

import (
	"context"
	"testing"
	"time"

	"github.com/sheneeds/donation-service/internal/domain"
	"github.com/sheneeds/donation-service/pkg/darajaclient"
)

func agePending(t *testing.T, repo *memRepo, d *domain.Donation, age time.Duration) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	stored := repo.donations[d.ID]
	stored.CreatedAt = time.Now().Add(-age)
	repo.donations[d.ID] = stored
}

func TestSweepStalePending_SuccessQueryMarksPaid(t *testing.T) {
	repo := newMemRepo()
	notifier := &stubNotifier{}
	svc := NewService(repo, nil, notifier, false, 90*time.Second, 3)
	donation := seedPending(t, svc, repo, "ws_CO_1")
	agePending(t, repo, donation, 5*time.Minute)

	svc.gateway = &stubGateway{queryResult: &darajaclient.QueryResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        "0",
		ResultDesc:        "The service request is processed successfully.",
	}}

	if err := svc.SweepStalePending(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	stored := repo.get(t, donation.ID)
	if stored.Status != domain.StatusPaid {
		t.Fatalf("expected PAID after reconciliation, got %s", stored.Status)
	}
	// The status query does not echo a receipt number.
	if stored.MpesaReceiptNumber != nil {
		t.Fatalf("reconciled payment must not invent a receipt, got %v", *stored.MpesaReceiptNumber)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one receipt event, got %d", notifier.count())
	}
}

func TestSweepStalePending_ResolvesEveryStaleDonation(t *testing.T) {
	repo := newMemRepo()
	notifier := &stubNotifier{}
	svc := NewService(repo, nil, notifier, false, 90*time.Second, 3)

	checkoutIDs := []string{"ws_CO_1", "ws_CO_2", "ws_CO_3"}
	donations := make([]*domain.Donation, 0, len(checkoutIDs))
	for _, checkoutID := range checkoutIDs {
		donation := seedPending(t, svc, repo, checkoutID)
		agePending(t, repo, donation, 5*time.Minute)
		donations = append(donations, donation)
	}

	svc.gateway = &stubGateway{queryResult: &darajaclient.QueryResult{
		ResultCode: "0",
		ResultDesc: "The service request is processed successfully.",
	}}

	if err := svc.SweepStalePending(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	for _, donation := range donations {
		stored := repo.get(t, donation.ID)
		if stored.Status != domain.StatusPaid {
			t.Fatalf("donation %s expected PAID after sweep, got %s", donation.ID, stored.Status)
		}
	}
	if notifier.count() != len(donations) {
		t.Fatalf("expected %d receipt events, got %d", len(donations), notifier.count())
	}
}

func TestSweepStalePending_CancelledQueryMarksFailed(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, &stubNotifier{}, false, 90*time.Second, 3)
	donation := seedPending(t, svc, repo, "ws_CO_1")
	agePending(t, repo, donation, 5*time.Minute)

	svc.gateway = &stubGateway{queryResult: &darajaclient.QueryResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        "1032",
		ResultDesc:        "Request cancelled by user",
	}}

	if err := svc.SweepStalePending(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stored := repo.get(t, donation.ID); stored.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after reconciliation, got %s", stored.Status)
	}
}

func TestSweepStalePending_StillProcessingLeavesPending(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, &stubNotifier{}, false, 90*time.Second, 3)
	donation := seedPending(t, svc, repo, "ws_CO_1")
	agePending(t, repo, donation, 5*time.Minute)

	svc.gateway = &stubGateway{queryErr: darajaclient.ErrStillProcessing}

	if err := svc.SweepStalePending(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if stored := repo.get(t, donation.ID); stored.Status != domain.StatusPending {
		t.Fatalf("still-processing donation must stay PENDING, got %s", stored.Status)
	}
}

func TestSweepStalePending_SkipsFreshDonations(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, &stubNotifier{}, false, 90*time.Second, 3)
	seedPending(t, svc, repo, "ws_CO_1")

	gateway := &stubGateway{queryResult: &darajaclient.QueryResult{ResultCode: "0"}}
	svc.gateway = gateway

	if err := svc.SweepStalePending(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if gateway.queryCalls != 0 {
		t.Fatalf("fresh PENDING donation must not be queried, got %d calls", gateway.queryCalls)
	}
}

func TestGetDonationStatus_StalePendingReconcilesOnRead(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, &stubNotifier{}, false, 90*time.Second, 3)
	donation := seedPending(t, svc, repo, "ws_CO_1")
	agePending(t, repo, donation, 5*time.Minute)

	svc.gateway = &stubGateway{queryResult: &darajaclient.QueryResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        "1037",
		ResultDesc:        "DS timeout user cannot be reached",
	}}

	got, err := svc.GetDonationStatus(context.Background(), donation.DonorID, donation.ID)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected stale read to reconcile to FAILED, got %s", got.Status)
	}
}

func TestGetDonationStatus_QueryErrorReturnsLocalState(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, &stubNotifier{}, false, 90*time.Second, 3)
	donation := seedPending(t, svc, repo, "ws_CO_1")
	agePending(t, repo, donation, 5*time.Minute)

	svc.gateway = &stubGateway{queryErr: darajaclient.ErrGatewayUnreachable}

	got, err := svc.GetDonationStatus(context.Background(), donation.DonorID, donation.ID)
	if err != nil {
		t.Fatalf("status lookup must not fail on query error, got %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected local PENDING state, got %s", got.Status)
	}
}
