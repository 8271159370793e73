/**
 * @description
 * Background reconciliation sweep for donations stuck in PENDING. Callbacks
 * can be lost, so on a fixed schedule the reconciler lists PENDING donations
 * older than the staleness threshold and queries the gateway for each. The
 * query outcome is converted to a lifecycle event and applied through the
 * same compare-and-swap path callbacks use, so a callback racing a sweep
 * still produces exactly one terminal transition.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 100

// Reconciler drives periodic staleness sweeps over the donation store.
type Reconciler struct {
	service *Service
	cron    *cron.Cron
	spec    string
	timeout time.Duration
}

// NewReconciler schedules a sweep every interval. Panics inside a sweep are
// recovered by the cron chain rather than taking down the process.
func NewReconciler(service *Service, interval time.Duration) *Reconciler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Reconciler{
		service: service,
		cron:    c,
		spec:    "@every " + interval.String(),
		timeout: interval,
	}
}

// Start registers the sweep job and starts the scheduler.
func (r *Reconciler) Start() {
	if _, err := r.cron.AddFunc(r.spec, r.runSweep); err != nil {
		log.Printf("level=error component=reconciler msg=\"failed to schedule sweep\" err=%v", err)
		return
	}
	log.Printf("level=info component=reconciler msg=\"scheduled reconciliation sweep\" schedule=%q", r.spec)
	r.cron.Start()
}

// Stop halts the scheduler. The returned context is done once any running
// sweep has finished.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Reconciler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.service.SweepStalePending(ctx); err != nil {
		log.Printf("level=error component=reconciler msg=\"sweep failed\" err=%v", err)
	}
}

// SweepStalePending reconciles every PENDING donation older than the
// staleness threshold, one gateway query per donation. Per-donation errors
// are logged and do not abort the sweep.
func (s *Service) SweepStalePending(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.repo.ListStalePendingDonations(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	log.Printf("level=info component=reconciler msg=\"reconciling stale donations\" count=%d", len(stale))

	for _, donation := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reconcileDonation(ctx, &donation)
	}
	return nil
}
