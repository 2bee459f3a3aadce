package payments

import (
	"context"
	"log"
	"time"

	"coursepay/internal/observability"
	"coursepay/internal/payments/saga"
)

const (
	defaultReconcileInterval = time.Minute
	defaultStallAfter        = 10 * time.Minute
)

// Reconciler periodically scans for sagas stuck in a non-terminal state. A
// crash mid-saga (for example after ENROLLMENT_PENDING but before the
// downstream call resolved) leaves the transaction parked; the sweep surfaces
// those rows as alerts and a gauge instead of letting them rot silently. It
// deliberately does not resume execution: whether the enrollment call landed
// is unknowable from this side, so replaying it is an operator decision.
type Reconciler struct {
	store      saga.TransactionStore
	metrics    *observability.Metrics
	logf       func(format string, args ...any)
	interval   time.Duration
	stallAfter time.Duration
	now        func() time.Time
}

// NewReconciler constructs a reconciler. metrics may be nil. Non-positive
// interval or stall cutoff fall back to the defaults.
func NewReconciler(store saga.TransactionStore, metrics *observability.Metrics, logf func(format string, args ...any), interval, stallAfter time.Duration) *Reconciler {
	if logf == nil {
		logf = log.Printf
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if stallAfter <= 0 {
		stallAfter = defaultStallAfter
	}
	return &Reconciler{
		store:      store,
		metrics:    metrics,
		logf:       logf,
		interval:   interval,
		stallAfter: stallAfter,
		now:        time.Now,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logf("reconcile sweep: %v", err)
			}
		}
	}
}

// Sweep runs one scan and reports every stalled saga.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.stallAfter)
	stalled, err := r.store.ListStalled(ctx, cutoff)
	if err != nil {
		return err
	}

	r.metrics.SetStalledSagas(int64(len(stalled)))
	for _, txn := range stalled {
		r.logf("ALERT saga %s: stalled in %s since %s (status %s, payment %s), manual review required",
			txn.ID, txn.SagaState, txn.UpdatedAt.Format(time.RFC3339), txn.Status, txn.ProviderPaymentID)
	}
	return nil
}
