package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SyncOutcome reports what a standalone reconcile operation did.
type SyncOutcome string

const (
	// SyncUpdated means the record differed from the provider and was written
	SyncUpdated SyncOutcome = "updated"

	// SyncConsistent means nothing differed; no write happened and no hooks
	// fired
	SyncConsistent SyncOutcome = "consistent"

	// SyncSkipped means the tenant has no provider subscription to sync from
	SyncSkipped SyncOutcome = "skipped"
)

// Reconcile fetches the tenant's current subscription snapshot (cache-aware;
// forceRefresh bypasses and re-populates the cache) and applies the same
// state logic as a subscription.updated event, but only when something
// actually changed. A no-op sync returns SyncConsistent without writing or
// firing hooks.
func (r *Reconciler) Reconcile(ctx context.Context, tenantKey string, forceRefresh bool) (SyncOutcome, error) {
	start := r.now()
	outcome, err := r.reconcile(ctx, tenantKey, forceRefresh)
	if err != nil {
		r.metrics.RecordSync(r.provider.Name(), "error")
	} else {
		r.metrics.RecordSync(r.provider.Name(), string(outcome))
	}
	r.metrics.RecordSyncDuration(r.provider.Name(), time.Since(start))
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, tenantKey string, forceRefresh bool) (SyncOutcome, error) {
	rec, err := r.store.GetRecord(ctx, tenantKey)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return SyncSkipped, nil
		}
		return "", err
	}
	if rec.ProviderSubscriptionID == "" {
		return SyncSkipped, nil
	}
	subscriptionID := rec.ProviderSubscriptionID

	snap, err := r.fetchSnapshot(ctx, subscriptionID, tenantKey, forceRefresh)
	if err != nil {
		return "", err
	}

	status, err := ParseStatus(snap.Status)
	if err != nil {
		return "", err
	}

	// Diff against a copy before taking the lock; the authoritative diff
	// repeats under the lock so a concurrent webhook cannot be clobbered.
	desired := rec.Clone()
	r.applySubscriptionSnapshot(desired, snap, status, true)
	if !syncDiffers(rec, desired) {
		return SyncConsistent, nil
	}

	changed := false
	queue := &hookQueue{}
	err = r.store.Mutate(ctx, tenantKey, func(locked *BillingRecord) (bool, error) {
		before := locked.Clone()
		r.applySubscriptionSnapshot(locked, snap, status, false)
		if !syncDiffers(before, locked) {
			return false, nil
		}
		locked.LastUpdated = r.now()
		changed = true
		if before.Status != locked.Status {
			queue.statusHook(ctx, r.hooks, tenantKey, locked.PlanKey, locked.Status)
		}
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("sync %s: %w", tenantKey, err)
	}

	if !changed {
		return SyncConsistent, nil
	}
	queue.fire()
	return SyncUpdated, nil
}

// syncDiffers compares the fields a sync is allowed to touch. The
// idempotency marker and LastUpdated are excluded: a sync is not an event
// and must not disturb duplicate detection.
func syncDiffers(a, b *BillingRecord) bool {
	if a.Status != b.Status ||
		a.PlanKey != b.PlanKey ||
		a.ProviderCustomerID != b.ProviderCustomerID ||
		a.ProviderSubscriptionID != b.ProviderSubscriptionID ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		a.ScheduledDowngradePlan != b.ScheduledDowngradePlan ||
		a.IsTrial != b.IsTrial ||
		a.TrialEnd != b.TrialEnd {
		return true
	}
	if !a.Limits.Equal(b.Limits) {
		return true
	}
	at, bt := a.NextBillingDate, b.NextBillingDate
	if (at == nil) != (bt == nil) {
		return true
	}
	if at != nil && !at.Equal(*bt) {
		return true
	}
	return false
}

// SyncReport aggregates a bulk sync run for the management surface.
type SyncReport struct {
	Synced     int
	Consistent int
	Skipped    int
	Errors     int
}

// ReconcileAll runs Reconcile for every tenant (or the single tenant named
// by filter) and aggregates outcomes. dryRun reports what would change
// without writing; it still fetches snapshots.
func (r *Reconciler) ReconcileAll(ctx context.Context, filter string, forceRefresh, dryRun bool) (SyncReport, error) {
	var report SyncReport

	tenants := []string{filter}
	if filter == "" {
		var err error
		tenants, err = r.store.ListTenants(ctx)
		if err != nil {
			return report, err
		}
	}

	for _, tenant := range tenants {
		outcome, err := r.reconcileOne(ctx, tenant, forceRefresh, dryRun)
		switch {
		case err != nil:
			report.Errors++
			r.logger.Error("tenant sync failed",
				Field{Key: "tenant", Value: tenant},
				Field{Key: "error", Value: err.Error()})
		case outcome == SyncUpdated:
			report.Synced++
		case outcome == SyncSkipped:
			report.Skipped++
		default:
			report.Consistent++
		}
	}

	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, tenantKey string, forceRefresh, dryRun bool) (SyncOutcome, error) {
	if !dryRun {
		return r.Reconcile(ctx, tenantKey, forceRefresh)
	}

	rec, err := r.store.GetRecord(ctx, tenantKey)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return SyncSkipped, nil
		}
		return "", err
	}
	if rec.ProviderSubscriptionID == "" {
		return SyncSkipped, nil
	}

	snap, err := r.fetchSnapshot(ctx, rec.ProviderSubscriptionID, tenantKey, forceRefresh)
	if err != nil {
		return "", err
	}
	status, err := ParseStatus(snap.Status)
	if err != nil {
		return "", err
	}

	desired := rec.Clone()
	r.applySubscriptionSnapshot(desired, snap, status, true)
	if syncDiffers(rec, desired) {
		return SyncUpdated, nil
	}
	return SyncConsistent, nil
}
