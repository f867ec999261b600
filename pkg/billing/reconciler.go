package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider event types the reconciler understands. Anything else is
// acknowledged and ignored for forward compatibility.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventCheckoutCompleted       = "checkout.session.completed"
	EventPriceCreated            = "price.created"
	EventPriceUpdated            = "price.updated"
)

// Metadata keys the engine expects on provider objects.
const (
	// MetadataTenantKey links provider customers, subscriptions and checkout
	// sessions back to the owning tenant
	MetadataTenantKey = "tenant_key"

	// MetadataPlanKey is the plan hint set on checkout sessions and used as
	// the last-resort plan resolution fallback
	MetadataPlanKey = "plan_key"
)

// Config holds the reconciler's dependencies. Store and Provider are
// required; everything else defaults to a no-op.
type Config struct {
	// Store persists billing records (required)
	Store RecordStore

	// Provider is the payment-provider client (required)
	Provider Provider

	// Catalog maps provider prices to plans (required)
	Catalog *PlanCatalog

	// Cache is the subscription snapshot cache; nil disables caching
	Cache *SubscriptionCache

	// Hooks receives post-commit side-effect notifications
	Hooks Hooks

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks reconciliation operations (default: NoopMetrics)
	Metrics Metrics

	// Now overrides the time source, for tests
	Now func() time.Time
}

// Reconciler applies provider events and sync operations to tenant billing
// records. Every mutation runs inside a RecordStore transaction holding the
// tenant's exclusive lock, with the idempotency marker checked before and
// after lock acquisition. Safe for concurrent use.
type Reconciler struct {
	store    RecordStore
	provider Provider
	catalog  *PlanCatalog
	cache    *SubscriptionCache
	hooks    Hooks
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewReconciler creates a reconciler from config, applying defaults.
func NewReconciler(config Config) (*Reconciler, error) {
	if config.Store == nil || config.Provider == nil || config.Catalog == nil {
		return nil, ErrNotConfigured
	}
	r := &Reconciler{
		store:    config.Store,
		provider: config.Provider,
		catalog:  config.Catalog,
		cache:    config.Cache,
		hooks:    config.Hooks,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}
	if r.cache == nil {
		r.cache = NewSubscriptionCache(0)
	}
	if r.hooks == nil {
		r.hooks = &NoopHooks{}
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// HandleEvent applies one provider event. Unknown event types return nil
// after logging; unknown status values inside known events are hard errors.
func (r *Reconciler) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil || event.Object == nil {
		return fmt.Errorf("%w: empty event", ErrInvalidPayload)
	}

	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	case EventInvoicePaymentFailed:
		return r.handleInvoicePaymentFailed(ctx, event)
	case EventInvoicePaymentSucceeded:
		return r.handleInvoicePaymentSucceeded(ctx, event)
	case EventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case EventPriceCreated, EventPriceUpdated:
		return r.handlePriceChanged(ctx, event)
	default:
		r.logger.Info("ignoring unknown event type",
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "event_id", Value: event.ID})
		r.metrics.RecordWebhookEvent(r.provider.Name(), event.Type, "ignored")
		return nil
	}
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event *Event) error {
	sub := SubscriptionFromPayload(event.Object)
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	status, err := ParseStatus(sub.Status)
	if err != nil {
		return err
	}

	tenantKey, err := r.resolveTenant(ctx, sub.ID, sub.CustomerID)
	if err != nil {
		return err
	}

	eventID := r.resolveEventID(event, "sub")
	if r.skipDuplicateOptimistic(ctx, tenantKey, event.Type, eventID) {
		return nil
	}

	r.cache.Invalidate(sub.ID, tenantKey)

	queue := &hookQueue{}
	err = r.store.Mutate(ctx, tenantKey, func(rec *BillingRecord) (bool, error) {
		if AlreadyProcessed(rec, eventID) {
			r.metrics.RecordIdempotentSkip(r.provider.Name(), event.Type, "locked")
			return false, nil
		}

		r.applySubscriptionSnapshot(rec, sub, status, false)

		rec.LastProcessedEventID = eventID
		rec.LastUpdated = r.now()

		queue.statusHook(ctx, r.hooks, tenantKey, rec.PlanKey, status)
		return true, nil
	})
	if err != nil {
		return err
	}

	queue.fire()
	return nil
}

// applySubscriptionSnapshot folds a subscription snapshot into the record.
// Shared by the subscription.updated handler and the standalone sync.
// quiet suppresses logging and metrics for speculative (pre-lock, dry-run)
// applications.
func (r *Reconciler) applySubscriptionSnapshot(rec *BillingRecord, sub *SubscriptionSnapshot, status Status, quiet bool) {
	if !quiet && rec.Status != "" && !rec.Status.CanTransitionTo(status) {
		// Out-of-order delivery; the idempotency marker, not ordering, is
		// the correctness mechanism, so log and apply anyway.
		r.logger.Warn("unexpected status transition",
			Field{Key: "tenant", Value: rec.TenantKey},
			Field{Key: "from", Value: string(rec.Status)},
			Field{Key: "to", Value: string(status)})
	}
	if !quiet && rec.Status != status {
		r.metrics.RecordStatusChange(r.provider.Name(), string(rec.Status), string(status))
	}
	rec.Status = status

	rec.ProviderSubscriptionID = sub.ID
	if sub.CustomerID != "" {
		rec.ProviderCustomerID = sub.CustomerID
	}
	r.repairProviderIDs(rec)

	if res, ok := ResolvePeriodEnd(sub, r.now()); ok {
		if !quiet && res.Degraded {
			r.logger.Warn("period end resolved from degraded tier",
				Field{Key: "tenant", Value: rec.TenantKey},
				Field{Key: "tier", Value: res.Tier.String()})
		}
		v := res.Value
		rec.NextBillingDate = &v
	}
	// A failed resolution leaves the stored value untouched, never clears it.

	// The provider's native flag and a scheduled cancel_at are independent
	// signals; either one means the subscription is ending.
	cancelFlag := sub.CancelAtPeriodEnd || sub.CancelAt > 0
	if cancelFlag && !rec.CancelAtPeriodEnd && rec.ScheduledDowngradePlan == "" {
		rec.ScheduledDowngradePlan = r.catalog.DefaultDowngrade()
	}
	if !cancelFlag && rec.CancelAtPeriodEnd {
		// Reactivation clears the pending downgrade but leaves the plan alone.
		rec.ScheduledDowngradePlan = ""
	}
	rec.CancelAtPeriodEnd = cancelFlag

	if plan, ok := r.catalog.ResolvePlan(sub.Items, sub.Metadata); ok {
		rec.PlanKey = plan.Key
		rec.Limits = plan.Limits
	}

	rec.IsTrial = status == StatusTrialing
	rec.TrialEnd = sub.TrialEnd
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	sub := SubscriptionFromPayload(event.Object)
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	tenantKey, err := r.resolveTenant(ctx, sub.ID, sub.CustomerID)
	if err != nil {
		return err
	}

	eventID := r.resolveEventID(event, "subdel")
	if r.skipDuplicateOptimistic(ctx, tenantKey, event.Type, eventID) {
		return nil
	}

	// Live counts are read before the lock: the pre-flight creation guard
	// holds counts at or below the target while a downgrade is scheduled.
	usage, err := r.store.UsageCounts(ctx, tenantKey)
	if err != nil {
		return fmt.Errorf("usage counts for %s: %w", tenantKey, err)
	}

	r.cache.Invalidate(sub.ID, tenantKey)

	queue := &hookQueue{}
	err = r.store.Mutate(ctx, tenantKey, func(rec *BillingRecord) (bool, error) {
		if AlreadyProcessed(rec, eventID) {
			r.metrics.RecordIdempotentSkip(r.provider.Name(), event.Type, "locked")
			return false, nil
		}

		if rec.ScheduledDowngradePlan != "" {
			r.completeScheduledDowngrade(ctx, rec, usage, queue)
		} else {
			rec.Status = StatusCanceled
			rec.ProviderCustomerID = ""
			rec.ProviderSubscriptionID = ""
		}

		rec.CancelAtPeriodEnd = false
		rec.ScheduledDowngradePlan = ""
		rec.LastProcessedEventID = eventID
		rec.LastUpdated = r.now()

		queue.add(func() { r.hooks.SubscriptionCanceled(ctx, rec.TenantKey) })
		return true, nil
	})
	if err != nil {
		return err
	}

	queue.fire()
	return nil
}

// completeScheduledDowngrade applies the pending downgrade at
// cancellation-completion time, or blocks it when live usage still exceeds
// the target plan's limits.
func (r *Reconciler) completeScheduledDowngrade(ctx context.Context, rec *BillingRecord, usage UsageCounts, queue *hookQueue) {
	targetKey := rec.ScheduledDowngradePlan
	target, ok := r.catalog.PlanByKey(targetKey)

	rec.Status = StatusCanceled
	rec.ProviderCustomerID = ""
	rec.ProviderSubscriptionID = ""

	if !ok {
		r.logger.Error("scheduled downgrade target unknown",
			Field{Key: "tenant", Value: rec.TenantKey},
			Field{Key: "target", Value: targetKey})
		rec.PlanKey = ""
		rec.DowngradeExceeded = true
		return
	}

	check := CheckDowngrade(target.Limits, usage)
	if !check.Allowed {
		// Left canceled without a plan; requires manual resolution.
		rec.PlanKey = ""
		rec.DowngradeExceeded = true
		tenantKey := rec.TenantKey
		queue.add(func() { r.hooks.DowngradeBlocked(ctx, tenantKey, targetKey, check.Exceeded) })
		r.logger.Error("downgrade blocked by live usage",
			Field{Key: "tenant", Value: rec.TenantKey},
			Field{Key: "target", Value: targetKey},
			Field{Key: "exceeded", Value: check.Exceeded})
		return
	}

	rec.PlanKey = target.Key
	rec.Limits = target.Limits
	rec.DowngradeExceeded = false
}

func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event *Event) error {
	inv := InvoiceFromPayload(event.Object)
	if inv.SubscriptionID == "" {
		// Not a subscription invoice; nothing to reconcile.
		return nil
	}

	tenantKey, err := r.resolveTenant(ctx, inv.SubscriptionID, inv.CustomerID)
	if err != nil {
		return err
	}

	eventID := r.resolveEventID(event, "invfail")
	if r.skipDuplicateOptimistic(ctx, tenantKey, event.Type, eventID) {
		return nil
	}

	queue := &hookQueue{}
	err = r.store.Mutate(ctx, tenantKey, func(rec *BillingRecord) (bool, error) {
		if AlreadyProcessed(rec, eventID) {
			r.metrics.RecordIdempotentSkip(r.provider.Name(), event.Type, "locked")
			return false, nil
		}

		rec.Status = StatusPastDue
		if rec.PaymentFailedAt == nil {
			t := r.now()
			rec.PaymentFailedAt = &t
		}
		rec.LastProcessedEventID = eventID
		rec.LastUpdated = r.now()

		queue.add(func() { r.hooks.PaymentFailed(ctx, rec.TenantKey) })
		return true, nil
	})
	if err != nil {
		return err
	}

	queue.fire()
	return nil
}

func (r *Reconciler) handleInvoicePaymentSucceeded(ctx context.Context, event *Event) error {
	inv := InvoiceFromPayload(event.Object)
	if inv.SubscriptionID == "" {
		return nil
	}

	tenantKey, err := r.resolveTenant(ctx, inv.SubscriptionID, inv.CustomerID)
	if err != nil {
		return err
	}

	eventID := r.resolveEventID(event, "invpaid")
	if r.skipDuplicateOptimistic(ctx, tenantKey, event.Type, eventID) {
		return nil
	}

	// Provider lookup happens before the lock is taken; the period end is
	// computed from the fresh snapshot, never inside the transaction.
	snap, err := r.fetchSnapshot(ctx, inv.SubscriptionID, tenantKey, true)
	if err != nil {
		return err
	}
	resolution, resolved := ResolvePeriodEnd(snap, r.now())

	queue := &hookQueue{}
	err = r.store.Mutate(ctx, tenantKey, func(rec *BillingRecord) (bool, error) {
		if AlreadyProcessed(rec, eventID) {
			r.metrics.RecordIdempotentSkip(r.provider.Name(), event.Type, "locked")
			return false, nil
		}

		rec.Status = StatusActive
		rec.PaymentFailedAt = nil
		if inv.AmountPaid > 0 {
			rec.LastPaymentAmount = inv.AmountPaid
			rec.LastPaymentCurrency = inv.Currency
		}
		if resolved {
			v := resolution.Value
			rec.NextBillingDate = &v
		}
		rec.LastProcessedEventID = eventID
		rec.LastUpdated = r.now()

		queue.add(func() { r.hooks.SubscriptionActivated(ctx, rec.TenantKey, rec.PlanKey) })
		return true, nil
	})
	if err != nil {
		return err
	}

	queue.fire()
	return nil
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	sess := CheckoutSessionFromPayload(event.Object)

	tenantKey := sess.Metadata[MetadataTenantKey]
	if tenantKey == "" {
		return fmt.Errorf("%w: %s missing on checkout session %s", ErrMissingMetadata, MetadataTenantKey, sess.ID)
	}
	if sess.SubscriptionID == "" {
		// One-time payment checkout; not a subscription, nothing to do.
		return nil
	}

	planKey := sess.Metadata[MetadataPlanKey]
	plan, ok := r.catalog.PlanByKey(planKey)
	if !ok {
		return fmt.Errorf("%w: %q on checkout session %s", ErrPlanNotFound, planKey, sess.ID)
	}

	eventID := r.resolveEventID(event, "checkout")
	if r.skipDuplicateOptimistic(ctx, tenantKey, event.Type, eventID) {
		return nil
	}

	snap, err := r.fetchSnapshot(ctx, sess.SubscriptionID, tenantKey, true)
	if err != nil {
		return err
	}
	status, err := ParseStatus(snap.Status)
	if err != nil {
		return err
	}

	// A tenant must never hold two live subscriptions. Cancel the old one
	// first; if that fails the whole operation aborts with the record
	// untouched, and the provider's retry picks it up again.
	existing, err := r.store.GetRecord(ctx, tenantKey)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if existing != nil && existing.HasLiveSubscription() &&
		existing.ProviderSubscriptionID != sess.SubscriptionID {
		old := existing.ProviderSubscriptionID
		if err := r.provider.CancelSubscription(ctx, old); err != nil {
			return fmt.Errorf("cancel superseded subscription %s: %w", old, err)
		}
		r.cache.Invalidate(old, tenantKey)
		r.logger.Info("canceled superseded subscription",
			Field{Key: "tenant", Value: tenantKey},
			Field{Key: "subscription", Value: old})
	}

	customerID := sess.CustomerID
	if customerID == "" {
		customerID = snap.CustomerID
	}

	resolution, resolved := ResolvePeriodEnd(snap, r.now())

	queue := &hookQueue{}
	err = r.store.Mutate(ctx, tenantKey, func(rec *BillingRecord) (bool, error) {
		if AlreadyProcessed(rec, eventID) {
			r.metrics.RecordIdempotentSkip(r.provider.Name(), event.Type, "locked")
			return false, nil
		}

		rec.ProviderSubscriptionID = sess.SubscriptionID
		rec.ProviderCustomerID = customerID
		r.repairProviderIDs(rec)

		rec.PlanKey = plan.Key
		rec.Limits = plan.Limits
		rec.Status = status
		rec.IsTrial = status == StatusTrialing
		rec.TrialEnd = snap.TrialEnd
		rec.CancelAtPeriodEnd = false
		rec.ScheduledDowngradePlan = ""
		rec.DowngradeExceeded = false
		rec.PaymentFailedAt = nil
		if resolved {
			v := resolution.Value
			rec.NextBillingDate = &v
		}
		rec.LastProcessedEventID = eventID
		rec.LastUpdated = r.now()

		queue.statusHook(ctx, r.hooks, tenantKey, plan.Key, status)
		return true, nil
	})
	if err != nil {
		return err
	}

	queue.fire()
	return nil
}

// handlePriceChanged refreshes the plan-price cache. Best effort: it never
// errors the webhook response, and the provider lookup happens outside any
// transaction.
func (r *Reconciler) handlePriceChanged(ctx context.Context, event *Event) error {
	price := PriceFromPayload(event.Object)
	if price.ID == "" {
		return nil
	}

	if fresh, err := r.provider.GetPrice(ctx, price.ID); err == nil {
		price = fresh
	} else {
		r.logger.Warn("price refresh lookup failed, caching payload data",
			Field{Key: "price", Value: price.ID},
			Field{Key: "error", Value: err.Error()})
	}

	r.catalog.RefreshPrice(price)
	return nil
}

// resolveTenant finds the tenant owning a subscription: by subscription ID,
// then by customer ID, then by the provider customer's metadata. Every
// fallback step is logged as degraded.
func (r *Reconciler) resolveTenant(ctx context.Context, subscriptionID, customerID string) (string, error) {
	if subscriptionID != "" {
		tenant, err := r.store.TenantBySubscriptionID(ctx, subscriptionID)
		if err == nil {
			return tenant, nil
		}
		if !errors.Is(err, ErrTenantNotFound) {
			return "", err
		}
	}

	if customerID != "" {
		tenant, err := r.store.TenantByCustomerID(ctx, customerID)
		if err == nil {
			r.logger.Warn("tenant resolved by customer id fallback",
				Field{Key: "subscription", Value: subscriptionID},
				Field{Key: "customer", Value: customerID})
			return tenant, nil
		}
		if !errors.Is(err, ErrTenantNotFound) {
			return "", err
		}

		cust, err := r.provider.GetCustomer(ctx, customerID)
		if err == nil {
			if tenant := cust.Metadata[MetadataTenantKey]; tenant != "" {
				r.logger.Warn("tenant resolved by provider metadata fallback",
					Field{Key: "subscription", Value: subscriptionID},
					Field{Key: "customer", Value: customerID},
					Field{Key: "tenant", Value: tenant})
				return tenant, nil
			}
		}
	}

	return "", fmt.Errorf("%w: subscription %s customer %s", ErrTenantNotFound, subscriptionID, customerID)
}

// resolveEventID derives the idempotency key and logs degraded derivations.
func (r *Reconciler) resolveEventID(event *Event, prefix string) string {
	res := ResolveEventID(event, prefix, r.now())
	switch res.Tier {
	case EventIDTierTimestamped:
		r.logger.Warn("idempotency key is timestamped and will not dedupe retries",
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "key", Value: res.ID})
	case EventIDTierHashed:
		r.logger.Error("idempotency key derived from payload hash",
			Field{Key: "event_type", Value: event.Type},
			Field{Key: "key", Value: res.ID})
	}
	return res.ID
}

// skipDuplicateOptimistic is the pre-lock idempotency check. It avoids lock
// contention for obvious duplicates; the authoritative check still runs
// after the lock is acquired.
func (r *Reconciler) skipDuplicateOptimistic(ctx context.Context, tenantKey, eventType, eventID string) bool {
	rec, err := r.store.GetRecord(ctx, tenantKey)
	if err != nil {
		return false
	}
	if AlreadyProcessed(rec, eventID) {
		r.metrics.RecordIdempotentSkip(r.provider.Name(), eventType, "optimistic")
		return true
	}
	return false
}

// repairProviderIDs enforces the paired-or-absent invariant. When exactly
// one ID is present after an update, the present one is dropped rather than
// persisting a mismatched pair.
func (r *Reconciler) repairProviderIDs(rec *BillingRecord) {
	if rec.HasValidBillingRelationship() {
		return
	}
	r.logger.Warn("provider id pair invariant violated, dropping unpaired id",
		Field{Key: "tenant", Value: rec.TenantKey},
		Field{Key: "customer", Value: rec.ProviderCustomerID},
		Field{Key: "subscription", Value: rec.ProviderSubscriptionID})
	rec.ProviderCustomerID = ""
	rec.ProviderSubscriptionID = ""
}

// fetchSnapshot is the cache-aware snapshot read. force invalidates before
// fetching so an explicit "now" never observes a just-stale entry.
func (r *Reconciler) fetchSnapshot(ctx context.Context, subscriptionID, tenantKey string, force bool) (*SubscriptionSnapshot, error) {
	if force {
		r.cache.Invalidate(subscriptionID, tenantKey)
	} else if snap, ok := r.cache.Get(subscriptionID, tenantKey); ok {
		return snap, nil
	}

	start := r.now()
	snap, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		r.metrics.RecordProviderCall(r.provider.Name(), "get_subscription", "error")
		return nil, err
	}
	r.metrics.RecordProviderCall(r.provider.Name(), "get_subscription", "200")
	r.metrics.RecordProviderCallDuration(r.provider.Name(), "get_subscription", time.Since(start))

	r.cache.Set(subscriptionID, tenantKey, snap)
	return snap, nil
}
