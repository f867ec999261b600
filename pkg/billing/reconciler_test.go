package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/billsync/billsync/pkg/billing"
	"github.com/billsync/billsync/storage/memory"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// stubProvider serves canned snapshots and records cancellations.
type stubProvider struct {
	mu        sync.Mutex
	subs      map[string]*billing.SubscriptionSnapshot
	customers map[string]*billing.CustomerSnapshot
	cancelErr error
	canceled  []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) GetSubscription(_ context.Context, id string) (*billing.SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.subs[id]
	if !ok {
		return nil, billing.NewProviderError(billing.ProviderErrorInvalidRequest, "get_subscription", errors.New("no such subscription"))
	}
	return snap, nil
}

func (p *stubProvider) GetCustomer(_ context.Context, id string) (*billing.CustomerSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cust, ok := p.customers[id]
	if !ok {
		return nil, billing.NewProviderError(billing.ProviderErrorInvalidRequest, "get_customer", errors.New("no such customer"))
	}
	return cust, nil
}

func (p *stubProvider) GetPrice(_ context.Context, id string) (*billing.PriceSnapshot, error) {
	return &billing.PriceSnapshot{ID: id, Active: true}, nil
}

func (p *stubProvider) CancelSubscription(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.canceled = append(p.canceled, id)
	return nil
}

// recordingHooks counts dispatches, for asserting post-commit side effects.
type recordingHooks struct {
	mu                sync.Mutex
	activated         int
	paymentFailed     int
	canceled          int
	incomplete        int
	downgradeBlocked  int
	blockedTarget     string
	blockedExceeded   []billing.ResourceKind
	lastActivatedPlan string
}

func (h *recordingHooks) SubscriptionActivated(_ context.Context, _, planKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated++
	h.lastActivatedPlan = planKey
}

func (h *recordingHooks) PaymentFailed(_ context.Context, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paymentFailed++
}

func (h *recordingHooks) SubscriptionCanceled(_ context.Context, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled++
}

func (h *recordingHooks) SubscriptionIncomplete(_ context.Context, _ string, _ bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incomplete++
}

func (h *recordingHooks) DowngradeBlocked(_ context.Context, _, target string, exceeded []billing.ResourceKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downgradeBlocked++
	h.blockedTarget = target
	h.blockedExceeded = exceeded
}

func reconcilerPlans() []billing.Plan {
	return []billing.Plan{
		{
			Key:  "free",
			Name: "Free",
			Limits: billing.PlanLimits{
				MaxProducts: billing.IntLimit(5),
				MaxProjects: billing.IntLimit(3),
			},
		},
		{
			Key:      "pro",
			Name:     "Pro",
			Limits:   billing.PlanLimits{MaxProducts: billing.IntLimit(100)},
			PriceIDs: []string{"price_pro_monthly"},
		},
	}
}

func newTestReconciler(t *testing.T, store *memory.Store, provider *stubProvider, hooks billing.Hooks) *billing.Reconciler {
	t.Helper()
	r, err := billing.NewReconciler(billing.Config{
		Store:    store,
		Provider: provider,
		Catalog:  billing.NewPlanCatalog(reconcilerPlans(), "free"),
		Hooks:    hooks,
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func seedActivePro(store *memory.Store) {
	store.SeedRecord(&billing.BillingRecord{
		TenantKey:              "tenant-a",
		PlanKey:                "pro",
		Limits:                 billing.PlanLimits{MaxProducts: billing.IntLimit(100)},
		Status:                 billing.StatusActive,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
	})
}

func subscriptionEvent(id, subID, status string, extra map[string]interface{}) *billing.Event {
	obj := billing.MapPayload{
		"id":       subID,
		"customer": "cus_1",
		"status":   status,
	}
	for k, v := range extra {
		obj[k] = v
	}
	return &billing.Event{ID: id, Type: billing.EventSubscriptionUpdated, Object: obj, Created: testNow}
}

func TestHandleEvent_SubscriptionUpdateApplied(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, &stubProvider{}, hooks)

	event := subscriptionEvent("evt_1", "sub_1", "past_due", nil)
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, err := store.GetRecord(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != billing.StatusPastDue {
		t.Errorf("status = %s, want past_due", rec.Status)
	}
	if rec.LastProcessedEventID != "evt_1" {
		t.Errorf("marker = %q, want evt_1", rec.LastProcessedEventID)
	}
	if hooks.paymentFailed != 1 {
		t.Errorf("paymentFailed hooks = %d, want 1", hooks.paymentFailed)
	}
}

func TestHandleEvent_DuplicateDeliverySkipped(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, &stubProvider{}, hooks)

	event := subscriptionEvent("evt_1", "sub_1", "past_due", nil)
	for i := 0; i < 3; i++ {
		if err := r.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if hooks.paymentFailed != 1 {
		t.Errorf("paymentFailed hooks = %d after 3 deliveries, want 1", hooks.paymentFailed)
	}
}

func TestHandleEvent_ConcurrentDuplicatesMutateOnce(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, &stubProvider{}, hooks)

	event := subscriptionEvent("evt_1", "sub_1", "past_due", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.HandleEvent(context.Background(), event)
		}()
	}
	wg.Wait()

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.paymentFailed != 1 {
		t.Errorf("paymentFailed hooks = %d under concurrent redelivery, want 1", hooks.paymentFailed)
	}
}

func TestHandleEvent_CancelSchedulesDefaultDowngrade(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := subscriptionEvent("evt_1", "sub_1", "active", map[string]interface{}{
		"cancel_at_period_end": true,
		"current_period_end":   float64(1_720_000_000),
	})
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if !rec.CancelAtPeriodEnd {
		t.Error("cancel flag not applied")
	}
	if rec.ScheduledDowngradePlan != "free" {
		t.Errorf("scheduled downgrade = %q, want free", rec.ScheduledDowngradePlan)
	}
	if rec.NextBillingDate == nil || rec.NextBillingDate.Unix() != 1_720_000_000 {
		t.Errorf("next billing date = %v", rec.NextBillingDate)
	}
}

func TestHandleEvent_ReactivationClearsDowngradeKeepsPlan(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{
		TenantKey:              "tenant-a",
		PlanKey:                "pro",
		Status:                 billing.StatusActive,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		CancelAtPeriodEnd:      true,
		ScheduledDowngradePlan: "free",
	})
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := subscriptionEvent("evt_2", "sub_1", "active", map[string]interface{}{
		"cancel_at_period_end": false,
	})
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.CancelAtPeriodEnd {
		t.Error("cancel flag should clear on reactivation")
	}
	if rec.ScheduledDowngradePlan != "" {
		t.Errorf("scheduled downgrade = %q, want cleared", rec.ScheduledDowngradePlan)
	}
	if rec.PlanKey != "pro" {
		t.Errorf("plan = %q, reactivation must not change the plan", rec.PlanKey)
	}
}

func TestHandleEvent_UnpairedProviderIDsDropped(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{
		TenantKey:              "tenant-a",
		Status:                 billing.StatusActive,
		ProviderSubscriptionID: "sub_1",
	})
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	obj := billing.MapPayload{"id": "sub_1", "status": "active"}
	event := &billing.Event{ID: "evt_3", Type: billing.EventSubscriptionUpdated, Object: obj, Created: testNow}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.ProviderCustomerID != "" || rec.ProviderSubscriptionID != "" {
		t.Errorf("unpaired IDs should both drop, got (%q, %q)",
			rec.ProviderCustomerID, rec.ProviderSubscriptionID)
	}
}

func TestHandleEvent_UnknownStatusRejected(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := subscriptionEvent("evt_4", "sub_1", "suspended", nil)
	err := r.HandleEvent(context.Background(), event)
	if !errors.Is(err, billing.ErrUnknownStatus) {
		t.Fatalf("got %v, want ErrUnknownStatus", err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.Status != billing.StatusActive || rec.LastProcessedEventID != "" {
		t.Error("rejected event must leave the record untouched")
	}
}

func TestHandleEvent_UnknownEventTypeIgnored(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := &billing.Event{
		ID:     "evt_5",
		Type:   "customer.tax_id.created",
		Object: billing.MapPayload{"id": "txi_1"},
	}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown event types are acknowledged, got %v", err)
	}
}

func TestHandleEvent_TenantNotFound(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := subscriptionEvent("evt_6", "sub_unknown", "active", nil)
	err := r.HandleEvent(context.Background(), event)
	if !errors.Is(err, billing.ErrTenantNotFound) {
		t.Fatalf("got %v, want ErrTenantNotFound", err)
	}
}

func TestHandleEvent_TenantResolvedByCustomerMetadata(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{TenantKey: "tenant-a", Status: billing.StatusActive})
	provider := &stubProvider{
		customers: map[string]*billing.CustomerSnapshot{
			"cus_1": {ID: "cus_1", Metadata: map[string]string{"tenant_key": "tenant-a"}},
		},
	}
	r := newTestReconciler(t, store, provider, &recordingHooks{})

	// Neither the subscription nor the customer is indexed locally; only the
	// provider's customer metadata links back to the tenant.
	event := subscriptionEvent("evt_7", "sub_new", "active", nil)
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.ProviderSubscriptionID != "sub_new" {
		t.Errorf("subscription id = %q, want sub_new", rec.ProviderSubscriptionID)
	}
}

func TestHandleEvent_DeletionCompletesDowngrade(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{
		TenantKey:              "tenant-a",
		PlanKey:                "pro",
		Limits:                 billing.PlanLimits{MaxProducts: billing.IntLimit(100)},
		Status:                 billing.StatusActive,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		CancelAtPeriodEnd:      true,
		ScheduledDowngradePlan: "free",
	})
	store.SetUsageCounts("tenant-a", billing.UsageCounts{Products: 3})
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, &stubProvider{}, hooks)

	event := &billing.Event{
		ID:     "evt_8",
		Type:   billing.EventSubscriptionDeleted,
		Object: billing.MapPayload{"id": "sub_1", "customer": "cus_1", "status": "canceled"},
	}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.Status != billing.StatusCanceled {
		t.Errorf("status = %s, want canceled", rec.Status)
	}
	if rec.PlanKey != "free" {
		t.Errorf("plan = %q, want the downgrade target free", rec.PlanKey)
	}
	if rec.Limits.MaxProducts == nil || *rec.Limits.MaxProducts != 5 {
		t.Errorf("limits = %+v, want free's limits", rec.Limits)
	}
	if rec.DowngradeExceeded {
		t.Error("allowed downgrade must not set DowngradeExceeded")
	}
	if rec.ProviderCustomerID != "" || rec.ProviderSubscriptionID != "" {
		t.Error("provider IDs should clear on deletion")
	}
	if hooks.canceled != 1 {
		t.Errorf("canceled hooks = %d, want 1", hooks.canceled)
	}
}

func TestHandleEvent_DeletionBlockedByLiveUsage(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{
		TenantKey:              "tenant-a",
		PlanKey:                "pro",
		Status:                 billing.StatusActive,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		ScheduledDowngradePlan: "free",
	})
	store.SetUsageCounts("tenant-a", billing.UsageCounts{Products: 7})
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, &stubProvider{}, hooks)

	event := &billing.Event{
		ID:     "evt_9",
		Type:   billing.EventSubscriptionDeleted,
		Object: billing.MapPayload{"id": "sub_1", "status": "canceled"},
	}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.PlanKey != "" {
		t.Errorf("plan = %q, blocked downgrade leaves no plan", rec.PlanKey)
	}
	if !rec.DowngradeExceeded {
		t.Error("blocked downgrade must set DowngradeExceeded")
	}
	if hooks.downgradeBlocked != 1 {
		t.Fatalf("downgradeBlocked hooks = %d, want 1", hooks.downgradeBlocked)
	}
	if hooks.blockedTarget != "free" {
		t.Errorf("blocked target = %q", hooks.blockedTarget)
	}
	if len(hooks.blockedExceeded) != 1 || hooks.blockedExceeded[0] != billing.ResourceProducts {
		t.Errorf("blocked exceeded = %v", hooks.blockedExceeded)
	}
}

func TestHandleEvent_DeletionWithoutDowngradeCancels(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := &billing.Event{
		ID:     "evt_10",
		Type:   billing.EventSubscriptionDeleted,
		Object: billing.MapPayload{"id": "sub_1", "status": "canceled"},
	}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.Status != billing.StatusCanceled {
		t.Errorf("status = %s, want canceled", rec.Status)
	}
	if rec.PlanKey != "pro" {
		t.Errorf("plan = %q, deletion without a scheduled downgrade keeps the plan key", rec.PlanKey)
	}
}

func TestHandleEvent_PaymentFailedStampsOnce(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, &stubProvider{}, hooks)

	failed := &billing.Event{
		ID:     "evt_11",
		Type:   billing.EventInvoicePaymentFailed,
		Object: billing.MapPayload{"id": "in_1", "subscription": "sub_1", "customer": "cus_1"},
	}
	if err := r.HandleEvent(context.Background(), failed); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.Status != billing.StatusPastDue {
		t.Errorf("status = %s, want past_due", rec.Status)
	}
	if rec.PaymentFailedAt == nil || !rec.PaymentFailedAt.Equal(testNow) {
		t.Fatalf("PaymentFailedAt = %v, want %v", rec.PaymentFailedAt, testNow)
	}
	if hooks.paymentFailed != 1 {
		t.Errorf("paymentFailed hooks = %d, want 1", hooks.paymentFailed)
	}

	// A second distinct failure in the same episode keeps the first stamp.
	failed2 := &billing.Event{
		ID:     "evt_12",
		Type:   billing.EventInvoicePaymentFailed,
		Object: billing.MapPayload{"id": "in_2", "subscription": "sub_1"},
	}
	if err := r.HandleEvent(context.Background(), failed2); err != nil {
		t.Fatal(err)
	}
	rec, _ = store.GetRecord(context.Background(), "tenant-a")
	if !rec.PaymentFailedAt.Equal(testNow) {
		t.Errorf("PaymentFailedAt moved on a repeat failure: %v", rec.PaymentFailedAt)
	}
}

func TestHandleEvent_PaymentSucceededClearsEpisode(t *testing.T) {
	store := memory.New()
	failedAt := testNow.Add(-72 * time.Hour)
	store.SeedRecord(&billing.BillingRecord{
		TenantKey:              "tenant-a",
		PlanKey:                "pro",
		Status:                 billing.StatusPastDue,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		PaymentFailedAt:        &failedAt,
	})
	provider := &stubProvider{
		subs: map[string]*billing.SubscriptionSnapshot{
			"sub_1": {ID: "sub_1", CustomerID: "cus_1", Status: "active", CurrentPeriodEnd: 1_720_000_000},
		},
	}
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, provider, hooks)

	event := &billing.Event{
		ID:   "evt_13",
		Type: billing.EventInvoicePaymentSucceeded,
		Object: billing.MapPayload{
			"id":           "in_3",
			"subscription": "sub_1",
			"customer":     "cus_1",
			"amount_paid":  float64(2900),
			"currency":     "usd",
		},
	}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.Status != billing.StatusActive {
		t.Errorf("status = %s, want active", rec.Status)
	}
	if rec.PaymentFailedAt != nil {
		t.Errorf("PaymentFailedAt = %v, want cleared", rec.PaymentFailedAt)
	}
	if rec.LastPaymentAmount != 2900 || rec.LastPaymentCurrency != "usd" {
		t.Errorf("payment fields: %d %q", rec.LastPaymentAmount, rec.LastPaymentCurrency)
	}
	if rec.NextBillingDate == nil || rec.NextBillingDate.Unix() != 1_720_000_000 {
		t.Errorf("next billing date = %v", rec.NextBillingDate)
	}
	if hooks.activated != 1 {
		t.Errorf("activated hooks = %d, want 1", hooks.activated)
	}
}

func TestHandleEvent_NonSubscriptionInvoiceIgnored(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := &billing.Event{
		ID:     "evt_14",
		Type:   billing.EventInvoicePaymentFailed,
		Object: billing.MapPayload{"id": "in_oneoff"},
	}
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("one-off invoices are not reconciled, got %v", err)
	}
}

func checkoutEvent(subID string) *billing.Event {
	return &billing.Event{
		ID:   "evt_checkout",
		Type: billing.EventCheckoutCompleted,
		Object: billing.MapPayload{
			"id":           "cs_1",
			"subscription": subID,
			"customer":     "cus_2",
			"metadata": map[string]interface{}{
				"tenant_key": "tenant-a",
				"plan_key":   "pro",
			},
		},
	}
}

func TestHandleEvent_CheckoutCompletedActivatesPlan(t *testing.T) {
	store := memory.New()
	provider := &stubProvider{
		subs: map[string]*billing.SubscriptionSnapshot{
			"sub_new": {ID: "sub_new", CustomerID: "cus_2", Status: "active", CurrentPeriodEnd: 1_720_000_000},
		},
	}
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, provider, hooks)

	if err := r.HandleEvent(context.Background(), checkoutEvent("sub_new")); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.PlanKey != "pro" || rec.Status != billing.StatusActive {
		t.Errorf("got plan %q status %s", rec.PlanKey, rec.Status)
	}
	if rec.ProviderSubscriptionID != "sub_new" || rec.ProviderCustomerID != "cus_2" {
		t.Errorf("provider IDs: (%q, %q)", rec.ProviderCustomerID, rec.ProviderSubscriptionID)
	}
	if hooks.activated != 1 || hooks.lastActivatedPlan != "pro" {
		t.Errorf("activated = %d plan %q", hooks.activated, hooks.lastActivatedPlan)
	}
}

func TestHandleEvent_CheckoutCancelsSupersededSubscription(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	provider := &stubProvider{
		subs: map[string]*billing.SubscriptionSnapshot{
			"sub_new": {ID: "sub_new", CustomerID: "cus_2", Status: "active"},
		},
	}
	r := newTestReconciler(t, store, provider, &recordingHooks{})

	if err := r.HandleEvent(context.Background(), checkoutEvent("sub_new")); err != nil {
		t.Fatal(err)
	}

	if len(provider.canceled) != 1 || provider.canceled[0] != "sub_1" {
		t.Errorf("canceled = %v, want the superseded sub_1", provider.canceled)
	}
	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.ProviderSubscriptionID != "sub_new" {
		t.Errorf("subscription id = %q, want sub_new", rec.ProviderSubscriptionID)
	}
}

func TestHandleEvent_CheckoutAbortsWhenCancelFails(t *testing.T) {
	store := memory.New()
	seedActivePro(store)
	provider := &stubProvider{
		subs: map[string]*billing.SubscriptionSnapshot{
			"sub_new": {ID: "sub_new", CustomerID: "cus_2", Status: "active"},
		},
		cancelErr: billing.NewProviderError(billing.ProviderErrorConnection, "cancel_subscription", errors.New("unreachable")),
	}
	r := newTestReconciler(t, store, provider, &recordingHooks{})

	err := r.HandleEvent(context.Background(), checkoutEvent("sub_new"))
	if err == nil {
		t.Fatal("expected the cancel failure to abort the checkout event")
	}
	if !billing.IsRetryable(err) {
		t.Error("a connection failure must be retryable so the provider redelivers")
	}

	rec, _ := store.GetRecord(context.Background(), "tenant-a")
	if rec.ProviderSubscriptionID != "sub_1" || rec.LastProcessedEventID != "" {
		t.Error("aborted checkout must leave the record untouched")
	}
}

func TestHandleEvent_CheckoutRejectsUnknownSnapshotStatus(t *testing.T) {
	store := memory.New()
	provider := &stubProvider{
		subs: map[string]*billing.SubscriptionSnapshot{
			"sub_new": {ID: "sub_new", CustomerID: "cus_2", Status: "suspended"},
		},
	}
	hooks := &recordingHooks{}
	r := newTestReconciler(t, store, provider, hooks)

	err := r.HandleEvent(context.Background(), checkoutEvent("sub_new"))
	if !errors.Is(err, billing.ErrUnknownStatus) {
		t.Fatalf("got %v, want ErrUnknownStatus", err)
	}
	if billing.IsRetryable(err) {
		t.Error("an unknown status is a validation failure, not a retryable one")
	}

	// Nothing may be committed or defaulted from an unrecognized status.
	if _, err := store.GetRecord(context.Background(), "tenant-a"); !errors.Is(err, billing.ErrRecordNotFound) {
		t.Errorf("record was written despite the rejected status: %v", err)
	}
	if hooks.activated != 0 {
		t.Error("no hook may fire for a rejected checkout event")
	}
}

func TestHandleEvent_CheckoutWithoutTenantMetadata(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store, &stubProvider{}, &recordingHooks{})

	event := &billing.Event{
		ID:     "evt_15",
		Type:   billing.EventCheckoutCompleted,
		Object: billing.MapPayload{"id": "cs_2", "subscription": "sub_x"},
	}
	err := r.HandleEvent(context.Background(), event)
	if !errors.Is(err, billing.ErrMissingMetadata) {
		t.Fatalf("got %v, want ErrMissingMetadata", err)
	}
}
