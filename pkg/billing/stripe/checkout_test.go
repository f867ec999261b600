package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/billsync/billsync/pkg/billing"
)

// stubLocker records lock activity and optionally rejects acquisition.
type stubLocker struct {
	held     map[string]bool
	acquired []string
	released []string
}

func newStubLocker() *stubLocker {
	return &stubLocker{held: make(map[string]bool)}
}

func (l *stubLocker) Acquire(_ context.Context, tenantKey string) error {
	if l.held[tenantKey] {
		return billing.ErrCheckoutInProgress
	}
	l.held[tenantKey] = true
	l.acquired = append(l.acquired, tenantKey)
	return nil
}

func (l *stubLocker) Release(_ context.Context, tenantKey string) {
	delete(l.held, tenantKey)
	l.released = append(l.released, tenantKey)
}

func TestCheckoutURL_UnknownPlan(t *testing.T) {
	client, err := NewClient(Config{APIKey: "sk_test_x", Catalog: testCatalog()})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.CheckoutURL(context.Background(), CheckoutParams{
		TenantKey:  testTenantKey,
		PlanKey:    "enterprise",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})
	if !errors.Is(err, billing.ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound, got %v", err)
	}
}

func TestCheckoutURL_PlanWithoutPrice(t *testing.T) {
	// The free plan carries no price IDs; selling it is a configuration error.
	client, err := NewClient(Config{APIKey: "sk_test_x", Catalog: testCatalog()})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.CheckoutURL(context.Background(), CheckoutParams{
		TenantKey:  testTenantKey,
		PlanKey:    "free",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})
	if !errors.Is(err, billing.ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound, got %v", err)
	}
}

func TestCheckoutURL_LockAlreadyHeld(t *testing.T) {
	locker := newStubLocker()
	locker.held[testTenantKey] = true

	client, err := NewClient(Config{APIKey: "sk_test_x", Catalog: testCatalog(), Lock: locker})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.CheckoutURL(context.Background(), CheckoutParams{
		TenantKey:  testTenantKey,
		PlanKey:    "pro",
		SuccessURL: "https://example.com/ok",
		CancelURL:  "https://example.com/cancel",
	})
	if !errors.Is(err, billing.ErrCheckoutInProgress) {
		t.Errorf("Expected ErrCheckoutInProgress, got %v", err)
	}
	if len(locker.released) != 0 {
		t.Error("A rejected acquire must not release the holder's lock")
	}
}

func TestCheckoutURL_MissingTenant(t *testing.T) {
	client, err := NewClient(Config{APIKey: "sk_test_x", Catalog: testCatalog()})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.CheckoutURL(context.Background(), CheckoutParams{PlanKey: "pro"}); err == nil {
		t.Error("Expected error for missing tenant key")
	}
}

func TestPortalURL_RequiresCustomer(t *testing.T) {
	client, err := NewClient(Config{APIKey: "sk_test_x"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.PortalURL(context.Background(), "", "https://example.com"); err == nil {
		t.Error("Expected error for empty customer ID")
	}
}
