package billing

import "context"

// RecordStore persists per-tenant billing records and the lookup indexes the
// reconciler needs. Implementations must make Mutate transactional with an
// exclusive per-tenant lock: the callback's record is re-read under that
// lock, so a pre-lock read is never trusted for the decision to write.
type RecordStore interface {
	// GetRecord returns the tenant's billing record without locking.
	// Returns ErrRecordNotFound when the tenant has no record yet.
	GetRecord(ctx context.Context, tenantKey string) (*BillingRecord, error)

	// Mutate runs fn inside a transaction holding an exclusive lock on the
	// tenant's record, creating an empty record first if none exists. fn
	// receives the current record and may mutate it in place; returning
	// false skips the write (the transaction still commits). The write is
	// atomic: concurrent Mutate calls for the same tenant serialize.
	Mutate(ctx context.Context, tenantKey string, fn func(rec *BillingRecord) (bool, error)) error

	// TenantBySubscriptionID resolves the tenant owning a provider
	// subscription. Returns ErrTenantNotFound when no record references it.
	TenantBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)

	// TenantByCustomerID resolves the tenant owning a provider customer.
	// Returns ErrTenantNotFound when no record references it.
	TenantByCustomerID(ctx context.Context, customerID string) (string, error)

	// UsageCounts returns the tenant's live resource counts, read at
	// enforcement time rather than cached.
	UsageCounts(ctx context.Context, tenantKey string) (UsageCounts, error)

	// ListTenants returns every tenant key with a billing record, for the
	// management sync surface.
	ListTenants(ctx context.Context) ([]string, error)
}

// Provider is the payment-provider collaborator, consumed but not owned.
// Implementations translate provider-specific failures into *ProviderError.
// Calls use short timeouts and are never made while holding a tenant lock.
type Provider interface {
	// Name returns the provider name, e.g. "stripe"
	Name() string

	// GetSubscription fetches a subscription snapshot
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)

	// GetCustomer fetches a customer snapshot
	GetCustomer(ctx context.Context, customerID string) (*CustomerSnapshot, error)

	// GetPrice fetches a price snapshot
	GetPrice(ctx context.Context, priceID string) (*PriceSnapshot, error)

	// CancelSubscription cancels a subscription immediately
	CancelSubscription(ctx context.Context, subscriptionID string) error
}
