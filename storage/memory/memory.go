// Package memory provides an in-memory implementation of the
// billing.RecordStore interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/billsync/billsync/pkg/billing"
)

// Store implements billing.RecordStore using in-memory maps. A per-tenant
// mutex gives Mutate the same exclusive-lock semantics as the SQL backend.
type Store struct {
	mu      sync.RWMutex
	records map[string]*billing.BillingRecord
	usage   map[string]billing.UsageCounts
	locks   map[string]*sync.Mutex
}

// New creates a new in-memory record store.
func New() *Store {
	return &Store{
		records: make(map[string]*billing.BillingRecord),
		usage:   make(map[string]billing.UsageCounts),
		locks:   make(map[string]*sync.Mutex),
	}
}

// GetRecord implements billing.RecordStore.
func (s *Store) GetRecord(_ context.Context, tenantKey string) (*billing.BillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[tenantKey]
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Mutate implements billing.RecordStore. The tenant mutex serializes
// concurrent mutations the way the row lock does in Postgres.
func (s *Store) Mutate(ctx context.Context, tenantKey string, fn func(rec *billing.BillingRecord) (bool, error)) error {
	if tenantKey == "" {
		return fmt.Errorf("tenant key is required")
	}

	lock := s.tenantLock(tenantKey)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Read under the lock; the caller's pre-lock view is never trusted.
	s.mu.RLock()
	stored, ok := s.records[tenantKey]
	s.mu.RUnlock()

	var rec *billing.BillingRecord
	if ok {
		rec = stored.Clone()
	} else {
		rec = &billing.BillingRecord{TenantKey: tenantKey}
	}

	write, err := fn(rec)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	s.mu.Lock()
	s.records[tenantKey] = rec.Clone()
	s.mu.Unlock()
	return nil
}

// TenantBySubscriptionID implements billing.RecordStore.
func (s *Store) TenantBySubscriptionID(_ context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", billing.ErrTenantNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tenant, rec := range s.records {
		if rec.ProviderSubscriptionID == subscriptionID {
			return tenant, nil
		}
	}
	return "", billing.ErrTenantNotFound
}

// TenantByCustomerID implements billing.RecordStore.
func (s *Store) TenantByCustomerID(_ context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", billing.ErrTenantNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tenant, rec := range s.records {
		if rec.ProviderCustomerID == customerID {
			return tenant, nil
		}
	}
	return "", billing.ErrTenantNotFound
}

// UsageCounts implements billing.RecordStore.
func (s *Store) UsageCounts(_ context.Context, tenantKey string) (billing.UsageCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[tenantKey], nil
}

// ListTenants implements billing.RecordStore.
func (s *Store) ListTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]string, 0, len(s.records))
	for tenant := range s.records {
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// SetUsageCounts seeds live resource counts, for tests.
func (s *Store) SetUsageCounts(tenantKey string, counts billing.UsageCounts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[tenantKey] = counts
}

// SeedRecord stores a record directly, bypassing Mutate, for tests.
func (s *Store) SeedRecord(rec *billing.BillingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TenantKey] = rec.Clone()
}

func (s *Store) tenantLock(tenantKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[tenantKey]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenantKey] = lock
	}
	return lock
}
