// Package http provides HTTP middleware that guards resource creation
// against the tenant's plan limits.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/billsync/billsync/pkg/billing"
)

// TenantExtractor extracts the tenant key from an HTTP request.
// Return empty string if the request is not authenticated.
type TenantExtractor func(r *http.Request) string

// KindExtractor extracts the resource kind being created from a request.
// For example: billing.ResourceProducts for POST /products.
type KindExtractor func(r *http.Request) billing.ResourceKind

// Config holds middleware configuration.
type Config struct {
	// Store reads billing records and live usage counts (required)
	Store billing.RecordStore

	// Catalog supplies plan limits; while a downgrade is scheduled the
	// target plan's limits apply (required)
	Catalog *billing.PlanCatalog

	// GetTenant extracts the tenant key from the request (required)
	GetTenant TenantExtractor

	// GetKind extracts the resource kind from the request (required)
	GetKind KindExtractor

	// OnLimitExceeded is called when creation would exceed the plan limit.
	// If nil, returns 403 Forbidden with the limit in the body.
	OnLimitExceeded func(w http.ResponseWriter, r *http.Request, err error)

	// OnUnauthorized is called when no tenant can be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that rejects requests which would
// create a resource beyond the tenant's effective plan limits. Counts are
// read live on every request; enforcement never trusts a cached number.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantKey := config.GetTenant(r)
			if tenantKey == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			if err := checkCreation(r.Context(), config, tenantKey, config.GetKind(r)); err != nil {
				if errors.Is(err, billing.ErrLimitExceeded) {
					if config.OnLimitExceeded != nil {
						config.OnLimitExceeded(w, r, err)
					} else {
						http.Error(w, fmt.Sprintf("Plan limit reached: %v", err), http.StatusForbidden)
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkCreation loads the record and live counts, then applies the effective
// limits. A tenant without a billing record is not limited here; tenant
// provisioning owns that case.
func checkCreation(ctx context.Context, config Config, tenantKey string, kind billing.ResourceKind) error {
	rec, err := config.Store.GetRecord(ctx, tenantKey)
	if err != nil && !errors.Is(err, billing.ErrRecordNotFound) {
		return err
	}
	usage, err := config.Store.UsageCounts(ctx, tenantKey)
	if err != nil {
		return err
	}
	return billing.CheckCreation(rec, config.Catalog, kind, usage)
}

// Common extractors for convenience

// FixedKind returns a KindExtractor that always returns the given kind.
func FixedKind(kind billing.ResourceKind) KindExtractor {
	return func(*http.Request) billing.ResourceKind {
		return kind
	}
}

// ContextKey is a type for context keys.
type ContextKey string

// TenantKeyKey is the context key for the tenant key.
const TenantKeyKey ContextKey = "billing:tenantKey"

// FromContext returns a TenantExtractor that reads the tenant key from the
// request context.
func FromContext(key ContextKey) TenantExtractor {
	return func(r *http.Request) string {
		if tenantKey, ok := r.Context().Value(key).(string); ok {
			return tenantKey
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that reads the tenant key from a
// header.
func FromHeader(headerName string) TenantExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithTenantKey adds the tenant key to a request context.
func WithTenantKey(ctx context.Context, tenantKey string) context.Context {
	return context.WithValue(ctx, TenantKeyKey, tenantKey)
}
