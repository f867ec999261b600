// Package gin provides Gin middleware that guards resource creation against
// the tenant's plan limits.
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/billsync/billsync/pkg/billing"
)

// TenantExtractor extracts the tenant key from a Gin context.
// Return empty string if the request is not authenticated.
type TenantExtractor func(c *gongin.Context) string

// KindExtractor extracts the resource kind being created from a Gin context.
type KindExtractor func(c *gongin.Context) billing.ResourceKind

// Config holds middleware configuration.
type Config struct {
	// Store reads billing records and live usage counts (required)
	Store billing.RecordStore

	// Catalog supplies plan limits (required)
	Catalog *billing.PlanCatalog

	// GetTenant extracts the tenant key from the context (required)
	GetTenant TenantExtractor

	// GetKind extracts the resource kind from the context (required)
	GetKind KindExtractor

	// OnLimitExceeded is called when creation would exceed the plan limit.
	// If nil, aborts with 403 and a JSON error body.
	OnLimitExceeded func(c *gongin.Context, err error)

	// OnUnauthorized is called when no tenant can be extracted.
	// If nil, aborts with 401.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, aborts with 500.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that rejects requests which would
// create a resource beyond the tenant's effective plan limits.
func Middleware(config Config) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		tenantKey := config.GetTenant(c)
		if tenantKey == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		if err := checkCreation(c.Request.Context(), config, tenantKey, config.GetKind(c)); err != nil {
			if errors.Is(err, billing.ErrLimitExceeded) {
				if config.OnLimitExceeded != nil {
					config.OnLimitExceeded(c, err)
				} else {
					c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{"error": err.Error()})
				}
			} else {
				if config.OnError != nil {
					config.OnError(c, err)
				} else {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
				}
			}
			return
		}

		c.Next()
	}
}

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

// FixedKind returns a KindExtractor that always returns the given kind.
func FixedKind(kind billing.ResourceKind) KindExtractor {
	return func(*gongin.Context) billing.ResourceKind {
		return kind
	}
}

// FromGinContext returns a TenantExtractor that reads the tenant key from a
// Gin context value, as set by an upstream auth middleware.
func FromGinContext(key string) TenantExtractor {
	return func(c *gongin.Context) string {
		if v, ok := c.Get(key); ok {
			if tenantKey, ok := v.(string); ok {
				return tenantKey
			}
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that reads the tenant key from a
// header.
func FromHeader(headerName string) TenantExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
