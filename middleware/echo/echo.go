// Package echo provides Echo middleware that guards resource creation
// against the tenant's plan limits.
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/billsync/billsync/pkg/billing"
)

// TenantExtractor extracts the tenant key from an Echo context.
// Return empty string if the request is not authenticated.
type TenantExtractor func(c echo.Context) string

// KindExtractor extracts the resource kind being created from an Echo
// context.
type KindExtractor func(c echo.Context) billing.ResourceKind

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
	// If nil, returns 403 with a JSON error body.
	OnLimitExceeded func(c echo.Context, err error) error

	// OnUnauthorized is called when no tenant can be extracted.
	// If nil, returns 401.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that rejects requests which would
// create a resource beyond the tenant's effective plan limits.
func Middleware(config Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantKey := config.GetTenant(c)
			if tenantKey == "" {
				if config.OnUnauthorized != nil {
					return config.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			if err := checkCreation(c.Request().Context(), config, tenantKey, config.GetKind(c)); err != nil {
				if errors.Is(err, billing.ErrLimitExceeded) {
					if config.OnLimitExceeded != nil {
						return config.OnLimitExceeded(c, err)
					}
					return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
				}
				if config.OnError != nil {
					return config.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}

			return next(c)
		}
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
	return func(echo.Context) billing.ResourceKind {
		return kind
	}
}

// FromEchoContext returns a TenantExtractor that reads the tenant key from
// an Echo context value, as set by an upstream auth middleware.
func FromEchoContext(key string) TenantExtractor {
	return func(c echo.Context) string {
		if tenantKey, ok := c.Get(key).(string); ok {
			return tenantKey
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that reads the tenant key from a
// header.
func FromHeader(headerName string) TenantExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
