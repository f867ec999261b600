// Package fiber provides Fiber middleware that guards resource creation
// against the tenant's plan limits.
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/billsync/billsync/pkg/billing"
)

// TenantExtractor extracts the tenant key from a Fiber context.
// Return empty string if the request is not authenticated.
type TenantExtractor func(c *fiber.Ctx) string

// KindExtractor extracts the resource kind being created from a Fiber
// context.
type KindExtractor func(c *fiber.Ctx) billing.ResourceKind

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
	OnLimitExceeded func(c *fiber.Ctx, err error) error

	// OnUnauthorized is called when no tenant can be extracted.
	// If nil, returns 401.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that rejects requests which would
// create a resource beyond the tenant's effective plan limits.
func Middleware(config Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantKey := config.GetTenant(c)
		if tenantKey == "" {
			if config.OnUnauthorized != nil {
				return config.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		if err := checkCreation(c.UserContext(), config, tenantKey, config.GetKind(c)); err != nil {
			if errors.Is(err, billing.ErrLimitExceeded) {
				if config.OnLimitExceeded != nil {
					return config.OnLimitExceeded(c, err)
				}
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
			}
			if config.OnError != nil {
				return config.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		return c.Next()
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
	return func(*fiber.Ctx) billing.ResourceKind {
		return kind
	}
}

// FromLocals returns a TenantExtractor that reads the tenant key from Fiber
// locals, as set by an upstream auth middleware.
func FromLocals(key string) TenantExtractor {
	return func(c *fiber.Ctx) string {
		if tenantKey, ok := c.Locals(key).(string); ok {
			return tenantKey
		}
		return ""
	}
}

// FromHeader returns a TenantExtractor that reads the tenant key from a
// header.
func FromHeader(headerName string) TenantExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
