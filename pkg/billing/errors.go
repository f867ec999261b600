package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when a component is missing required configuration
	ErrNotConfigured = errors.New("billing engine not configured")

	// ErrInvalidSignature is returned when webhook signature validation fails.
	// The transport boundary must translate it to a non-retryable rejection.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnknownStatus is returned for a subscription status outside the
	// closed enum. This is a hard validation error, unlike unknown event
	// types which are acknowledged and ignored.
	ErrUnknownStatus = errors.New("unknown subscription status")

	// ErrMissingMetadata is returned when required provider metadata
	// (tenant key, plan key) is absent from a payload
	ErrMissingMetadata = errors.New("required metadata missing")

	// ErrTenantNotFound is returned when no tenant can be resolved after all
	// fallback tiers. Retrying will not create the missing tenant.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrRecordNotFound is returned when a tenant has no billing record
	ErrRecordNotFound = errors.New("billing record not found")

	// ErrPlanNotFound is returned when a plan key or price ID resolves to no
	// known plan
	ErrPlanNotFound = errors.New("plan not found")

	// ErrLimitExceeded is returned when a resource creation would exceed the
	// effective plan limit
	ErrLimitExceeded = errors.New("plan limit exceeded")

	// ErrCheckoutInProgress is returned when the per-tenant checkout lock is
	// already held
	ErrCheckoutInProgress = errors.New("checkout already in progress")

	// ErrRateLimited is returned by entry-point rate limiters, including when
	// the limiting store is unreachable (fail closed)
	ErrRateLimited = errors.New("rate limited")
)

// ProviderErrorCategory classifies upstream payment-provider failures.
type ProviderErrorCategory string

const (
	// ProviderErrorCard covers declined cards and payment-method failures
	ProviderErrorCard ProviderErrorCategory = "card"
	// ProviderErrorRateLimit covers provider-side throttling
	ProviderErrorRateLimit ProviderErrorCategory = "rate_limit"
	// ProviderErrorInvalidRequest covers malformed or unknown-object requests
	ProviderErrorInvalidRequest ProviderErrorCategory = "invalid_request"
	// ProviderErrorAuth covers provider credential failures
	ProviderErrorAuth ProviderErrorCategory = "auth"
	// ProviderErrorConnection covers network-level failures
	ProviderErrorConnection ProviderErrorCategory = "connection"
	// ProviderErrorGeneric covers everything else
	ProviderErrorGeneric ProviderErrorCategory = "generic"
)

// ProviderError wraps an upstream provider failure with a category and a
// safe, non-leaking user message. Full detail stays in the wrapped error.
type ProviderError struct {
	Category ProviderErrorCategory
	Op       string // provider operation, e.g. "get_subscription"
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SafeMessage returns a message suitable for end users, with no upstream
// detail leaked.
func (e *ProviderError) SafeMessage() string {
	switch e.Category {
	case ProviderErrorCard:
		return "your payment method was declined"
	case ProviderErrorRateLimit:
		return "the billing service is busy, please retry shortly"
	default:
		return "a billing error occurred, please try again later"
	}
}

// Retryable reports whether a retried delivery could plausibly succeed.
// Connection, throttling and generic failures are transient; card, auth and
// invalid-request failures are not.
func (e *ProviderError) Retryable() bool {
	switch e.Category {
	case ProviderErrorConnection, ProviderErrorRateLimit, ProviderErrorGeneric:
		return true
	default:
		return false
	}
}

// NewProviderError wraps err as a categorized provider failure.
func NewProviderError(category ProviderErrorCategory, op string, err error) *ProviderError {
	return &ProviderError{Category: category, Op: op, Err: err}
}

// IsRetryable reports whether err should surface as a 500 so the provider
// redelivers the webhook. Validation, tenant-resolution and business-shaped
// provider errors are acknowledged instead.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	switch {
	case errors.Is(err, ErrUnknownStatus),
		errors.Is(err, ErrMissingMetadata),
		errors.Is(err, ErrTenantNotFound),
		errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrInvalidPayload):
		return false
	}
	return true
}
