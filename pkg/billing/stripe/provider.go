// Package stripe implements the billing.Provider interface and the webhook
// ingestion surface for Stripe.
package stripe

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/billsync/billsync/pkg/billing"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	webhookBodyLimit         = 256 * 1024
)

// CheckoutLocker guards checkout-session creation per tenant. Acquire
// returns billing.ErrCheckoutInProgress when the tenant already holds the
// lock.
type CheckoutLocker interface {
	Acquire(ctx context.Context, tenantKey string) error
	Release(ctx context.Context, tenantKey string)
}

// Config holds the Stripe client's dependencies.
type Config struct {
	// APIKey is the Stripe secret key (required)
	APIKey string

	// Catalog resolves plan keys to price IDs for checkout
	Catalog *billing.PlanCatalog

	// Lock serializes checkout-session creation per tenant; nil disables the
	// guard
	Lock CheckoutLocker

	// Logger is used for structured logging (default: NoopLogger)
	Logger billing.Logger

	// Metrics tracks provider API calls (default: NoopMetrics)
	Metrics billing.Metrics
}

// Client wraps the Stripe SDK behind the billing.Provider interface. All
// failures come back as *billing.ProviderError so callers can branch on
// category without importing Stripe types.
type Client struct {
	sc      *stripe.Client
	catalog *billing.PlanCatalog
	lock    CheckoutLocker
	logger  billing.Logger
	metrics billing.Metrics
}

// NewClient creates a Stripe provider client.
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Client{
		sc:      stripe.NewClient(apiKey),
		catalog: config.Catalog,
		lock:    config.Lock,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Name implements billing.Provider.
func (c *Client) Name() string {
	return providerName
}

// GetSubscription implements billing.Provider. Call metrics are recorded by
// the cache-aware reconciler, not here.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionSnapshot, error) {
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, wrapErr("get_subscription", err)
	}
	return subscriptionSnapshot(sub), nil
}

// GetCustomer implements billing.Provider.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*billing.CustomerSnapshot, error) {
	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	c.recordCall("get_customer", start, err)
	if err != nil {
		return nil, wrapErr("get_customer", err)
	}
	return &billing.CustomerSnapshot{
		ID:       cust.ID,
		Email:    cust.Email,
		Metadata: cust.Metadata,
	}, nil
}

// GetPrice implements billing.Provider.
func (c *Client) GetPrice(ctx context.Context, priceID string) (*billing.PriceSnapshot, error) {
	start := time.Now()
	price, err := c.sc.V1Prices.Retrieve(ctx, priceID, nil)
	c.recordCall("get_price", start, err)
	if err != nil {
		return nil, wrapErr("get_price", err)
	}
	snap := &billing.PriceSnapshot{
		ID:         price.ID,
		UnitAmount: price.UnitAmount,
		Currency:   string(price.Currency),
		Active:     price.Active,
	}
	if price.Product != nil {
		snap.ProductID = price.Product.ID
	}
	if price.Recurring != nil {
		snap.Interval = string(price.Recurring.Interval)
	}
	return snap, nil
}

// CancelSubscription implements billing.Provider. Cancels immediately, not
// at period end: this path only runs when a new subscription supersedes an
// old one.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	start := time.Now()
	_, err := c.sc.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	c.recordCall("cancel_subscription", start, err)
	if err != nil {
		return wrapErr("cancel_subscription", err)
	}
	return nil
}

func (c *Client) recordCall(endpoint string, start time.Time, err error) {
	status := "200"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordProviderCall(providerName, endpoint, status)
	c.metrics.RecordProviderCallDuration(providerName, endpoint, time.Since(start))
}

// subscriptionSnapshot converts a Stripe subscription into the
// provider-neutral snapshot. The period end lives on subscription items in
// current Stripe API versions; the first item's boundary is taken.
func subscriptionSnapshot(sub *stripe.Subscription) *billing.SubscriptionSnapshot {
	snap := &billing.SubscriptionSnapshot{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CancelAt:           sub.CancelAt,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		BillingCycleAnchor: sub.BillingCycleAnchor,
		Created:            sub.Created,
		TrialEnd:           sub.TrialEnd,
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if snap.CurrentPeriodEnd == 0 && item.CurrentPeriodEnd > 0 {
				snap.CurrentPeriodEnd = item.CurrentPeriodEnd
			}
			var si billing.SubscriptionItem
			if item.Price != nil {
				si.PriceID = item.Price.ID
				if item.Price.Recurring != nil {
					si.Interval = string(item.Price.Recurring.Interval)
					si.IntervalCount = item.Price.Recurring.IntervalCount
				}
			}
			snap.Items = append(snap.Items, si)
		}
	}
	if sub.LatestInvoice != nil {
		snap.LatestInvoice = &billing.InvoiceSnapshot{
			ID:        sub.LatestInvoice.ID,
			PeriodEnd: sub.LatestInvoice.PeriodEnd,
		}
	}
	return snap
}

// wrapErr translates a Stripe SDK failure into a categorized
// *billing.ProviderError.
func wrapErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return billing.NewProviderError(categorize(se), op, err)
	}
	// Non-API failures are network-level: timeouts, DNS, connection resets.
	return billing.NewProviderError(billing.ProviderErrorConnection, op, err)
}

func categorize(se *stripe.Error) billing.ProviderErrorCategory {
	switch {
	case se.Type == stripe.ErrorTypeCard:
		return billing.ProviderErrorCard
	case se.HTTPStatusCode == 429:
		return billing.ProviderErrorRateLimit
	case se.HTTPStatusCode == 401 || se.HTTPStatusCode == 403:
		return billing.ProviderErrorAuth
	case se.Type == stripe.ErrorTypeInvalidRequest:
		return billing.ProviderErrorInvalidRequest
	default:
		return billing.ProviderErrorGeneric
	}
}
