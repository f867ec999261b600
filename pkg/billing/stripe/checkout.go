package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/billsync/billsync/pkg/billing"
)

// CheckoutParams describes a subscription checkout request.
type CheckoutParams struct {
	// TenantKey identifies the purchasing tenant (required)
	TenantKey string

	// PlanKey selects the plan; resolved to a price via the catalog (required)
	PlanKey string

	// CustomerID attaches an existing Stripe customer, avoiding duplicates.
	// Empty lets Stripe create one during checkout.
	CustomerID string

	// SuccessURL and CancelURL are the post-checkout redirects (required)
	SuccessURL string
	CancelURL  string
}

// CheckoutURL creates a Stripe Checkout Session and returns its URL. The
// per-tenant lock is taken first so a tenant can only have one checkout in
// flight; it is released on failure and otherwise left to expire, since the
// completing webhook is what ends the checkout.
//
// The tenant and plan keys are injected into both the session and the
// subscription metadata, so every later webhook can resolve the tenant even
// when the subscription object arrives before the local record references it.
func (c *Client) CheckoutURL(ctx context.Context, params CheckoutParams) (string, error) {
	if c.catalog == nil {
		return "", billing.ErrNotConfigured
	}
	if params.TenantKey == "" {
		return "", fmt.Errorf("tenant key is required")
	}

	plan, ok := c.catalog.PlanByKey(params.PlanKey)
	if !ok || len(plan.PriceIDs) == 0 {
		c.metrics.RecordProviderCall(providerName, "checkout_session", "plan_not_found")
		return "", fmt.Errorf("%w: %q", billing.ErrPlanNotFound, params.PlanKey)
	}
	priceID := plan.PriceIDs[0]

	if c.lock != nil {
		if err := c.lock.Acquire(ctx, params.TenantKey); err != nil {
			return "", err
		}
	}

	url, err := c.createCheckoutSession(ctx, params, plan.Key, priceID)
	if err != nil && c.lock != nil {
		// Nothing was created; free the tenant to retry immediately.
		c.lock.Release(ctx, params.TenantKey)
	}
	return url, err
}

func (c *Client) createCheckoutSession(ctx context.Context, params CheckoutParams, planKey, priceID string) (string, error) {
	start := time.Now()

	sessionParams := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
	}

	sessionParams.Metadata = map[string]string{
		billing.MetadataTenantKey: params.TenantKey,
		billing.MetadataPlanKey:   planKey,
	}
	sessionParams.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	sessionParams.SubscriptionData.AddMetadata(billing.MetadataTenantKey, params.TenantKey)
	sessionParams.SubscriptionData.AddMetadata(billing.MetadataPlanKey, planKey)

	if params.CustomerID != "" {
		sessionParams.Customer = stripe.String(params.CustomerID)
	} else {
		sessionParams.ClientReferenceID = stripe.String(params.TenantKey)
		sessionParams.CustomerCreation = stripe.String("always")
	}

	session, err := c.sc.V1CheckoutSessions.Create(ctx, sessionParams)
	c.recordCall("checkout_session", start, err)
	if err != nil {
		return "", wrapErr("checkout_session", err)
	}
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal session where a tenant can
// manage payment methods or cancel. Requires the record's provider customer
// ID; a tenant without one has nothing to manage.
func (c *Client) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("%w: no provider customer", billing.ErrRecordNotFound)
	}

	start := time.Now()
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	c.recordCall("portal_session", start, err)
	if err != nil {
		return "", wrapErr("portal_session", err)
	}
	return session.URL, nil
}
