package billing

import (
	"fmt"
	"time"
)

// Status is a subscription lifecycle status. The enum is closed: unknown
// values are rejected at the boundary via ParseStatus, unlike event types
// where unknown values are ignored.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
)

// ParseStatus validates a provider-reported status string against the closed
// enum. Returns ErrUnknownStatus for anything else, including the empty
// string. Provider statuses outside the enum (e.g. "paused") are rejected
// here rather than persisted in a state the engine does not model.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusIncomplete, StatusIncompleteExpired:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether the status ends the subscription lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// CanTransitionTo reports whether moving to the given status follows the
// expected lifecycle. Used only to flag out-of-order deliveries in logs; the
// reconciler applies the new status regardless, because the idempotency
// marker, not ordering, is the correctness mechanism.
func (s Status) CanTransitionTo(to Status) bool {
	if s == to {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusIncomplete:
		return to == StatusActive || to == StatusTrialing ||
			to == StatusCanceled || to == StatusIncompleteExpired
	case StatusTrialing:
		return to == StatusActive || to == StatusPastDue || to == StatusCanceled
	case StatusActive:
		return to == StatusPastDue || to == StatusCanceled
	case StatusPastDue:
		return to == StatusActive || to == StatusCanceled
	default:
		return true
	}
}

// ResourceKind names a limit-governed tenant resource.
type ResourceKind string

const (
	ResourceProducts   ResourceKind = "products"
	ResourceProjects   ResourceKind = "projects"
	ResourceComponents ResourceKind = "components"
)

// ResourceKinds lists every limit-governed resource, in enforcement order.
var ResourceKinds = []ResourceKind{ResourceProducts, ResourceProjects, ResourceComponents}

// PlanLimits holds per-resource creation ceilings. A nil limit means
// unlimited.
type PlanLimits struct {
	MaxProducts   *int `json:"max_products,omitempty"`
	MaxProjects   *int `json:"max_projects,omitempty"`
	MaxComponents *int `json:"max_components,omitempty"`
}

// Limit returns the ceiling for a resource kind, nil meaning unlimited.
func (l PlanLimits) Limit(kind ResourceKind) *int {
	switch kind {
	case ResourceProducts:
		return l.MaxProducts
	case ResourceProjects:
		return l.MaxProjects
	case ResourceComponents:
		return l.MaxComponents
	default:
		return nil
	}
}

// Equal compares two limit sets, treating nil as distinct from any value.
func (l PlanLimits) Equal(other PlanLimits) bool {
	for _, kind := range ResourceKinds {
		a, b := l.Limit(kind), other.Limit(kind)
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	return true
}

func (l PlanLimits) clone() PlanLimits {
	out := PlanLimits{}
	if l.MaxProducts != nil {
		v := *l.MaxProducts
		out.MaxProducts = &v
	}
	if l.MaxProjects != nil {
		v := *l.MaxProjects
		out.MaxProjects = &v
	}
	if l.MaxComponents != nil {
		v := *l.MaxComponents
		out.MaxComponents = &v
	}
	return out
}

// IntLimit is a convenience for building literal PlanLimits values.
func IntLimit(n int) *int { return &n }

// Plan is a sellable plan: a key, display name, limits and the provider
// price IDs that map to it.
type Plan struct {
	Key      string
	Name     string
	Limits   PlanLimits
	PriceIDs []string
}

// UsageCounts holds a tenant's live resource counts, read at enforcement
// time rather than cached.
type UsageCounts struct {
	Products   int
	Projects   int
	Components int
}

// Count returns the live count for a resource kind.
func (u UsageCounts) Count(kind ResourceKind) int {
	switch kind {
	case ResourceProducts:
		return u.Products
	case ResourceProjects:
		return u.Projects
	case ResourceComponents:
		return u.Components
	default:
		return 0
	}
}

// BillingRecord is the per-tenant billing state the engine owns. One record
// per tenant; all mutations run under the store's exclusive tenant lock.
type BillingRecord struct {
	// TenantKey identifies the owning tenant
	TenantKey string `json:"tenant_key"`

	// PlanKey is the tenant's current plan, empty when none is assigned
	PlanKey string `json:"plan_key"`

	// Limits are the current plan's resource ceilings, denormalized onto the
	// record so enforcement never needs a catalog lookup at read time
	Limits PlanLimits `json:"limits"`

	// Status is the subscription lifecycle status
	Status Status `json:"status"`

	// ProviderCustomerID and ProviderSubscriptionID are either both set or
	// both empty; the reconciler repairs any unpaired state it observes
	ProviderCustomerID     string `json:"provider_customer_id"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`

	// CancelAtPeriodEnd marks a subscription scheduled to end
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`

	// ScheduledDowngradePlan is the plan applied when the cancellation
	// completes, empty when no downgrade is pending
	ScheduledDowngradePlan string `json:"scheduled_downgrade_plan"`

	// DowngradeExceeded marks a record whose scheduled downgrade was blocked
	// by live usage; the tenant is left without a plan until resolved
	DowngradeExceeded bool `json:"downgrade_exceeded"`

	// PaymentFailedAt is the first failure time of the current past-due
	// episode, cleared on the next successful payment
	PaymentFailedAt *time.Time `json:"payment_failed_at,omitempty"`

	// NextBillingDate is the resolved period-end boundary; nil when never
	// resolved. A failed resolution leaves the previous value in place.
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`

	// LastProcessedEventID is the idempotency marker: the completion marker
	// of the last event applied to this record
	LastProcessedEventID string `json:"last_processed_event_id"`

	// IsTrial and TrialEnd mirror the subscription's trial state
	IsTrial  bool  `json:"is_trial"`
	TrialEnd int64 `json:"trial_end"`

	// LastPaymentAmount is in the currency's smallest unit
	LastPaymentAmount   int64  `json:"last_payment_amount"`
	LastPaymentCurrency string `json:"last_payment_currency"`

	// LastUpdated is the time of the last committed mutation
	LastUpdated time.Time `json:"last_updated"`
}

// Clone returns a deep copy, so speculative pre-lock applications can never
// alias the stored record.
func (r *BillingRecord) Clone() *BillingRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Limits = r.Limits.clone()
	if r.PaymentFailedAt != nil {
		t := *r.PaymentFailedAt
		out.PaymentFailedAt = &t
	}
	if r.NextBillingDate != nil {
		t := *r.NextBillingDate
		out.NextBillingDate = &t
	}
	return &out
}

// HasValidBillingRelationship reports the paired-or-absent invariant: the
// provider customer and subscription IDs are either both present or both
// empty.
func (r *BillingRecord) HasValidBillingRelationship() bool {
	return (r.ProviderCustomerID == "") == (r.ProviderSubscriptionID == "")
}

// HasLiveSubscription reports whether the record references a provider
// subscription that has not reached a terminal status.
func (r *BillingRecord) HasLiveSubscription() bool {
	return r.ProviderSubscriptionID != "" && !r.Status.Terminal()
}

// SubscriptionSnapshot is a provider-neutral view of a subscription, built
// from webhook payloads or provider API reads.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAt           int64
	CancelAtPeriodEnd  bool
	CurrentPeriodEnd   int64
	BillingCycleAnchor int64
	Created            int64
	TrialEnd           int64
	Metadata           map[string]string
	Items              []SubscriptionItem
	LatestInvoice      *InvoiceSnapshot
}

// SubscriptionItem is one priced line on a subscription.
type SubscriptionItem struct {
	PriceID       string
	Interval      string // "month" or "year"
	IntervalCount int64
}

// InvoiceSnapshot is a provider-neutral view of an invoice.
type InvoiceSnapshot struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	AmountPaid     int64
	Currency       string
	PeriodEnd      int64
}

// CustomerSnapshot is a provider-neutral view of a customer.
type CustomerSnapshot struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// PriceSnapshot is a provider-neutral view of a price.
type PriceSnapshot struct {
	ID         string
	ProductID  string
	UnitAmount int64
	Currency   string
	Interval   string
	Active     bool
}

// CheckoutSession is a provider-neutral view of a completed checkout.
type CheckoutSession struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	Metadata       map[string]string
}
