package billing

import "time"

// PeriodEndTier identifies which fallback tier produced a period-end value.
type PeriodEndTier int

const (
	// PeriodEndTierCancelAt used the subscription's scheduled cancel_at.
	// A subscription scheduled to cancel reports its cancellation instant as
	// the effective next boundary.
	PeriodEndTierCancelAt PeriodEndTier = iota + 1

	// PeriodEndTierCurrentPeriod used the reported current_period_end
	PeriodEndTierCurrentPeriod

	// PeriodEndTierAnchor derived the boundary from billing_cycle_anchor plus
	// the first line item's recurring interval
	PeriodEndTierAnchor

	// PeriodEndTierLatestInvoice fell back to the most recent invoice's
	// period end, a past boundary and therefore a stale estimate
	PeriodEndTierLatestInvoice
)

func (t PeriodEndTier) String() string {
	switch t {
	case PeriodEndTierCancelAt:
		return "cancel_at"
	case PeriodEndTierCurrentPeriod:
		return "current_period_end"
	case PeriodEndTierAnchor:
		return "billing_cycle_anchor"
	case PeriodEndTierLatestInvoice:
		return "latest_invoice"
	default:
		return "none"
	}
}

// PeriodEndResolution is the tagged result of a period-end computation, so
// callers and tests can see which tier fired.
type PeriodEndResolution struct {
	Value time.Time
	Tier  PeriodEndTier

	// Degraded marks values that are estimates rather than provider-reported
	// boundaries (the anchor computation and the stale invoice fallback).
	Degraded bool
}

// Interval approximations used by the anchor tier. Upstream data at this
// tier is already incomplete, so day-based approximations are acceptable.
const (
	monthApprox = 30 * 24 * time.Hour
	yearApprox  = 365 * 24 * time.Hour
)

// ResolvePeriodEnd computes the next billing boundary from a subscription
// snapshot using a four-tier fallback. Each tier is attempted only when the
// previous one yields nothing. Returns ok=false when all tiers fail; callers
// must then leave any existing stored value untouched, never clear it.
func ResolvePeriodEnd(sub *SubscriptionSnapshot, now time.Time) (PeriodEndResolution, bool) {
	if sub == nil {
		return PeriodEndResolution{}, false
	}

	if sub.CancelAt > 0 {
		return PeriodEndResolution{
			Value: time.Unix(sub.CancelAt, 0).UTC(),
			Tier:  PeriodEndTierCancelAt,
		}, true
	}

	if sub.CurrentPeriodEnd > 0 {
		return PeriodEndResolution{
			Value: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
			Tier:  PeriodEndTierCurrentPeriod,
		}, true
	}

	if res, ok := resolveFromAnchor(sub, now); ok {
		return res, true
	}

	if sub.LatestInvoice != nil && sub.LatestInvoice.PeriodEnd > 0 {
		return PeriodEndResolution{
			Value:    time.Unix(sub.LatestInvoice.PeriodEnd, 0).UTC(),
			Tier:     PeriodEndTierLatestInvoice,
			Degraded: true,
		}, true
	}

	return PeriodEndResolution{}, false
}

// resolveFromAnchor advances from billing_cycle_anchor in whole intervals to
// the first boundary strictly after now.
func resolveFromAnchor(sub *SubscriptionSnapshot, now time.Time) (PeriodEndResolution, bool) {
	if sub.BillingCycleAnchor <= 0 || len(sub.Items) == 0 {
		return PeriodEndResolution{}, false
	}

	var step time.Duration
	switch sub.Items[0].Interval {
	case "month":
		step = monthApprox
	case "year":
		step = yearApprox
	default:
		return PeriodEndResolution{}, false
	}
	if n := sub.Items[0].IntervalCount; n > 1 {
		step *= time.Duration(n)
	}

	boundary := time.Unix(sub.BillingCycleAnchor, 0).UTC()
	if !boundary.After(now) {
		elapsed := now.Sub(boundary) / step
		boundary = boundary.Add(elapsed * step)
		for !boundary.After(now) {
			boundary = boundary.Add(step)
		}
	}

	return PeriodEndResolution{
		Value:    boundary,
		Tier:     PeriodEndTierAnchor,
		Degraded: true,
	}, true
}
