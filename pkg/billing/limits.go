package billing

import "fmt"

// DowngradeCheck is the result of comparing a candidate plan's limits
// against a tenant's live resource counts.
type DowngradeCheck struct {
	Allowed  bool
	Exceeded []ResourceKind
}

// CheckDowngrade blocks when any live count exceeds the target plan's limit
// for that resource. Unlimited (nil) limits never block.
func CheckDowngrade(target PlanLimits, usage UsageCounts) DowngradeCheck {
	var exceeded []ResourceKind
	for _, kind := range ResourceKinds {
		limit := target.Limit(kind)
		if limit == nil {
			continue
		}
		if usage.Count(kind) > *limit {
			exceeded = append(exceeded, kind)
		}
	}
	return DowngradeCheck{Allowed: len(exceeded) == 0, Exceeded: exceeded}
}

// EffectiveLimits returns the limits that govern new resource creation for a
// record. While a downgrade is scheduled the *target* plan's limits apply,
// so tenants cannot out-create their own pending downgrade.
func EffectiveLimits(rec *BillingRecord, catalog *PlanCatalog) PlanLimits {
	if rec == nil {
		return PlanLimits{}
	}
	if rec.ScheduledDowngradePlan != "" && catalog != nil {
		if target, ok := catalog.PlanByKey(rec.ScheduledDowngradePlan); ok {
			return target.Limits
		}
	}
	return rec.Limits
}

// CheckCreation is the pre-flight guard for creating one more resource of
// the given kind. Returns ErrLimitExceeded when the effective limit is
// already reached.
func CheckCreation(rec *BillingRecord, catalog *PlanCatalog, kind ResourceKind, usage UsageCounts) error {
	limit := EffectiveLimits(rec, catalog).Limit(kind)
	if limit == nil {
		return nil
	}
	if usage.Count(kind) >= *limit {
		return fmt.Errorf("%w: %s limit is %d", ErrLimitExceeded, kind, *limit)
	}
	return nil
}
