package billing

import (
	"strings"
	"sync"
)

// PlanCatalog maps provider price IDs to known plans and caches provider
// price data. Safe for concurrent use; price refreshes arrive from webhook
// events while request paths resolve plans.
type PlanCatalog struct {
	mu               sync.RWMutex
	plans            map[string]Plan   // plan key -> plan
	priceIndex       map[string]string // lowercased price ID -> plan key
	prices           map[string]PriceSnapshot
	defaultDowngrade string
}

// NewPlanCatalog builds a catalog from the known plans. defaultDowngrade is
// the plan scheduled when a subscription first flips to cancel-at-period-end.
func NewPlanCatalog(plans []Plan, defaultDowngrade string) *PlanCatalog {
	c := &PlanCatalog{
		plans:            make(map[string]Plan, len(plans)),
		priceIndex:       make(map[string]string),
		prices:           make(map[string]PriceSnapshot),
		defaultDowngrade: defaultDowngrade,
	}
	for _, p := range plans {
		c.plans[p.Key] = p
		for _, priceID := range p.PriceIDs {
			c.priceIndex[strings.ToLower(priceID)] = p.Key
		}
	}
	return c
}

// PlanByKey returns the plan with the given key.
func (c *PlanCatalog) PlanByKey(key string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[key]
	return p, ok
}

// PlanByPriceID resolves a provider price ID to a plan.
func (c *PlanCatalog) PlanByPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.priceIndex[strings.ToLower(strings.TrimSpace(priceID))]
	if !ok {
		return Plan{}, false
	}
	p, ok := c.plans[key]
	return p, ok
}

// ResolvePlan scans subscription line items for a known price, falling back
// to a plan-key hint in the event metadata.
func (c *PlanCatalog) ResolvePlan(items []SubscriptionItem, metadata map[string]string) (Plan, bool) {
	for _, item := range items {
		if p, ok := c.PlanByPriceID(item.PriceID); ok {
			return p, true
		}
	}
	if hint := metadata["plan_key"]; hint != "" {
		return c.PlanByKey(hint)
	}
	return Plan{}, false
}

// DefaultDowngrade returns the default scheduled-downgrade target.
func (c *PlanCatalog) DefaultDowngrade() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultDowngrade
}

// RefreshPrice updates the cached provider price data. Best effort; called
// from price.updated/created events and never blocks event acknowledgement.
func (c *PlanCatalog) RefreshPrice(price *PriceSnapshot) {
	if price == nil || price.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[price.ID] = *price
}

// Price returns the cached provider price data, if any.
func (c *PlanCatalog) Price(priceID string) (PriceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[priceID]
	return p, ok
}
