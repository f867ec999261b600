package billing

import "testing"

func TestPlanByPriceID_CaseInsensitive(t *testing.T) {
	catalog := NewPlanCatalog(testPlans(), "free")

	plan, ok := catalog.PlanByPriceID("  PRICE_PRO_MONTHLY ")
	if !ok || plan.Key != "pro" {
		t.Errorf("got (%q, %v), want pro", plan.Key, ok)
	}
	if _, ok := catalog.PlanByPriceID("price_unknown"); ok {
		t.Error("unknown price should not resolve")
	}
	if _, ok := catalog.PlanByPriceID(""); ok {
		t.Error("empty price should not resolve")
	}
}

func TestResolvePlan_ItemsThenMetadata(t *testing.T) {
	catalog := NewPlanCatalog(testPlans(), "free")

	items := []SubscriptionItem{
		{PriceID: "price_unknown"},
		{PriceID: "price_pro_monthly"},
	}
	plan, ok := catalog.ResolvePlan(items, nil)
	if !ok || plan.Key != "pro" {
		t.Errorf("item scan: got (%q, %v), want pro", plan.Key, ok)
	}

	plan, ok = catalog.ResolvePlan(nil, map[string]string{"plan_key": "free"})
	if !ok || plan.Key != "free" {
		t.Errorf("metadata fallback: got (%q, %v), want free", plan.Key, ok)
	}

	if _, ok := catalog.ResolvePlan(nil, nil); ok {
		t.Error("nothing to resolve from should fail")
	}
}

func TestRefreshPrice(t *testing.T) {
	catalog := NewPlanCatalog(testPlans(), "free")

	catalog.RefreshPrice(&PriceSnapshot{ID: "price_pro_monthly", UnitAmount: 2900, Currency: "usd", Active: true})
	price, ok := catalog.Price("price_pro_monthly")
	if !ok || price.UnitAmount != 2900 {
		t.Errorf("got (%+v, %v)", price, ok)
	}

	// nil and empty-ID refreshes are silently dropped.
	catalog.RefreshPrice(nil)
	catalog.RefreshPrice(&PriceSnapshot{})
	if _, ok := catalog.Price(""); ok {
		t.Error("empty price id should not be cached")
	}
}

func TestDefaultDowngrade(t *testing.T) {
	catalog := NewPlanCatalog(testPlans(), "free")
	if got := catalog.DefaultDowngrade(); got != "free" {
		t.Errorf("got %q, want free", got)
	}
}
