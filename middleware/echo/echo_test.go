package echo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/billsync/billsync/pkg/billing"
	"github.com/billsync/billsync/storage/memory"
)

func testCatalog() *billing.PlanCatalog {
	return billing.NewPlanCatalog([]billing.Plan{
		{Key: "free", Limits: billing.PlanLimits{MaxProjects: billing.IntLimit(1)}},
	}, "free")
}

func newApp(store *memory.Store) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(Config{
		Store:     store,
		Catalog:   testCatalog(),
		GetTenant: FromHeader("X-Tenant-Key"),
		GetKind:   FixedKind(billing.ResourceProjects),
	}))
	e.POST("/projects", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	return e
}

func doCreate(e *echo.Echo, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/projects", http.NoBody)
	if tenant != "" {
		req.Header.Set("X-Tenant-Key", tenant)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestMiddleware_AllowsUnderLimit(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{
		TenantKey: "tenant-1",
		Limits:    billing.PlanLimits{MaxProjects: billing.IntLimit(1)},
	})

	if w := doCreate(newApp(store), "tenant-1"); w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d", w.Code)
	}
}

func TestMiddleware_BlocksAtLimit(t *testing.T) {
	store := memory.New()
	store.SeedRecord(&billing.BillingRecord{
		TenantKey: "tenant-1",
		Limits:    billing.PlanLimits{MaxProjects: billing.IntLimit(1)},
	})
	store.SetUsageCounts("tenant-1", billing.UsageCounts{Projects: 1})

	if w := doCreate(newApp(store), "tenant-1"); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestMiddleware_UnauthorizedWithoutTenant(t *testing.T) {
	if w := doCreate(newApp(memory.New()), ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
