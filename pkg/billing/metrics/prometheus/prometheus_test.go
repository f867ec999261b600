package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestPrometheusMetrics_RecordsAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "customer.subscription.updated", "success")
	metrics.RecordWebhookProcessingDuration("stripe", "customer.subscription.updated", 12*time.Millisecond)
	metrics.RecordWebhookError("stripe", "auth_failed")
	metrics.RecordSync("stripe", "updated")
	metrics.RecordSyncDuration("stripe", 80*time.Millisecond)
	metrics.RecordIdempotentSkip("stripe", "customer.subscription.updated", "optimistic")
	metrics.RecordProviderCall("stripe", "get_subscription", "200")
	metrics.RecordProviderCallDuration("stripe", "get_subscription", 150*time.Millisecond)
	metrics.RecordStatusChange("stripe", "active", "past_due")

	names := gatherNames(t, reg)
	for _, want := range []string{
		"test_billing_webhook_events_total",
		"test_billing_webhook_processing_duration_seconds",
		"test_billing_webhook_errors_total",
		"test_billing_sync_total",
		"test_billing_sync_duration_seconds",
		"test_billing_idempotent_skips_total",
		"test_billing_provider_calls_total",
		"test_billing_provider_call_duration_seconds",
		"test_billing_status_changes_total",
	} {
		if !names[want] {
			t.Errorf("Expected metric family %s to be registered", want)
		}
	}
}

func TestPrometheusMetrics_SeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()

	a := NewMetrics(regA, "svc")
	b := NewMetrics(regB, "svc")

	a.RecordSync("stripe", "consistent")
	b.RecordSync("stripe", "updated")

	if len(gatherNames(t, regA)) == 0 || len(gatherNames(t, regB)) == 0 {
		t.Error("Expected both registries to carry metrics")
	}
}
