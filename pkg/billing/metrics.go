package billing

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - components should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "success", "ignored", "duplicate" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "unknown_status",
	// "tenant_not_found", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordSync records a standalone reconcile operation.
	// outcome: "updated", "consistent", "skipped" or "error"
	RecordSync(provider, outcome string)

	// RecordSyncDuration records how long a reconcile operation took.
	RecordSyncDuration(provider string, duration time.Duration)

	// RecordIdempotentSkip records a duplicate delivery detected by the
	// idempotency marker. stage: "optimistic" or "locked"
	RecordIdempotentSkip(provider, eventType, stage string)

	// RecordProviderCall records an outbound call to the payment provider.
	// status: HTTP-ish status or category ("200", "error", "not_found")
	RecordProviderCall(provider, endpoint, status string)

	// RecordProviderCallDuration records how long a provider call took.
	RecordProviderCallDuration(provider, endpoint string, duration time.Duration)

	// RecordStatusChange records a subscription status transition.
	RecordStatusChange(provider, fromStatus, toStatus string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSync(_, _ string)                                       {}
func (n *NoopMetrics) RecordSyncDuration(_ string, _ time.Duration)                 {}
func (n *NoopMetrics) RecordIdempotentSkip(_, _, _ string)                          {}
func (n *NoopMetrics) RecordProviderCall(_, _, _ string)                            {}
func (n *NoopMetrics) RecordProviderCallDuration(_, _ string, _ time.Duration)      {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
