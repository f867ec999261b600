package stripe

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/billsync/billsync/pkg/billing"
	"github.com/billsync/billsync/pkg/billing/internal"
)

// WebhookConfig holds the webhook ingestor's dependencies.
type WebhookConfig struct {
	// Secret is the Stripe endpoint signing secret (whsec_...) (required)
	Secret string

	// Reconciler applies verified events (required)
	Reconciler *billing.Reconciler

	// Logger is used for structured logging (default: NoopLogger)
	Logger billing.Logger

	// Metrics tracks webhook outcomes (default: NoopMetrics)
	Metrics billing.Metrics

	// RateLimit is the per-IP request budget per minute; <= 0 uses 100
	RateLimit int
}

// Webhook is the HTTP ingestion surface. It verifies signatures, translates
// the Stripe event into the engine's event shape, and maps reconciler
// failures onto the retry contract: recognized business failures are
// acknowledged with 200 so Stripe stops redelivering, transient failures get
// 500 so it retries.
type Webhook struct {
	secret     []byte
	reconciler *billing.Reconciler
	logger     billing.Logger
	metrics    billing.Metrics
	limiter    *internal.RateLimiter
}

// NewWebhook creates the webhook ingestor.
func NewWebhook(config WebhookConfig) (*Webhook, error) {
	secret := strings.TrimSpace(config.Secret)
	if secret == "" || config.Reconciler == nil {
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
	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}

	return &Webhook{
		secret:     []byte(secret),
		reconciler: config.Reconciler,
		logger:     logger,
		metrics:    metrics,
		limiter:    internal.NewRateLimiter(limit, defaultRateLimitWindow),
	}, nil
}

// Handler returns the HTTP handler, wrapped with per-IP rate limiting.
func (wh *Webhook) Handler() http.Handler {
	return wh.limiter.Middleware(http.HandlerFunc(wh.handle))
}

func (wh *Webhook) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			wh.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			wh.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(wh.secret))
	if err != nil {
		// Signature failures are never retryable; a forged or misconfigured
		// delivery must not be redelivered into acceptance.
		http.Error(w, "signature verification failed", http.StatusForbidden)
		wh.metrics.RecordWebhookError(providerName, "auth_failed")
		wh.logger.Warn("webhook signature rejected",
			billing.Field{Key: "remote", Value: internal.GetClientIP(r)})
		return
	}

	eventType := string(event.Type)
	object, err := billing.ParsePayload(event.Data.Raw)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		wh.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	herr := wh.reconciler.HandleEvent(r.Context(), &billing.Event{
		ID:      event.ID,
		Type:    eventType,
		Object:  object,
		Created: time.Unix(event.Created, 0).UTC(),
	})
	wh.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))

	switch {
	case herr == nil:
		wh.metrics.RecordWebhookEvent(providerName, eventType, "success")
	case billing.IsRetryable(herr):
		wh.logger.Error("webhook processing failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: herr.Error()})
		wh.metrics.RecordWebhookEvent(providerName, eventType, "error")
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	default:
		// Recognized failure: redelivery cannot succeed, so acknowledge to
		// stop the retry loop. The warning is the operational signal.
		wh.logger.Warn("webhook acknowledged with recognized failure",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: herr.Error()})
		wh.metrics.RecordWebhookEvent(providerName, eventType, "acknowledged_failure")
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
