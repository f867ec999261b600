package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/billsync/billsync/pkg/billing"
	zladapter "github.com/billsync/billsync/pkg/billing/logger/zerolog"
	prommetrics "github.com/billsync/billsync/pkg/billing/metrics/prometheus"
	"github.com/billsync/billsync/pkg/billing/stripe"
	"github.com/billsync/billsync/storage/postgres"
	billredis "github.com/billsync/billsync/storage/redis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingestion and billing API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

type server struct {
	store      *postgres.Store
	reconciler *billing.Reconciler
	client     *stripe.Client
	webhook    *stripe.Webhook
	limiter    *billredis.RateLimiter
}

func runServe(ctx context.Context) error {
	zlog := newLogger()
	logger := zladapter.NewLogger(zlog)

	dbURL, err := requireEnv("DATABASE_URL")
	if err != nil {
		return err
	}
	apiKey, err := requireEnv("STRIPE_API_KEY")
	if err != nil {
		return err
	}
	webhookSecret, err := requireEnv("STRIPE_WEBHOOK_SECRET")
	if err != nil {
		return err
	}

	catalog, err := loadCatalog(envOr("PLANS_FILE", defaultPlansFile))
	if err != nil {
		return err
	}

	storeConfig := postgres.DefaultConfig()
	storeConfig.ConnectionString = dbURL
	store, err := postgres.New(ctx, storeConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := prommetrics.NewMetrics(prometheus.DefaultRegisterer, "billsync")

	srv := &server{store: store}

	var lock stripe.CheckoutLocker
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		defer func() { _ = rdb.Close() }()

		checkoutLock, lerr := billredis.NewCheckoutLock(rdb, billredis.DefaultConfig())
		if lerr != nil {
			return lerr
		}
		lock = checkoutLock

		limiter, lerr := billredis.NewRateLimiter(rdb, billredis.DefaultConfig(), 60, time.Minute)
		if lerr != nil {
			return lerr
		}
		srv.limiter = limiter
		zlog.Info().Str("addr", addr).Msg("redis checkout lock and rate limiter enabled")
	} else {
		zlog.Warn().Msg("REDIS_ADDR not set, checkout lock and API rate limiter disabled")
	}

	client, err := stripe.NewClient(stripe.Config{
		APIKey:  apiKey,
		Catalog: catalog,
		Lock:    lock,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	srv.client = client

	reconciler, err := billing.NewReconciler(billing.Config{
		Store:    store,
		Provider: client,
		Catalog:  catalog,
		Cache:    billing.NewSubscriptionCache(5 * time.Minute),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	srv.reconciler = reconciler

	webhook, err := stripe.NewWebhook(stripe.WebhookConfig{
		Secret:     webhookSecret,
		Reconciler: reconciler,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	srv.webhook = webhook

	addr := envOr("LISTEN_ADDR", defaultListenAddr)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", addr).Msg("billsync server listening")
		if serr := httpServer.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	zlog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/webhooks/stripe", s.webhook.Handler())

	r.Route("/billing", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/checkout", s.handleCheckout)
		r.Post("/portal", s.handlePortal)
		r.Post("/sync", s.handleSync)
		r.Get("/record", s.handleRecord)
	})

	return r
}

// rateLimit applies the Redis fixed-window limiter per client IP. The
// limiter fails closed: when Redis is unreachable the request is rejected.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(r.Context(), r.RemoteAddr); err != nil {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantKeyFrom(r *http.Request) string {
	return r.Header.Get("X-Tenant-Key")
}

func (s *server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	tenantKey := tenantKeyFrom(r)
	if tenantKey == "" {
		writeError(w, http.StatusUnauthorized, "missing tenant")
		return
	}

	var req struct {
		PlanKey    string `json:"plan_key"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	customerID := ""
	if rec, err := s.store.GetRecord(r.Context(), tenantKey); err == nil {
		customerID = rec.ProviderCustomerID
	}

	url, err := s.client.CheckoutURL(r.Context(), stripe.CheckoutParams{
		TenantKey:  tenantKey,
		PlanKey:    req.PlanKey,
		CustomerID: customerID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *server) handlePortal(w http.ResponseWriter, r *http.Request) {
	tenantKey := tenantKeyFrom(r)
	if tenantKey == "" {
		writeError(w, http.StatusUnauthorized, "missing tenant")
		return
	}

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.store.GetRecord(r.Context(), tenantKey)
	if err != nil {
		writeBillingError(w, err)
		return
	}

	url, err := s.client.PortalURL(r.Context(), rec.ProviderCustomerID, req.ReturnURL)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	tenantKey := tenantKeyFrom(r)
	if tenantKey == "" {
		writeError(w, http.StatusUnauthorized, "missing tenant")
		return
	}

	force := r.URL.Query().Get("force") == "true"
	outcome, err := s.reconciler.Reconcile(r.Context(), tenantKey, force)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *server) handleRecord(w http.ResponseWriter, r *http.Request) {
	tenantKey := tenantKeyFrom(r)
	if tenantKey == "" {
		writeError(w, http.StatusUnauthorized, "missing tenant")
		return
	}

	rec, err := s.store.GetRecord(r.Context(), tenantKey)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeBillingError maps engine errors onto HTTP statuses, leaking only the
// safe message for provider failures.
func writeBillingError(w http.ResponseWriter, err error) {
	var pe *billing.ProviderError
	switch {
	case errors.As(err, &pe):
		writeError(w, http.StatusBadGateway, pe.SafeMessage())
	case errors.Is(err, billing.ErrRecordNotFound), errors.Is(err, billing.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, billing.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, "unknown plan")
	case errors.Is(err, billing.ErrCheckoutInProgress):
		writeError(w, http.StatusConflict, "checkout already in progress")
	case errors.Is(err, billing.ErrLimitExceeded):
		writeError(w, http.StatusForbidden, "plan limit reached")
	case errors.Is(err, billing.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
