package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/billsync/billsync/pkg/billing"
	zladapter "github.com/billsync/billsync/pkg/billing/logger/zerolog"
	prommetrics "github.com/billsync/billsync/pkg/billing/metrics/prometheus"
	"github.com/billsync/billsync/pkg/billing/stripe"
	"github.com/billsync/billsync/storage/postgres"
)

var (
	syncTenant  string
	syncForce   bool
	syncDryRun  bool
	syncWorkers int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile tenant billing records against the payment provider",
	Long: `Fetches each tenant's live subscription state from the payment provider
and repairs any drift in the local billing record. With --dry-run, reports
what would change without writing. With --tenant, syncs a single tenant.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "sync a single tenant key")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "bypass the subscription cache")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "report drift without writing")
	syncCmd.Flags().IntVar(&syncWorkers, "workers", defaultSyncWorkers, "concurrent tenant syncs")
}

func runSync(ctx context.Context) error {
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

	client, err := stripe.NewClient(stripe.Config{
		APIKey:  apiKey,
		Catalog: catalog,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := billing.NewReconciler(billing.Config{
		Store:    store,
		Provider: client,
		Catalog:  catalog,
		Logger:   logger,
		Metrics:  prommetrics.NewMetrics(prometheus.NewRegistry(), "billsync"),
	})
	if err != nil {
		return err
	}

	var report billing.SyncReport
	if syncTenant != "" || syncDryRun {
		report, err = reconciler.ReconcileAll(ctx, syncTenant, syncForce, syncDryRun)
		if err != nil {
			return err
		}
	} else {
		report, err = parallelSync(ctx, store, reconciler, logger)
		if err != nil {
			return err
		}
	}

	label := ""
	if syncDryRun {
		label = " (dry run)"
	}
	fmt.Printf("sync complete%s: %d updated, %d consistent, %d skipped, %d errors\n",
		label, report.Synced, report.Consistent, report.Skipped, report.Errors)

	if report.Errors > 0 {
		return fmt.Errorf("%d tenants failed to sync", report.Errors)
	}
	return nil
}

// parallelSync fans the full tenant list out across a bounded worker pool.
// Individual tenant failures are counted, not fatal; only listing tenants
// can abort the run.
func parallelSync(ctx context.Context, store billing.RecordStore, reconciler *billing.Reconciler, logger billing.Logger) (billing.SyncReport, error) {
	var report billing.SyncReport

	tenants, err := store.ListTenants(ctx)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncWorkers)

	for _, tenant := range tenants {
		tenant := tenant
		g.Go(func() error {
			outcome, serr := reconciler.Reconcile(gctx, tenant, syncForce)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case serr != nil:
				report.Errors++
				logger.Error("tenant sync failed",
					billing.Field{Key: "tenant", Value: tenant},
					billing.Field{Key: "error", Value: serr.Error()})
			case outcome == billing.SyncUpdated:
				report.Synced++
			case outcome == billing.SyncSkipped:
				report.Skipped++
			default:
				report.Consistent++
			}
			return nil
		})
	}

	_ = g.Wait()
	return report, nil
}
