// Package postgres provides a PostgreSQL implementation of the
// billing.RecordStore interface. Mutations run in SQL transactions with
// SELECT FOR UPDATE on the tenant's billing record row, which is what gives
// the reconciler its per-tenant exclusive-lock guarantee.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billsync/billsync/pkg/billing"
)

// Schema is the DDL this store expects. Applied out of band (migrations are
// owned by the deployment, not this package).
const Schema = `
CREATE TABLE IF NOT EXISTS billing_records (
	tenant_key               TEXT PRIMARY KEY,
	plan_key                 TEXT NOT NULL DEFAULT '',
	max_products             INTEGER,
	max_projects             INTEGER,
	max_components           INTEGER,
	subscription_status      TEXT NOT NULL DEFAULT '',
	provider_customer_id     TEXT NOT NULL DEFAULT '',
	provider_subscription_id TEXT NOT NULL DEFAULT '',
	cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
	scheduled_downgrade_plan TEXT NOT NULL DEFAULT '',
	downgrade_exceeded       BOOLEAN NOT NULL DEFAULT FALSE,
	payment_failed_at        TIMESTAMPTZ,
	next_billing_date        TIMESTAMPTZ,
	last_processed_event_id  TEXT NOT NULL DEFAULT '',
	is_trial                 BOOLEAN NOT NULL DEFAULT FALSE,
	trial_end                BIGINT NOT NULL DEFAULT 0,
	last_payment_amount      BIGINT NOT NULL DEFAULT 0,
	last_payment_currency    TEXT NOT NULL DEFAULT '',
	last_updated             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS billing_records_subscription_idx
	ON billing_records (provider_subscription_id)
	WHERE provider_subscription_id <> '';

CREATE INDEX IF NOT EXISTS billing_records_customer_idx
	ON billing_records (provider_customer_id)
	WHERE provider_customer_id <> '';

CREATE TABLE IF NOT EXISTS tenant_resources (
	id         BIGSERIAL PRIMARY KEY,
	tenant_key TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tenant_resources_tenant_kind_idx
	ON tenant_resources (tenant_key, kind);
`

const recordColumns = `tenant_key, plan_key, max_products, max_projects, max_components,
		subscription_status, provider_customer_id, provider_subscription_id,
		cancel_at_period_end, scheduled_downgrade_plan, downgrade_exceeded,
		payment_failed_at, next_billing_date, last_processed_event_id,
		is_trial, trial_end, last_payment_amount, last_payment_currency, last_updated`

// Store implements billing.RecordStore using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL record store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// NewWithPool wraps an existing pool, for tests and shared-pool deployments.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, config: DefaultConfig()}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetRecord implements billing.RecordStore.
func (s *Store) GetRecord(ctx context.Context, tenantKey string) (*billing.BillingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE tenant_key = $1`,
		tenantKey)
	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return nil, billing.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing record: %w", err)
	}
	return rec, nil
}

// Mutate implements billing.RecordStore. The row is upserted first so
// SELECT FOR UPDATE always has something to lock, then re-read under the
// lock before fn runs.
func (s *Store) Mutate(ctx context.Context, tenantKey string, fn func(rec *billing.BillingRecord) (bool, error)) error {
	if tenantKey == "" {
		return fmt.Errorf("tenant key is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the row exists (creates if missing, does nothing if present)
	_, err = tx.Exec(ctx,
		`INSERT INTO billing_records (tenant_key, last_updated)
			VALUES ($1, NOW())
			ON CONFLICT (tenant_key) DO NOTHING`,
		tenantKey)
	if err != nil {
		return fmt.Errorf("failed to ensure billing record exists: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM billing_records
			WHERE tenant_key = $1
			FOR UPDATE`,
		tenantKey)
	rec, err := scanRecord(row)
	if err != nil {
		return fmt.Errorf("failed to lock billing record: %w", err)
	}

	write, err := fn(rec)
	if err != nil {
		return err
	}
	if !write {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return fmt.Errorf("failed to commit: %w", commitErr)
		}
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE billing_records SET
			plan_key = $2, max_products = $3, max_projects = $4, max_components = $5,
			subscription_status = $6, provider_customer_id = $7, provider_subscription_id = $8,
			cancel_at_period_end = $9, scheduled_downgrade_plan = $10, downgrade_exceeded = $11,
			payment_failed_at = $12, next_billing_date = $13, last_processed_event_id = $14,
			is_trial = $15, trial_end = $16, last_payment_amount = $17,
			last_payment_currency = $18, last_updated = $19
		WHERE tenant_key = $1`,
		rec.TenantKey, rec.PlanKey,
		rec.Limits.MaxProducts, rec.Limits.MaxProjects, rec.Limits.MaxComponents,
		string(rec.Status), rec.ProviderCustomerID, rec.ProviderSubscriptionID,
		rec.CancelAtPeriodEnd, rec.ScheduledDowngradePlan, rec.DowngradeExceeded,
		rec.PaymentFailedAt, rec.NextBillingDate, rec.LastProcessedEventID,
		rec.IsTrial, rec.TrialEnd, rec.LastPaymentAmount,
		rec.LastPaymentCurrency, rec.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to update billing record: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// TenantBySubscriptionID implements billing.RecordStore.
func (s *Store) TenantBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.tenantBy(ctx, "provider_subscription_id", subscriptionID)
}

// TenantByCustomerID implements billing.RecordStore.
func (s *Store) TenantByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.tenantBy(ctx, "provider_customer_id", customerID)
}

func (s *Store) tenantBy(ctx context.Context, column, value string) (string, error) {
	if value == "" {
		return "", billing.ErrTenantNotFound
	}
	var tenant string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_key FROM billing_records WHERE `+column+` = $1`,
		value).Scan(&tenant)
	if err == pgx.ErrNoRows {
		return "", billing.ErrTenantNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant by %s: %w", column, err)
	}
	return tenant, nil
}

// UsageCounts implements billing.RecordStore. Counts are read live at
// enforcement time, never cached.
func (s *Store) UsageCounts(ctx context.Context, tenantKey string) (billing.UsageCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, COUNT(*) FROM tenant_resources
			WHERE tenant_key = $1 GROUP BY kind`,
		tenantKey)
	if err != nil {
		return billing.UsageCounts{}, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	var counts billing.UsageCounts
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return billing.UsageCounts{}, fmt.Errorf("failed to scan resource count: %w", err)
		}
		switch billing.ResourceKind(kind) {
		case billing.ResourceProducts:
			counts.Products = int(n)
		case billing.ResourceProjects:
			counts.Projects = int(n)
		case billing.ResourceComponents:
			counts.Components = int(n)
		}
	}
	if err := rows.Err(); err != nil {
		return billing.UsageCounts{}, fmt.Errorf("failed to read resource counts: %w", err)
	}
	return counts, nil
}

// ListTenants implements billing.RecordStore.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_key FROM billing_records ORDER BY tenant_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant key: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func scanRecord(row pgx.Row) (*billing.BillingRecord, error) {
	var rec billing.BillingRecord
	var status string
	err := row.Scan(
		&rec.TenantKey,
		&rec.PlanKey,
		&rec.Limits.MaxProducts,
		&rec.Limits.MaxProjects,
		&rec.Limits.MaxComponents,
		&status,
		&rec.ProviderCustomerID,
		&rec.ProviderSubscriptionID,
		&rec.CancelAtPeriodEnd,
		&rec.ScheduledDowngradePlan,
		&rec.DowngradeExceeded,
		&rec.PaymentFailedAt,
		&rec.NextBillingDate,
		&rec.LastProcessedEventID,
		&rec.IsTrial,
		&rec.TrialEnd,
		&rec.LastPaymentAmount,
		&rec.LastPaymentCurrency,
		&rec.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = billing.Status(status)
	return &rec, nil
}
