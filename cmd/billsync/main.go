package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/billsync/billsync/pkg/billing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "billsync",
	Short:   "billsync - billing state reconciliation engine",
	Long:    `billsync keeps per-tenant billing records consistent with the payment provider: webhook ingestion, idempotent state transitions, and on-demand reconciliation.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("billsync %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	// Missing .env is fine; real deployments use the environment directly.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && l != zerolog.NoLevel {
		level = l
	}
	return zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("component", "billsync").
		Logger()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// planFile is the on-disk plan catalog shape.
type planFile struct {
	DefaultDowngrade string     `json:"default_downgrade"`
	Plans            []planSpec `json:"plans"`
}

type planSpec struct {
	Key      string             `json:"key"`
	Name     string             `json:"name"`
	PriceIDs []string           `json:"price_ids"`
	Limits   billing.PlanLimits `json:"limits"`
}

// loadCatalog reads the plan catalog from the JSON file named by PLANS_FILE.
func loadCatalog(path string) (*billing.PlanCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	var pf planFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}
	if len(pf.Plans) == 0 {
		return nil, fmt.Errorf("plans file %s defines no plans", path)
	}

	plans := make([]billing.Plan, 0, len(pf.Plans))
	for _, p := range pf.Plans {
		if p.Key == "" {
			return nil, fmt.Errorf("plans file %s: plan with empty key", path)
		}
		plans = append(plans, billing.Plan{
			Key:      p.Key,
			Name:     p.Name,
			PriceIDs: p.PriceIDs,
			Limits:   p.Limits,
		})
	}
	return billing.NewPlanCatalog(plans, pf.DefaultDowngrade), nil
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

const (
	defaultListenAddr  = ":8080"
	defaultPlansFile   = "plans.json"
	shutdownTimeout    = 10 * time.Second
	defaultSyncWorkers = 4
)
