package payments

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	paymentsdb "coursepay/internal/db/payments"
	"coursepay/internal/observability"
	"coursepay/internal/payments/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// BuildPaymentSaga wires an Orchestrator and its reconciliation sweep from
// env config (Postgres DSN, provider and enrollment endpoints). Missing
// external endpoints fall back to in-memory collaborators so the service runs
// locally without credentials. The returned cleanup closes any external
// resources.
func BuildPaymentSaga(ctx context.Context, metrics *observability.Metrics, logf func(format string, args ...any)) (*Orchestrator, *Reconciler, func(), error) {
	if logf == nil {
		logf = log.Printf
	}

	cleanup := func() {}
	var store saga.TransactionStore = saga.NewMemoryStore()

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			logf("postgres open failed, falling back to in-memory transactions: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pgStore, err := paymentsdb.NewTransactionStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				logf("postgres init failed, falling back to in-memory transactions: %v", err)
				_ = sqlDB.Close()
			} else {
				logf("postgres transaction store enabled")
				store = pgStore
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logf("close postgres: %v", err)
					}
				}
			}
		}
	} else {
		logf("DATABASE_URL unset, using in-memory transactions")
	}

	defaults := DefaultReliability().BreakerConfig()
	defaults.OnStateChange = func(name string, from, to BreakerState) {
		logf("breaker %s: %s -> %s", name, from, to)
		if to == StateOpen {
			metrics.IncBreakerOpen(name)
		}
	}
	registry := NewBreakerRegistry(defaults)

	retrySleep := func(ctx context.Context, d time.Duration) error {
		metrics.AddRetryWait(d)
		return sleepWithContext(ctx, d)
	}

	enrollments, err := buildEnrollmentClient(registry, retrySleep, logf)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	processor, err := buildPaymentProcessor(registry, retrySleep, logf)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	interval, err := optionalEnvDuration("RECONCILE_INTERVAL")
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	stallAfter, err := optionalEnvDuration("RECONCILE_STALL_AFTER")
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	reconciler := NewReconciler(store, metrics, logf, interval, stallAfter)

	return NewOrchestrator(store, processor, enrollments, metrics, logf), reconciler, cleanup, nil
}

func optionalEnvDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func buildEnrollmentClient(registry *BreakerRegistry, retrySleep func(context.Context, time.Duration) error, logf func(format string, args ...any)) (EnrollmentClient, error) {
	base := strings.TrimSpace(os.Getenv("ENROLLMENT_SERVICE_URL"))
	if base == "" {
		logf("ENROLLMENT_SERVICE_URL unset, using in-memory enrollments")
		return NewInMemoryEnrollmentClient(), nil
	}

	cfg := DefaultReliability()
	if ReliabilityConfigured("ENROLLMENT") {
		var err error
		if cfg, err = LoadReliabilityConfig("ENROLLMENT"); err != nil {
			return nil, err
		}
	}
	registry.Configure("enrollment-service", cfg.BreakerConfig())
	policy := cfg.RetryPolicy()
	policy.Sleep = retrySleep
	client := NewResilientClient("enrollment-service", base, registry.Get("enrollment-service"), policy)
	return NewHTTPEnrollmentClient(client), nil
}

func buildPaymentProcessor(registry *BreakerRegistry, retrySleep func(context.Context, time.Duration) error, logf func(format string, args ...any)) (PaymentProcessor, error) {
	base := strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER_URL"))
	apiKey := strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER_API_KEY"))
	if base == "" || apiKey == "" {
		logf("payment provider env unset, using in-memory processor")
		return NewInMemoryProcessor(), nil
	}

	cfg := DefaultReliability()
	if ReliabilityConfigured("PROVIDER") {
		var err error
		if cfg, err = LoadReliabilityConfig("PROVIDER"); err != nil {
			return nil, err
		}
	}
	registry.Configure("payment-provider", cfg.BreakerConfig())
	policy := cfg.RetryPolicy()
	policy.Sleep = retrySleep
	client := NewResilientClient("payment-provider", base, registry.Get("payment-provider"), policy)
	return NewHTTPPaymentProcessor(client, apiKey), nil
}
