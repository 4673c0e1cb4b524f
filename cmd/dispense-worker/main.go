// Package main provides the dispense worker entry point. It issues
// prescriptions from commands on dispense.commands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/config"
	"github.com/drfirst/clinic-ledger/internal/dispense"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/redpanda"
	"github.com/drfirst/clinic-ledger/internal/observability/logging"
	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
	"github.com/drfirst/clinic-ledger/internal/observability/tracing"
	"github.com/drfirst/clinic-ledger/pkg/circuitbreaker"
	"github.com/drfirst/clinic-ledger/pkg/workerpool"
)

const (
	serviceName     = "dispense-worker"
	monitorInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Store != config.StorePostgres {
		logger.Fatal("the dispense worker requires the postgres store", zap.String("store", cfg.Store))
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.DefaultConfig(serviceName, cfg.OTLPEndpoint))
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	m := metrics.New(nil)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	store := postgres.NewStore(pool, postgres.StoreConfig{LockTimeout: cfg.LockTimeout}, logger)
	ledger := inventory.NewService(store, inventory.NewAuditor(logger, m), logger, m)

	// Inbox for exactly-once issuance per prescription item
	inbox := dispense.NewPostgresInbox(pool, dispense.DefaultInboxConfig(), logger)
	inbox.StartSweeper()
	defer inbox.Stop()

	// Producer for outcomes and dead letters
	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger, m)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breakerCfg := circuitbreaker.DefaultConfig("dispense-results")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	results := redpanda.NewGuardedPublisher(producer, breaker)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.WorkerCount

	handler, err := dispense.NewHandler(ledger, inbox, results, poolCfg, logger)
	if err != nil {
		logger.Fatal("handler creation failed", zap.Error(err))
	}
	handler.Start()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, serviceName, inventory.TopicDispenseCommands),
		handler.Handle, producer, logger, m)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("dispense worker started", zap.Int("workers", poolCfg.Workers))

	// Backlog gauges: inbox states and consumer lag
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go dispense.NewMonitor(inbox, admin, serviceName, m, monitorInterval, logger).Run(monitorCtx)

	// Metrics and health
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !handler.Healthy() {
			http.Error(w, "worker pool saturated", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopMonitor()
	consumer.Stop()
	if err := handler.Stop(); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("dispense worker stopped")
}
