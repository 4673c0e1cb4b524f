// Package main provides the outbox relay entry point. It publishes ledger
// events committed to the outbox table to Redpanda.
package main

import (
	"context"
	"errors"
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
	"github.com/drfirst/clinic-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/redpanda"
	"github.com/drfirst/clinic-ledger/internal/observability/logging"
	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
	"github.com/drfirst/clinic-ledger/internal/observability/tracing"
	"github.com/drfirst/clinic-ledger/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

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
		logger.Fatal("the outbox relay requires the postgres store", zap.String("store", cfg.Store))
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

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Provision topics
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	topicCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = admin.EnsureTopics(topicCtx)
	cancel()
	admin.Close()
	if err != nil {
		logger.Fatal("topic provisioning failed", zap.Error(err))
	}

	// Create Redpanda producer
	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger, m)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breakerCfg := circuitbreaker.DefaultConfig("redpanda-producer")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	m.CircuitBreakerState.WithLabelValues(breaker.Name()).Set(breaker.State().Gauge())

	// Create outbox processor
	outbox := postgres.NewOutbox(pool, &relayPublisher{redpanda.NewGuardedPublisher(producer, breaker)}, postgres.DefaultOutboxConfig(), logger)
	outbox.OnStats(func(stats *postgres.OutboxStats) {
		m.OutboxPending.Set(float64(stats.Pending))
		m.OutboxFailed.Set(float64(stats.Failed))
	})

	outbox.Start()
	logger.Info("outbox relay started")

	// Metrics and health
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if breaker.State() == circuitbreaker.StateOpen {
			http.Error(w, "broker circuit open", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
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
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// relayPublisher adapts the guarded producer to the outbox. A send refused by
// the open circuit is deferred so it does not use up the entry's retries.
type relayPublisher struct {
	publisher *redpanda.GuardedPublisher
}

func (a *relayPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := a.publisher.Publish(ctx, topic, key, value)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", postgres.ErrPublishDeferred, err)
	}
	return err
}
