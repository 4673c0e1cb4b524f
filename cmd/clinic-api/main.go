// Package main provides the clinic ledger API entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/api/handlers"
	"github.com/drfirst/clinic-ledger/internal/api/middleware"
	"github.com/drfirst/clinic-ledger/internal/config"
	"github.com/drfirst/clinic-ledger/internal/domain/compliance"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/postgres"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/sqlite"
	"github.com/drfirst/clinic-ledger/internal/observability/logging"
	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
	"github.com/drfirst/clinic-ledger/internal/observability/tracing"
)

const serviceName = "clinic-api"

// backend is what the API needs from a ledger store
type backend interface {
	inventory.Store
	compliance.Store
	Ping(ctx context.Context) error
}

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

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.DefaultConfig(serviceName, cfg.OTLPEndpoint))
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	m := metrics.New(nil)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err), zap.String("store", cfg.Store))
	}
	defer closeStore()

	// Initialize services
	ledger := inventory.NewService(store, inventory.NewAuditor(logger, m), logger, m)
	recorder := compliance.NewRecorder(store, logger, m)

	// Initialize handlers
	ledgerHandler := handlers.NewLedgerHandler(ledger, logger)
	complianceHandler := handlers.NewComplianceHandler(recorder, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes (with staff auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.StaffAuth([]byte(cfg.JWTSecret)))
		r.Mount("/medications", ledgerHandler.MedicationRoutes())
		r.Mount("/diagnoses", ledgerHandler.DiagnosisRoutes())
		r.Mount("/patients", complianceHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting clinic API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore connects the configured ledger backend and applies its schema
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	if cfg.DevelopmentStore() {
		logger.Warn("sqlite store runs one transaction at a time; use it for development only",
			zap.String("path", cfg.SQLitePath))
	}
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to database")
		return postgres.NewStore(pool, postgres.StoreConfig{LockTimeout: cfg.LockTimeout}, logger), pool.Close, nil
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
