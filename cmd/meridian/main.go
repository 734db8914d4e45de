package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/meridian-erp/meridian-ledger/internal/app"
	"github.com/meridian-erp/meridian-ledger/internal/ledger"
	"github.com/meridian-erp/meridian-ledger/internal/observability"
	"github.com/meridian-erp/meridian-ledger/internal/platform/cache"
	"github.com/meridian-erp/meridian-ledger/internal/platform/db"
	"github.com/meridian-erp/meridian-ledger/internal/shared"
	"github.com/meridian-erp/meridian-ledger/internal/valuation"
	"github.com/meridian-erp/meridian-ledger/jobs"
)

// metricsIntegration counts committed postings. Handlers run after the
// transaction commits, so duplicates never reach them.
type metricsIntegration struct {
	metrics *observability.Metrics
}

func (m metricsIntegration) HandleEntryPosted(ctx context.Context, event ledger.EntryPostedEvent) error {
	m.metrics.ObservePosting("ledger", string(event.Kind), "ok")
	m.metrics.ObserveAllocations(event.Allocations)
	return nil
}

func (m metricsIntegration) HandleReceiptPosted(ctx context.Context, event valuation.ReceiptPostedEvent) error {
	m.metrics.ObservePosting("valuation", string(valuation.MovementReceipt), "ok")
	return nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	metrics.Registerer().MustRegister(collectors.NewGoCollector())

	// Without Redis the locker still serializes within this instance.
	var lockClient *redislock.Client
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, subject locks are instance-local", slog.Any("error", err))
	} else {
		lockClient = redislock.New(redisClient)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	locker := shared.NewSubjectLocker(lockClient, shared.LockerConfig{
		TTL:     cfg.LockTTL,
		Timeout: cfg.LockTimeout,
		Retry:   cfg.LockRetry,
		OnWait:  metrics.ObserveLockWait,
	})

	auditLogger := shared.NewAuditLogger(pool)
	integration := metricsIntegration{metrics: metrics}

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, locker, auditLogger, integration)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	valuationRepo := valuation.NewRepository(pool)
	valuationService := valuation.NewService(valuationRepo, locker, auditLogger, integration, cfg.AllowNegativeStock)
	valuationHandler := valuation.NewHandler(logger, valuationService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledgerHandler,
		ValuationHandler: valuationHandler,
		JobHandler:       jobHandler,
		Pool:             pool,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
