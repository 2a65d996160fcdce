package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/copperleaf-pos/copperleaf-pos/internal/app"
	"github.com/copperleaf-pos/copperleaf-pos/internal/observability"
	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/cache"
	"github.com/copperleaf-pos/copperleaf-pos/internal/platform/db"
	"github.com/copperleaf-pos/copperleaf-pos/internal/shared"
	"github.com/copperleaf-pos/copperleaf-pos/internal/staff"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/adjustments"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/allocation"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/compliance"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/events"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/groups"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ledger"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/ownership"
	"github.com/copperleaf-pos/copperleaf-pos/internal/tips/payouts"
	"github.com/copperleaf-pos/copperleaf-pos/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	broadcaster := events.NewBroadcaster(redisClient, cfg.EventChannelPrefix+":", metrics, logger)
	auditLogger := shared.NewAuditLogger(dbpool)

	ledgerService := ledger.NewService(ledger.NewStore(dbpool))
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	groupsService := groups.NewService(groups.NewRepository(dbpool), broadcaster, logger)
	groupsHandler := groups.NewHandler(logger, groupsService)

	ownershipService := ownership.NewService(ownership.NewRepository(dbpool))
	directory := staff.NewDirectory(dbpool)
	flagStore := compliance.NewFlagStore(dbpool)

	allocationService := allocation.NewService(
		allocation.NewRepository(dbpool),
		ledgerService,
		groupsService,
		ownershipService,
		directory,
		allocation.NewSettingsSource(dbpool),
		flagStore,
		broadcaster,
		metrics,
		logger,
	)
	allocationHandler := allocation.NewHandler(logger, allocationService, flagStore)

	payoutsService := payouts.NewService(payouts.NewRepository(dbpool), auditLogger, broadcaster, metrics, logger, cfg.PayoutBatchConcurrency)
	payoutsHandler := payouts.NewHandler(logger, payoutsService)

	adjustmentsService := adjustments.NewService(adjustments.NewRepository(dbpool), ledgerService, auditLogger, broadcaster, logger)
	adjustmentsHandler := adjustments.NewHandler(logger, adjustmentsService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		LedgerHandler:      ledgerHandler,
		GroupsHandler:      groupsHandler,
		AllocationHandler:  allocationHandler,
		PayoutsHandler:     payoutsHandler,
		AdjustmentsHandler: adjustmentsHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
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
