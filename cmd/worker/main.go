package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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
	auditLogger := shared.NewAuditLogger(pool)
	dedupe := shared.NewEventDedupeStore(pool)

	ledgerService := ledger.NewService(ledger.NewStore(pool))
	groupsService := groups.NewService(groups.NewRepository(pool), broadcaster, logger)
	ownershipService := ownership.NewService(ownership.NewRepository(pool))
	directory := staff.NewDirectory(pool)
	flagStore := compliance.NewFlagStore(pool)
	settings := allocation.NewSettingsSource(pool)

	allocationService := allocation.NewService(
		allocation.NewRepository(pool),
		ledgerService,
		groupsService,
		ownershipService,
		directory,
		settings,
		flagStore,
		broadcaster,
		metrics,
		logger,
	)
	payoutsService := payouts.NewService(payouts.NewRepository(pool), auditLogger, broadcaster, metrics, logger, cfg.PayoutBatchConcurrency)
	adjustmentsService := adjustments.NewService(adjustments.NewRepository(pool), ledgerService, auditLogger, broadcaster, logger)
	scanner := compliance.NewScanner(compliance.NewDeclarationSource(pool), flagStore, logger)
	consumer := events.NewConsumer(dedupe, allocationService, groupsService, adjustmentsService, logger)

	scanTask, err := jobs.NewTask(jobs.TaskComplianceScan, jobs.ComplianceScanPayload{})
	if err != nil {
		logger.Error("build compliance scan task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewTask(jobs.TaskDedupeCleanup, struct{}{})
	if err != nil {
		logger.Error("build dedupe cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: &jobs.Handlers{
			Consumer:  consumer,
			Payouts:   payoutsService,
			Scanner:   scanner,
			Settings:  settings,
			Dedupe:    dedupe,
			Retention: cfg.EventDedupeRetention,
			Logger:    logger,
		},
		Cron: []jobs.CronRegistration{
			{Spec: "30 4 * * *", Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 5 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
