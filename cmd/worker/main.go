package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/config"
	"github.com/arvancloud/whatsapp-relay/internal/db"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/processor"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/arvancloud/whatsapp-relay/internal/scheduler"
	"github.com/arvancloud/whatsapp-relay/internal/whatsapp"
	"github.com/arvancloud/whatsapp-relay/internal/workerpool"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting notification worker", zap.String("log_level", cfg.LogLevel))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	ctx := context.Background()

	database, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

	redisClient, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	jsQueue, err := queue.NewJetStreamQueue(queue.Config{
		URL:              cfg.QueueURL,
		DedupWindow:      2 * time.Hour,
		MaxRedeliver:     3,
		MessageRetention: 14 * 24 * time.Hour,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to queue", zap.Error(err))
	}
	defer jsQueue.Close()

	clk := clock.System{}
	notificationStore := notification.NewStore(database, logger, clk)
	rateLimitStore := ratelimit.NewStore(redisClient.Client, logger, cfg.RateLimitRetention)

	var whatsappClient whatsapp.Client
	if cfg.UseMockProvider {
		whatsappClient = whatsapp.NewMockClient(logger, cfg.MockSuccessRate, cfg.MockTempFailRate, cfg.MockLatencyMs)
	} else {
		whatsappClient = whatsapp.NewHTTPClient(whatsapp.Config{
			BaseURL:       cfg.ProviderBaseURL,
			APIVersion:    cfg.ProviderAPIVersion,
			PhoneNumberID: cfg.ProviderPhoneNumberID,
			AccessToken:   cfg.ProviderAccessToken,
			Timeout:       time.Duration(cfg.ProviderTimeoutMs) * time.Millisecond,
		})
	}

	reconciled, err := notificationStore.ReconcileStuckQueued(ctx)
	if err != nil {
		logger.Fatal("startup reconciliation failed", zap.Error(err))
	}
	if reconciled > 0 {
		logger.Info("startup reconciliation marked stuck queued notifications for retry", zap.Int64("count", reconciled))
	}

	procCfg := processor.DefaultConfig()
	procCfg.RecipientLimitPerHour = cfg.RateLimitRecipientPerHour
	proc := processor.New(notificationStore, rateLimitStore, whatsappClient, logger, clk, procCfg, metrics)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Concurrency = cfg.WorkerConcurrency
	poolCfg.VisibilityTimeout = time.Duration(cfg.WorkerVisibilityTimeoutS) * time.Second
	pool := workerpool.New(jsQueue, proc, logger, poolCfg, metrics)

	retrySweeper := scheduler.NewRetrySweeper(notificationStore, proc, logger, time.Duration(cfg.RetrySweepIntervalMs)*time.Millisecond)
	schedulePromoter := scheduler.NewSchedulePromoter(notificationStore, proc, logger, time.Duration(cfg.ScheduledSweepIntervalMs)*time.Millisecond)
	rateLimitJanitor := scheduler.NewRateLimitJanitor(rateLimitStore, logger, cfg.RateLimitJanitorInterval, cfg.RateLimitRetention)

	runCtx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); pool.Run(runCtx) }()
	go func() { defer wg.Done(); retrySweeper.Run(runCtx) }()
	go func() { defer wg.Done(); schedulePromoter.Run(runCtx) }()
	go func() { defer wg.Done(); rateLimitJanitor.Run(runCtx) }()

	logger.Info("notification worker started, consuming queue...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	pool.Stop()
	cancel()
	wg.Wait()

	logger.Info("notification worker shutdown complete")
}
