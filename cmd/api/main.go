package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/api"
	"github.com/arvancloud/whatsapp-relay/internal/auth"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/config"
	"github.com/arvancloud/whatsapp-relay/internal/db"
	"github.com/arvancloud/whatsapp-relay/internal/ingestion"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/arvancloud/whatsapp-relay/internal/webhook"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		logger = observability.NewDevelopmentLogger()
	}
	defer logger.Sync()

	logger.Info("starting notification ingestion API", zap.String("version", "1.0.0"))

	ctx := context.Background()

	shutdownOtel, err := observability.SetupOpenTelemetry("whatsapp-relay-api", logger)
	if err != nil {
		logger.Warn("failed to set up OpenTelemetry", zap.Error(err))
	} else {
		defer shutdownOtel()
	}

	database, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	redisClient, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	jsQueue, err := queue.NewJetStreamQueue(queue.Config{
		URL:              cfg.QueueURL,
		DedupWindow:      2 * time.Hour,
		MaxRedeliver:     3,
		MessageRetention: 14 * 24 * time.Hour,
	}, logger)
	if err != nil {
		log.Fatalf("failed to connect to queue: %v", err)
	}
	defer jsQueue.Close()

	clk := clock.System{}
	metrics := observability.NewMetrics()

	notificationStore := notification.NewStore(database, logger, clk)
	rateLimitStore := ratelimit.NewStore(redisClient.Client, logger, cfg.RateLimitRetention)
	authService := auth.NewService(database, logger)
	ingestionService := ingestion.New(notificationStore, rateLimitStore, jsQueue, clk, logger, metrics, cfg.RateLimitRecipientPerHour)
	webhookHandler := webhook.NewHandler(notificationStore, logger, metrics, cfg.WebhookVerifyToken, cfg.WebhookHMACSecret)

	handlers := api.NewHandlers(ingestionService, notificationStore)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})

	api.SetupRoutes(app, logger, metrics, handlers, webhookHandler, authService, rateLimitStore, cfg.RateLimitTenantPerMinute)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info("notification ingestion API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("notification ingestion API stopped")
}
