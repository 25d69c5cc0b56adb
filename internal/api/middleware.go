package api

import (
	"fmt"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/auth"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

// SetupMiddleware wires recovery, request id, CORS, structured request
// logging, and a configurable tenant-per-minute ingestion throttle.
func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, authService *auth.Service, rateLimiter *ratelimit.Store, tenantLimitPerMinute int) {
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,Idempotency-Key",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if metrics != nil {
			tenantID := ""
			if tenant, err := auth.GetTenantFromContext(c); err == nil {
				tenantID = tenant.ID.String()
			}
			metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Path(), fmt.Sprintf("%d", status), tenantID).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(c.Method(), c.Path(), fmt.Sprintf("%d", status)).Observe(duration.Seconds())
		}

		return err
	})

	app.Use("/v1/notifications", func(c *fiber.Ctx) error {
		// This runs before the route group's RequireAPIKey, so the tenant is
		// resolved here from X-API-Key; a request without a valid key skips
		// the throttle and is rejected by RequireAPIKey.
		tenant, err := auth.GetTenantFromContext(c)
		if err != nil {
			apiKey := c.Get("X-API-Key")
			if apiKey == "" {
				return c.Next()
			}
			if tenant, err = authService.AuthenticateAPIKey(c.Context(), apiKey); err != nil {
				return c.Next()
			}
		}

		allowed, err := rateLimiter.CheckTenantPerMinute(c.Context(), tenant.ID.String(), tenantLimitPerMinute)
		if err != nil {
			logger.Error("tenant rate limit check failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "rate limiting error"})
		}
		if !allowed {
			if metrics != nil {
				metrics.RateLimitRejectedTotal.WithLabelValues("ingestion").Inc()
			}
			c.Set("Retry-After", "60")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "tenant rate limit exceeded"})
		}
		if err := rateLimiter.IncrementTenantPerMinute(c.Context(), tenant.ID.String()); err != nil {
			logger.Error("tenant rate limit increment failed", zap.Error(err))
		}

		return c.Next()
	})
}
