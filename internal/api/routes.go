package api

import (
	"fmt"

	"github.com/arvancloud/whatsapp-relay/internal/auth"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/arvancloud/whatsapp-relay/internal/webhook"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SetupRoutes wires the HTTP surface: route groups, auth guards, and the
// Prometheus text-format /metrics endpoint.
func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	webhookHandler *webhook.Handler,
	authService *auth.Service,
	rateLimiter *ratelimit.Store,
	tenantLimitPerMinute int,
) {
	SetupMiddleware(app, logger, metrics, authService, rateLimiter, tenantLimitPerMinute)

	app.Get("/health", handlers.HealthCheck)
	app.Get("/v1/health", handlers.ReadyCheck)

	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("error gathering metrics")
		}
		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, mf := range metricFamilies {
			name := mf.GetName()
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					c.WriteString(fmt.Sprintf("# TYPE %s counter\n%s %g\n", name, name, m.GetCounter().GetValue()))
				case m.GetGauge() != nil:
					c.WriteString(fmt.Sprintf("# TYPE %s gauge\n%s %g\n", name, name, m.GetGauge().GetValue()))
				case m.GetHistogram() != nil:
					h := m.GetHistogram()
					c.WriteString(fmt.Sprintf("# TYPE %s histogram\n%s_count %d\n%s_sum %g\n", name, name, h.GetSampleCount(), name, h.GetSampleSum()))
				}
			}
		}
		return nil
	})

	v1 := app.Group("/v1")

	notifications := v1.Group("/notifications", authService.RequireAPIKey())
	notifications.Post("/", handlers.CreateNotification)
	notifications.Post("/bulk", handlers.CreateNotificationsBulk)
	notifications.Get("/:id/status", handlers.GetNotificationStatus)

	analytics := v1.Group("/analytics", authService.RequireAPIKey())
	analytics.Get("/stats", handlers.GetStats)
	analytics.Get("/notifications", handlers.ListNotifications)

	webhooks := v1.Group("/webhooks/provider")
	webhooks.Get("/", webhookHandler.Verify)
	webhooks.Post("/", webhookHandler.Receive)
}
