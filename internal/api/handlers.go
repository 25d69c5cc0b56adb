// Package api implements the HTTP surface: ingestion, status lookup,
// analytics, and the provider webhook, wired atop internal/ingestion,
// internal/notification, and internal/webhook.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/auth"
	"github.com/arvancloud/whatsapp-relay/internal/ingestion"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Handlers struct {
	ingestion *ingestion.Service
	store     *notification.Store
}

func NewHandlers(ingestionService *ingestion.Service, store *notification.Store) *Handlers {
	return &Handlers{ingestion: ingestionService, store: store}
}

// createRequestBody is the wire shape for POST /v1/notifications.
type createRequestBody struct {
	EventType            string                    `json:"event_type"`
	RecipientPhone       string                    `json:"recipient_phone"`
	RecipientCountryCode *string                   `json:"recipient_country_code,omitempty"`
	Payload              notification.Payload      `json:"payload"`
	Metadata             map[string]any            `json:"metadata,omitempty"`
	Priority             notification.Priority     `json:"priority,omitempty"`
	ScheduledFor         *int64                    `json:"scheduled_for,omitempty"` // unix seconds
}

func (b createRequestBody) toInput(idempotencyKey string) ingestion.CreateInput {
	priority := b.Priority
	if priority == "" {
		priority = notification.PriorityNormal
	}
	return ingestion.CreateInput{
		EventType:            b.EventType,
		RecipientPhone:       b.RecipientPhone,
		RecipientCountryCode: b.RecipientCountryCode,
		Payload:              b.Payload,
		Metadata:             b.Metadata,
		Priority:             priority,
		ScheduledForUnixSec:  b.ScheduledFor,
		IdempotencyKey:       idempotencyKey,
	}
}

// CreateNotification handles POST /v1/notifications.
//
//	@Summary		Create notification
//	@Description	Queue a WhatsApp notification for async delivery
//	@Tags			Notifications
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createRequestBody	true	"Notification request"
//	@Success		201		{object}	fiber.Map			"Created"
//	@Failure		400		{object}	fiber.Map			"Bad request"
//	@Router			/v1/notifications [post]
func (h *Handlers) CreateNotification(c *fiber.Ctx) error {
	tenant, err := auth.GetTenantFromContext(c)
	if err != nil {
		return respondError(c, apierr.New(apierr.Authentication, "tenant not resolved"))
	}

	var body createRequestBody
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, apierr.Validationf("", "invalid request body"))
	}

	result, err := h.ingestion.Create(c.Context(), tenant.ID, body.toInput(c.Get("Idempotency-Key")))
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":    result.ID,
		"state": result.State,
	})
}

// CreateNotificationsBulk handles POST /v1/notifications/bulk.
//
//	@Summary		Bulk-create notifications
//	@Description	Queue up to 100 WhatsApp notifications in one request
//	@Tags			Notifications
//	@Accept			json
//	@Produce		json
//	@Router			/v1/notifications/bulk [post]
func (h *Handlers) CreateNotificationsBulk(c *fiber.Ctx) error {
	tenant, err := auth.GetTenantFromContext(c)
	if err != nil {
		return respondError(c, apierr.New(apierr.Authentication, "tenant not resolved"))
	}

	var wrapper struct {
		Notifications []createRequestBody `json:"notifications"`
	}
	if err := c.BodyParser(&wrapper); err != nil {
		return respondError(c, apierr.Validationf("", "invalid request body"))
	}

	inputs := make([]ingestion.CreateInput, len(wrapper.Notifications))
	for i, b := range wrapper.Notifications {
		inputs[i] = b.toInput(c.Get("Idempotency-Key"))
	}

	results, err := h.ingestion.CreateBulk(c.Context(), tenant.ID, inputs)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]fiber.Map, len(results))
	for i, r := range results {
		if r.Err != nil {
			out[i] = fiber.Map{"index": r.Index, "error": r.Err.Error()}
			continue
		}
		out[i] = fiber.Map{"index": r.Index, "id": r.Result.ID, "state": r.Result.State}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"results": out})
}

// GetNotificationStatus handles GET /v1/notifications/:id/status.
//
//	@Summary		Get notification status
//	@Description	Fetch a notification's current state and attempt log
//	@Tags			Notifications
//	@Produce		json
//	@Router			/v1/notifications/{id}/status [get]
func (h *Handlers) GetNotificationStatus(c *fiber.Ctx) error {
	tenant, err := auth.GetTenantFromContext(c)
	if err != nil {
		return respondError(c, apierr.New(apierr.Authentication, "tenant not resolved"))
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondError(c, apierr.Validationf("id", "invalid notification id"))
	}

	n, err := h.store.FindByID(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	if n.TenantID != tenant.ID {
		return respondError(c, apierr.New(apierr.NotFound, "notification not found"))
	}

	logs, err := h.store.DeliveryLogsFor(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":                  n.ID,
		"state":               n.State,
		"recipient_phone":     n.RecipientPhone,
		"provider_message_id": n.ProviderMessageID,
		"attempt_number":      n.AttemptNumber,
		"max_attempts":        n.MaxAttempts,
		"next_retry_at":       n.NextRetryAt,
		"last_error_code":     n.LastErrorCode,
		"last_error_message":  n.LastErrorMessage,
		"created_at":          n.CreatedAt,
		"sent_at":             n.SentAt,
		"delivered_at":        n.DeliveredAt,
		"read_at":             n.ReadAt,
		"failed_at":           n.FailedAt,
		"delivery_log":        logs,
	})
}

// ListNotifications handles GET /v1/analytics/notifications.
//
//	@Summary		List notifications
//	@Description	List a tenant's notifications, optionally filtered by status/event type
//	@Tags			Analytics
//	@Produce		json
//	@Router			/v1/analytics/notifications [get]
func (h *Handlers) ListNotifications(c *fiber.Ctx) error {
	tenant, err := auth.GetTenantFromContext(c)
	if err != nil {
		return respondError(c, apierr.New(apierr.Authentication, "tenant not resolved"))
	}

	filter := notification.ListByTenantFilter{
		Page:  c.QueryInt("page", 1),
		Limit: c.QueryInt("limit", 50),
	}
	if status := c.Query("status"); status != "" {
		s := notification.State(status)
		filter.Status = &s
	}
	if eventType := c.Query("event_type"); eventType != "" {
		filter.EventType = &eventType
	}

	list, err := h.store.ListByTenant(c.Context(), tenant.ID, filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"notifications": list})
}

// GetStats handles GET /v1/analytics/stats.
//
//	@Summary		Get delivery stats
//	@Description	Aggregate counts and average latency for a date range
//	@Tags			Analytics
//	@Produce		json
//	@Router			/v1/analytics/stats [get]
func (h *Handlers) GetStats(c *fiber.Ctx) error {
	tenant, err := auth.GetTenantFromContext(c)
	if err != nil {
		return respondError(c, apierr.New(apierr.Authentication, "tenant not resolved"))
	}

	end := time.Now()
	start := end.Add(-7 * 24 * time.Hour)
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	stats, err := h.store.Stats(c.Context(), tenant.ID, start, end)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// ReadyCheck handles GET /v1/health, verifying the database is reachable.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func respondError(c *fiber.Ctx, err error) error {
	apiErr, ok := apierr.As(err)
	if !ok {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	body := fiber.Map{"error": apiErr.Message}
	if apiErr.Field != "" {
		body["field"] = apiErr.Field
	}
	if apiErr.Kind == apierr.RateLimited && apiErr.RetryAfterSecs > 0 {
		c.Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSecs))
	}
	return c.Status(apierr.HTTPStatus(apiErr.Kind)).JSON(body)
}
