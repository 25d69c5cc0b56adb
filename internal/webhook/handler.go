// Package webhook implements the inbound provider status callback: the
// verify-token handshake and the signed status-update POST. Applies each
// status update through the centralized notification.Apply transition
// rather than a direct status-string write.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// StatusUpdate is one entry of the WhatsApp Business Cloud API's
// "statuses" array inside a webhook POST body.
type StatusUpdate struct {
	ID        string `json:"id"` // provider message id
	Status    string `json:"status"` // sent | delivered | read | failed
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors,omitempty"`
}

type inboundEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []StatusUpdate `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type Handler struct {
	store       *notification.Store
	logger      *zap.Logger
	metrics     *observability.Metrics
	verifyToken string
	hmacSecret  string
}

func NewHandler(store *notification.Store, logger *zap.Logger, metrics *observability.Metrics, verifyToken, hmacSecret string) *Handler {
	return &Handler{store: store, logger: logger, metrics: metrics, verifyToken: verifyToken, hmacSecret: hmacSecret}
}

// Verify handles the GET handshake WhatsApp performs when a webhook URL is
// registered: echo hub.challenge back only if hub.verify_token matches.
func (h *Handler) Verify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token != h.verifyToken || h.verifyToken == "" {
		return c.Status(fiber.StatusForbidden).SendString("verification failed")
	}
	return c.SendString(challenge)
}

// Receive handles the POST status-update callback. Signature
// verification happens before any state mutation: a bad signature never
// reaches the store.
func (h *Handler) Receive(c *fiber.Ctx) error {
	body := c.Body()

	if h.hmacSecret != "" {
		signature := c.Get("X-Hub-Signature-256")
		if !h.validSignature(body, signature) {
			h.logger.Warn("webhook signature verification failed")
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid signature"})
		}
	}

	var envelope inboundEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed webhook payload"})
	}

	ctx := c.Context()
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				if err := h.applyStatus(ctx, status); err != nil {
					h.logger.Error("failed to apply inbound status", zap.String("provider_message_id", status.ID), zap.Error(err))
				}
			}
		}
	}

	// Webhook receipts are acknowledged even when an individual status
	// update could not be applied (e.g. unknown provider id) — WhatsApp
	// retries a non-2xx response, which would just repeat the same
	// unresolvable lookup.
	return c.SendStatus(fiber.StatusOK)
}

func (h *Handler) applyStatus(ctx context.Context, status StatusUpdate) error {
	n, err := h.store.FindByProviderMessageID(ctx, status.ID)
	if err != nil {
		return err
	}

	var event notification.Event
	patch := notification.TransitionPatch{}
	ts := parseStatusTimestamp(status.Timestamp)

	switch strings.ToLower(status.Status) {
	case "sent":
		event = notification.EventCallbackSent
		if ts != nil {
			patch.SentAt = ts
		}
	case "delivered":
		event = notification.EventDelivered
		if ts != nil {
			patch.DeliveredAt = ts
		}
	case "read":
		event = notification.EventRead
		if ts != nil {
			patch.ReadAt = ts
		}
	case "failed":
		event = notification.EventCallbackFailed
		if ts != nil {
			patch.FailedAt = ts
		}
		if len(status.Errors) > 0 {
			code := fmt.Sprintf("%d", status.Errors[0].Code)
			msg := status.Errors[0].Title
			patch.ErrorCode = &code
			patch.ErrorMessage = &msg
		}
	default:
		return apierr.Validationf("", "unrecognized status %q", status.Status)
	}

	logState := notification.DeliveryLogState(strings.ToLower(status.Status))
	if err := h.store.AppendDeliveryLog(ctx, notification.DeliveryLog{
		NotificationID: n.ID,
		Attempt:        n.AttemptNumber,
		State:          logState,
		ProviderMessageID: &status.ID,
	}); err != nil {
		h.logger.Error("failed to append callback delivery log", zap.Error(err))
	}

	if _, err := h.store.ApplyTransition(ctx, n.ID, event, patch); err != nil {
		// IllegalTransition here typically means an out-of-order or
		// duplicate callback that Apply already tolerates as a no-op;
		// anything else is a genuine failure worth surfacing.
		if k := apierr.KindOf(err); k != apierr.IllegalTransition {
			return err
		}
	}
	return nil
}

// parseStatusTimestamp parses the status callback's Unix-epoch-seconds
// timestamp string. Returns nil on a missing or malformed value rather
// than erroring the whole callback over a cosmetic field.
func parseStatusTimestamp(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func (h *Handler) validSignature(body []byte, signatureHeader string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	presented := strings.TrimPrefix(signatureHeader, prefix)

	mac := hmac.New(sha256.New, []byte(h.hmacSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(presented), []byte(expected))
}
