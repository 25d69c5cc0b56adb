package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/gofiber/fiber/v2"
)

func TestToInputDefaultsPriorityToNormal(t *testing.T) {
	body := createRequestBody{EventType: "order.shipped", RecipientPhone: "+15551234567"}
	in := body.toInput("idem-key")
	if in.Priority != notification.PriorityNormal {
		t.Errorf("Priority = %q, want %q", in.Priority, notification.PriorityNormal)
	}
	if in.IdempotencyKey != "idem-key" {
		t.Errorf("IdempotencyKey = %q, want %q", in.IdempotencyKey, "idem-key")
	}
}

func TestToInputPreservesExplicitPriority(t *testing.T) {
	body := createRequestBody{EventType: "order.shipped", RecipientPhone: "+15551234567", Priority: notification.PriorityHigh}
	in := body.toInput("")
	if in.Priority != notification.PriorityHigh {
		t.Errorf("Priority = %q, want %q", in.Priority, notification.PriorityHigh)
	}
}

func TestRespondErrorMapsValidationKind(t *testing.T) {
	app := fiber.New()
	app.Get("/x", func(c *fiber.Ctx) error {
		return respondError(c, apierr.Validationf("recipient_phone", "recipient_phone is required"))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRespondErrorSetsRetryAfterHeaderWhenRateLimited(t *testing.T) {
	app := fiber.New()
	app.Get("/x", func(c *fiber.Ctx) error {
		return respondError(c, &apierr.Error{Kind: apierr.RateLimited, Message: "too many requests", RetryAfterSecs: 30})
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After header = %q, want %q", got, "30")
	}
}

func TestRespondErrorFallsBackToInternalForUnknownError(t *testing.T) {
	app := fiber.New()
	app.Get("/x", func(c *fiber.Ctx) error {
		return respondError(c, errors.New("boom"))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/x", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHealthCheckReturnsOK(t *testing.T) {
	h := &Handlers{}
	app := fiber.New()
	app.Get("/health", h.HealthCheck)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
