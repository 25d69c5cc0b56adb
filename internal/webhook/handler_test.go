package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/db"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidSignatureAcceptsCorrectSignature(t *testing.T) {
	h := &Handler{hmacSecret: "top-secret"}
	body := []byte(`{"entry":[]}`)

	if !h.validSignature(body, signBody("top-secret", body)) {
		t.Error("validSignature() = false, want true for a correctly signed body")
	}
}

func TestValidSignatureRejectsWrongSecret(t *testing.T) {
	h := &Handler{hmacSecret: "top-secret"}
	body := []byte(`{"entry":[]}`)

	if h.validSignature(body, signBody("wrong-secret", body)) {
		t.Error("validSignature() = true, want false for a signature computed with the wrong secret")
	}
}

func TestValidSignatureRejectsTamperedBody(t *testing.T) {
	h := &Handler{hmacSecret: "top-secret"}
	signature := signBody("top-secret", []byte(`{"entry":[]}`))

	if h.validSignature([]byte(`{"entry":["tampered"]}`), signature) {
		t.Error("validSignature() = true, want false once the body has been tampered with")
	}
}

func TestValidSignatureRejectsMissingPrefix(t *testing.T) {
	h := &Handler{hmacSecret: "top-secret"}
	body := []byte(`{"entry":[]}`)
	mac := hmac.New(sha256.New, []byte("top-secret"))
	mac.Write(body)

	if h.validSignature(body, hex.EncodeToString(mac.Sum(nil))) {
		t.Error("validSignature() = true, want false when the sha256= prefix is missing")
	}
}

func TestVerifyEchoesChallengeOnMatchingToken(t *testing.T) {
	h := NewHandler(nil, nil, nil, "my-verify-token", "")
	app := fiber.New()
	app.Get("/webhook", h.Verify)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=my-verify-token&hub.challenge=12345", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	h := NewHandler(nil, nil, nil, "my-verify-token", "")
	app := fiber.New()
	app.Get("/webhook", h.Verify)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestVerifyRejectsEmptyConfiguredToken(t *testing.T) {
	h := NewHandler(nil, nil, nil, "", "")
	app := fiber.New()
	app.Get("/webhook", h.Verify)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=12345", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403 when no verify token is configured", resp.StatusCode)
	}
}

func TestParseStatusTimestampParsesUnixSeconds(t *testing.T) {
	got := parseStatusTimestamp("1700000000")
	if got == nil {
		t.Fatal("parseStatusTimestamp() = nil, want a parsed time")
	}
	want := time.Unix(1700000000, 0).UTC()
	if !got.Equal(want) {
		t.Errorf("parseStatusTimestamp() = %v, want %v", got, want)
	}
}

func TestParseStatusTimestampReturnsNilForEmptyOrMalformed(t *testing.T) {
	if got := parseStatusTimestamp(""); got != nil {
		t.Errorf("parseStatusTimestamp(\"\") = %v, want nil", got)
	}
	if got := parseStatusTimestamp("not-a-number"); got != nil {
		t.Errorf("parseStatusTimestamp(\"not-a-number\") = %v, want nil", got)
	}
}

var webhookNotificationColumns = []string{
	"id", "tenant_id", "event_type", "recipient_phone", "recipient_country_code", "payload", "metadata",
	"priority", "state", "provider_message_id", "created_at", "updated_at", "scheduled_for", "sent_at",
	"delivered_at", "read_at", "failed_at", "attempt_number", "max_attempts", "next_retry_at",
	"last_error_code", "last_error_message", "trace_id",
}

func webhookNotificationRow(id string, state notification.State) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(webhookNotificationColumns).AddRow(
		id, id, "order.shipped", "15551230099", nil, []byte(`{"kind":"text","text":{"text":"hi"}}`), []byte("null"),
		"normal", string(state), "wamid.abc123", now, now, nil, nil,
		nil, nil, nil, 1, 5, nil,
		nil, nil, "trace-1")
}

// TestApplyStatusSetsDeliveredAtFromCallbackTimestamp covers the
// previously-missing wiring: a "delivered" callback must carry its
// timestamp into the notification's delivered_at column, not just
// advance the state.
func TestApplyStatusSetsDeliveredAtFromCallbackTimestamp(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	defer mockDB.Close()

	store := notification.NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop(), clock.NewSystem())
	h := NewHandler(store, zap.NewNop(), nil, "", "")

	id := "11111111-1111-1111-1111-111111111111"
	mock.ExpectQuery("FROM notifications WHERE provider_message_id = ").WillReturnRows(webhookNotificationRow(id, notification.StateSent))
	mock.ExpectExec("INSERT INTO delivery_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(webhookNotificationRow(id, notification.StateSent))
	mock.ExpectExec("delivered_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(webhookNotificationRow(id, notification.StateDelivered))

	status := StatusUpdate{ID: "wamid.abc123", Status: "delivered", Timestamp: "1700000000"}
	if err := h.applyStatus(context.Background(), status); err != nil {
		t.Fatalf("applyStatus() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations (delivered_at update never issued): %v", err)
	}
}

// TestApplyStatusSetsReadAtFromCallbackTimestamp mirrors the delivered
// case for the terminal "read" callback.
func TestApplyStatusSetsReadAtFromCallbackTimestamp(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	defer mockDB.Close()

	store := notification.NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop(), clock.NewSystem())
	h := NewHandler(store, zap.NewNop(), nil, "", "")

	id := "22222222-2222-2222-2222-222222222222"
	mock.ExpectQuery("FROM notifications WHERE provider_message_id = ").WillReturnRows(webhookNotificationRow(id, notification.StateDelivered))
	mock.ExpectExec("INSERT INTO delivery_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(webhookNotificationRow(id, notification.StateDelivered))
	mock.ExpectExec("read_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(webhookNotificationRow(id, notification.StateRead))

	status := StatusUpdate{ID: "wamid.abc123", Status: "read", Timestamp: "1700000100"}
	if err := h.applyStatus(context.Background(), status); err != nil {
		t.Fatalf("applyStatus() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations (read_at update never issued): %v", err)
	}
}
