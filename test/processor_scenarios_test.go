package scenarios

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/processor"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"github.com/arvancloud/whatsapp-relay/internal/whatsapp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var notificationColumns = []string{
	"id", "tenant_id", "event_type", "recipient_phone", "recipient_country_code", "payload", "metadata",
	"priority", "state", "provider_message_id", "created_at", "updated_at", "scheduled_for", "sent_at",
	"delivered_at", "read_at", "failed_at", "attempt_number", "max_attempts", "next_retry_at",
	"last_error_code", "last_error_message", "trace_id",
}

// notificationRow renders n as a sqlmock row matching the store's
// selectColumns scan order exactly.
func notificationRow(t *testing.T, n *notification.Notification) *sqlmock.Rows {
	t.Helper()
	payloadJSON, err := json.Marshal(n.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return sqlmock.NewRows(notificationColumns).AddRow(
		n.ID.String(), n.TenantID.String(), n.EventType, n.RecipientPhone, n.RecipientCountryCode, payloadJSON, metaJSON,
		string(n.Priority), string(n.State), n.ProviderMessageID, n.CreatedAt, n.UpdatedAt, n.ScheduledFor, n.SentAt,
		n.DeliveredAt, n.ReadAt, n.FailedAt, n.AttemptNumber, n.MaxAttempts, n.NextRetryAt,
		n.LastErrorCode, n.LastErrorMessage, n.TraceID)
}

func baseNotification(id, tenantID uuid.UUID, recipient string) *notification.Notification {
	now := time.Now().UTC()
	return &notification.Notification{
		ID:             id,
		TenantID:       tenantID,
		EventType:      "order.shipped",
		RecipientPhone: recipient,
		Payload:        notification.Payload{Kind: notification.KindText, Text: &notification.TextPayload{Text: "Your order has shipped!"}},
		Priority:       notification.PriorityNormal,
		State:          notification.StateQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
		AttemptNumber:  0,
		MaxAttempts:    notification.DefaultMaxAttempts,
		TraceID:        "trace-1",
	}
}

// TestProcessSendOKTransitionsQueuedToSent walks a queued notification
// through a successful send, asserting the exact sequence of reads and
// writes the processor issues against the store: start-send CAS, the
// sent delivery log, then the send-ok CAS.
func TestProcessSendOKTransitionsQueuedToSent(t *testing.T) {
	store, mock := newScenarioStore(t)
	rl := newScenarioRateLimiter(t)

	id := uuid.New()
	tenantID := uuid.New()
	recipient := "15551239001" // any recipient: the mock client below succeeds for every hash

	n0 := baseNotification(id, tenantID, recipient)
	processing := *n0
	processing.State = notification.StateProcessing
	sent := processing
	sent.State = notification.StateSent
	sent.AttemptNumber = 1

	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, n0))
	mock.ExpectExec("UPDATE notifications SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, &processing))
	mock.ExpectExec("INSERT INTO delivery_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, &processing))
	mock.ExpectExec("UPDATE notifications SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, &sent))

	// successRate 1.0: every recipient succeeds regardless of hash.
	client := whatsapp.NewMockClient(zap.NewNop(), 1.0, 0, 0)
	p := processor.New(store, rl, client, zap.NewNop(), clock.NewSystem(), processor.DefaultConfig(), nil)

	item := queue.WorkItem{NotificationID: id, TenantID: tenantID, RecipientPhone: recipient, Payload: n0.Payload, MaxAttempts: n0.MaxAttempts, TraceID: n0.TraceID}
	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

// TestProcessPermanentFailureExhaustsNoRetry sends a recipient the mock
// client always rejects permanently (success and temp-fail rates both
// zero), and checks the processor records a failed delivery log and
// transitions straight to the terminal failed state without scheduling a
// retry.
func TestProcessPermanentFailureExhaustsNoRetry(t *testing.T) {
	store, mock := newScenarioStore(t)
	rl := newScenarioRateLimiter(t)

	id := uuid.New()
	tenantID := uuid.New()
	recipient := "15551239002"

	n0 := baseNotification(id, tenantID, recipient)
	processing := *n0
	processing.State = notification.StateProcessing
	failed := processing
	failed.State = notification.StateFailed
	failed.AttemptNumber = 1

	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, n0))
	mock.ExpectExec("UPDATE notifications SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, &processing))
	mock.ExpectExec("INSERT INTO delivery_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, &processing))
	mock.ExpectExec("UPDATE notifications SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM notifications WHERE id = ").WillReturnRows(notificationRow(t, &failed))

	// successRate and tempFailRate both 0: every send is a permanent failure.
	client := whatsapp.NewMockClient(zap.NewNop(), 0, 0, 0)
	p := processor.New(store, rl, client, zap.NewNop(), clock.NewSystem(), processor.DefaultConfig(), nil)

	item := queue.WorkItem{NotificationID: id, TenantID: tenantID, RecipientPhone: recipient, Payload: n0.Payload, MaxAttempts: n0.MaxAttempts, TraceID: n0.TraceID}
	if err := p.Process(context.Background(), item); err != nil {
		t.Fatalf("Process() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
