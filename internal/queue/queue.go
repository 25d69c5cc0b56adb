// Package queue implements the work-queue adapter: an abstract interface
// over a durable queue with visibility-timeout semantics, backed by NATS
// JetStream rather than plain pub/sub, which has neither dedup windows
// nor ack-wait redelivery.
package queue

import (
	"context"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/google/uuid"
)

// WorkItem is the transient queue payload: the full notification payload
// plus attempt bookkeeping, tenant id, and trace id.
type WorkItem struct {
	NotificationID uuid.UUID              `json:"notification_id"`
	TenantID       uuid.UUID              `json:"tenant_id"`
	RecipientPhone string                 `json:"recipient_phone"`
	Payload        notification.Payload   `json:"payload"`
	AttemptNumber  int                    `json:"attempt_number"`
	MaxAttempts    int                    `json:"max_attempts"`
	TraceID        string                 `json:"trace_id"`
}

// ReceivedItem pairs a WorkItem with the opaque receipt handle needed to
// acknowledge or extend its visibility.
type ReceivedItem struct {
	Item            WorkItem
	ReceiptHandle   string
	DeliveryAttempt int // how many times the underlying queue has delivered this message
}

// Queue is the abstract work-queue contract: durable, at-least-once,
// with deduplication and visibility-timeout-based redelivery.
type Queue interface {
	Publish(ctx context.Context, item WorkItem, dedupID, groupID string) (string, error)
	PublishBatch(ctx context.Context, items []WorkItem) error
	Receive(ctx context.Context, maxCount int, waitSeconds int, visibility time.Duration) ([]ReceivedItem, error)
	Acknowledge(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error
	Close() error
}
