// Package notification implements the durable notification store: the
// record of each notification plus its attempt log, covering the
// WhatsApp template/text payload shape and the delivery state machine.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// State is the delivery state machine tag.
type State string

const (
	StateScheduled  State = "scheduled"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSent       State = "sent"
	StateFailed     State = "failed"
	StateRateLimited State = "rate_limited"
	StateDelivered  State = "delivered"
	StateRead       State = "read"
)

// Priority mirrors the three tiers in the ingestion contract.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

const DefaultMaxAttempts = 5

// Kind discriminates the notification payload: exactly one of template or
// free-text body is present.
type Kind string

const (
	KindTemplate Kind = "template"
	KindText     Kind = "text"
)

// TemplateParameter is one positional/named argument to an approved
// WhatsApp template.
type TemplateParameter struct {
	Type  string `json:"type"` // text | currency | date_time
	Value string `json:"value"`
}

// TemplatePayload references an approved, pre-registered template.
type TemplatePayload struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"` // 2-char ISO code
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TextPayload is a free-text body, bounded to 4096 characters.
type TextPayload struct {
	Text string `json:"text"`
}

// Payload is a discriminated variant in place of an untyped free-form
// map. It is what travels inside the queue's WorkItem and what is
// persisted alongside the notification row.
type Payload struct {
	Kind     Kind             `json:"kind"`
	Template *TemplatePayload `json:"template,omitempty"`
	Text     *TextPayload     `json:"text,omitempty"`
}

// Notification is the durable record of one queued/delivered message.
type Notification struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	EventType          string
	RecipientPhone     string // E.164
	RecipientCountryCode *string
	Payload            Payload
	Metadata           map[string]any // opaque, stored, never interpreted
	Priority           Priority
	State              State
	ProviderMessageID  *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ScheduledFor *time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time

	AttemptNumber int
	MaxAttempts   int
	NextRetryAt   *time.Time

	LastErrorCode    *string
	LastErrorMessage *string

	TraceID string
}

// DeliveryLogState is the resulting state recorded by one attempt — a
// superset of Notification.State because "rate_limited" is an attempt
// outcome as well as a transient notification state.
type DeliveryLogState string

const (
	LogSent        DeliveryLogState = "sent"
	LogFailed      DeliveryLogState = "failed"
	LogRateLimited DeliveryLogState = "rate_limited"
	LogDelivered   DeliveryLogState = "delivered"
	LogRead        DeliveryLogState = "read"
)

// DeliveryLog is the append-only per-attempt audit row.
type DeliveryLog struct {
	ID                 uuid.UUID
	NotificationID     uuid.UUID
	Attempt            int
	State              DeliveryLogState
	ProviderMessageID  *string
	ErrorCode          *string
	ErrorMessage       *string
	LatencyMs          *int64
	RawResponse        []byte
	CreatedAt          time.Time
}
