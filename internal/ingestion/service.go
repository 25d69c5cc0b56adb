// Package ingestion implements the HTTP-facing notification intake:
// validation, idempotency-key handling, rate-limit admission, durable
// persistence, and conditional enqueue.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// e164Pattern matches a phone number in E.164 form: a leading "+", a
// non-zero first digit, and one to 14 further digits.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

const maxBulkEntries = 100

// CreateInput is what handlers actually pass in (ScheduledFor as a plain
// pointer, plus the optional idempotency key header value).
type CreateInput struct {
	EventType            string
	RecipientPhone       string
	RecipientCountryCode *string
	Payload              notification.Payload
	Metadata             map[string]any
	Priority             notification.Priority
	ScheduledForUnixSec  *int64
	IdempotencyKey       string
}

// CreateResult is the minimal response shape the ingestion endpoint
// returns.
type CreateResult struct {
	ID    uuid.UUID
	State notification.State
}

type Service struct {
	store       *notification.Store
	rateLimiter *ratelimit.Store
	queue       queue.Queue
	clock       clock.Source
	logger      *zap.Logger
	metrics     *observability.Metrics
	recipientLimitPerHour int
}

func New(store *notification.Store, rateLimiter *ratelimit.Store, q queue.Queue, clk clock.Source, logger *zap.Logger, metrics *observability.Metrics, recipientLimitPerHour int) *Service {
	return &Service{
		store:                 store,
		rateLimiter:           rateLimiter,
		queue:                 q,
		clock:                 clk,
		logger:                logger,
		metrics:               metrics,
		recipientLimitPerHour: recipientLimitPerHour,
	}
}

// Create generates the id/trace id, checks the recipient's per-hour rate limit, decides
// the initial state, persists the notification, increments the rate-limit
// window, conditionally enqueues it, and returns the result.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, in CreateInput) (*CreateResult, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	id := s.deriveID(tenantID, in)
	traceID := uuid.NewString()

	allowed, err := s.rateLimiter.Check(ctx, in.RecipientPhone, s.limitPerHour())
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		retryAfter, err := s.rateLimiter.RetryAfterSeconds(ctx, in.RecipientPhone, s.limitPerHour())
		if err != nil {
			return nil, fmt.Errorf("rate limit retry-after: %w", err)
		}
		secs := 0
		if retryAfter != nil {
			secs = *retryAfter
		}
		if s.metrics != nil {
			s.metrics.RateLimitRejectedTotal.WithLabelValues("ingestion").Inc()
		}
		return nil, apierr.RateLimitedf(secs, "recipient has exceeded the per-hour message limit")
	}

	// Determine initial state: only a ScheduledFor strictly in the future
	// defers queueing; a past or current timestamp queues immediately.
	initialState := notification.StateQueued

	createIn := notification.CreateInput{
		ID:                   id,
		TenantID:             tenantID,
		EventType:            in.EventType,
		RecipientPhone:       in.RecipientPhone,
		RecipientCountryCode: in.RecipientCountryCode,
		Payload:              in.Payload,
		Metadata:             in.Metadata,
		Priority:             in.Priority,
		TraceID:              traceID,
	}

	if in.ScheduledForUnixSec != nil {
		t := unixToTime(*in.ScheduledForUnixSec)
		createIn.ScheduledFor = &t
		if t.After(s.clock.Now()) {
			initialState = notification.StateScheduled
		}
	}
	createIn.State = initialState

	n, err := s.store.Create(ctx, createIn)
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	if err := s.rateLimiter.Increment(ctx, in.RecipientPhone); err != nil {
		s.logger.Error("rate limit increment failed", zap.Error(err))
	}

	if initialState == notification.StateQueued {
		item := queue.WorkItem{
			NotificationID: n.ID,
			TenantID:       n.TenantID,
			RecipientPhone: n.RecipientPhone,
			Payload:        n.Payload,
			AttemptNumber:  n.AttemptNumber,
			MaxAttempts:    n.MaxAttempts,
			TraceID:        n.TraceID,
		}
		if _, err := s.queue.Publish(ctx, item, n.ID.String(), n.RecipientPhone); err != nil {
			return nil, fmt.Errorf("publish work item: %w", err)
		}
	}

	if s.metrics != nil {
		s.metrics.NotificationsIngestedTotal.WithLabelValues(tenantID.String(), string(n.Priority)).Inc()
	}

	return &CreateResult{ID: n.ID, State: n.State}, nil
}

// BulkResult pairs each input entry's outcome with its original index, so
// callers can report success/failure per entry while preserving order.
type BulkResult struct {
	Index  int
	Result *CreateResult
	Err    error
}

// CreateBulk processes up to 100 entries, continuing past individual
// failures so one bad entry does not abort the whole batch.
func (s *Service) CreateBulk(ctx context.Context, tenantID uuid.UUID, entries []CreateInput) ([]BulkResult, error) {
	if len(entries) == 0 {
		return nil, apierr.Validationf("entries", "at least one entry is required")
	}
	if len(entries) > maxBulkEntries {
		return nil, apierr.Validationf("entries", "bulk requests are limited to %d entries", maxBulkEntries)
	}

	out := make([]BulkResult, len(entries))
	for i, entry := range entries {
		res, err := s.Create(ctx, tenantID, entry)
		out[i] = BulkResult{Index: i, Result: res, Err: err}
	}
	return out, nil
}

// deriveID returns a stable id for the notification: when the caller
// supplied an Idempotency-Key header, the id is a deterministic hash of
// (tenant, key) so a retried request resolves to the same row instead of
// creating a duplicate. Otherwise a fresh random id is generated.
func (s *Service) deriveID(tenantID uuid.UUID, in CreateInput) uuid.UUID {
	if in.IdempotencyKey == "" {
		return s.clock.NewID()
	}
	h := sha256.Sum256([]byte(tenantID.String() + ":" + in.IdempotencyKey))
	hexStr := hex.EncodeToString(h[:16])
	id, err := uuid.Parse(fmt.Sprintf("%s-%s-%s-%s-%s", hexStr[0:8], hexStr[8:12], hexStr[12:16], hexStr[16:20], hexStr[20:32]))
	if err != nil {
		return s.clock.NewID()
	}
	return id
}

func (s *Service) limitPerHour() int {
	if s.recipientLimitPerHour > 0 {
		return s.recipientLimitPerHour
	}
	return 10
}

func validate(in CreateInput) error {
	if in.RecipientPhone == "" {
		return apierr.Validationf("recipient_phone", "recipient_phone is required")
	}
	if !e164Pattern.MatchString(in.RecipientPhone) {
		return apierr.Validationf("recipient_phone", "recipient_phone must be in E.164 format")
	}
	if in.EventType == "" {
		return apierr.Validationf("event_type", "event_type is required")
	}
	switch in.Payload.Kind {
	case notification.KindTemplate:
		if in.Payload.Template == nil || in.Payload.Template.Name == "" {
			return apierr.Validationf("payload.template", "template payload requires a name")
		}
	case notification.KindText:
		if in.Payload.Text == nil || in.Payload.Text.Text == "" {
			return apierr.Validationf("payload.text", "text payload requires a body")
		}
		if len(in.Payload.Text.Text) > 4096 {
			return apierr.Validationf("payload.text", "text body exceeds 4096 characters")
		}
	default:
		return apierr.Validationf("payload.kind", "payload must be exactly one of template or text")
	}
	return nil
}
