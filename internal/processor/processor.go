// Package processor implements the message processor — the heart of
// the system: state transitions, send, retry decision, logging. The
// retry sweeper and schedule promoter re-invoke Process directly rather
// than republishing to the queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/arvancloud/whatsapp-relay/internal/whatsapp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config tunes the backoff schedule. BaseDelay defaults to the production
// baseline (60s); tests select a much smaller baseline to keep runtime short.
type Config struct {
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	RecipientLimitPerHour int
}

func DefaultConfig() Config {
	return Config{BaseDelay: 60 * time.Second, MaxDelay: 3600 * time.Second, RecipientLimitPerHour: 10}
}

type Processor struct {
	store       *notification.Store
	rateLimiter *ratelimit.Store
	client      whatsapp.Client
	logger      *zap.Logger
	clock       clock.Source
	cfg         Config
	metrics     *observability.Metrics
	tracer      trace.Tracer
}

func New(store *notification.Store, rateLimiter *ratelimit.Store, client whatsapp.Client, logger *zap.Logger, clk clock.Source, cfg Config, metrics *observability.Metrics) *Processor {
	return &Processor{
		store:       store,
		rateLimiter: rateLimiter,
		client:      client,
		logger:      logger,
		clock:       clk,
		cfg:         cfg,
		metrics:     metrics,
		tracer:      otel.Tracer("whatsapp-relay/processor"),
	}
}

// Process runs the full send procedure against one WorkItem. It returns nil
// when the caller should acknowledge (successful send, or a terminal
// outcome already recorded); it returns an error only for conditions
// where the queue should NOT be acked (letting visibility expiry drive
// redelivery).
func (p *Processor) Process(ctx context.Context, item queue.WorkItem) error {
	ctx, span := p.tracer.Start(ctx, "processor.process", trace.WithAttributes(
		attribute.String("notification_id", item.NotificationID.String()),
	))
	defer span.End()

	logger := p.logger.With(zap.String("notification_id", item.NotificationID.String()), zap.String("trace_id", item.TraceID))

	n, err := p.store.ApplyTransition(ctx, item.NotificationID, notification.EventStartSend, notification.TransitionPatch{})
	if err != nil && apierr.KindOf(err) == apierr.IllegalTransition {
		// start_send is illegal from sent/delivered/read; load the row so the
		// already-advanced check below can acknowledge it.
		if cur, findErr := p.store.FindByID(ctx, item.NotificationID); findErr == nil &&
			(cur.State == notification.StateSent || cur.State == notification.StateDelivered || cur.State == notification.StateRead) {
			n, err = cur, nil
		}
	}
	if err != nil {
		// Internal store error: do not ack, let the queue redeliver.
		return fmt.Errorf("start send transition: %w", err)
	}

	// "In-flight duplicates": a second invocation against an already
	// sent/delivered/read row is an idempotent no-op — acknowledge
	// without resending.
	if n.State == notification.StateSent || n.State == notification.StateDelivered || n.State == notification.StateRead {
		logger.Debug("notification already advanced past processing, skipping resend", zap.String("state", string(n.State)))
		return nil
	}

	// Recheck rate-limit admission at processing time: the window may
	// have filled since ingestion-time admission.
	allowed, err := p.rateLimiter.Check(ctx, n.RecipientPhone, p.limitFor(n))
	if err != nil {
		return fmt.Errorf("rate limit recheck: %w", err)
	}
	if !allowed {
		retryAfter, err := p.rateLimiter.RetryAfterSeconds(ctx, n.RecipientPhone, p.limitFor(n))
		if err != nil {
			return fmt.Errorf("rate limit retry-after: %w", err)
		}
		delay := time.Duration(0)
		if retryAfter != nil {
			delay = time.Duration(*retryAfter) * time.Second
		}
		next := p.clock.Now().Add(delay)

		if err := p.store.AppendDeliveryLog(ctx, notification.DeliveryLog{
			NotificationID: n.ID,
			Attempt:        n.AttemptNumber + 1,
			State:          notification.LogRateLimited,
		}); err != nil {
			logger.Error("failed to append rate_limited delivery log", zap.Error(err))
		}

		if _, err := p.store.ApplyTransition(ctx, n.ID, notification.EventRateLimited, notification.TransitionPatch{
			NextRetryAt: &next,
		}); err != nil {
			return fmt.Errorf("rate limited transition: %w", err)
		}
		if p.metrics != nil {
			p.metrics.RateLimitRejectedTotal.WithLabelValues("processing").Inc()
		}
		return nil
	}

	start := p.clock.Now()
	result, sendErr := p.client.Send(ctx, n.RecipientPhone, n.Payload)
	latency := p.clock.Now().Sub(start)
	if p.metrics != nil {
		p.metrics.ProviderSendLatency.Observe(latency.Seconds())
	}

	attempt := n.AttemptNumber + 1

	if sendErr == nil {
		if err := p.store.AppendDeliveryLog(ctx, notification.DeliveryLog{
			NotificationID:    n.ID,
			Attempt:           attempt,
			State:             notification.LogSent,
			ProviderMessageID: &result.ProviderMessageID,
			LatencyMs:         latencyMs(latency),
			RawResponse:       result.RawResponse,
		}); err != nil {
			logger.Error("failed to append sent delivery log", zap.Error(err))
		}

		now := p.clock.Now()
		if _, err := p.store.ApplyTransition(ctx, n.ID, notification.EventSendOK, notification.TransitionPatch{
			ProviderMessageID: &result.ProviderMessageID,
			SentAt:            &now,
			IncrementAttempt:  true,
		}); err != nil {
			return fmt.Errorf("sent transition: %w", err)
		}
		if p.metrics != nil {
			p.metrics.NotificationsSentTotal.WithLabelValues(n.TenantID.String()).Inc()
		}
		logger.Info("notification sent", zap.String("provider_message_id", result.ProviderMessageID), zap.Duration("latency", latency))
		return nil
	}

	return p.handleSendFailure(ctx, logger, n, attempt, sendErr)
}

func (p *Processor) handleSendFailure(ctx context.Context, logger *zap.Logger, n *notification.Notification, attempt int, sendErr error) error {
	var transientErr *whatsapp.TransientError
	isTransient := errors.As(sendErr, &transientErr)

	code := "unknown"
	message := sendErr.Error()
	if isTransient {
		code, message = transientErr.Code, transientErr.Message
	} else {
		var permErr *whatsapp.PermanentError
		if errors.As(sendErr, &permErr) {
			code, message = permErr.Code, permErr.Message
		}
	}

	if err := p.store.AppendDeliveryLog(ctx, notification.DeliveryLog{
		NotificationID: n.ID,
		Attempt:        attempt,
		State:          notification.LogFailed,
		ErrorCode:      &code,
		ErrorMessage:   &message,
	}); err != nil {
		logger.Error("failed to append failed delivery log", zap.Error(err))
	}

	if isTransient && attempt < n.MaxAttempts {
		delay := p.retryDelay(attempt)
		next := p.clock.Now().Add(delay)

		if _, err := p.store.ApplyTransition(ctx, n.ID, notification.EventSendTransient, notification.TransitionPatch{
			NextRetryAt:      &next,
			ErrorCode:        &code,
			ErrorMessage:     &message,
			IncrementAttempt: true,
		}); err != nil {
			return fmt.Errorf("transient failure transition: %w", err)
		}
		if p.metrics != nil {
			p.metrics.RetryAttemptsTotal.WithLabelValues(n.TenantID.String()).Inc()
		}
		logger.Info("scheduling retry", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.String("error_code", code))
		return nil
	}

	now := p.clock.Now()
	if _, err := p.store.ApplyTransition(ctx, n.ID, notification.EventSendPermanent, notification.TransitionPatch{
		FailedAt:         &now,
		ClearNextRetryAt: true,
		ErrorCode:        &code,
		ErrorMessage:     &message,
		IncrementAttempt: true,
	}); err != nil {
		return fmt.Errorf("permanent failure transition: %w", err)
	}
	if p.metrics != nil {
		reason := "permanent"
		if isTransient {
			reason = "exhausted_retries"
		}
		p.metrics.NotificationsFailedTotal.WithLabelValues(n.TenantID.String(), reason).Inc()
	}
	logger.Warn("notification permanently failed", zap.Int("attempts", attempt), zap.String("error_code", code))
	return nil
}

// retryDelay computes bounded exponential backoff:
// delay = min(base * 2^k + jitter, max_delay), jitter ±25%, where k is the
// zero-based prior-attempt count (attempt-1 in 1-based terms).
func (p *Processor) retryDelay(attempt int) time.Duration {
	k := attempt - 1
	exponential := float64(p.cfg.BaseDelay) * math.Pow(2, float64(k))
	jitterFactor := 2*rand.Float64() - 1 // [-1, 1]
	jitter := exponential * 0.25 * jitterFactor
	delay := exponential + jitter
	if delay > float64(p.cfg.MaxDelay) || math.IsNaN(delay) {
		delay = float64(p.cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p *Processor) limitFor(n *notification.Notification) int {
	if p.cfg.RecipientLimitPerHour > 0 {
		return p.cfg.RecipientLimitPerHour
	}
	return 10
}

func latencyMs(d time.Duration) *int64 {
	v := d.Milliseconds()
	return &v
}
