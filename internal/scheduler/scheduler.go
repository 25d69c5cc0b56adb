// Package scheduler implements the periodic sweepers: the retry sweeper,
// the schedule promoter, and the rate-limit window janitor — each a
// ticker loop. The first two find due notifications and hand them to the
// processor; the janitor prunes expired rate-limit windows.
package scheduler

import (
	"context"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/processor"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"go.uber.org/zap"
)

const sweepBatchLimit = 100

// RetrySweeper periodically re-drives notifications parked in failed or
// rate_limited, plus queued rows stamped by ReconcileStuckQueued, with a
// due next_retry_at.
type RetrySweeper struct {
	store    *notification.Store
	proc     *processor.Processor
	logger   *zap.Logger
	interval time.Duration
}

func NewRetrySweeper(store *notification.Store, proc *processor.Processor, logger *zap.Logger, interval time.Duration) *RetrySweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &RetrySweeper{store: store, proc: proc, logger: logger, interval: interval}
}

func (r *RetrySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *RetrySweeper) sweepOnce(ctx context.Context) {
	due, err := r.store.FindDueRetries(ctx, sweepBatchLimit)
	if err != nil {
		r.logger.Error("retry sweep query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	r.logger.Info("retry sweep found due notifications", zap.Int("count", len(due)))

	for _, n := range due {
		item := queue.WorkItem{
			NotificationID: n.ID,
			TenantID:       n.TenantID,
			RecipientPhone: n.RecipientPhone,
			Payload:        n.Payload,
			AttemptNumber:  n.AttemptNumber,
			MaxAttempts:    n.MaxAttempts,
			TraceID:        n.TraceID,
		}
		// Serial, synchronous processing per tick: the sweeper is a
		// low-volume safety net, not the primary dispatch path (that's
		// internal/workerpool), so there is no need for fan-out here.
		if err := r.proc.Process(ctx, item); err != nil {
			r.logger.Error("retry sweep processing failed", zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}
}

// SchedulePromoter periodically promotes scheduled notifications whose
// scheduled_for has elapsed into queued, then hands them straight to the
// processor.
type SchedulePromoter struct {
	store    *notification.Store
	proc     *processor.Processor
	logger   *zap.Logger
	interval time.Duration
}

func NewSchedulePromoter(store *notification.Store, proc *processor.Processor, logger *zap.Logger, interval time.Duration) *SchedulePromoter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SchedulePromoter{store: store, proc: proc, logger: logger, interval: interval}
}

func (s *SchedulePromoter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteOnce(ctx)
		}
	}
}

func (s *SchedulePromoter) promoteOnce(ctx context.Context) {
	due, err := s.store.FindDueScheduled(ctx, sweepBatchLimit)
	if err != nil {
		s.logger.Error("schedule promotion query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.Info("promoting scheduled notifications", zap.Int("count", len(due)))

	for _, n := range due {
		promoted, err := s.store.ApplyTransition(ctx, n.ID, notification.EventScheduleDue, notification.TransitionPatch{})
		if err != nil {
			s.logger.Error("schedule promotion transition failed", zap.String("notification_id", n.ID.String()), zap.Error(err))
			continue
		}

		item := queue.WorkItem{
			NotificationID: promoted.ID,
			TenantID:       promoted.TenantID,
			RecipientPhone: promoted.RecipientPhone,
			Payload:        promoted.Payload,
			AttemptNumber:  promoted.AttemptNumber,
			MaxAttempts:    promoted.MaxAttempts,
			TraceID:        promoted.TraceID,
		}
		if err := s.proc.Process(ctx, item); err != nil {
			s.logger.Error("promoted notification processing failed", zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}
}

// RateLimitJanitor periodically prunes rate-limit window keys older than
// the retention horizon, since the sliding-window store never expires
// them on its own beyond each key's individual TTL (a sweep against
// clock skew or a misconfigured TTL).
type RateLimitJanitor struct {
	store     *ratelimit.Store
	logger    *zap.Logger
	interval  time.Duration
	retention time.Duration
}

func NewRateLimitJanitor(store *ratelimit.Store, logger *zap.Logger, interval, retention time.Duration) *RateLimitJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RateLimitJanitor{store: store, logger: logger, interval: interval, retention: retention}
}

func (j *RateLimitJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-j.retention)
			n, err := j.store.Prune(ctx, cutoff)
			if err != nil {
				j.logger.Error("rate limit janitor prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				j.logger.Info("rate limit janitor pruned expired windows", zap.Int("count", n))
			}
		}
	}
}
