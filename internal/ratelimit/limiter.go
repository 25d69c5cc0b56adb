// Package ratelimit implements the per-recipient sliding-window admission
// store: hour-aligned window counters over a Redis pipeline. Admission
// state is realized as Redis keys (one per recipient/hour-bucket) rather
// than a Postgres table — see DESIGN.md.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ratelimit:"

// Store is the rate-limit store.
type Store struct {
	redis     *redis.Client
	logger    *zap.Logger
	retention time.Duration
}

func NewStore(client *redis.Client, logger *zap.Logger, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Store{redis: client, logger: logger, retention: retention}
}

func windowKey(recipient string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, recipient, windowStart.Unix())
}

func hourAligned(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// Check returns true if the sum of message_count across windows
// overlapping [now-1h, now] is strictly less than limitPerHour. An
// hour-aligned bucket scheme means that interval touches at most the
// current and the previous bucket.
func (s *Store) Check(ctx context.Context, recipient string, limitPerHour int) (bool, error) {
	now := time.Now()
	curKey := windowKey(recipient, hourAligned(now))
	prevKey := windowKey(recipient, hourAligned(now.Add(-time.Hour)))

	results, err := s.redis.MGet(ctx, curKey, prevKey).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	total := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(fmt.Sprint(r), "%d", &n); err == nil {
			total += n
		}
	}

	return total < limitPerHour, nil
}

// Increment upserts the current hour-aligned window, incrementing
// message_count; this is deliberately NOT combined atomically with Check
// (the admission contract tolerates benign overshoot of 1-2 messages per
// hour under concurrent admission).
func (s *Store) Increment(ctx context.Context, recipient string) error {
	key := windowKey(recipient, hourAligned(time.Now()))
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit increment: %w", err)
	}
	_ = incr
	return nil
}

// RetryAfterSeconds returns the seconds until the earliest window
// rollover that would admit the next message, or nil if not currently
// limited.
func (s *Store) RetryAfterSeconds(ctx context.Context, recipient string, limitPerHour int) (*int, error) {
	allowed, err := s.Check(ctx, recipient, limitPerHour)
	if err != nil {
		return nil, err
	}
	if allowed {
		return nil, nil
	}
	next := hourAligned(time.Now()).Add(time.Hour)
	secs := int(math.Ceil(time.Until(next).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return &secs, nil
}

const tenantKeyPrefix = "ratelimit:tenant:"

func tenantWindowKey(tenantID string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%d", tenantKeyPrefix, tenantID, windowStart.Unix())
}

func minuteAligned(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// CheckTenantPerMinute and IncrementTenantPerMinute apply the same
// aligned-bucket counter approach as the recipient limiter above, aligned
// to the minute rather than the hour and reading only the current bucket,
// for the coarser per-tenant ingestion throttle. A single bucket (rather than current+previous) is sufficient here since
// ingestion-time throttling only needs to bound burst volume within the
// current minute, not a trailing sliding window.
func (s *Store) CheckTenantPerMinute(ctx context.Context, tenantID string, limitPerMinute int) (bool, error) {
	key := tenantWindowKey(tenantID, minuteAligned(time.Now()))
	val, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("tenant rate limit check: %w", err)
	}
	return val < limitPerMinute, nil
}

func (s *Store) IncrementTenantPerMinute(ctx context.Context, tenantID string) error {
	key := tenantWindowKey(tenantID, minuteAligned(time.Now()))
	pipe := s.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenant rate limit increment: %w", err)
	}
	return nil
}

// Prune removes windows older than the cutoff. Redis TTL already expires
// keys after the retention horizon; this is a best-effort supplementary
// sweep for installs that changed retention downward after keys were
// already written with the old (longer) TTL.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	var cursor uint64
	pruned := 0
	cutoffUnix := olderThan.Unix()

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			return pruned, fmt.Errorf("rate limit prune scan: %w", err)
		}
		for _, k := range keys {
			idx := strings.LastIndex(k, ":")
			if idx < 0 {
				continue
			}
			windowStart, err := strconv.ParseInt(k[idx+1:], 10, 64)
			if err != nil {
				continue
			}
			if windowStart < cutoffUnix {
				if err := s.redis.Del(ctx, k).Err(); err == nil {
					pruned++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return pruned, nil
}
