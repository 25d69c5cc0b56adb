// Package scenarios exercises cross-package flows end to end: HTTP-facing
// intake through to persistence and enqueue, using a real (sqlmock-backed)
// store, a real (miniredis-backed) rate limiter, and an in-memory queue
// stand-in, instead of mocking the ingestion service itself.
package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/db"
	"github.com/arvancloud/whatsapp-relay/internal/ingestion"
	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"github.com/arvancloud/whatsapp-relay/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newScenarioStore(t *testing.T) (*notification.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return notification.NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop(), clock.NewSystem()), mock
}

func newScenarioRateLimiter(t *testing.T) *ratelimit.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return ratelimit.NewStore(client, zap.NewNop(), time.Hour)
}

func orderShippedInput(recipient string) ingestion.CreateInput {
	return ingestion.CreateInput{
		EventType:      "order.shipped",
		RecipientPhone: recipient,
		Payload:        notification.Payload{Kind: notification.KindText, Text: &notification.TextPayload{Text: "Your order has shipped!"}},
	}
}

// TestHappyPathIngestionPersistsAndEnqueues covers the straight-line case:
// a well-formed request under the rate limit is persisted as queued and
// handed to the queue exactly once.
func TestHappyPathIngestionPersistsAndEnqueues(t *testing.T) {
	store, mock := newScenarioStore(t)
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(1, 1))

	rl := newScenarioRateLimiter(t)
	q := &fakeQueue{}
	svc := ingestion.New(store, rl, q, clock.NewSystem(), zap.NewNop(), nil, 10)

	result, err := svc.Create(context.Background(), uuid.New(), orderShippedInput("+15551230001"))
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	if result.State != notification.StateQueued {
		t.Errorf("result.State = %s, want queued", result.State)
	}
	if q.count() != 1 {
		t.Errorf("queue received %d items, want exactly 1", q.count())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

// TestScheduledIngestionPersistsButDoesNotEnqueue covers a future
// ScheduledFor: the row is created in the scheduled state and left for the
// schedule promoter to pick up later, never touching the queue directly.
func TestScheduledIngestionPersistsButDoesNotEnqueue(t *testing.T) {
	store, mock := newScenarioStore(t)
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(1, 1))

	rl := newScenarioRateLimiter(t)
	q := &fakeQueue{}
	svc := ingestion.New(store, rl, q, clock.NewSystem(), zap.NewNop(), nil, 10)

	in := orderShippedInput("+15551230002")
	future := time.Now().Add(24 * time.Hour).Unix()
	in.ScheduledForUnixSec = &future

	result, err := svc.Create(context.Background(), uuid.New(), in)
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	if result.State != notification.StateScheduled {
		t.Errorf("result.State = %s, want scheduled", result.State)
	}
	if q.count() != 0 {
		t.Errorf("queue received %d items, want 0 for a scheduled notification", q.count())
	}
}

// TestPastScheduledForIngestionQueuesImmediately covers a ScheduledFor
// timestamp that has already elapsed: it must not defer the notification
// to the scheduled state, and must be enqueued exactly like an
// unscheduled request.
func TestPastScheduledForIngestionQueuesImmediately(t *testing.T) {
	store, mock := newScenarioStore(t)
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(1, 1))

	rl := newScenarioRateLimiter(t)
	q := &fakeQueue{}
	svc := ingestion.New(store, rl, q, clock.NewSystem(), zap.NewNop(), nil, 10)

	in := orderShippedInput("+15551230004")
	past := time.Now().Add(-time.Hour).Unix()
	in.ScheduledForUnixSec = &past

	result, err := svc.Create(context.Background(), uuid.New(), in)
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	if result.State != notification.StateQueued {
		t.Errorf("result.State = %s, want queued for a past scheduled_for", result.State)
	}
	if q.count() != 1 {
		t.Errorf("queue received %d items, want exactly 1 for a past scheduled_for", q.count())
	}
}

// TestRateLimitedIngestionRejectsWithoutTouchingTheStore pre-fills a
// recipient's hourly window to its limit, then asserts Create returns a
// 429-shaped RateLimited error. No sqlmock expectation is registered, so
// if Create attempted any persistence it would surface as a wrapped sql
// error instead of apierr.RateLimited -- the assertion on the error kind
// doubles as proof that no row was created.
func TestRateLimitedIngestionRejectsWithoutTouchingTheStore(t *testing.T) {
	store, mock := newScenarioStore(t)
	rl := newScenarioRateLimiter(t)
	q := &fakeQueue{}
	svc := ingestion.New(store, rl, q, clock.NewSystem(), zap.NewNop(), nil, 10)

	recipient := "+15551230003"
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := rl.Increment(ctx, recipient); err != nil {
			t.Fatalf("seeding rate limit window failed: %v", err)
		}
	}

	_, err := svc.Create(ctx, uuid.New(), orderShippedInput(recipient))
	if err == nil {
		t.Fatal("Create() succeeded for a recipient over their hourly limit, want RateLimited error")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.RateLimited {
		t.Fatalf("Create() error = %v, want apierr.RateLimited", err)
	}
	if apiErr.RetryAfterSecs <= 0 {
		t.Errorf("RetryAfterSecs = %d, want > 0", apiErr.RetryAfterSecs)
	}
	if q.count() != 0 {
		t.Errorf("queue received %d items, want 0 for a rejected request", q.count())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations (expected none): %v", err)
	}
}
