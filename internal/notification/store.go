package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/clock"
	"github.com/arvancloud/whatsapp-relay/internal/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the notification store: durable record of each notification
// plus its attempt log, with compare-and-set guarded state transitions.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
	clock  clock.Source
}

func NewStore(database *db.PostgresDB, logger *zap.Logger, clk clock.Source) *Store {
	return &Store{db: database, logger: logger, clock: clk}
}

// CreateInput is the set of fields the ingestion service supplies; the
// store fills in defaults (attempt_number, max_attempts) and timestamps.
type CreateInput struct {
	ID                   uuid.UUID
	TenantID             uuid.UUID
	EventType            string
	RecipientPhone       string
	RecipientCountryCode *string
	Payload              Payload
	Metadata             map[string]any
	Priority             Priority
	State                State // queued or scheduled
	ScheduledFor         *time.Time
	MaxAttempts          int
	TraceID              string
}

func (s *Store) Create(ctx context.Context, in CreateInput) (*Notification, error) {
	now := s.clock.Now()
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	n := &Notification{
		ID:                   in.ID,
		TenantID:             in.TenantID,
		EventType:            in.EventType,
		RecipientPhone:       in.RecipientPhone,
		RecipientCountryCode: in.RecipientCountryCode,
		Payload:              in.Payload,
		Metadata:             in.Metadata,
		Priority:             in.Priority,
		State:                in.State,
		CreatedAt:            now,
		UpdatedAt:            now,
		ScheduledFor:         in.ScheduledFor,
		AttemptNumber:        0,
		MaxAttempts:          maxAttempts,
		TraceID:              in.TraceID,
	}

	query := `INSERT INTO notifications
		(id, tenant_id, event_type, recipient_phone, recipient_country_code, payload, metadata,
		 priority, state, created_at, updated_at, scheduled_for, attempt_number, max_attempts, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err = s.db.ExecContext(ctx, query,
		n.ID, n.TenantID, n.EventType, n.RecipientPhone, n.RecipientCountryCode, payloadJSON, metaJSON,
		n.Priority, n.State, n.CreatedAt, n.UpdatedAt, n.ScheduledFor, n.AttemptNumber, n.MaxAttempts, n.TraceID)
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	s.logger.Info("notification created", zap.String("id", n.ID.String()), zap.String("state", string(n.State)))
	return n, nil
}

const selectColumns = `id, tenant_id, event_type, recipient_phone, recipient_country_code, payload, metadata,
	priority, state, provider_message_id, created_at, updated_at, scheduled_for, sent_at, delivered_at,
	read_at, failed_at, attempt_number, max_attempts, next_retry_at, last_error_code, last_error_message, trace_id`

func scanNotification(scan func(dest ...any) error) (*Notification, error) {
	var n Notification
	var payloadJSON, metaJSON []byte
	err := scan(
		&n.ID, &n.TenantID, &n.EventType, &n.RecipientPhone, &n.RecipientCountryCode, &payloadJSON, &metaJSON,
		&n.Priority, &n.State, &n.ProviderMessageID, &n.CreatedAt, &n.UpdatedAt, &n.ScheduledFor, &n.SentAt,
		&n.DeliveredAt, &n.ReadAt, &n.FailedAt, &n.AttemptNumber, &n.MaxAttempts, &n.NextRetryAt,
		&n.LastErrorCode, &n.LastErrorMessage, &n.TraceID)
	if err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &n, nil
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + selectColumns + ` FROM notifications WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	n, err := scanNotification(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "notification not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find notification: %w", err)
	}
	return n, nil
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Notification, error) {
	query := `SELECT ` + selectColumns + ` FROM notifications WHERE provider_message_id = $1`
	row := s.db.QueryRowContext(ctx, query, providerMessageID)
	n, err := scanNotification(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "notification not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find notification by provider id: %w", err)
	}
	return n, nil
}

// TransitionPatch carries the fields a state transition sets alongside the
// state itself; zero-value pointers are left untouched.
type TransitionPatch struct {
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	FailedAt          *time.Time
	NextRetryAt       *time.Time
	ClearNextRetryAt  bool
	ErrorCode         *string
	ErrorMessage      *string
	// IncrementAttempt folds attempt_number += 1 into the same atomic
	// UPDATE as the state transition.
	IncrementAttempt bool
}

// ApplyTransition performs a CAS update: it only writes if the row is
// currently in one of event's allowed predecessor states, rejecting
// anything else as an illegal transition.
// Returns the resulting Notification (post-update read), or the unchanged
// current row when Apply resolves the event to an idempotent no-op
// (returned state == current state, nothing written).
func (s *Store) ApplyTransition(ctx context.Context, id uuid.UUID, event Event, patch TransitionPatch) (*Notification, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := Apply(current.State, event)
	if err != nil {
		return nil, err
	}
	if next == current.State {
		// idempotent no-op: nothing to persist.
		return current, nil
	}

	now := s.clock.Now()
	setClauses := "state = $2, updated_at = $3"
	args := []any{id, next, now}
	i := 4

	if patch.IncrementAttempt {
		setClauses += ", attempt_number = attempt_number + 1"
	}

	add := func(col string, v any) {
		setClauses += fmt.Sprintf(", %s = $%d", col, i)
		args = append(args, v)
		i++
	}

	if patch.ProviderMessageID != nil {
		add("provider_message_id", *patch.ProviderMessageID)
	}
	if patch.SentAt != nil {
		add("sent_at", *patch.SentAt)
	}
	if patch.DeliveredAt != nil {
		add("delivered_at", *patch.DeliveredAt)
	}
	if patch.ReadAt != nil {
		add("read_at", *patch.ReadAt)
	}
	if patch.FailedAt != nil {
		add("failed_at", *patch.FailedAt)
	}
	if patch.NextRetryAt != nil {
		add("next_retry_at", *patch.NextRetryAt)
	} else if patch.ClearNextRetryAt {
		setClauses += ", next_retry_at = NULL"
	}
	if patch.ErrorCode != nil {
		add("last_error_code", *patch.ErrorCode)
	}
	if patch.ErrorMessage != nil {
		add("last_error_message", *patch.ErrorMessage)
	}

	query := fmt.Sprintf(`UPDATE notifications SET %s WHERE id = $1 AND state = $%d`, setClauses, i)
	args = append(args, current.State)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, &apierr.Error{Kind: apierr.IllegalTransition, Message: "concurrent transition lost the race"}
	}

	return s.FindByID(ctx, id)
}

// IncrementAttempt bumps attempt_number and, when provided, sets the next
// retry time atomically.
func (s *Store) IncrementAttempt(ctx context.Context, id uuid.UUID, nextRetryAt *time.Time) (*Notification, error) {
	query := `UPDATE notifications SET attempt_number = attempt_number + 1, updated_at = $2, next_retry_at = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, s.clock.Now(), nextRetryAt)
	if err != nil {
		return nil, fmt.Errorf("increment attempt: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *Store) FindDueRetries(ctx context.Context, limit int) ([]*Notification, error) {
	query := `SELECT ` + selectColumns + ` FROM notifications
		WHERE state IN ($1, $2, $3) AND next_retry_at IS NOT NULL AND next_retry_at <= $4 AND attempt_number < max_attempts
		ORDER BY next_retry_at ASC LIMIT $5`
	// StateQueued is included alongside the usual failed/rate_limited
	// candidates so rows ReconcileStuckQueued marks with a due
	// next_retry_at (queued but never actually enqueued, e.g. a crash
	// between persist and publish) are picked back up here too; Process's
	// start-send transition already accepts queued as a predecessor.
	return s.queryList(ctx, query, StateFailed, StateRateLimited, StateQueued, s.clock.Now(), limit)
}

// ReconcileStuckQueued is run once at worker startup: any row left in
// queued with no next_retry_at was persisted but never successfully
// handed to the queue (a crash between the two steps), so it would
// otherwise sit forever unreachable by both the queue and the retry
// sweeper. Setting next_retry_at to now makes FindDueRetries pick it up
// on the next sweep, completing the at-least-once guarantee.
func (s *Store) ReconcileStuckQueued(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	query := `UPDATE notifications SET next_retry_at = $1, updated_at = $1 WHERE state = $2 AND next_retry_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, now, StateQueued)
	if err != nil {
		return 0, fmt.Errorf("reconcile stuck queued notifications: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile stuck queued notifications: %w", err)
	}
	return affected, nil
}

func (s *Store) FindDueScheduled(ctx context.Context, limit int) ([]*Notification, error) {
	query := `SELECT ` + selectColumns + ` FROM notifications
		WHERE state = $1 AND scheduled_for IS NOT NULL AND scheduled_for <= $2
		ORDER BY scheduled_for ASC LIMIT $3`
	return s.queryList(ctx, query, StateScheduled, s.clock.Now(), limit)
}

// ListByTenantFilter narrows ListByTenant's result set.
type ListByTenantFilter struct {
	Status    *State
	EventType *string
	Page      int
	Limit     int
}

func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, f ListByTenantFilter) ([]*Notification, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `SELECT ` + selectColumns + ` FROM notifications WHERE tenant_id = $1`
	args := []any{tenantID}
	i := 2
	if f.Status != nil {
		query += fmt.Sprintf(" AND state = $%d", i)
		args = append(args, *f.Status)
		i++
	}
	if f.EventType != nil {
		query += fmt.Sprintf(" AND event_type = $%d", i)
		args = append(args, *f.EventType)
		i++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", i, i+1)
	args = append(args, limit, offset)

	return s.queryList(ctx, query, args...)
}

// Stats aggregates counts and average latency for a tenant over a date
// range, for the analytics endpoint.
type Stats struct {
	TotalCount       int64
	SentCount        int64
	DeliveredCount   int64
	FailedCount      int64
	AvgLatencyMs     float64
}

func (s *Store) Stats(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*Stats, error) {
	query := `
		SELECT
			count(DISTINCT n.id) FILTER (WHERE n.tenant_id = $1),
			count(DISTINCT n.id) FILTER (WHERE n.state IN ('sent','delivered','read')),
			count(DISTINCT n.id) FILTER (WHERE n.state IN ('delivered','read')),
			count(DISTINCT n.id) FILTER (WHERE n.state = 'failed'),
			COALESCE(AVG(dl.latency_ms) FILTER (WHERE dl.latency_ms IS NOT NULL), 0)
		FROM notifications n
		LEFT JOIN delivery_logs dl ON dl.notification_id = n.id
		WHERE n.tenant_id = $1 AND n.created_at BETWEEN $2 AND $3`

	var st Stats
	err := s.db.QueryRowContext(ctx, query, tenantID, start, end).Scan(
		&st.TotalCount, &st.SentCount, &st.DeliveredCount, &st.FailedCount, &st.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("notification stats: %w", err)
	}
	return &st, nil
}

func (s *Store) queryList(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendDeliveryLog writes one append-only attempt/callback row: every
// attempt or callback appends exactly one DeliveryLog row.
func (s *Store) AppendDeliveryLog(ctx context.Context, log DeliveryLog) error {
	if log.ID == uuid.Nil {
		log.ID = s.clock.NewID()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.clock.Now()
	}
	query := `INSERT INTO delivery_logs
		(id, notification_id, attempt, state, provider_message_id, error_code, error_message, latency_ms, raw_response, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.db.ExecContext(ctx, query,
		log.ID, log.NotificationID, log.Attempt, log.State, log.ProviderMessageID,
		log.ErrorCode, log.ErrorMessage, log.LatencyMs, log.RawResponse, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// DeliveryLogsFor returns a notification's attempt log ordered by
// creation time, used by the status endpoint.
func (s *Store) DeliveryLogsFor(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryLog, error) {
	query := `SELECT id, notification_id, attempt, state, provider_message_id, error_code, error_message, latency_ms, raw_response, created_at
		FROM delivery_logs WHERE notification_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.Attempt, &l.State, &l.ProviderMessageID,
			&l.ErrorCode, &l.ErrorMessage, &l.LatencyMs, &l.RawResponse, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		out = append(out, &l)
	}
	return out, nil
}

// CountDistinctNonInitialStates counts how many distinct DeliveryLogState
// values (sent, failed, rate_limited, delivered, read) appear in a
// notification's log.
func CountDistinctNonInitialStates(logs []*DeliveryLog) int {
	seen := map[DeliveryLogState]bool{}
	for _, l := range logs {
		seen[l.State] = true
	}
	return len(seen)
}
