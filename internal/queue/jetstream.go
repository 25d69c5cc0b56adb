package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamName      = "NOTIFICATIONS"
	subject         = "notifications.send"
	dlqStreamName   = "NOTIFICATIONS_DLQ"
	dlqSubject      = "notifications.dlq"
	consumerDurable = "workers"
	defaultMaxRedeliver = 3
)

// JetStreamQueue is the production Queue: a connection with
// reconnect/disconnect handlers and structured logging on every
// lifecycle event, backed by a JetStream pull consumer so dedup windows
// and visibility-timeout redelivery are available (plain NATS pub/sub
// has neither).
type JetStreamQueue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger

	maxRedeliver int

	mu       sync.Mutex
	inflight map[string]*nats.Msg
}

// Config configures the JetStream-backed queue.
type Config struct {
	URL           string
	DedupWindow   time.Duration
	MaxRedeliver  int
	MessageRetention time.Duration // main queue retention; production default is 14 days
}

func NewJetStreamQueue(cfg Config, logger *zap.Logger) (*JetStreamQueue, error) {
	opts := []nats.Option{
		nats.Name("whatsapp-relay"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = 2 * time.Minute
	}
	retention := cfg.MessageRetention
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Duplicates: dedupWindow,
		MaxAge:     retention,
		Storage:    nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     dlqStreamName,
		Subjects: []string{dlqSubject},
		MaxAge:   retention,
		Storage:  nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	maxRedeliver := cfg.MaxRedeliver
	if maxRedeliver <= 0 {
		maxRedeliver = defaultMaxRedeliver
	}

	if _, err := js.AddConsumer(streamName, &nats.ConsumerConfig{
		Durable:       consumerDurable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		// +1: first delivery is not a "redelivery"; +1 more so the delivery
		// past the redelivery budget reaches Receive, which routes it to the DLQ.
		MaxDeliver:    maxRedeliver + 2,
		DeliverPolicy: nats.DeliverAllPolicy,
	}); err != nil && err != nats.ErrConsumerNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	logger.Info("connected to nats jetstream", zap.String("url", conn.ConnectedUrl()))

	return &JetStreamQueue{
		conn:         conn,
		js:           js,
		logger:       logger,
		maxRedeliver: maxRedeliver,
		inflight:     make(map[string]*nats.Msg),
	}, nil
}

func (q *JetStreamQueue) Publish(ctx context.Context, item WorkItem, dedupID, groupID string) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, dedupID)
	msg.Header.Set("Msg-Group-Id", groupID)

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("publish work item: %w", err)
	}

	return fmt.Sprintf("%s-%d", ack.Stream, ack.Sequence), nil
}

func (q *JetStreamQueue) PublishBatch(ctx context.Context, items []WorkItem) error {
	if len(items) > 10 {
		return fmt.Errorf("publish batch: %d exceeds the 10-item limit", len(items))
	}
	for _, item := range items {
		if _, err := q.Publish(ctx, item, item.NotificationID.String(), item.RecipientPhone); err != nil {
			return err
		}
	}
	return nil
}

func (q *JetStreamQueue) Receive(ctx context.Context, maxCount int, waitSeconds int, visibility time.Duration) ([]ReceivedItem, error) {
	sub, err := q.js.PullSubscribe(subject, consumerDurable, nats.BindStream(streamName))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(maxCount, nats.MaxWait(time.Duration(waitSeconds)*time.Second))
	if err != nil && err != nats.ErrTimeout {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var out []ReceivedItem
	for _, msg := range msgs {
		meta, err := msg.Metadata()
		if err != nil {
			q.logger.Error("message missing jetstream metadata", zap.Error(err))
			continue
		}

		if int(meta.NumDelivered) > q.maxRedeliver+1 {
			q.routeToDLQ(ctx, msg, "exceeded max redeliveries")
			continue
		}

		var item WorkItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			q.logger.Error("malformed work item, terminating", zap.Error(err))
			msg.Term()
			continue
		}

		if visibility > 0 {
			msg.InProgress()
		}

		handle := fmt.Sprintf("%d-%d", meta.Sequence.Stream, meta.Sequence.Consumer)
		q.mu.Lock()
		q.inflight[handle] = msg
		q.mu.Unlock()

		out = append(out, ReceivedItem{
			Item:            item,
			ReceiptHandle:   handle,
			DeliveryAttempt: int(meta.NumDelivered),
		})
	}

	return out, nil
}

func (q *JetStreamQueue) routeToDLQ(ctx context.Context, msg *nats.Msg, reason string) {
	env := map[string]any{
		"payload":   json.RawMessage(msg.Data),
		"reason":    reason,
		"timestamp": time.Now(),
	}
	data, err := json.Marshal(env)
	if err == nil {
		if _, err := q.js.Publish(dlqSubject, data, nats.Context(ctx)); err != nil {
			q.logger.Error("failed to route message to dlq", zap.Error(err))
		}
	}
	msg.Term()
}

func (q *JetStreamQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	msg, ok := q.takeInflight(receiptHandle)
	if !ok {
		return fmt.Errorf("acknowledge: unknown receipt handle %q", receiptHandle)
	}
	return msg.Ack(nats.Context(ctx))
}

func (q *JetStreamQueue) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	q.mu.Lock()
	msg, ok := q.inflight[receiptHandle]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("extend visibility: unknown receipt handle %q", receiptHandle)
	}
	return msg.InProgress(nats.Context(ctx))
}

func (q *JetStreamQueue) takeInflight(handle string) (*nats.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[handle]
	if ok {
		delete(q.inflight, handle)
	}
	return msg, ok
}

func (q *JetStreamQueue) Close() error {
	q.conn.Close()
	return nil
}

func (q *JetStreamQueue) HealthCheck() error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats not connected, status: %v", q.conn.Status())
	}
	return nil
}
