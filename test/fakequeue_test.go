package scenarios

import (
	"context"
	"sync"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/queue"
)

// fakeQueue is an in-memory stand-in for queue.Queue: it records every
// published item instead of talking to NATS JetStream, so scenario tests
// can assert on what was (or wasn't) enqueued without live infra.
type fakeQueue struct {
	mu        sync.Mutex
	published []queue.WorkItem
}

func (f *fakeQueue) Publish(ctx context.Context, item queue.WorkItem, dedupID, groupID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, item)
	return dedupID, nil
}

func (f *fakeQueue) PublishBatch(ctx context.Context, items []queue.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, items...)
	return nil
}

func (f *fakeQueue) Receive(ctx context.Context, maxCount int, waitSeconds int, visibility time.Duration) ([]queue.ReceivedItem, error) {
	return nil, nil
}

func (f *fakeQueue) Acknowledge(ctx context.Context, receiptHandle string) error { return nil }

func (f *fakeQueue) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	return nil
}

func (f *fakeQueue) Close() error { return nil }

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}
