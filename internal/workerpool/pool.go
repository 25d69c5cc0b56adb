// Package workerpool implements the single-process dispatch pool: one
// polling loop pulling work items from the queue and handing each to the
// processor on its own goroutine, governed by a single process-wide
// concurrency knob.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/monitoring"
	"github.com/arvancloud/whatsapp-relay/internal/observability"
	"github.com/arvancloud/whatsapp-relay/internal/processor"
	"github.com/arvancloud/whatsapp-relay/internal/queue"
	"go.uber.org/zap"
)

// Config tunes polling cadence and concurrency, mapping directly onto
// the worker's concurrency and visibility-timeout env vars.
type Config struct {
	Concurrency        int
	VisibilityTimeout  time.Duration
	LongPollSeconds    int
	MetricsLogInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		VisibilityTimeout:  30 * time.Second,
		LongPollSeconds:    20,
		MetricsLogInterval: 10 * time.Second,
	}
}

// Pool is a fixed-size dispatch pool: one polling loop dispatching each
// received item to its own goroutine, bounded by a semaphore so at most
// Concurrency items are in flight at once.
type Pool struct {
	q         queue.Queue
	proc      *processor.Processor
	logger    *zap.Logger
	cfg       Config
	metrics   *observability.Metrics
	sem       chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	processed int64
	failed    int64
	inflight  int64
	perf      *monitoring.PerformanceMonitor
}

func New(q queue.Queue, proc *processor.Processor, logger *zap.Logger, cfg Config, metrics *observability.Metrics) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Pool{
		q:       q,
		proc:    proc,
		logger:  logger,
		cfg:     cfg,
		metrics: metrics,
		sem:     make(chan struct{}, cfg.Concurrency),
		stop:    make(chan struct{}),
		perf:    monitoring.NewPerformanceMonitor(logger),
	}
}

// Performance exposes the pool's dispatch-throughput monitor, e.g. for a
// diagnostics endpoint.
func (p *Pool) Performance() *monitoring.PerformanceMonitor {
	return p.perf
}

// Run blocks until ctx is cancelled or Stop is called, long-polling the
// queue and dispatching received items to worker goroutines bounded by
// cfg.Concurrency. It waits for in-flight work to drain before returning.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", zap.Int("concurrency", p.cfg.Concurrency))

	p.perf.Start(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.metricsLogger(ctx)
	}()

	for {
		select {
		case <-p.stop:
			p.logger.Info("worker pool stopped")
			p.wg.Wait()
			return nil
		case <-ctx.Done():
			p.logger.Info("worker pool context cancelled, draining in-flight work")
			p.wg.Wait()
			return ctx.Err()
		default:
		}

		available := p.cfg.Concurrency - len(p.sem)
		if available <= 0 {
			available = 1
		}

		items, err := p.q.Receive(ctx, available, p.cfg.LongPollSeconds, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("receive from queue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, item := range items {
			item := item
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.handle(ctx, item)
			}()
		}
	}
}

func (p *Pool) handle(ctx context.Context, item queue.ReceivedItem) {
	atomic.AddInt64(&p.inflight, 1)
	defer atomic.AddInt64(&p.inflight, -1)

	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(atomic.LoadInt64(&p.inflight)))
	}

	extendDone := make(chan struct{})
	if p.cfg.VisibilityTimeout > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.extendVisibility(ctx, item.ReceiptHandle, extendDone)
		}()
	}

	start := time.Now()
	err := p.proc.Process(ctx, item.Item)
	close(extendDone)
	p.perf.RecordAttempt(time.Since(start), err == nil)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("processing failed, leaving unacked for redelivery",
			zap.String("notification_id", item.Item.NotificationID.String()), zap.Error(err))
		return
	}

	if err := p.q.Acknowledge(ctx, item.ReceiptHandle); err != nil {
		p.logger.Error("acknowledge failed", zap.String("notification_id", item.Item.NotificationID.String()), zap.Error(err))
		return
	}
	atomic.AddInt64(&p.processed, 1)
}

// extendVisibility renews the item's visibility window at 70% of the
// configured timeout, for handlers that run long (e.g. a slow provider
// call), so a still-in-flight item isn't redelivered to another worker.
func (p *Pool) extendVisibility(ctx context.Context, receiptHandle string, done <-chan struct{}) {
	interval := p.cfg.VisibilityTimeout * 7 / 10
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.ExtendVisibility(ctx, receiptHandle, int(p.cfg.VisibilityTimeout.Seconds())); err != nil {
				p.logger.Warn("extend visibility failed", zap.Error(err))
			}
		}
	}
}

// Stop signals Run to stop accepting new work and wait for in-flight
// processing to finish.
func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) metricsLogger(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed := atomic.LoadInt64(&p.processed)
			failed := atomic.LoadInt64(&p.failed)
			inflight := atomic.LoadInt64(&p.inflight)

			total := processed + failed
			successRate := float64(0)
			if total > 0 {
				successRate = float64(processed) / float64(total) * 100
			}

			p.logger.Info("worker pool metrics",
				zap.Int64("processed_total", processed),
				zap.Int64("failed_total", failed),
				zap.Float64("success_rate", successRate),
				zap.Int64("inflight", inflight))
		}
	}
}
