// Package monitoring periodically logs dispatch-pool throughput and
// memory/goroutine metrics, and flags the combinations worth a closer
// look (degraded success rate, goroutine growth, high memory).
package monitoring

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PerformanceMonitor tracks dispatch throughput and success rate across
// the worker pool's send attempts, and periodically reports them
// alongside Go runtime metrics.
type PerformanceMonitor struct {
	logger *zap.Logger

	totalAttempts int64
	successful    int64
	failed        int64
	totalLatency  int64 // milliseconds
	currentRPS    int64

	initialMemory uint64

	stop     chan struct{}
	interval time.Duration
}

func NewPerformanceMonitor(logger *zap.Logger) *PerformanceMonitor {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &PerformanceMonitor{
		logger:        logger,
		stop:          make(chan struct{}),
		interval:      30 * time.Second,
		initialMemory: m.Alloc,
	}
}

// Start launches the periodic reporting loop in a goroutine and returns
// immediately; the loop exits once ctx is cancelled or Stop is called.
func (pm *PerformanceMonitor) Start(ctx context.Context) {
	go pm.monitorLoop(ctx)
	pm.logger.Info("performance monitoring started", zap.Duration("interval", pm.interval))
}

func (pm *PerformanceMonitor) Stop() {
	close(pm.stop)
}

// RecordAttempt records one send attempt's latency and outcome.
func (pm *PerformanceMonitor) RecordAttempt(latency time.Duration, success bool) {
	atomic.AddInt64(&pm.totalAttempts, 1)
	atomic.AddInt64(&pm.totalLatency, latency.Milliseconds())

	if success {
		atomic.AddInt64(&pm.successful, 1)
	} else {
		atomic.AddInt64(&pm.failed, 1)
	}
}

func (pm *PerformanceMonitor) GetCurrentRPS() int64 {
	return atomic.LoadInt64(&pm.currentRPS)
}

func (pm *PerformanceMonitor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	var lastTotal int64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pm.stop:
			return
		case <-ticker.C:
			pm.reportMetrics(&lastTotal, &lastTime)
		}
	}
}

func (pm *PerformanceMonitor) reportMetrics(lastTotal *int64, lastTime *time.Time) {
	now := time.Now()
	currentTotal := atomic.LoadInt64(&pm.totalAttempts)
	successful := atomic.LoadInt64(&pm.successful)
	failed := atomic.LoadInt64(&pm.failed)
	totalLatency := atomic.LoadInt64(&pm.totalLatency)

	timeDiff := now.Sub(*lastTime).Seconds()
	attemptDiff := currentTotal - *lastTotal
	currentRPS := float64(0)
	if timeDiff > 0 {
		currentRPS = float64(attemptDiff) / timeDiff
	}
	atomic.StoreInt64(&pm.currentRPS, int64(currentRPS))

	var successRate, avgLatency float64
	if currentTotal > 0 {
		successRate = float64(successful) / float64(currentTotal) * 100
		avgLatency = float64(totalLatency) / float64(currentTotal)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryUsageMB := float64(m.Alloc) / 1024 / 1024
	memoryDeltaMB := float64(m.Alloc-pm.initialMemory) / 1024 / 1024

	issues := pm.detectIssues(currentRPS, successRate, memoryUsageMB)

	pm.logger.Info("dispatch pool performance",
		zap.Int64("total_attempts", currentTotal),
		zap.Int64("successful", successful),
		zap.Int64("failed", failed),
		zap.Float64("success_rate_pct", successRate),
		zap.Float64("current_rps", currentRPS),
		zap.Float64("avg_latency_ms", avgLatency),
		zap.Float64("memory_usage_mb", memoryUsageMB),
		zap.Float64("memory_delta_mb", memoryDeltaMB),
		zap.Uint32("gc_cycles", m.NumGC),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Strings("issues", issues))

	*lastTotal = currentTotal
	*lastTime = now
}

func (pm *PerformanceMonitor) detectIssues(rps, successRate, memoryMB float64) []string {
	var issues []string
	total := atomic.LoadInt64(&pm.totalAttempts)

	if successRate < 95.0 && total > 100 {
		issues = append(issues, "low_success_rate")
	}
	if rps < 1.0 && total > 100 {
		issues = append(issues, "low_throughput")
	}
	if memoryMB > 500 {
		issues = append(issues, "high_memory_usage")
	}
	if runtime.NumGoroutine() > 1000 {
		issues = append(issues, "goroutine_leak")
	}
	if len(issues) == 0 {
		issues = []string{"none"}
	}
	return issues
}

// GetSummary returns a point-in-time snapshot of dispatch metrics.
func (pm *PerformanceMonitor) GetSummary() Summary {
	total := atomic.LoadInt64(&pm.totalAttempts)
	successful := atomic.LoadInt64(&pm.successful)
	failed := atomic.LoadInt64(&pm.failed)
	latency := atomic.LoadInt64(&pm.totalLatency)
	rps := atomic.LoadInt64(&pm.currentRPS)

	var successRate, avgLatency float64
	if total > 0 {
		successRate = float64(successful) / float64(total) * 100
		avgLatency = float64(latency) / float64(total)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Summary{
		TotalAttempts:  total,
		Successful:     successful,
		Failed:         failed,
		SuccessRate:    successRate,
		CurrentRPS:     float64(rps),
		AvgLatencyMs:   avgLatency,
		MemoryUsageMB:  float64(m.Alloc) / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
	}
}

// Summary is a snapshot of dispatch pool throughput and health.
type Summary struct {
	TotalAttempts  int64   `json:"total_attempts"`
	Successful     int64   `json:"successful"`
	Failed         int64   `json:"failed"`
	SuccessRate    float64 `json:"success_rate_pct"`
	CurrentRPS     float64 `json:"current_rps"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MemoryUsageMB  float64 `json:"memory_usage_mb"`
	GoroutineCount int     `json:"goroutine_count"`
}
