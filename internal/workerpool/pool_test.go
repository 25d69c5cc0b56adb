package workerpool

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Concurrency != 10 {
		t.Errorf("Concurrency = %d, want 10", cfg.Concurrency)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Errorf("VisibilityTimeout = %v, want 30s", cfg.VisibilityTimeout)
	}
	if cfg.LongPollSeconds != 20 {
		t.Errorf("LongPollSeconds = %d, want 20", cfg.LongPollSeconds)
	}
}

func TestNewFallsBackToDefaultConcurrencyWhenUnconfigured(t *testing.T) {
	p := New(nil, nil, nil, Config{Concurrency: 0}, nil)
	if cap(p.sem) != 10 {
		t.Errorf("semaphore capacity = %d, want fallback of 10", cap(p.sem))
	}
}

func TestNewRespectsConfiguredConcurrency(t *testing.T) {
	p := New(nil, nil, nil, Config{Concurrency: 3}, nil)
	if cap(p.sem) != 3 {
		t.Errorf("semaphore capacity = %d, want 3", cap(p.sem))
	}
}

func TestStopClosesStopChannel(t *testing.T) {
	p := New(nil, nil, nil, Config{Concurrency: 1}, nil)
	p.Stop()

	select {
	case <-p.stop:
	default:
		t.Error("Stop() did not close the stop channel")
	}
}
