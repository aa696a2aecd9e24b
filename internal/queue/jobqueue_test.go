package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nuha.dev/gpsgateway/internal/eventbus"
	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/queue/memtransport"
)

func newTestQueue(t *testing.T, historyHandler, latestHandler Handler) *JobQueue {
	t.Helper()
	bus, err := eventbus.New()
	if err != nil {
		t.Fatalf("new eventbus: %v", err)
	}
	transport := memtransport.New(16)
	cfg := DefaultConfig()
	cfg.HistoryBackoffBase = time.Millisecond
	cfg.LatestBackoffBase = time.Millisecond
	cfg.AttemptTimeout = time.Second
	jq := New(transport, cfg, historyHandler, latestHandler, bus, nil)
	return jq
}

func TestJobQueueDeliversOnFirstAttempt(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	handler := func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		close(done)
		return nil
	}
	jq := newTestQueue(t, handler, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := jq.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer jq.Stop(ctx)

	if err := jq.Enqueue(ctx, History, Job{BatchID: "hist_1", Positions: []model.Position{{DeviceID: "d1"}}, Count: 1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestJobQueueRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	}
	jq := newTestQueue(t, handler, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := jq.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer jq.Stop(ctx)

	if err := jq.Enqueue(ctx, History, Job{BatchID: "hist_2", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}

	time.Sleep(20 * time.Millisecond)
	stats := jq.Stats()[History]
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed, got %+v", stats)
	}
}

func TestJobQueueExhaustsAttemptsAndRecordsFailure(t *testing.T) {
	handler := func(ctx context.Context, job Job) error {
		return errors.New("permanent failure")
	}
	jq := newTestQueue(t, handler, handler)
	jq.cfg.MaxAttempts = 2
	jq.queues[History].backoffBase = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := jq.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer jq.Stop(ctx)

	if err := jq.Enqueue(ctx, History, Job{BatchID: "hist_3", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if jq.Stats()[History].Failed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 1 failed job, got %+v", jq.Stats()[History])
}
