package accumulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nuha.dev/gpsgateway/internal/eventbus"
	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/queue"
)

type fakeEnqueuer struct {
	mu      sync.Mutex
	jobs    []queue.Job
	failing bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName queue.Name, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("enqueue failed")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestAccumulator(t *testing.T, cfg Config, fe *fakeEnqueuer) *Accumulator {
	t.Helper()
	bus, err := eventbus.New()
	if err != nil {
		t.Fatalf("new eventbus: %v", err)
	}
	return New(cfg, fe, bus)
}

func TestSubmitSizeTriggerFlushesHistory(t *testing.T) {
	fe := &fakeEnqueuer{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 3
	cfg.BatchInterval = time.Hour
	a := newTestAccumulator(t, cfg, fe)

	now := time.Now()
	for i := 0; i < 3; i++ {
		a.Submit(model.Position{DeviceID: "d1", Timestamp: now})
	}

	deadline := time.Now().Add(time.Second)
	for fe.jobCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fe.jobCount() != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", fe.jobCount())
	}
	if fe.jobs[0].Kind != queue.History || fe.jobs[0].Count != 3 {
		t.Fatalf("unexpected job: %+v", fe.jobs[0])
	}
}

func TestForceFlushFlushesBoth(t *testing.T) {
	fe := &fakeEnqueuer{}
	cfg := DefaultConfig()
	a := newTestAccumulator(t, cfg, fe)

	now := time.Now()
	a.Submit(model.Position{DeviceID: "d1", Timestamp: now})
	a.Submit(model.Position{DeviceID: "d2", Timestamp: now})

	if err := a.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	if fe.jobCount() != 2 {
		t.Fatalf("expected 2 jobs (history + latest), got %d", fe.jobCount())
	}
	stats := a.Stats()
	if stats.HistoryBufferLength != 0 || stats.LatestMapSize != 0 {
		t.Fatalf("expected empty buffers after flush, got %+v", stats)
	}
}

func TestForceFlushSurfacesEnqueueFailure(t *testing.T) {
	fe := &fakeEnqueuer{failing: true}
	a := newTestAccumulator(t, DefaultConfig(), fe)
	a.Submit(model.Position{DeviceID: "d1", Timestamp: time.Now()})

	err := a.ForceFlush(context.Background())
	if err == nil {
		t.Fatal("expected force flush to surface enqueue failure")
	}
	stats := a.Stats()
	if stats.HistoryBufferLength != 1 {
		t.Fatalf("expected history data restored to buffer, got %+v", stats)
	}
}

func TestLatestMapCollapsesToGreatestTimestamp(t *testing.T) {
	fe := &fakeEnqueuer{}
	a := newTestAccumulator(t, DefaultConfig(), fe)

	base := time.Now()
	a.Submit(model.Position{DeviceID: "d1", Lat: 1, Timestamp: base})
	a.Submit(model.Position{DeviceID: "d1", Lat: 2, Timestamp: base.Add(time.Second)})
	a.Submit(model.Position{DeviceID: "d1", Lat: 3, Timestamp: base.Add(-time.Second)})

	if err := a.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	var latestJob *queue.Job
	for i := range fe.jobs {
		if fe.jobs[i].Kind == queue.Latest {
			latestJob = &fe.jobs[i]
		}
	}
	if latestJob == nil || len(latestJob.Positions) != 1 || latestJob.Positions[0].Lat != 2 {
		t.Fatalf("expected collapsed latest with lat=2, got %+v", latestJob)
	}
}

func TestLatestFailureRestoresOnlyIfNotSuperseded(t *testing.T) {
	fe := &fakeEnqueuer{failing: true}
	a := newTestAccumulator(t, DefaultConfig(), fe)
	base := time.Now()
	a.Submit(model.Position{DeviceID: "d1", Lat: 1, Timestamp: base})

	if err := a.ForceFlush(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	stats := a.Stats()
	if stats.LatestMapSize != 1 {
		t.Fatalf("expected restored latest entry, got %+v", stats)
	}
}

func TestClearDiscardsBuffersWithoutFlush(t *testing.T) {
	fe := &fakeEnqueuer{}
	a := newTestAccumulator(t, DefaultConfig(), fe)
	a.Submit(model.Position{DeviceID: "d1", Timestamp: time.Now()})
	a.Clear()
	stats := a.Stats()
	if stats.HistoryBufferLength != 0 || stats.LatestMapSize != 0 {
		t.Fatalf("expected cleared buffers, got %+v", stats)
	}
	if fe.jobCount() != 0 {
		t.Fatalf("clear must not enqueue, got %d jobs", fe.jobCount())
	}
}
