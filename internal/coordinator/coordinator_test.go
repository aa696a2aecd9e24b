package coordinator

import (
	"context"
	"testing"
	"time"

	"nuha.dev/gpsgateway/internal/accumulator"
	"nuha.dev/gpsgateway/internal/eventbus"
	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/processor"
	"nuha.dev/gpsgateway/internal/queue"
	"nuha.dev/gpsgateway/internal/queue/memtransport"
	"nuha.dev/gpsgateway/internal/store"
	"nuha.dev/gpsgateway/internal/store/memstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memstore.Store) {
	t.Helper()
	bus, err := eventbus.New()
	if err != nil {
		t.Fatalf("new eventbus: %v", err)
	}
	st := memstore.New(store.DefaultConfig())

	historyHandler := func(ctx context.Context, job queue.Job) error {
		return st.WriteHistoryBatch(ctx, job.BatchID, job.Positions)
	}
	latestHandler := func(ctx context.Context, job queue.Job) error {
		return st.WriteLatest(ctx, job.Positions)
	}

	transport := memtransport.New(16)
	qcfg := queue.DefaultConfig()
	jq := queue.New(transport, qcfg, historyHandler, latestHandler, bus, nil)

	acfg := accumulator.DefaultConfig()
	acfg.BatchInterval = time.Hour // only force-flush triggers in these tests
	acc := accumulator.New(acfg, jq, bus)

	p := processor.New(processor.DefaultConfig())

	c := New(p, acc, jq, st, bus)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c, st
}

func TestSubmitOneThenForceFlushIsQueryable(t *testing.T) {
	c, _ := newTestCoordinator(t)
	res := c.SubmitOne(processor.RawPosition{
		ID: "d1", Lat: 40.7128, Lng: -74.0060, Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if !res.Processed {
		t.Fatalf("expected processed, got %+v", res)
	}
	if err := c.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	// ForceFlush only guarantees the batch left the accumulator for the
	// JobQueue; the worker's store write still happens on its own
	// goroutine, so poll briefly for it to land (spec.md §4.3's async
	// delivery, not a synchronous write-through).
	deadline := time.Now().Add(time.Second)
	var pos *model.Position
	var err error
	for time.Now().Before(deadline) {
		pos, err = c.GetLatest(context.Background(), "d1")
		if err != nil {
			t.Fatalf("get latest: %v", err)
		}
		if pos != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pos == nil {
		t.Fatal("expected latest position to be queryable after force flush")
	}
	if pos.Lat != 40.7128 {
		t.Errorf("unexpected latest: %+v", pos)
	}
}

func TestSubmitBatchMixedOutcomes(t *testing.T) {
	c, _ := newTestCoordinator(t)
	now := time.Now().Format(time.RFC3339)
	raws := []processor.RawPosition{
		{ID: "d2", Lat: 91, Lng: 0, Timestamp: now},
		{ID: "d3", Lat: 0, Lng: 0, Timestamp: now},
		{ID: "d3", Lat: 0, Lng: 0, Timestamp: now},
	}
	res := c.SubmitBatch(raws)
	total := res.ProcessedCount + res.DuplicateCount + len(res.Errors)
	if total != len(raws) {
		t.Fatalf("expected accounted-for total %d, got %d", len(raws), total)
	}
	if res.ProcessedCount != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestShutdownFlushesPendingData(t *testing.T) {
	c, st := newTestCoordinator(t)
	now := time.Now().UTC().Format(time.RFC3339)
	c.SubmitOne(processor.RawPosition{ID: "d1", Lat: 1, Lng: 1, Timestamp: now})
	c.SubmitOne(processor.RawPosition{ID: "d2", Lat: 2, Lng: 2, Timestamp: now})

	if err := c.Shutdown(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if st.HistoryLen() != 2 {
		t.Fatalf("expected 2 history entries flushed on shutdown, got %d", st.HistoryLen())
	}
}
