// Package accumulator implements BatchAccumulator (spec.md §4.2): it holds
// an ordered history buffer and a collapsed per-device latest map in memory,
// flushing both to the JobQueue on a timer, a size trigger, or on demand.
// The swap-then-enqueue shape and its mutex discipline are grounded on the
// teacher's internal/store/impl/pgstore buffered-writer pattern, generalized
// from one buffer to two independently triggered ones.
package accumulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsgateway/internal/eventbus"
	"nuha.dev/gpsgateway/internal/idgen"
	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/queue"
)

// Enqueuer is the subset of JobQueue the accumulator depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName queue.Name, job queue.Job) error
}

// Config holds the accumulator tunables from spec.md §4.2.
type Config struct {
	BatchInterval      time.Duration
	MaxBatchSize       int
	CompressionEnabled bool
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		BatchInterval: 10 * time.Second,
		MaxBatchSize:  100,
	}
}

// Accumulator is the BatchAccumulator.
type Accumulator struct {
	cfg   Config
	queue Enqueuer
	bus   *eventbus.Bus
	log   log.Logger

	mu              sync.Mutex
	historyBuf      []model.Position
	latestMap       map[string]model.Position
	historyFlushing bool
	latestFlushing  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Accumulator that enqueues flushed batches onto jq.
func New(cfg Config, jq Enqueuer, bus *eventbus.Bus) *Accumulator {
	a := &Accumulator{
		cfg:       cfg,
		queue:     jq,
		bus:       bus,
		latestMap: make(map[string]model.Position),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "accumulator").Value()
	return a
}

// Submit appends pos to the history buffer and collapses it into the latest
// map. Both operations are O(1) and never block on I/O (spec.md §5). A size
// trigger on the history buffer schedules an asynchronous history-only
// flush; it never blocks the caller.
func (a *Accumulator) Submit(pos model.Position) {
	a.mu.Lock()
	a.historyBuf = append(a.historyBuf, pos)
	if cur, ok := a.latestMap[pos.DeviceID]; !ok || !pos.Timestamp.Before(cur.Timestamp) {
		a.latestMap[pos.DeviceID] = pos
	}
	trigger := len(a.historyBuf) >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if trigger {
		go a.flushHistory(context.Background(), false)
	}
}

// Run starts the timer trigger loop; it returns once Shutdown is called.
func (a *Accumulator) Run(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flushHistory(ctx, false)
			a.flushLatest(ctx, false)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ForceFlush flushes both structures synchronously and returns the first
// error encountered, per force_flush's contract of surfacing failures to
// the caller (spec.md §4.2).
func (a *Accumulator) ForceFlush(ctx context.Context) error {
	histErr := a.flushHistory(ctx, true)
	latestErr := a.flushLatest(ctx, true)
	if histErr != nil {
		return histErr
	}
	return latestErr
}

// Shutdown stops the timer loop and waits for it to exit.
func (a *Accumulator) Shutdown(ctx context.Context) {
	close(a.stopCh)
	select {
	case <-a.doneCh:
	case <-ctx.Done():
	}
}

// Stats reports the current buffer sizes.
type Stats struct {
	HistoryBufferLength int
	LatestMapSize       int
}

// Stats returns a snapshot of the accumulator's in-memory buffers.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{HistoryBufferLength: len(a.historyBuf), LatestMapSize: len(a.latestMap)}
}

// Clear discards both buffers without flushing. Intended for tests and
// emergency resets; not part of the normal flush path.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.historyBuf = nil
	a.latestMap = make(map[string]model.Position)
}

// flushHistory swaps out the history buffer and enqueues it as a job. On
// enqueue failure, the swapped-out positions are prepended back onto the
// live buffer. force bypasses flush-cycle coalescing and always returns the
// enqueue error to the caller; otherwise a concurrent in-progress flush is
// coalesced (the data stays buffered for the next trigger) and errors are
// only logged.
func (a *Accumulator) flushHistory(ctx context.Context, force bool) error {
	a.mu.Lock()
	if len(a.historyBuf) == 0 {
		a.mu.Unlock()
		return nil
	}
	if a.historyFlushing && !force {
		a.mu.Unlock()
		return nil
	}
	batch := a.historyBuf
	a.historyBuf = make([]model.Position, 0, a.cfg.MaxBatchSize)
	a.historyFlushing = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.historyFlushing = false
		a.mu.Unlock()
	}()

	batchID := idgen.BatchID("hist")
	job := queue.Job{BatchID: batchID, Kind: queue.History, Positions: batch, Count: len(batch), CreatedAt: time.Now()}
	if a.cfg.CompressionEnabled {
		if blob, err := queue.CompressPositions(batch); err == nil {
			job.CompressedBlob = blob
		} else {
			a.log.Error().Err(err).Str("batch_id", batchID).Msg("batch compression failed, enqueuing without blob")
		}
	}

	if err := a.queue.Enqueue(ctx, queue.History, job); err != nil {
		a.mu.Lock()
		a.historyBuf = append(batch, a.historyBuf...)
		a.mu.Unlock()
		wrapped := fmt.Errorf("accumulator: enqueue history batch %s: %w", batchID, err)
		if force {
			return wrapped
		}
		a.log.Error().Err(err).Str("batch_id", batchID).Msg("history flush failed, restored to buffer")
		return nil
	}

	a.bus.Publish(ctx, eventbus.TopicBatchFlushed, queue.Job{BatchID: batchID, Kind: queue.History, Count: len(batch)})
	return nil
}

// flushLatest swaps out the latest map and enqueues it as a job. On enqueue
// failure, each swapped-out device entry is restored only if the live map
// has no newer entry for that device (spec.md §4.2).
func (a *Accumulator) flushLatest(ctx context.Context, force bool) error {
	a.mu.Lock()
	if len(a.latestMap) == 0 {
		a.mu.Unlock()
		return nil
	}
	if a.latestFlushing && !force {
		a.mu.Unlock()
		return nil
	}
	batch := a.latestMap
	a.latestMap = make(map[string]model.Position)
	a.latestFlushing = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.latestFlushing = false
		a.mu.Unlock()
	}()

	positions := make([]model.Position, 0, len(batch))
	for _, p := range batch {
		positions = append(positions, p)
	}
	batchID := idgen.BatchID("latest")
	job := queue.Job{BatchID: batchID, Kind: queue.Latest, Positions: positions, Count: len(positions), CreatedAt: time.Now()}

	if err := a.queue.Enqueue(ctx, queue.Latest, job); err != nil {
		a.mu.Lock()
		for deviceID, p := range batch {
			cur, ok := a.latestMap[deviceID]
			if !ok || cur.Timestamp.Before(p.Timestamp) {
				a.latestMap[deviceID] = p
			}
		}
		a.mu.Unlock()
		wrapped := fmt.Errorf("accumulator: enqueue latest batch %s: %w", batchID, err)
		if force {
			return wrapped
		}
		a.log.Error().Err(err).Str("batch_id", batchID).Msg("latest flush failed, restored to map")
		return nil
	}

	a.bus.Publish(ctx, eventbus.TopicBatchFlushed, queue.Job{BatchID: batchID, Kind: queue.Latest, Count: len(positions)})
	return nil
}
