// Package coordinator owns process lifecycle (spec.md §4.5): startup wiring
// of the JobQueue workers and accumulator timer, graceful leaves-first
// shutdown, and aggregated health/stats reporting. The submit-one /
// submit-batch result shapes follow spec.md §7's user-visible behavior.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsgateway/internal/accumulator"
	"nuha.dev/gpsgateway/internal/eventbus"
	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/processor"
	"nuha.dev/gpsgateway/internal/queue"
	"nuha.dev/gpsgateway/internal/store"
)

// Coordinator wires the Processor, BatchAccumulator, JobQueue and Store
// together and owns their combined lifecycle.
type Coordinator struct {
	processor   *processor.Processor
	accumulator *accumulator.Accumulator
	jobQueue    *queue.JobQueue
	store       store.Store
	bus         *eventbus.Bus
	log         log.Logger

	accepting bool
}

// New builds a Coordinator. Call Start before accepting submissions.
func New(p *processor.Processor, a *accumulator.Accumulator, jq *queue.JobQueue, s store.Store, bus *eventbus.Bus) *Coordinator {
	c := &Coordinator{processor: p, accumulator: a, jobQueue: jq, store: s, bus: bus}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "coordinator").Value()
	return c
}

// Start initializes JobQueue workers and the BatchAccumulator's timer loop,
// and begins accepting submissions.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.jobQueue.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start job queue: %w", err)
	}
	go c.accumulator.Run(ctx)
	c.accepting = true
	c.log.Info().Msg("coordinator started")
	return nil
}

// SubmitResult is the submit-one outcome shape from spec.md §7.
type SubmitResult struct {
	Processed bool
	Duplicate bool
	Reason    string
}

// SubmitOne processes and, on acceptance, buffers a single raw position.
func (c *Coordinator) SubmitOne(raw processor.RawPosition) SubmitResult {
	if !c.accepting {
		return SubmitResult{Reason: "not_accepting"}
	}
	pos, err := c.processor.Process(raw)
	if err != nil {
		if err == processor.ErrDuplicate {
			return SubmitResult{Duplicate: true}
		}
		return SubmitResult{Reason: reasonOf(err)}
	}
	c.accumulator.Submit(pos)
	c.bus.Publish(context.Background(), eventbus.TopicPositionProcessed, pos)
	return SubmitResult{Processed: true}
}

// BatchResult is the submit-batch outcome shape from spec.md §7.
type BatchResult struct {
	ProcessedCount int
	DuplicateCount int
	Errors         []BatchErrorEntry
}

// BatchErrorEntry is one entry in BatchResult.Errors.
type BatchErrorEntry struct {
	Index  int
	Reason string
}

// SubmitBatch processes a batch of raw positions, buffering every accepted
// one, and reports counts per spec.md §8 invariant 6
// (processed + duplicates + errors == len(raws)).
func (c *Coordinator) SubmitBatch(raws []processor.RawPosition) BatchResult {
	if !c.accepting {
		errs := make([]BatchErrorEntry, len(raws))
		for i := range raws {
			errs[i] = BatchErrorEntry{Index: i, Reason: "not_accepting"}
		}
		return BatchResult{Errors: errs}
	}
	res := c.processor.ProcessBatch(raws)
	for _, p := range res.Accepted {
		c.accumulator.Submit(p)
		c.bus.Publish(context.Background(), eventbus.TopicPositionProcessed, p)
	}
	errs := make([]BatchErrorEntry, len(res.Errors))
	for i, e := range res.Errors {
		errs[i] = BatchErrorEntry{Index: e.Index, Reason: e.Reason}
	}
	return BatchResult{
		ProcessedCount: len(res.Accepted),
		DuplicateCount: len(res.Duplicates),
		Errors:         errs,
	}
}

// GetLatest returns the stored latest position for deviceID.
func (c *Coordinator) GetLatest(ctx context.Context, deviceID string) (*model.Position, error) {
	return c.store.GetLatest(ctx, deviceID)
}

// GetLatestMany returns the stored latest positions for deviceIDs.
func (c *Coordinator) GetLatestMany(ctx context.Context, deviceIDs []string) ([]model.Position, error) {
	return c.store.GetLatestMany(ctx, deviceIDs)
}

// ForceFlush flushes both accumulator structures synchronously.
func (c *Coordinator) ForceFlush(ctx context.Context) error {
	return c.accumulator.ForceFlush(ctx)
}

// Cleanup runs Store retention and inactivity cleanup.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	err := c.store.Cleanup(ctx)
	if err == nil {
		c.bus.Publish(ctx, eventbus.TopicStoreCleaned, nil)
	}
	return err
}

// Health is the aggregated per-component status from spec.md §4.5/§8.
type Health struct {
	Accepting      bool
	AccumulatorOK  bool
	StoreOK        bool
	AccumulatorErr string
	StoreErr       string
}

// Health reports whether each owned component is currently reachable.
func (c *Coordinator) Health(ctx context.Context) Health {
	h := Health{Accepting: c.accepting, AccumulatorOK: true, StoreOK: true}
	if _, err := c.store.Stats(ctx); err != nil {
		h.StoreOK = false
		h.StoreErr = err.Error()
	}
	return h
}

// Stats aggregates accumulator, job queue and store stats for an operator
// dashboard.
type Stats struct {
	Accumulator accumulator.Stats
	Queues      map[queue.Name]queue.QueueStats
	Store       store.Stats
}

// Stats returns the current aggregated stats snapshot.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	storeStats, err := c.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Accumulator: c.accumulator.Stats(),
		Queues:      c.jobQueue.Stats(),
		Store:       storeStats,
	}, nil
}

// Shutdown stops accepting new submissions, force-flushes both
// accumulators, drains the job queue workers, and closes the store — in
// that leaves-first order (spec.md §9). deadline bounds the whole sequence;
// exceeding it abandons in-flight work and force-closes connections.
func (c *Coordinator) Shutdown(ctx context.Context, deadline time.Duration) error {
	c.accepting = false
	c.bus.Publish(ctx, eventbus.TopicAppShutdown, nil)

	shutdownCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	c.accumulator.Shutdown(shutdownCtx)

	if err := c.accumulator.ForceFlush(shutdownCtx); err != nil {
		c.log.Error().Err(err).Msg("shutdown force-flush failed, data may be unflushed")
	}

	if err := c.jobQueue.Stop(shutdownCtx); err != nil {
		c.log.Error().Err(err).Msg("error stopping job queue workers")
	}

	if err := c.store.Close(); err != nil {
		c.log.Error().Err(err).Msg("error closing store")
		return err
	}
	c.log.Info().Msg("coordinator shut down")
	return nil
}

func reasonOf(err error) string {
	var ei *processor.ErrInvalid
	if errors.As(err, &ei) {
		return ei.Reason
	}
	return err.Error()
}
