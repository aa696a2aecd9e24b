// Package queue implements JobQueue (spec.md §4.3): durable, retrying,
// concurrent delivery of flushed batches to the Store. The buffered-writer
// shape (swap a batch out, hand it to a worker, retry with backoff) is
// grounded on the teacher's internal/store/impl/pgstore flush/handle split,
// generalized from one writer goroutine into per-queue worker pools with
// their own retry and dead-lettering policy.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsgateway/internal/eventbus"
)

// DeadLetterSink durably records a job whose final attempt failed. Optional:
// a nil sink simply skips archival, per spec.md's "payload is lost from the
// queue's perspective" baseline.
type DeadLetterSink interface {
	Record(ctx context.Context, queueName Name, batchID string, payload []byte, attempts int, lastErr string) error
}

// Config holds the per-queue tunables from spec.md §4.3.
type Config struct {
	HistoryWorkers        int
	LatestWorkers         int
	MaxAttempts           int
	HistoryBackoffBase    time.Duration
	LatestBackoffBase     time.Duration
	AttemptTimeout        time.Duration
	HistoryKeepCompleted  int
	HistoryKeepFailed     int
	LatestKeepCompleted   int
	LatestKeepFailed      int
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		HistoryWorkers:       5,
		LatestWorkers:        3,
		MaxAttempts:          3,
		HistoryBackoffBase:   2 * time.Second,
		LatestBackoffBase:    1 * time.Second,
		AttemptTimeout:       10 * time.Second,
		HistoryKeepCompleted: 100,
		HistoryKeepFailed:    50,
		LatestKeepCompleted:  50,
		LatestKeepFailed:     25,
	}
}

type queueRuntime struct {
	workers       int
	backoffBase   time.Duration
	keepCompleted *ring
	keepFailed    *ring
	handler       Handler
	stop          func()
}

// JobQueue owns the two named logical queues and their worker pools.
type JobQueue struct {
	cfg       Config
	transport Transport
	bus       *eventbus.Bus
	dead      DeadLetterSink
	log       log.Logger

	mu    sync.Mutex
	queues map[Name]*queueRuntime
}

// New builds a JobQueue bound to transport, dispatching history jobs to
// historyHandler and latest jobs to latestHandler. dead may be nil.
func New(transport Transport, cfg Config, historyHandler, latestHandler Handler, bus *eventbus.Bus, dead DeadLetterSink) *JobQueue {
	jq := &JobQueue{
		cfg:       cfg,
		transport: transport,
		bus:       bus,
		dead:      dead,
	}
	jq.log = log.DefaultLogger
	jq.log.Context = log.NewContext(nil).Str("module", "jobqueue").Value()
	jq.queues = map[Name]*queueRuntime{
		History: {
			workers:       cfg.HistoryWorkers,
			backoffBase:   cfg.HistoryBackoffBase,
			keepCompleted: newRing(cfg.HistoryKeepCompleted),
			keepFailed:    newRing(cfg.HistoryKeepFailed),
			handler:       historyHandler,
		},
		Latest: {
			workers:       cfg.LatestWorkers,
			backoffBase:   cfg.LatestBackoffBase,
			keepCompleted: newRing(cfg.LatestKeepCompleted),
			keepFailed:    newRing(cfg.LatestKeepFailed),
			handler:       latestHandler,
		},
	}
	return jq
}

// Enqueue serializes job and publishes it to the named queue. Submission
// never blocks beyond the time required to persist the job record with the
// transport (spec.md §4.3, §5 back-pressure).
func (jq *JobQueue) Enqueue(ctx context.Context, queueName Name, job Job) error {
	job.Kind = queueName
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.BatchID, err)
	}
	if err := jq.transport.Publish(ctx, string(queueName), payload); err != nil {
		return fmt.Errorf("queue: publish %s/%s: %w", queueName, job.BatchID, err)
	}
	return nil
}

// Start launches the worker pools for both queues.
func (jq *JobQueue) Start(ctx context.Context) error {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	for name, rt := range jq.queues {
		name, rt := name, rt
		stop, err := jq.transport.Subscribe(ctx, string(name), rt.workers, func(ctx context.Context, payload []byte) error {
			jq.process(ctx, name, rt, payload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("queue: subscribe %s: %w", name, err)
		}
		rt.stop = stop
	}
	return nil
}

// Stop drains and stops all worker pools. If ctx ends before the drain
// finishes, Stop returns ctx's error and stops waiting; the drain keeps
// running in the background.
func (jq *JobQueue) Stop(ctx context.Context) error {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, rt := range jq.queues {
			if rt.stop != nil {
				rt.stop()
			}
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs the full retry-with-backoff lifecycle for one delivered job.
// A job whose final attempt fails is terminal: it is not replayed, only
// recorded (ring buffer plus optional dead-letter archive).
func (jq *JobQueue) process(ctx context.Context, name Name, rt *queueRuntime, payload []byte) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		jq.log.Error().Err(err).Str("queue", string(name)).Msg("dropping undecodable job")
		return
	}

	var lastErr error
	attempts := 0
	for attempts < jq.cfg.MaxAttempts {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, jq.cfg.AttemptTimeout)
		lastErr = rt.handler(attemptCtx, job)
		cancel()
		if lastErr == nil {
			break
		}
		if attempts < jq.cfg.MaxAttempts {
			backoff := rt.backoffBase * time.Duration(1<<uint(attempts-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempts = jq.cfg.MaxAttempts
			}
		}
	}

	rec := Record{BatchID: job.BatchID, Kind: name, Attempts: attempts, FinishedAt: time.Now()}
	if lastErr == nil {
		rt.keepCompleted.push(rec)
		jq.bus.Publish(ctx, eventbus.TopicQueueCompleted, rec)
		return
	}

	rec.LastError = lastErr.Error()
	rt.keepFailed.push(rec)
	jq.bus.Publish(ctx, eventbus.TopicQueueFailed, rec)
	jq.log.Error().Str("queue", string(name)).Str("batch_id", job.BatchID).Int("attempts", attempts).Err(lastErr).Msg("job exhausted retries")

	if jq.dead != nil {
		if err := jq.dead.Record(ctx, name, job.BatchID, payload, attempts, lastErr.Error()); err != nil {
			jq.log.Error().Err(err).Str("batch_id", job.BatchID).Msg("dead-letter archival failed")
		}
	}
}

// Stats reports, per queue, the retained completed/failed counts and the
// configured worker count.
func (jq *JobQueue) Stats() map[Name]QueueStats {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	out := make(map[Name]QueueStats, len(jq.queues))
	for name, rt := range jq.queues {
		out[name] = QueueStats{
			Workers:   rt.workers,
			Completed: rt.keepCompleted.len(),
			Failed:    rt.keepFailed.len(),
		}
	}
	return out
}

// QueueStats is the per-queue portion of JobQueue.Stats.
type QueueStats struct {
	Workers   int
	Completed int
	Failed    int
}
