package queue

import "context"

// Transport moves raw job payloads between JobQueue.Enqueue and the worker
// pools started by JobQueue.Start. memtransport backs tests and the legacy
// reference stack; natstransport backs production, giving durability across
// process restarts via JetStream.
type Transport interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	// Subscribe starts concurrency workers pulling from queue, each calling
	// handle for every payload. It returns a stop function that drains and
	// stops all of them.
	Subscribe(ctx context.Context, queue string, concurrency int, handle func(ctx context.Context, payload []byte) error) (stop func(), err error)
}
