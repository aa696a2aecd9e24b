// Package memtransport is an in-process queue.Transport backed by buffered
// channels. It backs unit tests and the legacy single-queue reference stack,
// where no network dependency is wanted.
package memtransport

import (
	"context"
	"sync"
)

// Transport is a process-local, channel-based queue.Transport.
type Transport struct {
	mu      sync.Mutex
	queues  map[string]chan []byte
	bufSize int
}

// New builds a Transport whose per-queue channel buffers hold bufSize
// pending payloads before Publish blocks.
func New(bufSize int) *Transport {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Transport{queues: make(map[string]chan []byte), bufSize: bufSize}
}

func (t *Transport) chanFor(queue string) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.queues[queue]
	if !ok {
		ch = make(chan []byte, t.bufSize)
		t.queues[queue] = ch
	}
	return ch
}

// Publish enqueues payload, blocking until there is buffer room or ctx is
// done.
func (t *Transport) Publish(ctx context.Context, queue string, payload []byte) error {
	ch := t.chanFor(queue)
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts concurrency goroutines draining queue's channel.
func (t *Transport) Subscribe(ctx context.Context, queue string, concurrency int, handle func(ctx context.Context, payload []byte) error) (func(), error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch := t.chanFor(queue)
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// Buffered payloads take priority over a pending stop so a
				// Stop() racing with an in-flight Publish still drains what
				// was already enqueued, matching the bounded-deadline drain
				// semantics Shutdown expects (spec.md §5).
				select {
				case payload, ok := <-ch:
					if !ok {
						return
					}
					_ = handle(ctx, payload)
					continue
				default:
				}
				select {
				case <-stopCh:
					for {
						select {
						case payload, ok := <-ch:
							if !ok {
								return
							}
							_ = handle(ctx, payload)
						default:
							return
						}
					}
				case payload, ok := <-ch:
					if !ok {
						return
					}
					_ = handle(ctx, payload)
				}
			}
		}()
	}
	stop := func() {
		close(stopCh)
		wg.Wait()
	}
	return stop, nil
}
