// Package eventbus is the process-local publish/subscribe facility described
// in spec.md §4.6. It wraps github.com/mustafaturan/bus/v3 and guarantees
// that a panicking listener can never reach the publisher: delivery is
// best-effort and synchronous, and is never consulted for correctness.
package eventbus

import (
	"context"
	"strconv"
	"sync"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"nuha.dev/gpsgateway/internal/idgen"
)

// Topic names the core publishes to. Kept as named constants so callers
// don't retype the string literals from spec.md §4.6.
const (
	TopicPositionProcessed = "position.processed"
	TopicBatchFlushed      = "batch.flushed"
	TopicQueueCompleted    = "queue.completed"
	TopicQueueFailed       = "queue.failed"
	TopicStoreWritten      = "store.written"
	TopicStoreCleaned      = "store.cleaned"
	TopicAppShutdown       = "app.shutdown"
)

// Topics is the fixed topic set the core publishes to.
var Topics = []string{
	TopicPositionProcessed,
	TopicBatchFlushed,
	TopicQueueCompleted,
	TopicQueueFailed,
	TopicStoreWritten,
	TopicStoreCleaned,
	TopicAppShutdown,
}

// Bus is the process-local event bus.
type Bus struct {
	mu     sync.Mutex
	b      *bus.Bus
	log    log.Logger
	nextID int
}

// New constructs a Bus and registers the fixed topic set.
func New() (*Bus, error) {
	b, err := bus.NewBus(idgen.New(1))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(Topics...)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "eventbus").Value()
	return o, nil
}

// Subscribe registers a listener for topic. The handler is wrapped so a
// panic inside it is recovered and logged rather than propagated.
func (eb *Bus) Subscribe(topic string, handler func(ctx context.Context, data interface{})) {
	eb.mu.Lock()
	eb.nextID++
	key := topicHandlerKey(topic, eb.nextID)
	eb.mu.Unlock()

	h := bus.Handler{
		Matcher: topic,
		Handle: func(ctx context.Context, e bus.Event) {
			defer func() {
				if r := recover(); r != nil {
					eb.log.Error().Interface("panic", r).Str("topic", topic).Msg("event listener panicked, dropping")
				}
			}()
			handler(ctx, e.Data)
		},
	}
	eb.b.RegisterHandler(key, h)
}

// Publish emits data on topic. Errors are logged, never returned to the
// caller: correctness never depends on event delivery (spec.md §9).
func (eb *Bus) Publish(ctx context.Context, topic string, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			eb.log.Error().Interface("panic", r).Str("topic", topic).Msg("publish panicked, ignoring")
		}
	}()
	if err := eb.b.Emit(ctx, topic, data); err != nil {
		eb.log.Error().Err(err).Str("topic", topic).Msg("unable to emit event")
	}
}

func topicHandlerKey(topic string, n int) string {
	return topic + "#" + strconv.Itoa(n)
}
