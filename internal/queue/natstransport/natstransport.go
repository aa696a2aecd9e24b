// Package natstransport is the production queue.Transport, backed by NATS
// JetStream for durability across process restarts. The teacher's go.mod
// carried github.com/nats-io/nats.go without ever importing it; this module
// is its first real use, publishing to a durable stream and load-balancing
// each queue's workers across a shared queue-group subscription.
package natstransport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
)

// Transport publishes to and consumes from a single JetStream stream whose
// subjects are "<streamName>.<queue>".
type Transport struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	log        log.Logger
}

// New connects to url and ensures a stream named streamName exists, with
// subjects covering every queue ("<streamName>.*").
func New(url, streamName string) (*Transport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("natstransport: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natstransport: jetstream context: %w", err)
	}
	t := &Transport{nc: nc, js: js, streamName: streamName}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "natstransport").Value()

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{streamName + ".*"},
	}); err != nil {
		// Concurrent gateway instances racing to create the same stream, or
		// a prior run that already created it, both land here; either way
		// the stream exists by the time we return.
		if _, infoErr := js.StreamInfo(streamName); infoErr != nil {
			nc.Close()
			return nil, fmt.Errorf("natstransport: add stream: %w", err)
		}
		t.log.Warn().Str("stream", streamName).Msg("stream already exists, reusing")
	}
	return t, nil
}

func (t *Transport) subject(queue string) string {
	return t.streamName + "." + queue
}

// Publish persists payload to the stream under queue's subject.
func (t *Transport) Publish(ctx context.Context, queue string, payload []byte) error {
	_, err := t.js.Publish(t.subject(queue), payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("natstransport: publish %s: %w", queue, err)
	}
	return nil
}

// Subscribe creates concurrency durable queue-group subscribers sharing the
// same durable name, so JetStream load-balances deliveries across them.
func (t *Transport) Subscribe(ctx context.Context, queue string, concurrency int, handle func(ctx context.Context, payload []byte) error) (func(), error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	durable := "gpsgw-" + queue
	subs := make([]*nats.Subscription, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		sub, err := t.js.QueueSubscribe(t.subject(queue), durable, func(msg *nats.Msg) {
			if err := handle(ctx, msg.Data); err != nil {
				t.log.Error().Err(err).Str("queue", queue).Msg("handler returned error, acking anyway")
			}
			_ = msg.Ack()
		}, nats.Durable(durable), nats.ManualAck())
		if err != nil {
			for _, s := range subs {
				_ = s.Drain()
			}
			return nil, fmt.Errorf("natstransport: subscribe %s: %w", queue, err)
		}
		subs = append(subs, sub)
	}
	stop := func() {
		for _, s := range subs {
			_ = s.Drain()
		}
	}
	return stop, nil
}

// Close closes the underlying NATS connection.
func (t *Transport) Close() error {
	t.nc.Close()
	return nil
}
