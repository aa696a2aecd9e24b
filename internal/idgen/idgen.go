// Package idgen generates the identifiers used across the gateway. Batch ids
// combine the wall-clock epoch milliseconds with a random suffix taken from
// github.com/google/uuid; job ids are plain uuids. The Generator type uses
// github.com/mustafaturan/monoton/v2 (a time-ordered sequence generator) for
// event-bus ids, and re-encodes dead-letter sequence numbers through
// github.com/speps/go-hashids/v2 for a shorter, operator-facing form.
package idgen

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	hashids "github.com/speps/go-hashids/v2"
)

// Generator produces monotonic-time-ordered ids with a random suffix, and
// satisfies the bus.IDGenerator contract expected by internal/eventbus.
type Generator struct {
	mu sync.Mutex
	m  monoton.Monoton
	hd *hashids.HashID
}

// New builds a Generator for the given logical node number (used to keep
// ids unique across multiple gateway instances sharing the same store).
func New(node uint64) *Generator {
	m, _ := monoton.New(sequencer.NewMillisecond(), node, 1024)
	hdata := hashids.NewData()
	hdata.Salt = "gpsgateway-dead-letter"
	hdata.MinLength = 8
	hd, _ := hashids.NewWithData(hdata)
	return &Generator{m: m, hd: hd}
}

// Next returns the next monotonic value, base62-encoded.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m.Next()
}

// Generate implements bus.IDGenerator.
func (g *Generator) Generate() string {
	return g.Next()
}

// BatchID produces a "<kind>_<epoch_ms>_<random>" identifier per spec: kind
// is "hist" or "latest".
func BatchID(kind string) string {
	rnd := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", kind, time.Now().UnixMilli(), rnd)
}

// JobID produces a random job identifier for the JobQueue.
func JobID() string {
	return uuid.New().String()
}

// DeadLetterID re-encodes a monotonically increasing sequence number into a
// short operator-facing string.
func (g *Generator) DeadLetterID(seq int64) string {
	s, err := g.hd.EncodeInt64([]int64{seq})
	if err != nil {
		return fmt.Sprintf("dlq-%d", seq)
	}
	return s
}
