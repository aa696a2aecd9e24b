// Package model holds the canonical types that flow through the ingestion
// pipeline: Position, the dual-shape batches built from it, and the
// duplicate-cache entry used to detect repeats.
package model

import "time"

// Position is a normalized GPS record. It is immutable once the Processor
// has produced it.
type Position struct {
	DeviceID   string                 `json:"deviceId"`
	Lat        float64                `json:"lat"`
	Lng        float64                `json:"lng"`
	Timestamp  time.Time              `json:"timestamp"`
	ReceivedAt time.Time              `json:"receivedAt"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// HistoryBatch is an ordered sequence of Position produced by a single
// flush of the accumulator's history buffer.
type HistoryBatch struct {
	BatchID   string     `json:"batchId"`
	CreatedAt time.Time  `json:"createdAt"`
	Count     int        `json:"count"`
	Positions []Position `json:"positions"`
}

// LatestSet is the collapsed device_id -> Position map produced by a single
// flush of the accumulator's latest map.
type LatestSet struct {
	BatchID   string              `json:"batchId"`
	CreatedAt time.Time           `json:"createdAt"`
	Positions map[string]Position `json:"positions"`
}

// DuplicateCacheEntry is the last seen coordinate/time triple kept per
// device by the Processor's duplicate filter.
type DuplicateCacheEntry struct {
	DeviceID  string
	Lat       float64
	Lng       float64
	Timestamp time.Time
}
