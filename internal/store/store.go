// Package store defines the durable dual-shape write path described in
// spec.md §4.4 and §6: an append-only, length-bounded global history list
// and a per-device latest-position record. Two implementations exist:
// redisstore (production, backed by Redis) and memstore (in-process,
// used by tests and the legacy reference ingestion stack).
package store

import (
	"context"
	"time"

	"nuha.dev/gpsgateway/internal/model"
)

// HistoryKey is the well-known key for the global history list.
const HistoryKey = "gps:history:global"

// LatestKeyPrefix prefixes the per-device latest-position key.
const LatestKeyPrefix = "gps:last:"

// BatchMetadataKeyPrefix prefixes the optional compressed-blob key.
const BatchMetadataKeyPrefix = "gps:metadata:batch:"

// LatestKey returns the per-device key for deviceID.
func LatestKey(deviceID string) string {
	return LatestKeyPrefix + deviceID
}

// BatchMetadataKey returns the key for a batch's optional compressed blob.
func BatchMetadataKey(batchID string) string {
	return BatchMetadataKeyPrefix + batchID
}

// Config holds the store-side tunables from spec.md §6.
type Config struct {
	MaxHistoryEntries   int
	CleanupEnabled      bool
	MaxDeviceInactivity time.Duration // 0 means disabled
	LatestKeyTTL        time.Duration
	HistogramSampleSize int
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		MaxHistoryEntries:   100_000,
		CleanupEnabled:      true,
		LatestKeyTTL:        7 * 24 * time.Hour,
		HistogramSampleSize: 2000,
	}
}

// Stats is the result of Store.Stats.
type Stats struct {
	HistoryLength      int
	RetentionBound     int
	UtilizationPercent float64
	DeviceCount        int
	DeviceFrequency    map[string]int // sampled histogram
}

// Store is the durable dual-shape write/read path.
type Store interface {
	// WriteHistoryBatch appends all positions to the global history list in
	// one pipelined operation, then trims to the retention bound.
	WriteHistoryBatch(ctx context.Context, batchID string, positions []model.Position) error
	// WriteLatest collapses positions to one per device (greatest
	// timestamp wins) and overwrites each device's stored record.
	WriteLatest(ctx context.Context, positions []model.Position) error
	// GetLatest returns the stored latest position for deviceID, or
	// (nil, nil) if none exists.
	GetLatest(ctx context.Context, deviceID string) (*model.Position, error)
	// GetLatestMany is a pipelined bulk GetLatest; missing devices are
	// omitted from the result.
	GetLatestMany(ctx context.Context, deviceIDs []string) ([]model.Position, error)
	// Stats reports history length, retention bound, utilization, device
	// count, and a sampled per-device frequency histogram.
	Stats(ctx context.Context) (Stats, error)
	// Cleanup enforces retention on the global list and, if enabled,
	// deletes latest records past MaxDeviceInactivity.
	Cleanup(ctx context.Context) error
	// WriteBatchBlob stores an opaque, pre-compressed representation of a
	// history batch under the batch metadata key. Write-only: no read path
	// in this module ever consults it. A no-op when blob is empty.
	WriteBatchBlob(ctx context.Context, batchID string, blob []byte) error
	// Close releases the store's connections.
	Close() error
}

// HistoryRecord is the bit-exact JSON schema for a global history element
// (spec.md §6). redisstore encodes every history element through this type;
// memstore keeps model.Position values in memory and does not use it.
type HistoryRecord struct {
	DeviceID   string                 `json:"deviceId"`
	Lat        float64                `json:"lat"`
	Lng        float64                `json:"lng"`
	Timestamp  string                 `json:"timestamp"`
	ReceivedAt string                 `json:"receivedAt"`
	BatchID    string                 `json:"batchId"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// ToHistoryRecord converts a canonical Position into its wire schema.
func ToHistoryRecord(batchID string, p model.Position) HistoryRecord {
	return HistoryRecord{
		DeviceID:   p.DeviceID,
		Lat:        p.Lat,
		Lng:        p.Lng,
		Timestamp:  p.Timestamp.UTC().Format(time.RFC3339Nano),
		ReceivedAt: p.ReceivedAt.UTC().Format(time.RFC3339Nano),
		BatchID:    batchID,
		Metadata:   p.Metadata,
	}
}

// FromHistoryRecord parses a wire-schema record back into a Position.
func FromHistoryRecord(r HistoryRecord) (model.Position, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return model.Position{}, err
	}
	ra, err := time.Parse(time.RFC3339Nano, r.ReceivedAt)
	if err != nil {
		return model.Position{}, err
	}
	return model.Position{
		DeviceID:   r.DeviceID,
		Lat:        r.Lat,
		Lng:        r.Lng,
		Timestamp:  ts,
		ReceivedAt: ra,
		Metadata:   r.Metadata,
	}, nil
}

// CollapseLatest keeps, for each device_id, the Position with the greatest
// Timestamp; ties are broken by later position in the input slice.
func CollapseLatest(positions []model.Position) map[string]model.Position {
	out := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		cur, ok := out[p.DeviceID]
		if !ok || !p.Timestamp.Before(cur.Timestamp) {
			out[p.DeviceID] = p
		}
	}
	return out
}
