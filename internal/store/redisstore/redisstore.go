// Package redisstore is the production Store implementation (spec.md §4.4,
// §6), backed by github.com/redis/go-redis/v9. The connection-handling
// style (single long-lived client, context-scoped calls) follows the
// teacher's internal/store/impl/pgstore pool idiom, carried over to Redis,
// with pipelines for the multi-key operations of the dual-shape write path.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/store"
)

// Store is a Redis-backed implementation of store.Store.
type Store struct {
	rdb *redis.Client
	cfg store.Config
	log log.Logger
}

// New connects to the Redis instance at addr and returns a Store.
func New(addr string, cfg store.Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping failed: %w", err)
	}
	s := &Store{rdb: rdb, cfg: cfg}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "redisstore").Value()
	return s, nil
}

// NewFromClient wraps an already-constructed client, for tests that talk to
// a miniredis instance or a shared pool.
func NewFromClient(rdb *redis.Client, cfg store.Config) *Store {
	s := &Store{rdb: rdb, cfg: cfg}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "redisstore").Value()
	return s
}

// WriteHistoryBatch appends all positions in one pipeline (RPUSH) then
// trims the list to the retention bound (LTRIM) in the same pipeline, so a
// reader can never observe the list beyond the bound (spec.md §5.4).
func (s *Store) WriteHistoryBatch(ctx context.Context, batchID string, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	encoded := make([]interface{}, len(positions))
	for i, p := range positions {
		rec := store.ToHistoryRecord(batchID, p)
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisstore: encode position: %w", err)
		}
		encoded[i] = string(b)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, store.HistoryKey, encoded...)
	if s.cfg.MaxHistoryEntries > 0 {
		pipe.LTrim(ctx, store.HistoryKey, -int64(s.cfg.MaxHistoryEntries), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: write history batch: %w", err)
	}
	return nil
}

// WriteLatest collapses positions to one per device and overwrites each
// device's stored hash record, optionally setting a TTL.
func (s *Store) WriteLatest(ctx context.Context, positions []model.Position) error {
	collapsed := store.CollapseLatest(positions)
	if len(collapsed) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.rdb.Pipeline()
	for deviceID, p := range collapsed {
		metaJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("redisstore: encode metadata for %s: %w", deviceID, err)
		}
		key := store.LatestKey(deviceID)
		pipe.HSet(ctx, key, map[string]interface{}{
			"deviceId":   p.DeviceID,
			"lat":        p.Lat,
			"lng":        p.Lng,
			"timestamp":  p.Timestamp.UTC().Format(time.RFC3339Nano),
			"receivedAt": p.ReceivedAt.UTC().Format(time.RFC3339Nano),
			"updatedAt":  now,
			"metadata":   string(metaJSON),
		})
		if s.cfg.LatestKeyTTL > 0 {
			pipe.Expire(ctx, key, s.cfg.LatestKeyTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: write latest: %w", err)
	}
	return nil
}

// GetLatest returns the stored latest position for deviceID.
func (s *Store) GetLatest(ctx context.Context, deviceID string) (*model.Position, error) {
	res, err := s.rdb.HGetAll(ctx, store.LatestKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get latest %s: %w", deviceID, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	pos, err := decodeLatestHash(res)
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetLatestMany is a pipelined bulk GetLatest; missing devices are omitted.
func (s *Store) GetLatestMany(ctx context.Context, deviceIDs []string) ([]model.Position, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(deviceIDs))
	for i, id := range deviceIDs {
		cmds[i] = pipe.HGetAll(ctx, store.LatestKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisstore: get latest many: %w", err)
	}
	out := make([]model.Position, 0, len(deviceIDs))
	for _, cmd := range cmds {
		res, err := cmd.Result()
		if err != nil || len(res) == 0 {
			continue
		}
		pos, err := decodeLatestHash(res)
		if err != nil {
			s.log.Error().Err(err).Msg("skipping malformed latest record")
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// Stats reports history length, retention bound, utilization, device count,
// and a sampled per-device frequency histogram over the tail of the list.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	length, err := s.rdb.LLen(ctx, store.HistoryKey).Result()
	if err != nil {
		return store.Stats{}, fmt.Errorf("redisstore: llen: %w", err)
	}

	sampleN := int64(s.cfg.HistogramSampleSize)
	if sampleN <= 0 {
		sampleN = 2000
	}
	start := int64(0)
	if length > sampleN {
		start = length - sampleN
	}
	raw, err := s.rdb.LRange(ctx, store.HistoryKey, start, -1).Result()
	if err != nil {
		return store.Stats{}, fmt.Errorf("redisstore: lrange sample: %w", err)
	}
	freq := make(map[string]int)
	for _, r := range raw {
		var rec store.HistoryRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		freq[rec.DeviceID]++
	}

	util := 0.0
	if s.cfg.MaxHistoryEntries > 0 {
		util = 100 * float64(length) / float64(s.cfg.MaxHistoryEntries)
	}

	return store.Stats{
		HistoryLength:      int(length),
		RetentionBound:     s.cfg.MaxHistoryEntries,
		UtilizationPercent: util,
		DeviceCount:        len(freq),
		DeviceFrequency:    freq,
	}, nil
}

// Cleanup enforces retention on the global list and, if enabled, deletes
// latest records for devices inactive past MaxDeviceInactivity. Latest-key
// expiry past inactivity is driven primarily by the per-key TTL set in
// WriteLatest; this scan is a backstop for keys written before TTLs were
// enabled or when cleanup was toggled on after the fact.
func (s *Store) Cleanup(ctx context.Context) error {
	if s.cfg.MaxHistoryEntries > 0 {
		if err := s.rdb.LTrim(ctx, store.HistoryKey, -int64(s.cfg.MaxHistoryEntries), -1).Err(); err != nil {
			return fmt.Errorf("redisstore: cleanup trim: %w", err)
		}
	}
	if !s.cfg.CleanupEnabled || s.cfg.MaxDeviceInactivity <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-s.cfg.MaxDeviceInactivity)
	iter := s.rdb.Scan(ctx, 0, store.LatestKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		updatedAt, err := s.rdb.HGet(ctx, key, "updatedAt").Result()
		if err != nil {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			s.rdb.Del(ctx, key)
		}
	}
	return iter.Err()
}

// WriteBatchBlob stores a pre-compressed batch representation under its
// metadata key. Write-only: nothing in this module ever reads it back.
func (s *Store) WriteBatchBlob(ctx context.Context, batchID string, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	key := store.BatchMetadataKey(batchID)
	if err := s.rdb.Set(ctx, key, blob, s.cfg.LatestKeyTTL).Err(); err != nil {
		return fmt.Errorf("redisstore: write batch blob %s: %w", batchID, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func decodeLatestHash(res map[string]string) (model.Position, error) {
	ts, err := time.Parse(time.RFC3339Nano, res["timestamp"])
	if err != nil {
		return model.Position{}, fmt.Errorf("redisstore: parse timestamp: %w", err)
	}
	ra, err := time.Parse(time.RFC3339Nano, res["receivedAt"])
	if err != nil {
		return model.Position{}, fmt.Errorf("redisstore: parse receivedAt: %w", err)
	}
	var meta map[string]interface{}
	if m := res["metadata"]; m != "" {
		if err := json.Unmarshal([]byte(m), &meta); err != nil {
			return model.Position{}, fmt.Errorf("redisstore: parse metadata: %w", err)
		}
	}
	lat, lng := parseFloatField(res["lat"]), parseFloatField(res["lng"])
	return model.Position{
		DeviceID:   res["deviceId"],
		Lat:        lat,
		Lng:        lng,
		Timestamp:  ts,
		ReceivedAt: ra,
		Metadata:   meta,
	}, nil
}

func parseFloatField(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}
