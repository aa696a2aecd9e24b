// Package memstore is an in-process Store implementation with the same
// retention-trimming semantics as redisstore. It applies no per-record TTL:
// latest records are removed only by Cleanup's inactivity eviction. It backs
// unit tests and
// the legacy single-queue reference stack (spec.md §0.1), and keeps the
// teacher's zerolog-based logging rather than phuslu/log — the two
// ingestion stacks in the teacher repo genuinely used different logging
// libraries, and that texture is preserved here rather than unified away.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/store"
)

type latestEntry struct {
	pos       model.Position
	updatedAt time.Time
}

// Store is an in-memory Store, guarded by a single mutex.
type Store struct {
	mu      sync.Mutex
	history []model.Position
	latest  map[string]latestEntry
	blobs   map[string][]byte
	cfg     store.Config
	log     zerolog.Logger
}

// New builds an empty in-memory Store.
func New(cfg store.Config) *Store {
	return &Store{
		latest: make(map[string]latestEntry),
		blobs:  make(map[string][]byte),
		cfg:    cfg,
		log:    log.With().Str("module", "memstore").Logger(),
	}
}

// WriteHistoryBatch appends positions and trims to the retention bound.
func (s *Store) WriteHistoryBatch(ctx context.Context, batchID string, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, positions...)
	s.trimLocked()
	s.log.Debug().Str("batch_id", batchID).Int("count", len(positions)).Msg("history batch written")
	return nil
}

func (s *Store) trimLocked() {
	if s.cfg.MaxHistoryEntries <= 0 || len(s.history) <= s.cfg.MaxHistoryEntries {
		return
	}
	drop := len(s.history) - s.cfg.MaxHistoryEntries
	s.history = s.history[drop:]
}

// WriteLatest collapses and overwrites each device's stored record; a
// monotonic guard within this process keeps updates per-device ordered by
// Timestamp, matching the single-instance guarantee in spec.md §3 invariant 2.
func (s *Store) WriteLatest(ctx context.Context, positions []model.Position) error {
	collapsed := store.CollapseLatest(positions)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for deviceID, p := range collapsed {
		cur, ok := s.latest[deviceID]
		if ok && cur.pos.Timestamp.After(p.Timestamp) {
			continue
		}
		s.latest[deviceID] = latestEntry{pos: p, updatedAt: now}
	}
	return nil
}

// GetLatest returns the stored latest position for deviceID.
func (s *Store) GetLatest(ctx context.Context, deviceID string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.latest[deviceID]
	if !ok {
		return nil, nil
	}
	pos := e.pos
	return &pos, nil
}

// GetLatestMany returns the stored latest positions for deviceIDs, omitting
// any device with no stored record.
func (s *Store) GetLatestMany(ctx context.Context, deviceIDs []string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Position, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if e, ok := s.latest[id]; ok {
			out = append(out, e.pos)
		}
	}
	return out, nil
}

// Stats reports history length, retention bound, utilization, device count,
// and a full (unsampled, since everything is already in memory) per-device
// frequency histogram.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freq := make(map[string]int)
	for _, p := range s.history {
		freq[p.DeviceID]++
	}
	util := 0.0
	if s.cfg.MaxHistoryEntries > 0 {
		util = 100 * float64(len(s.history)) / float64(s.cfg.MaxHistoryEntries)
	}
	return store.Stats{
		HistoryLength:      len(s.history),
		RetentionBound:     s.cfg.MaxHistoryEntries,
		UtilizationPercent: util,
		DeviceCount:        len(s.latest),
		DeviceFrequency:    freq,
	}, nil
}

// Cleanup trims the history list and, if enabled, evicts latest records
// past MaxDeviceInactivity. Idempotent: running it twice with no
// intervening writes is a no-op the second time.
func (s *Store) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked()
	if !s.cfg.CleanupEnabled || s.cfg.MaxDeviceInactivity <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.MaxDeviceInactivity)
	for id, e := range s.latest {
		if e.updatedAt.Before(cutoff) {
			delete(s.latest, id)
		}
	}
	return nil
}

// WriteBatchBlob stores a pre-compressed batch representation, kept only
// for parity with redisstore; nothing in this module reads it back.
func (s *Store) WriteBatchBlob(ctx context.Context, batchID string, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[batchID] = blob
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// HistoryLen exposes the current history length for tests.
func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
