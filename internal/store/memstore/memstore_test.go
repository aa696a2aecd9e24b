package memstore

import (
	"context"
	"testing"
	"time"

	"nuha.dev/gpsgateway/internal/model"
	"nuha.dev/gpsgateway/internal/store"
)

func TestWriteHistoryBatchAndGetLatest(t *testing.T) {
	s := New(store.DefaultConfig())
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pos := model.Position{DeviceID: "d1", Lat: 40.7128, Lng: -74.0060, Timestamp: now, ReceivedAt: now}

	if err := s.WriteHistoryBatch(ctx, "hist_1", []model.Position{pos}); err != nil {
		t.Fatalf("write history: %v", err)
	}
	if err := s.WriteLatest(ctx, []model.Position{pos}); err != nil {
		t.Fatalf("write latest: %v", err)
	}

	got, err := s.GetLatest(ctx, "d1")
	if err != nil || got == nil {
		t.Fatalf("get latest: %v %v", got, err)
	}
	if got.Lat != pos.Lat || got.Lng != pos.Lng {
		t.Errorf("unexpected latest: %+v", got)
	}
	if s.HistoryLen() != 1 {
		t.Errorf("expected history length 1, got %d", s.HistoryLen())
	}
}

func TestRetentionTrim(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.MaxHistoryEntries = 10
	s := New(cfg)
	ctx := context.Background()
	now := time.Now()

	var batch1, batch2 []model.Position
	for i := 0; i < 10; i++ {
		batch1 = append(batch1, model.Position{DeviceID: "d1", Lat: 0, Lng: 0, Timestamp: now, ReceivedAt: now})
	}
	for i := 0; i < 5; i++ {
		batch2 = append(batch2, model.Position{DeviceID: "d2", Lat: 0, Lng: 0, Timestamp: now, ReceivedAt: now})
	}
	if err := s.WriteHistoryBatch(ctx, "b1", batch1); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteHistoryBatch(ctx, "b2", batch2); err != nil {
		t.Fatal(err)
	}
	if s.HistoryLen() != 10 {
		t.Fatalf("expected trimmed length 10, got %d", s.HistoryLen())
	}
}

func TestRetentionTrimIdempotent(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.MaxHistoryEntries = 5
	s := New(cfg)
	ctx := context.Background()
	now := time.Now()
	var batch []model.Position
	for i := 0; i < 3; i++ {
		batch = append(batch, model.Position{DeviceID: "d1", Timestamp: now, ReceivedAt: now})
	}
	if err := s.WriteHistoryBatch(ctx, "b1", batch); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if s.HistoryLen() != 3 {
		t.Fatalf("expected no-op trim to leave length 3, got %d", s.HistoryLen())
	}
}

func TestWriteLatestCollapsesToGreatestTimestamp(t *testing.T) {
	s := New(store.DefaultConfig())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var positions []model.Position
	for i := 0; i < 5; i++ {
		positions = append(positions, model.Position{
			DeviceID:  "d4",
			Lat:       float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			ReceivedAt: base,
		})
	}
	if err := s.WriteLatest(ctx, positions); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetLatest(ctx, "d4")
	if got == nil || got.Lat != 4 {
		t.Fatalf("expected last submission to win, got %+v", got)
	}
}

func TestLatestMonotonicWithinProcess(t *testing.T) {
	s := New(store.DefaultConfig())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := model.Position{DeviceID: "d1", Timestamp: base.Add(time.Hour), ReceivedAt: base}
	older := model.Position{DeviceID: "d1", Timestamp: base, ReceivedAt: base}

	_ = s.WriteLatest(ctx, []model.Position{newer})
	_ = s.WriteLatest(ctx, []model.Position{older})

	got, _ := s.GetLatest(ctx, "d1")
	if !got.Timestamp.Equal(newer.Timestamp) {
		t.Fatalf("expected monotonic latest to keep newer timestamp, got %v", got.Timestamp)
	}
}

func TestGetLatestManyOmitsMissing(t *testing.T) {
	s := New(store.DefaultConfig())
	ctx := context.Background()
	now := time.Now()
	_ = s.WriteLatest(ctx, []model.Position{{DeviceID: "d1", Timestamp: now, ReceivedAt: now}})

	got, err := s.GetLatestMany(ctx, []string{"d1", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DeviceID != "d1" {
		t.Fatalf("expected only d1, got %+v", got)
	}
}
