package processor

import (
	"errors"
	"testing"
	"time"
)

func newTestProcessor(now time.Time) *Processor {
	p := New(DefaultConfig())
	p.now = func() time.Time { return now }
	return p
}

func TestProcessAccepts(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProcessor(now)
	raw := RawPosition{ID: "d1", Lat: 40.7128, Lng: -74.0060, Timestamp: "2024-01-01T12:00:00Z"}
	pos, err := p.Process(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.DeviceID != "d1" || pos.Lat != 40.7128 || pos.Lng != -74.0060 {
		t.Errorf("unexpected position: %+v", pos)
	}
}

func TestProcessRejectsMissingDeviceID(t *testing.T) {
	p := newTestProcessor(time.Now())
	_, err := p.Process(RawPosition{Lat: 0, Lng: 0})
	var ei *ErrInvalid
	if !errors.As(err, &ei) || ei.Reason != "missing_device_id" {
		t.Fatalf("expected missing_device_id, got %v", err)
	}
}

func TestProcessRejectsOutOfRangeLat(t *testing.T) {
	p := newTestProcessor(time.Now())
	_, err := p.Process(RawPosition{ID: "d1", Lat: 91.0, Lng: 0})
	var ei *ErrInvalid
	if !errors.As(err, &ei) || ei.Reason != "lat_out_of_range" {
		t.Fatalf("expected lat_out_of_range, got %v", err)
	}
}

func TestBoundaryLatLngAccepted(t *testing.T) {
	p := newTestProcessor(time.Now())
	for _, c := range []struct{ lat, lng float64 }{
		{90, 180}, {-90, -180},
	} {
		_, err := p.Process(RawPosition{ID: "d1", Lat: c.lat, Lng: c.lng})
		if err != nil {
			t.Errorf("expected boundary (%v,%v) accepted, got %v", c.lat, c.lng, err)
		}
	}
}

func TestTimestampBoundary(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	p := newTestProcessor(now)

	exact := now.Add(-24 * time.Hour)
	_, err := p.Process(RawPosition{ID: "d1", Lat: 0, Lng: 0, Timestamp: exact.Format(time.RFC3339)})
	if err != nil {
		t.Errorf("expected exactly-max_age timestamp accepted, got %v", err)
	}

	tooOld := now.Add(-24*time.Hour - time.Millisecond)
	_, err = p.Process(RawPosition{ID: "d2", Lat: 0, Lng: 0, Timestamp: tooOld.Format(time.RFC3339Nano)})
	var ei *ErrInvalid
	if !errors.As(err, &ei) || ei.Reason != "timestamp_too_old" {
		t.Errorf("expected timestamp_too_old, got %v", err)
	}
}

func TestDuplicateDetection(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProcessor(now)
	raw := RawPosition{ID: "d1", Lat: 1.0, Lng: 2.0, Timestamp: now.Format(time.RFC3339)}
	if _, err := p.Process(raw); err != nil {
		t.Fatalf("first submission should be accepted: %v", err)
	}
	raw2 := RawPosition{ID: "d1", Lat: 1.0, Lng: 2.0, Timestamp: now.Add(200 * time.Millisecond).Format(time.RFC3339)}
	_, err := p.Process(raw2)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestProcessBatchMixedOutcomes(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProcessor(now)
	raws := []RawPosition{
		{ID: "d2", Lat: 91, Lng: 0, Timestamp: now.Format(time.RFC3339)},
		{ID: "d3", Lat: 0, Lng: 0, Timestamp: now.Format(time.RFC3339)},
		{ID: "d3", Lat: 0, Lng: 0, Timestamp: now.Add(50 * time.Millisecond).Format(time.RFC3339)},
	}
	res := p.ProcessBatch(raws)
	if len(res.Accepted) != 1 || len(res.Duplicates) != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	total := len(res.Accepted) + len(res.Duplicates) + len(res.Errors)
	if total != len(raws) {
		t.Fatalf("expected accounted-for total %d, got %d", len(raws), total)
	}
}

func TestDuplicateCacheEvictsOldestInserted(t *testing.T) {
	c := NewDuplicateCache(2)
	now := time.Now()
	c.Update("a", 0, 0, now)
	c.Update("b", 0, 0, now)
	c.Update("c", 0, 0, now)
	if c.Len() != 2 {
		t.Fatalf("expected cache bounded at 2, got %d", c.Len())
	}
	if c.IsDuplicate("a", 0, 0, now, time.Second, 1e-4) {
		t.Errorf("expected 'a' evicted as oldest-inserted")
	}
}
