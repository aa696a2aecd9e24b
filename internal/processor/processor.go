// Package processor normalizes, validates, and deduplicates a single raw
// GPS submission into a canonical model.Position, per spec.md §4.1.
package processor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"nuha.dev/gpsgateway/internal/model"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxDeviceIDLen = 50

// ErrInvalid wraps a validation failure. Reason is a short, stable code
// callers can use to classify the rejection.
type ErrInvalid struct {
	Reason string
	Err    error
}

func (e *ErrInvalid) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid: %s", e.Reason)
}

func (e *ErrInvalid) Unwrap() error { return e.Err }

func invalid(reason string, err error) *ErrInvalid {
	return &ErrInvalid{Reason: reason, Err: err}
}

// ErrDuplicate is returned when a submission is classified as a repeat of
// the device's most recently cached position. It is not a failure.
var ErrDuplicate = errors.New("duplicate")

// Config holds the tunables from spec.md §6 relevant to the Processor.
type Config struct {
	MaxAge                 time.Duration
	MaxFuture              time.Duration
	DuplicateEnabled       bool
	DuplicateTimeThreshold time.Duration
	CoordThreshold         float64
	MaxCacheSize           int
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:                 24 * time.Hour,
		MaxFuture:              5 * time.Minute,
		DuplicateEnabled:       true,
		DuplicateTimeThreshold: time.Second,
		CoordThreshold:         1e-4,
		MaxCacheSize:           1000,
	}
}

// RawPosition is the loosely-typed submission accepted from the adapter
// before normalization. Fields mirror the aliases the spec requires.
type RawPosition struct {
	ID        string
	DeviceID  string
	Lat       interface{}
	Lng       interface{}
	Latitude  interface{}
	Longitude interface{}
	Timestamp interface{}
	Speed     interface{}
	Heading   interface{}
	Altitude  interface{}
	Accuracy  interface{}
	Metadata  map[string]interface{}
}

// BatchResult is the outcome of ProcessBatch.
type BatchResult struct {
	Accepted   []model.Position
	Duplicates []RawPosition
	Errors     []BatchError
}

// BatchError pairs a rejected raw input with its reason.
type BatchError struct {
	Index  int
	Raw    RawPosition
	Reason string
}

// Processor normalizes, validates, and deduplicates submissions.
type Processor struct {
	cfg   Config
	cache *DuplicateCache
	now   func() time.Time
}

// New builds a Processor with the given config. A nil clock defaults to
// time.Now, overridable in tests.
func New(cfg Config) *Processor {
	return &Processor{
		cfg:   cfg,
		cache: NewDuplicateCache(cfg.MaxCacheSize),
		now:   time.Now,
	}
}

// Process normalizes, validates, and deduplicates a single raw submission.
func (p *Processor) Process(raw RawPosition) (model.Position, error) {
	pos, err := p.normalize(raw)
	if err != nil {
		return model.Position{}, err
	}
	if err := p.validate(pos); err != nil {
		return model.Position{}, err
	}
	if p.cfg.DuplicateEnabled && p.cache.IsDuplicate(pos.DeviceID, pos.Lat, pos.Lng, pos.Timestamp, p.cfg.DuplicateTimeThreshold, p.cfg.CoordThreshold) {
		return model.Position{}, ErrDuplicate
	}
	p.cache.Update(pos.DeviceID, pos.Lat, pos.Lng, pos.Timestamp)
	return pos, nil
}

// ProcessBatch processes every raw submission it is given (the 100-entry
// batch cap is enforced by the HTTP adapter, not here), partitioning them into
// accepted, duplicate, and error buckets. It never fails the whole batch:
// one bad record never prevents the rest from being processed (spec.md §7).
func (p *Processor) ProcessBatch(raws []RawPosition) BatchResult {
	res := BatchResult{}
	for i, raw := range raws {
		pos, err := p.Process(raw)
		switch {
		case err == nil:
			res.Accepted = append(res.Accepted, pos)
		case errors.Is(err, ErrDuplicate):
			res.Duplicates = append(res.Duplicates, raw)
		default:
			reason := err.Error()
			var ei *ErrInvalid
			if errors.As(err, &ei) {
				reason = ei.Reason
			}
			res.Errors = append(res.Errors, BatchError{Index: i, Raw: raw, Reason: reason})
		}
	}
	return res
}

func (p *Processor) normalize(raw RawPosition) (model.Position, error) {
	deviceID := raw.DeviceID
	if deviceID == "" {
		deviceID = raw.ID
	}
	if deviceID == "" {
		return model.Position{}, invalid("missing_device_id", nil)
	}

	lat, err := coerceFloat(firstNonNil(raw.Lat, raw.Latitude))
	if err != nil {
		return model.Position{}, invalid("invalid_lat", err)
	}
	lng, err := coerceFloat(firstNonNil(raw.Lng, raw.Longitude))
	if err != nil {
		return model.Position{}, invalid("invalid_lng", err)
	}

	ts, err := coerceTimestamp(raw.Timestamp, p.clockNow())
	if err != nil {
		return model.Position{}, invalid("invalid_timestamp", err)
	}

	meta := map[string]interface{}{}
	for k, v := range raw.Metadata {
		meta[k] = v
	}
	liftMeta(meta, "speed", raw.Speed)
	liftMeta(meta, "heading", raw.Heading)
	liftMeta(meta, "altitude", raw.Altitude)
	liftMeta(meta, "accuracy", raw.Accuracy)

	return model.Position{
		DeviceID:   deviceID,
		Lat:        lat,
		Lng:        lng,
		Timestamp:  ts,
		ReceivedAt: p.clockNow(),
		Metadata:   meta,
	}, nil
}

func (p *Processor) clockNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Processor) validate(pos model.Position) error {
	if len(pos.DeviceID) > maxDeviceIDLen {
		return invalid("device_id_too_long", nil)
	}
	if !deviceIDPattern.MatchString(pos.DeviceID) {
		return invalid("device_id_bad_charset", nil)
	}
	if pos.Lat < -90 || pos.Lat > 90 {
		return invalid("lat_out_of_range", nil)
	}
	if pos.Lng < -180 || pos.Lng > 180 {
		return invalid("lng_out_of_range", nil)
	}
	now := p.clockNow()
	oldest := now.Add(-p.cfg.MaxAge)
	newest := now.Add(p.cfg.MaxFuture)
	if pos.Timestamp.Before(oldest) {
		return invalid("timestamp_too_old", nil)
	}
	if pos.Timestamp.After(newest) {
		return invalid("timestamp_too_future", nil)
	}
	return nil
}

func liftMeta(meta map[string]interface{}, key string, v interface{}) {
	if v == nil {
		return
	}
	if _, exists := meta[key]; exists {
		return
	}
	meta[key] = v
}

func firstNonNil(a, b interface{}) interface{} {
	if a != nil {
		return a
	}
	return b
}

func coerceFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errors.New("missing value")
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, errors.New("non-finite value")
		}
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, err
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func coerceTimestamp(v interface{}, defaultNow time.Time) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return defaultNow, nil
	case time.Time:
		return x, nil
	case string:
		if x == "" {
			return defaultNow, nil
		}
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	case int64:
		return time.UnixMilli(x), nil
	case float64:
		return time.UnixMilli(int64(x)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}
