package processor

import (
	"math"
	"sync"
	"time"

	"nuha.dev/gpsgateway/internal/model"
)

// DuplicateCache is a bounded, mutex-guarded per-device cache of the last
// seen (lat, lng, timestamp). Eviction is oldest-inserted, not
// least-recently-used — spec.md §9 notes this ambiguity and the teacher's
// own source never resolved it, so it is kept as-is rather than guessed at.
type DuplicateCache struct {
	mu       sync.Mutex
	max      int
	entries  map[string]model.DuplicateCacheEntry
	order    []string // insertion order, oldest first
}

// NewDuplicateCache builds a cache bounded at max entries.
func NewDuplicateCache(max int) *DuplicateCache {
	if max <= 0 {
		max = 1000
	}
	return &DuplicateCache{
		max:     max,
		entries: make(map[string]model.DuplicateCacheEntry),
	}
}

// IsDuplicate reports whether deviceID's cached entry is within the
// configured thresholds of (lat, lng, ts).
func (c *DuplicateCache) IsDuplicate(deviceID string, lat, lng float64, ts time.Time, timeThreshold time.Duration, coordThreshold float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[deviceID]
	if !ok {
		return false
	}
	dt := ts.Sub(e.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt > timeThreshold {
		return false
	}
	if math.Abs(lat-e.Lat) >= coordThreshold {
		return false
	}
	if math.Abs(lng-e.Lng) >= coordThreshold {
		return false
	}
	return true
}

// Update records the latest accepted coordinate for deviceID, evicting the
// oldest-inserted entry if the cache is at capacity and deviceID is new.
func (c *DuplicateCache) Update(deviceID string, lat, lng float64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[deviceID]; !exists {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, deviceID)
	}
	c.entries[deviceID] = model.DuplicateCacheEntry{
		DeviceID:  deviceID,
		Lat:       lat,
		Lng:       lng,
		Timestamp: ts,
	}
}

// Len returns the current number of cached devices.
func (c *DuplicateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
