package models

import (
	"time"

	"go.uber.org/atomic"
)

// Stats holds process-wide cumulative cache counters.
type Stats struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Sets      atomic.Int64
	Deletes   atomic.Int64
	Evictions atomic.Int64

	HitRatio atomic.Float64

	MemoryUsage atomic.Int64

	getTimeTotal atomic.Int64
	getTimeCount atomic.Int64
	setTimeTotal atomic.Int64
	setTimeCount atomic.Int64
}

// NewStats creates a zeroed Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordGetTime folds one get duration into the running average.
func (s *Stats) RecordGetTime(d time.Duration) {
	s.getTimeTotal.Add(int64(d))
	s.getTimeCount.Inc()
}

// RecordSetTime folds one set duration into the running average.
func (s *Stats) RecordSetTime(d time.Duration) {
	s.setTimeTotal.Add(int64(d))
	s.setTimeCount.Inc()
}

// AverageGetTime returns the mean get latency so far.
func (s *Stats) AverageGetTime() time.Duration {
	n := s.getTimeCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.getTimeTotal.Load() / n)
}

// AverageSetTime returns the mean set latency so far.
func (s *Stats) AverageSetTime() time.Duration {
	n := s.setTimeCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.setTimeTotal.Load() / n)
}

// RecomputeHitRatio refreshes HitRatio from the cumulative counters.
// The ratio is 0 when no lookups happened yet.
func (s *Stats) RecomputeHitRatio() float64 {
	hits := s.Hits.Load()
	total := hits + s.Misses.Load()
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}
	s.HitRatio.Store(ratio)
	return ratio
}

// Reset zeroes every counter. Used by clear-all.
func (s *Stats) Reset() {
	s.Hits.Store(0)
	s.Misses.Store(0)
	s.Sets.Store(0)
	s.Deletes.Store(0)
	s.Evictions.Store(0)
	s.HitRatio.Store(0)
	s.MemoryUsage.Store(0)
	s.getTimeTotal.Store(0)
	s.getTimeCount.Store(0)
	s.setTimeTotal.Store(0)
	s.setTimeCount.Store(0)
}

// LayerStats are per-layer counters reported in snapshots.
type LayerStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// StatsSnapshot is a point-in-time copy of the engine counters, safe to
// hand to callers.
type StatsSnapshot struct {
	Hits           int64                 `json:"hits"`
	Misses         int64                 `json:"misses"`
	Sets           int64                 `json:"sets"`
	Deletes        int64                 `json:"deletes"`
	Evictions      int64                 `json:"evictions"`
	HitRatio       float64               `json:"hitRatio"`
	AverageGetTime time.Duration         `json:"averageGetTime"`
	AverageSetTime time.Duration         `json:"averageSetTime"`
	MemoryUsage    int64                 `json:"memoryUsage"`
	Layers         map[string]LayerStats `json:"layers"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:           s.Hits.Load(),
		Misses:         s.Misses.Load(),
		Sets:           s.Sets.Load(),
		Deletes:        s.Deletes.Load(),
		Evictions:      s.Evictions.Load(),
		HitRatio:       s.HitRatio.Load(),
		AverageGetTime: s.AverageGetTime(),
		AverageSetTime: s.AverageSetTime(),
		MemoryUsage:    s.MemoryUsage.Load(),
		Layers:         make(map[string]LayerStats),
	}
}
