// Package sampling thins telemetry from known congested places and times.
package sampling

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Decision is the outcome of sampling one reading.
type Decision struct {
	Factor float64
	Area   string
	Keep   bool
	// Opportunistic is set when a reduced-factor reading survived the draw.
	Opportunistic bool
}

// VehicleStats are per-vehicle keep/discard counts.
type VehicleStats struct {
	Kept      int64 `json:"kept"`
	Discarded int64 `json:"discarded"`
}

type vehicleCounters struct {
	kept      atomic.Int64
	discarded atomic.Int64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithRandom replaces the uniform [0,1) source used for both draws.
func WithRandom(fn func() float64) Option {
	return func(s *Sampler) { s.random = fn }
}

// WithEnrichmentRate sets the probability of enriching a reading kept inside
// a critical area. Readings outside areas are always eligible.
func WithEnrichmentRate(rate float64) Option {
	return func(s *Sampler) { s.enrichRate = rate }
}

// Sampler evaluates critical areas in order; the first match wins.
type Sampler struct {
	areas      []CriticalArea
	loc        *time.Location
	random     func() float64
	enrichRate float64

	mu    sync.RWMutex
	stats map[int64]*vehicleCounters
}

// NewSampler copies areas; later changes to the slice have no effect.
func NewSampler(areas []CriticalArea, loc *time.Location, opts ...Option) *Sampler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Sampler{
		areas:      append([]CriticalArea(nil), areas...),
		loc:        loc,
		random:     rand.Float64,
		enrichRate: 0.2,
		stats:      make(map[int64]*vehicleCounters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Areas returns a copy of the configured areas.
func (s *Sampler) Areas() []CriticalArea {
	return append([]CriticalArea(nil), s.areas...)
}

// ReductionFactor returns the factor of the first area containing the point
// and active at now, or 1 when none match.
func (s *Sampler) ReductionFactor(lat, lon float64, now time.Time) (float64, string) {
	local := now.In(s.loc)
	for _, a := range s.areas {
		if a.Contains(lat, lon) && a.ActiveAt(local) {
			return a.Factor, a.Name
		}
	}
	return 1.0, ""
}

// Decide draws against the reduction factor. A draw r greater than the
// factor discards the reading, and the discard is counted for the vehicle.
// Kept readings are counted by RecordKept once they have been stored.
func (s *Sampler) Decide(vehicleID int64, lat, lon float64, now time.Time) Decision {
	factor, area := s.ReductionFactor(lat, lon, now)
	d := Decision{Factor: factor, Area: area, Keep: true}

	if factor < 1.0 {
		if s.random() > factor {
			d.Keep = false
		} else {
			d.Opportunistic = true
		}
	}

	if !d.Keep {
		s.counters(vehicleID).discarded.Add(1)
	}
	return d
}

// RecordKept counts a kept reading that was stored.
func (s *Sampler) RecordKept(vehicleID int64) {
	s.counters(vehicleID).kept.Add(1)
}

// ShouldEnrich is a second draw, independent of Decide, limiting external
// lookups for readings kept inside a critical area.
func (s *Sampler) ShouldEnrich(factor float64) bool {
	if factor >= 1.0 {
		return true
	}
	return s.random() < s.enrichRate
}

func (s *Sampler) counters(vehicleID int64) *vehicleCounters {
	s.mu.RLock()
	c, ok := s.stats[vehicleID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.stats[vehicleID]; !ok {
		c = &vehicleCounters{}
		s.stats[vehicleID] = c
	}
	return c
}

// Stats returns a copy of the per-vehicle counters. Counts may lag slightly
// behind concurrent updates.
func (s *Sampler) Stats() map[int64]VehicleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]VehicleStats, len(s.stats))
	for id, c := range s.stats {
		out[id] = VehicleStats{Kept: c.kept.Load(), Discarded: c.discarded.Load()}
	}
	return out
}

// Totals sums Stats over all vehicles.
func (s *Sampler) Totals() VehicleStats {
	var t VehicleStats
	for _, v := range s.Stats() {
		t.Kept += v.Kept
		t.Discarded += v.Discarded
	}
	return t
}
