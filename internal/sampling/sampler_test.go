package sampling

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(v float64) func() float64 {
	return func() float64 { return v }
}

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	return loc
}

var testArea = CriticalArea{
	Name:   "test-zone",
	MinLat: -24, MaxLat: -23,
	MinLon: -47, MaxLon: -46,
	Start: 17 * time.Hour, End: 20 * time.Hour,
	Factor: 0.3,
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 6, 10, hour, minute, 0, 0, time.UTC)
}

func TestReductionFactor(t *testing.T) {
	s := NewSampler([]CriticalArea{testArea}, time.UTC)

	f, area := s.ReductionFactor(-23.55, -46.63, at(18, 0))
	assert.Equal(t, 0.3, f)
	assert.Equal(t, "test-zone", area)

	f, area = s.ReductionFactor(-23.55, -46.63, at(20, 0))
	assert.Equal(t, 1.0, f, "window end is exclusive")
	assert.Empty(t, area)

	f, _ = s.ReductionFactor(-23.55, -46.63, at(17, 0))
	assert.Equal(t, 0.3, f, "window start is inclusive")

	f, _ = s.ReductionFactor(-10, -46.63, at(18, 0))
	assert.Equal(t, 1.0, f, "outside the box")
}

func TestReductionFactor_FirstMatchWins(t *testing.T) {
	inner := testArea
	inner.Name = "inner"
	inner.Factor = 0.9

	s := NewSampler([]CriticalArea{testArea, inner}, time.UTC)
	f, area := s.ReductionFactor(-23.5, -46.5, at(18, 0))
	assert.Equal(t, 0.3, f)
	assert.Equal(t, "test-zone", area)
}

func TestReductionFactor_UsesConfiguredZone(t *testing.T) {
	loc := saoPaulo(t)
	s := NewSampler(DefaultAreas(), loc)

	// 21:00 UTC is 18:00 in Sao Paulo (UTC-3), inside the evening peak.
	f, area := s.ReductionFactor(-23.55, -46.63, time.Date(2024, 6, 10, 21, 0, 0, 0, time.UTC))
	assert.Equal(t, 0.3, f)
	assert.Equal(t, "sao-paulo-centro", area)

	f, _ = s.ReductionFactor(-23.55, -46.63, time.Date(2024, 6, 10, 18, 0, 0, 0, time.UTC))
	assert.Equal(t, 1.0, f, "15:00 local")
}

func TestActiveAt_WrapsMidnight(t *testing.T) {
	a := CriticalArea{Start: 22 * time.Hour, End: 2 * time.Hour}
	assert.True(t, a.ActiveAt(at(23, 30)))
	assert.True(t, a.ActiveAt(at(1, 59)))
	assert.False(t, a.ActiveAt(at(2, 0)))
	assert.False(t, a.ActiveAt(at(12, 0)))
}

func TestDecide(t *testing.T) {
	discard := NewSampler([]CriticalArea{testArea}, time.UTC, WithRandom(fixed(0.5)))
	d := discard.Decide(1, -23.55, -46.63, at(18, 0))
	assert.False(t, d.Keep, "0.5 > 0.3")
	assert.Equal(t, 0.3, d.Factor)

	keep := NewSampler([]CriticalArea{testArea}, time.UTC, WithRandom(fixed(0.2)))
	d = keep.Decide(1, -23.55, -46.63, at(18, 0))
	assert.True(t, d.Keep, "0.2 <= 0.3")
	assert.True(t, d.Opportunistic)

	boundary := NewSampler([]CriticalArea{testArea}, time.UTC, WithRandom(fixed(0.3)))
	assert.True(t, boundary.Decide(1, -23.55, -46.63, at(18, 0)).Keep)
}

func TestDecide_OutsideAreasNeverDraws(t *testing.T) {
	s := NewSampler([]CriticalArea{testArea}, time.UTC, WithRandom(func() float64 {
		t.Fatal("random source must not be consulted outside critical areas")
		return 0
	}))
	d := s.Decide(1, 0, 0, at(18, 0))
	assert.True(t, d.Keep)
	assert.False(t, d.Opportunistic)
}

func TestStats_KeptCountedOnlyWhenRecorded(t *testing.T) {
	s := NewSampler([]CriticalArea{testArea}, time.UTC, WithRandom(fixed(0.5)))

	assert.True(t, s.Decide(1, 0, 0, at(18, 0)).Keep)
	assert.False(t, s.Decide(1, -23.55, -46.63, at(18, 0)).Keep)
	assert.Equal(t, VehicleStats{Discarded: 1}, s.Totals(), "a kept decision is not yet a stored reading")

	s.RecordKept(1)
	assert.Equal(t, VehicleStats{Kept: 1, Discarded: 1}, s.Stats()[1])
}

func TestStats_Concurrent(t *testing.T) {
	s := NewSampler([]CriticalArea{testArea}, time.UTC, WithRandom(fixed(0.5)))

	var wg sync.WaitGroup
	for v := int64(1); v <= 8; v++ {
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(vehicle int64) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					s.Decide(vehicle, -23.55, -46.63, at(18, 0)) // discarded
					if s.Decide(vehicle, 0, 0, at(18, 0)).Keep {
						s.RecordKept(vehicle)
					}
				}
			}(v)
		}
	}
	wg.Wait()

	stats := s.Stats()
	require.Len(t, stats, 8)
	for id, st := range stats {
		assert.Equal(t, int64(400), st.Kept, "vehicle %d", id)
		assert.Equal(t, int64(400), st.Discarded, "vehicle %d", id)
	}
	assert.Equal(t, VehicleStats{Kept: 3200, Discarded: 3200}, s.Totals())
}

func TestShouldEnrich(t *testing.T) {
	s := NewSampler(nil, time.UTC, WithRandom(fixed(0.5)), WithEnrichmentRate(0.2))
	assert.True(t, s.ShouldEnrich(1.0))
	assert.False(t, s.ShouldEnrich(0.3))

	s = NewSampler(nil, time.UTC, WithRandom(fixed(0.1)), WithEnrichmentRate(0.2))
	assert.True(t, s.ShouldEnrich(0.3))
}

func TestLoadAreas(t *testing.T) {
	areas, err := LoadAreas("")
	require.NoError(t, err)
	assert.Len(t, areas, 3)

	path := filepath.Join(t.TempDir(), "areas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
areas:
  - name: night-port
    min_lat: -24.0
    max_lat: -23.9
    min_lon: -46.4
    max_lon: -46.2
    start: "22:00"
    end: "04:30"
    factor: 0.25
  - name: all-day
    min_lat: 0
    max_lat: 1
    min_lon: 0
    max_lon: 1
    start: "00:00"
    end: "24:00"
    factor: 1
`), 0o644))

	areas, err = LoadAreas(path)
	require.NoError(t, err)
	require.Len(t, areas, 2)
	assert.Equal(t, "night-port", areas[0].Name)
	assert.Equal(t, 22*time.Hour, areas[0].Start)
	assert.Equal(t, 4*time.Hour+30*time.Minute, areas[0].End)
	assert.Equal(t, 24*time.Hour, areas[1].End)
}

func TestParseAreas_Invalid(t *testing.T) {
	_, err := ParseAreas([]byte(`areas: [{name: x, min_lat: 1, max_lat: 0, start: "10:00", end: "11:00", factor: 0.5}]`))
	assert.Error(t, err)

	_, err = ParseAreas([]byte(`areas: [{name: x, start: "10:00", end: "11:00", factor: 0}]`))
	assert.Error(t, err)

	_, err = ParseAreas([]byte(`areas: [{name: x, start: "25:00", end: "11:00", factor: 0.5}]`))
	assert.Error(t, err)
}
