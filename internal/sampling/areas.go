package sampling

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CriticalArea is a rectangular geofence with a daily activation window.
// Readings inside an active area are kept with probability Factor.
type CriticalArea struct {
	Name   string
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
	// Start and End are offsets from local midnight. The window is
	// [Start, End) and wraps past midnight when End < Start.
	Start  time.Duration
	End    time.Duration
	Factor float64
}

// Contains reports whether the point lies inside the bounding box, edges included.
func (a CriticalArea) Contains(lat, lon float64) bool {
	return lat >= a.MinLat && lat <= a.MaxLat && lon >= a.MinLon && lon <= a.MaxLon
}

// ActiveAt reports whether local is inside the activation window. Only the
// time of day of local is used.
func (a CriticalArea) ActiveAt(local time.Time) bool {
	h, m, s := local.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second

	switch {
	case a.Start == a.End:
		return true
	case a.Start < a.End:
		return tod >= a.Start && tod < a.End
	default:
		return tod >= a.Start || tod < a.End
	}
}

func (a CriticalArea) validate() error {
	var errs []error
	if a.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if a.MinLat > a.MaxLat || a.MinLon > a.MaxLon {
		errs = append(errs, errors.New("min bounds must not exceed max bounds"))
	}
	if a.Factor <= 0 || a.Factor > 1 {
		errs = append(errs, fmt.Errorf("factor %v outside (0,1]", a.Factor))
	}
	if a.Start < 0 || a.Start >= 24*time.Hour || a.End < 0 || a.End > 24*time.Hour {
		errs = append(errs, errors.New("window must lie within one day"))
	}
	return errors.Join(errs...)
}

// DefaultAreas are the rush-hour zones of the three largest operating cities.
func DefaultAreas() []CriticalArea {
	return []CriticalArea{
		{
			Name:   "sao-paulo-centro",
			MinLat: -23.65, MaxLat: -23.45,
			MinLon: -46.75, MaxLon: -46.55,
			Start: 17 * time.Hour, End: 20 * time.Hour,
			Factor: 0.3,
		},
		{
			Name:   "rio-de-janeiro-centro",
			MinLat: -23.05, MaxLat: -22.75,
			MinLon: -43.35, MaxLon: -43.05,
			Start: 8 * time.Hour, End: 18 * time.Hour,
			Factor: 0.5,
		},
		{
			Name:   "belo-horizonte-centro",
			MinLat: -20.0, MaxLat: -19.7,
			MinLon: -44.1, MaxLon: -43.7,
			Start: 11 * time.Hour, End: 14 * time.Hour,
			Factor: 0.4,
		},
	}
}

type areaFile struct {
	Areas []areaEntry `yaml:"areas"`
}

type areaEntry struct {
	Name   string  `yaml:"name"`
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
	Start  string  `yaml:"start"` // HH:MM
	End    string  `yaml:"end"`
	Factor float64 `yaml:"factor"`
}

// LoadAreas reads area definitions from a YAML file. An empty path returns
// DefaultAreas.
func LoadAreas(path string) ([]CriticalArea, error) {
	if path == "" {
		return DefaultAreas(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read areas file: %w", err)
	}
	return ParseAreas(data)
}

// ParseAreas decodes YAML area definitions, keeping their order.
func ParseAreas(data []byte) ([]CriticalArea, error) {
	var f areaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse areas: %w", err)
	}

	areas := make([]CriticalArea, 0, len(f.Areas))
	for i, e := range f.Areas {
		start, err := parseClock(e.Start)
		if err != nil {
			return nil, fmt.Errorf("area %d (%s) start: %w", i, e.Name, err)
		}
		end, err := parseClock(e.End)
		if err != nil {
			return nil, fmt.Errorf("area %d (%s) end: %w", i, e.Name, err)
		}

		a := CriticalArea{
			Name:   e.Name,
			MinLat: e.MinLat,
			MaxLat: e.MaxLat,
			MinLon: e.MinLon,
			MaxLon: e.MaxLon,
			Start:  start,
			End:    end,
			Factor: e.Factor,
		}
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("area %d (%s): %w", i, e.Name, err)
		}
		areas = append(areas, a)
	}
	return areas, nil
}

func parseClock(s string) (time.Duration, error) {
	if s == "24:00" {
		return 24 * time.Hour, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
