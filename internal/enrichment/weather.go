// Package enrichment contains clients for the external services that add
// context to a reading: current weather and reverse geocoding.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

// ErrNotConfigured is returned by clients that have no endpoint or key.
var ErrNotConfigured = errors.New("enrichment: client not configured")

// WeatherReport is the assessed current weather at a point.
type WeatherReport struct {
	Code        int
	Description string
	Temperature float64 // Celsius
	WindKmh     float64
	GustKmh     float64
	Rain1h      float64 // mm
	Snow1h      float64 // mm
	Severity    database.Severity
	Summary     string
}

// Adverse reports whether the weather warrants an alert.
func (r *WeatherReport) Adverse() bool {
	return r.Severity.AtLeast(database.SeverityMedium)
}

// WeatherClient queries the OpenWeatherMap current-weather endpoint.
type WeatherClient struct {
	baseURL    string
	apiKey     string
	units      string
	httpClient *http.Client
}

func NewWeatherClient(cfg config.WeatherConfig) *WeatherClient {
	return &WeatherClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		units:      cfg.Units,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type owmResponse struct {
	Weather []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main *struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Wind *struct {
		Speed float64 `json:"speed"`
		Gust  float64 `json:"gust"`
	} `json:"wind"`
	Rain *struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
	Snow *struct {
		OneHour float64 `json:"1h"`
	} `json:"snow"`
}

// Current fetches and assesses the weather at lat/lon. Failures are returned
// as is; callers decide whether to skip the reading.
func (c *WeatherClient) Current(ctx context.Context, lat, lon float64) (*WeatherReport, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("appid", c.apiKey)
	q.Set("units", c.units)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/weather?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build weather request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	if len(payload.Weather) == 0 {
		return nil, errors.New("weather response has no conditions")
	}

	return assess(&payload, c.windToKmh), nil
}

func (c *WeatherClient) windToKmh(v float64) float64 {
	if c.units == "imperial" {
		return v * 1.609344
	}
	return v * 3.6
}

// conditionSeverity maps OpenWeatherMap condition codes to a severity.
var conditionSeverity = map[int]database.Severity{
	200: database.SeverityHigh,     // thunderstorm
	500: database.SeverityMedium,   // light rain
	501: database.SeverityMedium,   // moderate rain
	502: database.SeverityHigh,     // heavy rain
	503: database.SeverityHigh,     // very heavy rain
	504: database.SeverityCritical, // extreme rain
	600: database.SeverityMedium,   // light snow
	601: database.SeverityMedium,   // snow
	602: database.SeverityHigh,     // heavy snow
	711: database.SeverityMedium,   // smoke
	741: database.SeverityMedium,   // fog
	761: database.SeverityMedium,   // dust
}

func assess(p *owmResponse, windToKmh func(float64) float64) *WeatherReport {
	r := &WeatherReport{
		Code:        p.Weather[0].ID,
		Description: p.Weather[0].Description,
		Severity:    database.SeverityLow,
	}
	raise := func(s database.Severity) {
		if s.Rank() > r.Severity.Rank() {
			r.Severity = s
		}
	}

	if s, ok := conditionSeverity[r.Code]; ok {
		raise(s)
	}

	parts := []string{r.Description}

	if p.Main != nil {
		r.Temperature = p.Main.Temp
		parts = append(parts, fmt.Sprintf("%.1f°C", r.Temperature))
		switch {
		case r.Temperature > 35, r.Temperature < 0:
			raise(database.SeverityHigh)
		case r.Temperature < 5:
			raise(database.SeverityMedium)
		}
	}

	if p.Wind != nil {
		r.WindKmh = windToKmh(p.Wind.Speed)
		r.GustKmh = windToKmh(p.Wind.Gust)
		parts = append(parts, fmt.Sprintf("wind %.1f km/h", r.WindKmh))
		switch {
		case r.WindKmh > 50:
			raise(database.SeverityHigh)
		case r.WindKmh > 30:
			raise(database.SeverityMedium)
		}
	}

	if p.Rain != nil && p.Rain.OneHour > 0 {
		r.Rain1h = p.Rain.OneHour
		parts = append(parts, fmt.Sprintf("rain %.1f mm/h", r.Rain1h))
		switch {
		case r.Rain1h > 10:
			raise(database.SeverityHigh)
			parts = append(parts, "aquaplaning risk")
		case r.Rain1h > 5:
			raise(database.SeverityMedium)
		}
	}

	if p.Snow != nil && p.Snow.OneHour > 0 {
		r.Snow1h = p.Snow.OneHour
		parts = append(parts, fmt.Sprintf("snow %.1f mm/h", r.Snow1h))
		if r.Snow1h > 5 {
			raise(database.SeverityHigh)
			parts = append(parts, "slippery road")
		}
	}

	r.Summary = strings.Join(parts, ", ")
	return r
}
