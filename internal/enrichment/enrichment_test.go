package enrichment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

func TestWeatherClient_Current(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("appid"))
		assert.Equal(t, "-23.55", r.URL.Query().Get("lat"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		w.Write([]byte(`{
			"weather":[{"id":502,"main":"Rain","description":"heavy rain"}],
			"main":{"temp":21.5,"humidity":90},
			"wind":{"speed":5},
			"rain":{"1h":12}
		}`))
	}))
	defer srv.Close()

	c := NewWeatherClient(config.WeatherConfig{APIKey: "secret", BaseURL: srv.URL, Units: "metric", Timeout: time.Second})
	report, err := c.Current(context.Background(), -23.55, -46.63)
	require.NoError(t, err)

	assert.Equal(t, 502, report.Code)
	assert.Equal(t, database.SeverityHigh, report.Severity)
	assert.InDelta(t, 18.0, report.WindKmh, 1e-9)
	assert.Equal(t, 12.0, report.Rain1h)
	assert.True(t, report.Adverse())
	assert.Contains(t, report.Summary, "aquaplaning")
}

func TestWeatherClient_NotConfigured(t *testing.T) {
	c := NewWeatherClient(config.WeatherConfig{BaseURL: "http://example.invalid"})
	_, err := c.Current(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWeatherClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"cod":401}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewWeatherClient(config.WeatherConfig{APIKey: "bad", BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.Current(context.Background(), 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestAssess(t *testing.T) {
	kmh := func(v float64) float64 { return v * 3.6 }
	parse := func(body string) *owmResponse {
		var p owmResponse
		require.NoError(t, json.Unmarshal([]byte(body), &p))
		return &p
	}

	tests := []struct {
		name string
		body string
		want database.Severity
	}{
		{"clear", `{"weather":[{"id":800,"description":"clear sky"}],"main":{"temp":22}}`, database.SeverityLow},
		{"moderate wind", `{"weather":[{"id":800}],"wind":{"speed":10}}`, database.SeverityMedium},
		{"strong wind", `{"weather":[{"id":800}],"wind":{"speed":15}}`, database.SeverityHigh},
		{"freezing", `{"weather":[{"id":800}],"main":{"temp":-2}}`, database.SeverityHigh},
		{"cold", `{"weather":[{"id":800}],"main":{"temp":3}}`, database.SeverityMedium},
		{"moderate rain volume", `{"weather":[{"id":500}],"rain":{"1h":6}}`, database.SeverityMedium},
		{"extreme rain", `{"weather":[{"id":504}]}`, database.SeverityCritical},
		{"fog", `{"weather":[{"id":741}]}`, database.SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := assess(parse(tt.body), kmh)
			assert.Equal(t, tt.want, r.Severity)
			assert.Equal(t, tt.want != database.SeverityLow, r.Adverse())
		})
	}
}

func TestUrbanClassifier(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"city", `{"category":"place","type":"house","address":{"city":"São Paulo","road":"Avenida Paulista"}}`, true},
		{"motorway inside city", `{"category":"highway","type":"motorway","address":{"city":"São Paulo"}}`, false},
		{"trunk address", `{"address":{"highway":"trunk","town":"Jundiaí"}}`, false},
		{"rural road", `{"address":{"road":"Rodovia dos Bandeirantes","state":"SP"}}`, false},
		{"street name", `{"address":{"road":"Rua Augusta"}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/reverse", r.URL.Path)
				assert.Equal(t, "fleet-test", r.Header.Get("User-Agent"))
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewUrbanClassifier(config.GeocodingConfig{BaseURL: srv.URL, UserAgent: "fleet-test", Timeout: time.Second})
			urban, err := c.IsUrban(context.Background(), -23.5, -46.6)
			require.NoError(t, err)
			assert.Equal(t, tt.want, urban)
		})
	}
}

func TestUrbanClassifier_NotConfigured(t *testing.T) {
	c := NewUrbanClassifier(config.GeocodingConfig{})
	_, err := c.IsUrban(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
