package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

// UrbanClassifier answers whether a point is inside a built-up area using a
// Nominatim reverse-geocoding endpoint.
type UrbanClassifier struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

func NewUrbanClassifier(cfg config.GeocodingConfig) *UrbanClassifier {
	return &UrbanClassifier{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type nominatimResponse struct {
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Address  map[string]string `json:"address"`
}

// IsUrban reverse-geocodes the point. Highways count as non-urban even when
// they cross a city.
func (c *UrbanClassifier) IsUrban(ctx context.Context, lat, lon float64) (bool, error) {
	if c.baseURL == "" {
		return false, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build geocoding request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("geocoding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("geocoding service returned %d", resp.StatusCode)
	}

	var payload nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode geocoding response: %w", err)
	}
	return classify(&payload), nil
}

func isMajorRoad(kind string) bool {
	return strings.Contains(kind, "motorway") ||
		strings.Contains(kind, "trunk") ||
		strings.Contains(kind, "primary")
}

func classify(p *nominatimResponse) bool {
	if p.Category == "highway" && isMajorRoad(p.Type) {
		return false
	}
	if hw := p.Address["highway"]; hw != "" && isMajorRoad(hw) {
		return false
	}
	for _, key := range []string{"city", "town", "village"} {
		if p.Address[key] != "" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(p.Address["road"]), "rua")
}
