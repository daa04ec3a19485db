package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
)

// positionsGeoKey indexes the last known point of every vehicle.
const positionsGeoKey = "vehicles:positions"

// Position is the last known state of a vehicle.
type Position struct {
	VehicleID  int64     `json:"vehicle_id"`
	ReadingID  int64     `json:"reading_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	FuelLevel  *float64  `json:"fuel_level,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PositionStore keeps live vehicle state in Redis: one hash per vehicle plus
// a geo set over all vehicles.
type PositionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewPositionStore creates a position store. Hashes expire after ttl without
// updates.
func NewPositionStore(redisClient *redis.Client, ttl time.Duration) *PositionStore {
	return &PositionStore{redis: redisClient, ttl: ttl}
}

func stateKey(vehicleID int64) string {
	return fmt.Sprintf("vehicle_state:%d", vehicleID)
}

// Update records a reading as the vehicle's current state.
func (s *PositionStore) Update(ctx context.Context, r *database.TelemetryReading) error {
	key := stateKey(r.VehicleID)
	fields := map[string]any{
		"vehicle_id":  r.VehicleID,
		"reading_id":  r.ID,
		"latitude":    strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		"longitude":   strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		"speed":       strconv.FormatFloat(r.Speed, 'f', -1, 64),
		"recorded_at": r.RecordedAt.UTC().Format(time.RFC3339),
	}
	if r.FuelLevel != nil {
		fields["fuel_level"] = strconv.FormatFloat(*r.FuelLevel, 'f', -1, 64)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.GeoAdd(ctx, positionsGeoKey, &redis.GeoLocation{
		Name:      strconv.FormatInt(r.VehicleID, 10),
		Longitude: r.Longitude,
		Latitude:  r.Latitude,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update vehicle state in Redis: %w", err)
	}
	return nil
}

// Get returns the last known state of a vehicle, or nil when none is stored.
func (s *PositionStore) Get(ctx context.Context, vehicleID int64) (*Position, error) {
	values, err := s.redis.HGetAll(ctx, stateKey(vehicleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle state from Redis: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	p := &Position{VehicleID: vehicleID}
	p.ReadingID, _ = strconv.ParseInt(values["reading_id"], 10, 64)
	p.Latitude, _ = strconv.ParseFloat(values["latitude"], 64)
	p.Longitude, _ = strconv.ParseFloat(values["longitude"], 64)
	p.Speed, _ = strconv.ParseFloat(values["speed"], 64)
	if v, ok := values["fuel_level"]; ok {
		if fuel, err := strconv.ParseFloat(v, 64); err == nil {
			p.FuelLevel = &fuel
		}
	}
	p.RecordedAt, _ = time.Parse(time.RFC3339, values["recorded_at"])
	return p, nil
}

// Nearby returns the ids of vehicles within radiusKm of a point, nearest first.
func (s *PositionStore) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]int64, error) {
	locs, err := s.redis.GeoRadius(ctx, positionsGeoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search vehicle positions: %w", err)
	}

	ids := make([]int64, 0, len(locs))
	for _, loc := range locs {
		id, err := strconv.ParseInt(loc.Name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
