package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetwatch/telemetry-pipeline/internal/database"
)

// VehicleFinder looks vehicles up by id. *database.DB implements it.
type VehicleFinder interface {
	FindVehicle(ctx context.Context, id int64) (*database.Vehicle, error)
}

// VehicleCache serves vehicle lookups from Redis and falls back to the
// wrapped finder on a miss. Unknown vehicles are not cached.
type VehicleCache struct {
	redis  *redis.Client
	next   VehicleFinder
	ttl    time.Duration
	logger *slog.Logger
}

// NewVehicleCache creates a read-through cache in front of next.
func NewVehicleCache(redisClient *redis.Client, next VehicleFinder, ttl time.Duration, logger *slog.Logger) *VehicleCache {
	return &VehicleCache{
		redis:  redisClient,
		next:   next,
		ttl:    ttl,
		logger: logger.With("component", "vehicle-cache"),
	}
}

func vehicleKey(id int64) string {
	return fmt.Sprintf("vehicle:%d", id)
}

// FindVehicle returns the vehicle, consulting Redis first. Redis failures
// degrade to a direct lookup.
func (c *VehicleCache) FindVehicle(ctx context.Context, id int64) (*database.Vehicle, error) {
	key := vehicleKey(id)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v database.Vehicle
		if err := json.Unmarshal(data, &v); err == nil {
			return &v, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Debug("cache read failed", "key", key, "error", err)
	}

	v, err := c.next.FindVehicle(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(v); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Debug("cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// Invalidate drops the cached entry for a vehicle.
func (c *VehicleCache) Invalidate(ctx context.Context, id int64) error {
	return c.redis.Del(ctx, vehicleKey(id)).Err()
}
