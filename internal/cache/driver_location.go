package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	driverLocationsKey  = "drivers:locations"
	driverMetaKeyPrefix = "driver:meta:"
	metaTTL             = 24 * time.Hour
)

// DriverLocationCache mirrors presence into a Redis GEO set so nearby-driver
// lookups avoid a table scan. The presence table stays authoritative.
type DriverLocationCache interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	GetNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]DriverWithDistance, error)
	RemoveDriver(ctx context.Context, driverID string) error
}

type DriverWithDistance struct {
	DriverID string
	Distance float64 // km
}

type driverLocationCache struct {
	redis *redis.Client
}

func NewDriverLocationCache(redisClient *redis.Client) DriverLocationCache {
	return &driverLocationCache{redis: redisClient}
}

func (c *driverLocationCache) UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error {
	pipe := c.redis.TxPipeline()
	pipe.GeoAdd(ctx, driverLocationsKey, &redis.GeoLocation{
		Name:      driverID,
		Longitude: lng,
		Latitude:  lat,
	})
	pipe.HSet(ctx, metaKey(driverID), "updated_at", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, metaKey(driverID), metaTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *driverLocationCache) SetOnline(ctx context.Context, driverID string, online bool) error {
	pipe := c.redis.TxPipeline()
	pipe.HSet(ctx, metaKey(driverID), "online", strconv.FormatBool(online))
	pipe.Expire(ctx, metaKey(driverID), metaTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *driverLocationCache) GetNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]DriverWithDistance, error) {
	locations, err := c.redis.GeoRadius(ctx, driverLocationsKey, lng, lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}

	result := make([]DriverWithDistance, 0, len(locations))
	for _, loc := range locations {
		online, err := c.redis.HGet(ctx, metaKey(loc.Name), "online").Result()
		if err != nil || online != "true" {
			continue
		}
		result = append(result, DriverWithDistance{
			DriverID: loc.Name,
			Distance: loc.Dist,
		})
	}

	return result, nil
}

func (c *driverLocationCache) RemoveDriver(ctx context.Context, driverID string) error {
	pipe := c.redis.TxPipeline()
	pipe.ZRem(ctx, driverLocationsKey, driverID)
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func metaKey(driverID string) string {
	return driverMetaKeyPrefix + driverID
}
