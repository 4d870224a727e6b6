package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/moto-dispatch/internal/models"
)

// RedisGeo implements Radar using Redis GEO commands. Only available drivers
// live in the GEO set; metadata sits in a hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.DriverPresence) error {
	if p.Status != models.DriverAvailable || p.Loc == nil {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, r.key, p.DriverID)
			pipe.Del(ctx, metaKey(p.DriverID))
			return nil
		})
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID})
		pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
			"status":  string(p.Status),
			"balance": fmt.Sprintf("%f", p.Balance),
			"updated": time.Now().Format(time.RFC3339),
		})
		return nil
	})
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]models.DriverPresence, error) {
	if radiusM <= 0 {
		radiusM = 5000
	}
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.DriverPresence, 0, len(res))
	for _, g := range res {
		p := models.DriverPresence{DriverID: g.Name, Status: models.DriverAvailable, Loc: &models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["balance"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					p.Balance = f
				}
			}
			if v, ok := m["updated"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					p.UpdatedAt = t
				}
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
