// Package eta produces non-authoritative arrival hints for riders.
package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/models"
)

// DefaultSpeedMpm is the flat motorcycle speed used when no router answers.
const DefaultSpeedMpm = 400.0

type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache keeps recent estimates keyed by the geohash cells of both ends, so
// positions a few meters apart share an entry.
type Cache struct {
	mu        sync.RWMutex
	store     map[string]cacheEntry
	ttl       time.Duration
	precision uint
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, precision: 7}
}

func (c *Cache) keyFor(a, b models.Coord) string {
	return geohash.EncodeWithPrecision(a.Lat, a.Lon, c.precision) + ">" + geohash.EncodeWithPrecision(b.Lat, b.Lon, c.precision)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := c.keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := c.keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is straight-line distance over a flat speed.
func EstimateSeconds(from, to models.Coord, speedMpm float64) float64 {
	if speedMpm <= 0 {
		speedMpm = DefaultSpeedMpm
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMpm * 60
}

// Hint is what the rider sees while the trip runs.
type Hint struct {
	Minutes  int       `json:"minutes"`
	ArriveAt time.Time `json:"arrive_at"`
	Source   string    `json:"source"`
}

// Estimator prefers the routing client and falls back to the flat speed
// when it is missing or fails.
type Estimator struct {
	Router   Client
	Cache    *Cache
	SpeedMpm float64
	Now      func() time.Time
}

func (e *Estimator) Hint(ctx context.Context, from, to models.Coord) Hint {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	secs, source := e.seconds(ctx, from, to)
	minutes := int(math.Ceil(secs / 60))
	return Hint{Minutes: minutes, ArriveAt: now().Add(time.Duration(minutes) * time.Minute), Source: source}
}

func (e *Estimator) seconds(ctx context.Context, from, to models.Coord) (float64, string) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v, "cache"
		}
	}
	if e.Router != nil {
		if v, err := e.Router.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v, "router"
		}
	}
	return EstimateSeconds(from, to, e.SpeedMpm), "flat"
}
