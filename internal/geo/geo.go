package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/moto-dispatch/internal/models"
)

// Radar indexes available drivers so riders can see nearby motorcycles.
// Non-available presences are evicted on Upsert.
type Radar interface {
	Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]models.DriverPresence, error)
	Upsert(ctx context.Context, p models.DriverPresence) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPresence)}
}

func (g *Index) Upsert(_ context.Context, p models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Status != models.DriverAvailable || p.Loc == nil {
		delete(g.drivers, p.DriverID)
		return nil
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	g.drivers[p.DriverID] = p
	return nil
}

// naive scan; fine for a single city fleet
func (g *Index) Nearby(_ context.Context, c models.Coord, radiusM float64, limit int) ([]models.DriverPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.DriverPresence
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, p := range g.drivers {
		dist := Haversine(c.Lat, c.Lon, p.Loc.Lat, p.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPresence, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
