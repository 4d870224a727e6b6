// Package zones counts drivers and open ride requests inside each service
// zone. Polygons are cached with an R-tree over their bounding boxes so a
// recount only runs the exact containment test on candidate zones.
package zones

import (
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/observability"
)

type Occupancy struct {
	ZoneID   string `json:"zone_id"`
	Name     string `json:"name"`
	Drivers  int    `json:"drivers"`
	Requests int    `json:"requests"`
}

type entry struct {
	idx    int
	bounds rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.bounds }

type Aggregator struct {
	mu    sync.RWMutex
	zones []models.Zone
	tree  *rtreego.Rtree
}

func NewAggregator() *Aggregator {
	return &Aggregator{tree: rtreego.NewTree(2, 25, 50)}
}

// SetZones replaces the cached polygons. Zones whose ring cannot enclose
// anything are kept for reporting but never match.
func (a *Aggregator) SetZones(zones []models.Zone) {
	tree := rtreego.NewTree(2, 25, 50)
	cached := make([]models.Zone, len(zones))
	for i, z := range zones {
		z.Ring = append([]models.Coord(nil), geo.OpenRing(z.Ring)...)
		cached[i] = z
		if !geo.ValidRing(z.Ring) {
			continue
		}
		lo, hi, _ := geo.Bounds(z.Ring)
		r, err := rtreego.NewRectFromPoints(rtreego.Point{lo.Lon, lo.Lat}, rtreego.Point{hi.Lon, hi.Lat})
		if err != nil {
			continue
		}
		tree.Insert(&entry{idx: i, bounds: r})
	}

	a.mu.Lock()
	a.zones = cached
	a.tree = tree
	a.mu.Unlock()

	observability.ZoneDrivers.Reset()
	observability.ZoneRequests.Reset()
}

// Zones returns the cached zones.
func (a *Aggregator) Zones() []models.Zone {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.Zone, len(a.zones))
	copy(out, a.zones)
	return out
}

// locate returns the indexes of every cached zone containing c.
func (a *Aggregator) locate(c models.Coord) []int {
	var hits []int
	for _, s := range a.tree.SearchIntersect(rtreego.Point{c.Lon, c.Lat}.ToRect(1e-9)) {
		e := s.(*entry)
		if geo.PointInPolygon(c, a.zones[e.idx].Ring) {
			hits = append(hits, e.idx)
		}
	}
	return hits
}

// Locate returns the first cached zone, in cache order, containing c.
func (a *Aggregator) Locate(c models.Coord) (models.Zone, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	best := -1
	for _, i := range a.locate(c) {
		if best < 0 || i < best {
			best = i
		}
	}
	if best < 0 {
		return models.Zone{}, false
	}
	return a.zones[best], true
}

// Compute counts online drivers with a known position and searching trips
// by origin. A point inside overlapping zones counts in each of them.
func (a *Aggregator) Compute(drivers []models.DriverPresence, requests []models.Trip) []Occupancy {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Occupancy, len(a.zones))
	for i, z := range a.zones {
		out[i] = Occupancy{ZoneID: z.ID, Name: z.Name}
	}
	for _, d := range drivers {
		if d.Loc == nil || (d.Status != models.DriverAvailable && d.Status != models.DriverOccupied) {
			continue
		}
		for _, i := range a.locate(*d.Loc) {
			out[i].Drivers++
		}
	}
	for _, t := range requests {
		if t.Status != models.TripSearching {
			continue
		}
		for _, i := range a.locate(t.Origin) {
			out[i].Requests++
		}
	}

	// names are not unique, ids are
	for _, o := range out {
		observability.ZoneDrivers.WithLabelValues(o.ZoneID).Set(float64(o.Drivers))
		observability.ZoneRequests.WithLabelValues(o.ZoneID).Set(float64(o.Requests))
	}
	return out
}
