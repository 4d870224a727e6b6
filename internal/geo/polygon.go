package geo

import (
	"math"

	"github.com/example/moto-dispatch/internal/models"
)

// MinRingVertices is the smallest ring that can enclose anything.
const MinRingVertices = 3

// PointInPolygon reports whether p lies inside ring using the ray casting
// parity rule. Lon is treated as x and Lat as y. The ring is implicitly
// closed; a repeated closing vertex is harmless. Rings with fewer than three
// vertices or with non-finite coordinates never contain anything. Points on
// an edge or vertex may land on either side.
func PointInPolygon(p models.Coord, ring []models.Coord) bool {
	if len(ring) < MinRingVertices || !finite(p) {
		return false
	}
	for _, v := range ring {
		if !finite(v) {
			return false
		}
	}
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i].Lon, ring[i].Lat
		xj, yj := ring[j].Lon, ring[j].Lat
		if (yi > p.Lat) != (yj > p.Lat) {
			crossX := (xj-xi)*(p.Lat-yi)/(yj-yi) + xi
			if p.Lon < crossX {
				inside = !inside
			}
		}
	}
	return inside
}

// ValidRing reports whether ring can be used for containment tests.
func ValidRing(ring []models.Coord) bool {
	open := OpenRing(ring)
	if len(open) < MinRingVertices {
		return false
	}
	for _, v := range open {
		if !finite(v) {
			return false
		}
	}
	return true
}

// ClosedRing returns ring with its first vertex repeated at the end, the
// form GeoJSON polygons are persisted in.
func ClosedRing(ring []models.Coord) []models.Coord {
	if len(ring) == 0 {
		return nil
	}
	out := append([]models.Coord(nil), ring...)
	if out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	return out
}

// OpenRing drops a duplicated closing vertex.
func OpenRing(ring []models.Coord) []models.Coord {
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		return ring[:len(ring)-1]
	}
	return ring
}

// Bounds returns the min and max corners of ring. ok is false for an empty ring.
func Bounds(ring []models.Coord) (lo, hi models.Coord, ok bool) {
	if len(ring) == 0 {
		return lo, hi, false
	}
	lo, hi = ring[0], ring[0]
	for _, v := range ring[1:] {
		lo.Lat = math.Min(lo.Lat, v.Lat)
		lo.Lon = math.Min(lo.Lon, v.Lon)
		hi.Lat = math.Max(hi.Lat, v.Lat)
		hi.Lon = math.Max(hi.Lon, v.Lon)
	}
	return lo, hi, true
}

func finite(c models.Coord) bool {
	return !math.IsNaN(c.Lat) && !math.IsNaN(c.Lon) && !math.IsInf(c.Lat, 0) && !math.IsInf(c.Lon, 0)
}
