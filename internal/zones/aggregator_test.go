package zones

import (
	"math"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/observability"
)

func square(id string, lat, lon, size float64) models.Zone {
	return models.Zone{ID: id, Name: id, Ring: []models.Coord{
		{Lat: lat, Lon: lon},
		{Lat: lat, Lon: lon + size},
		{Lat: lat + size, Lon: lon + size},
		{Lat: lat + size, Lon: lon},
		{Lat: lat, Lon: lon},
	}}
}

func at(lat, lon float64) *models.Coord { return &models.Coord{Lat: lat, Lon: lon} }

func TestComputeCounts(t *testing.T) {
	a := NewAggregator()
	a.SetZones([]models.Zone{square("north", 1, 0, 1), square("south", 0, 0, 1)})

	drivers := []models.DriverPresence{
		{DriverID: "a", Loc: at(1.5, 0.5), Status: models.DriverAvailable},
		{DriverID: "b", Loc: at(0.5, 0.5), Status: models.DriverOccupied},
		{DriverID: "c", Loc: at(0.5, 0.5), Status: models.DriverInactive},
		{DriverID: "d", Status: models.DriverAvailable},
		{DriverID: "e", Loc: at(5, 5), Status: models.DriverAvailable},
	}
	requests := []models.Trip{
		{ID: "t1", Origin: models.Coord{Lat: 0.2, Lon: 0.2}, Status: models.TripSearching},
		{ID: "t2", Origin: models.Coord{Lat: 0.3, Lon: 0.3}, Status: models.TripAccepted},
	}
	got := a.Compute(drivers, requests)
	if len(got) != 2 {
		t.Fatalf("want 2 zones, got %d", len(got))
	}
	if got[0].Drivers != 1 || got[0].Requests != 0 {
		t.Fatalf("north = %+v", got[0])
	}
	if got[1].Drivers != 1 || got[1].Requests != 1 {
		t.Fatalf("south = %+v", got[1])
	}
}

func TestDegenerateZoneNeverMatches(t *testing.T) {
	a := NewAggregator()
	a.SetZones([]models.Zone{
		{ID: "line", Name: "line", Ring: []models.Coord{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}},
		{ID: "nan", Name: "nan", Ring: []models.Coord{{Lat: math.NaN(), Lon: 0}, {Lat: 1, Lon: 1}, {Lat: 0, Lon: 1}}},
	})
	got := a.Compute([]models.DriverPresence{{DriverID: "a", Loc: at(0.5, 0.5), Status: models.DriverAvailable}}, nil)
	for _, o := range got {
		if o.Drivers != 0 {
			t.Fatalf("degenerate zone %s counted a driver", o.Name)
		}
	}
}

func TestConcaveZoneUsesExactTest(t *testing.T) {
	// U shape: the notch is inside the bounding box but outside the polygon
	u := models.Zone{ID: "u", Name: "u", Ring: []models.Coord{
		{Lat: 0, Lon: 0}, {Lat: 0, Lon: 3}, {Lat: 3, Lon: 3}, {Lat: 3, Lon: 2},
		{Lat: 1, Lon: 2}, {Lat: 1, Lon: 1}, {Lat: 3, Lon: 1}, {Lat: 3, Lon: 0},
	}}
	a := NewAggregator()
	a.SetZones([]models.Zone{u})

	if _, ok := a.Locate(models.Coord{Lat: 2, Lon: 1.5}); ok {
		t.Fatal("notch reported inside")
	}
	if z, ok := a.Locate(models.Coord{Lat: 2, Lon: 0.5}); !ok || z.ID != "u" {
		t.Fatal("arm reported outside")
	}
}

func TestSetZonesReplacesCache(t *testing.T) {
	a := NewAggregator()
	a.SetZones([]models.Zone{square("old", 0, 0, 1)})
	a.SetZones([]models.Zone{square("new", 10, 10, 1)})
	if _, ok := a.Locate(models.Coord{Lat: 0.5, Lon: 0.5}); ok {
		t.Fatal("stale zone still cached")
	}
	if z, ok := a.Locate(models.Coord{Lat: 10.5, Lon: 10.5}); !ok || z.ID != "new" {
		t.Fatal("new zone missing")
	}
	if len(a.Zones()) != 1 {
		t.Fatalf("zones = %v", a.Zones())
	}
}

func gaugeValue(t *testing.T, zoneID string) float64 {
	t.Helper()
	var m dto.Metric
	if err := observability.ZoneDrivers.WithLabelValues(zoneID).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestZoneGaugesKeyedByID(t *testing.T) {
	east, west := square("gauge-east", 10, 10, 1), square("gauge-west", 10, 20, 1)
	east.Name, west.Name = "Centro", "Centro"
	a := NewAggregator()
	a.SetZones([]models.Zone{east, west})

	a.Compute([]models.DriverPresence{
		{DriverID: "a", Loc: at(10.5, 10.5), Status: models.DriverAvailable},
		{DriverID: "b", Loc: at(10.5, 20.5), Status: models.DriverAvailable},
		{DriverID: "c", Loc: at(10.2, 20.2), Status: models.DriverOccupied},
	}, nil)

	if got := gaugeValue(t, "gauge-east"); got != 1 {
		t.Fatalf("east gauge = %v", got)
	}
	if got := gaugeValue(t, "gauge-west"); got != 2 {
		t.Fatalf("west gauge = %v", got)
	}
}
