package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/moto-dispatch/internal/models"
)

type fakeRouter struct {
	secs  float64
	err   error
	calls int
}

func (f *fakeRouter) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls++
	return f.secs, f.err
}

func TestFlatHintRoundsUp(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e := &Estimator{SpeedMpm: 400, Now: func() time.Time { return now }}
	// roughly 1.1 km due north
	h := e.Hint(context.Background(), models.Coord{Lat: 14.0, Lon: -87.2}, models.Coord{Lat: 14.01, Lon: -87.2})
	if h.Minutes != 3 || h.Source != "flat" {
		t.Fatalf("hint = %+v", h)
	}
	if !h.ArriveAt.Equal(now.Add(3 * time.Minute)) {
		t.Fatalf("arrive at %v", h.ArriveAt)
	}
}

func TestRouterFallbackAndCache(t *testing.T) {
	r := &fakeRouter{secs: 125}
	e := &Estimator{Router: r, Cache: NewCache(time.Minute), SpeedMpm: 400}
	a, b := models.Coord{Lat: 14.0, Lon: -87.2}, models.Coord{Lat: 14.01, Lon: -87.2}

	if h := e.Hint(context.Background(), a, b); h.Minutes != 3 || h.Source != "router" {
		t.Fatalf("router hint = %+v", h)
	}
	// a few meters away hashes to the same cell
	near := models.Coord{Lat: 14.00001, Lon: -87.20001}
	if h := e.Hint(context.Background(), near, b); h.Source != "cache" {
		t.Fatalf("expected cache hit, got %+v", h)
	}
	if r.calls != 1 {
		t.Fatalf("router called %d times", r.calls)
	}

	down := &fakeRouter{err: errors.New("unreachable")}
	e2 := &Estimator{Router: down, SpeedMpm: 400}
	if h := e2.Hint(context.Background(), a, b); h.Source != "flat" {
		t.Fatalf("expected fallback, got %+v", h)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/route/v1/driving/2.000000,1.000000;4.000000,3.000000":
			w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5,"distance":2000}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`))
		}
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	if err != nil || got != 321.5 {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 9, Lon: 9}, models.Coord{Lat: 3, Lon: 4}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}
