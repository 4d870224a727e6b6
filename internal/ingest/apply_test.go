package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/models"
)

// flakyStore fails the first failures upserts.
type flakyStore struct {
	failures int
	calls    int
}

func (f *flakyStore) UpsertPresence(ctx context.Context, p models.DriverPresence) (*models.DriverPresence, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("upsert fail")
	}
	p.Balance = 42
	return &p, nil
}

func TestApplySucceedsAfterRetries(t *testing.T) {
	store := &flakyStore{failures: 2}
	radar := geo.NewIndex()
	a := &Applier{Store: store, Radar: radar, Attempts: 3, Backoff: 5 * time.Millisecond}

	start := time.Now()
	p := models.DriverPresence{DriverID: "d1", Loc: &models.Coord{Lat: 1, Lon: 2}, Status: models.DriverAvailable}
	if err := a.Apply(context.Background(), p); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d", store.calls)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("expected backoff between attempts")
	}
	near, _ := radar.Nearby(context.Background(), models.Coord{Lat: 1, Lon: 2}, 100, 10)
	if len(near) != 1 || near[0].Balance != 42 {
		t.Fatalf("radar should hold the stored row, got %+v", near)
	}
}

func TestApplyFailsWhenExhausted(t *testing.T) {
	store := &flakyStore{failures: 5}
	a := &Applier{Store: store, Attempts: 3, Backoff: time.Millisecond}
	if err := a.Apply(context.Background(), models.DriverPresence{DriverID: "d1"}); err == nil {
		t.Fatal("expected error after retries")
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d", store.calls)
	}
}
