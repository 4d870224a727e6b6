package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/ingest"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
)

type fakeApplier struct {
	mu   sync.Mutex
	got  []models.DriverPresence
	fail error
}

func (f *fakeApplier) Apply(_ context.Context, p models.DriverPresence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, p)
	return nil
}

func TestHandleRejectsInvalidMessages(t *testing.T) {
	a := &fakeApplier{}
	for _, msg := range []string{
		`not json`,
		`{"status":"available"}`,
		`{"driver_id":"d1","status":"blocked"}`,
	} {
		if err := handle(context.Background(), a, []byte(msg)); !errors.Is(err, errInvalid) {
			t.Fatalf("%s: expected invalid, got %v", msg, err)
		}
	}
	if len(a.got) != 0 {
		t.Fatalf("invalid messages applied: %v", a.got)
	}
}

func TestHandleAppliesPresence(t *testing.T) {
	a := &fakeApplier{}
	msg := `{"driver_id":"d1","status":"available","loc":{"lat":15.5,"lon":-88.02}}`
	if err := handle(context.Background(), a, []byte(msg)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(a.got) != 1 || a.got[0].DriverID != "d1" || a.got[0].Loc == nil || a.got[0].Loc.Lat != 15.5 {
		t.Fatalf("unexpected applied presence %+v", a.got)
	}

	a.fail = errors.New("backend down")
	if err := handle(context.Background(), a, []byte(msg)); err == nil || errors.Is(err, errInvalid) {
		t.Fatalf("expected apply error, got %v", err)
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeWritesBackendAndRadar(t *testing.T) {
	store := storage.NewMemoryStore(0.10)
	defer store.Close()
	store.SeedDriver("d1", "Ana", 30)
	radar := geo.NewIndex()
	applier := &ingest.Applier{Store: store, Radar: radar, Attempts: 1}

	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Key: []byte("d1"), Value: []byte(`garbage`)},
		{Key: []byte("d1"), Value: []byte(`{"driver_id":"d1","status":"available","loc":{"lat":15.5,"lon":-88.02}}`)},
	}}
	consume(ctx, r, applier, zap.NewNop().Sugar())

	p, err := store.GetPresence(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.DriverAvailable || p.Balance != 30 {
		t.Fatalf("unexpected stored presence %+v", p)
	}
	near, err := radar.Nearby(context.Background(), models.Coord{Lat: 15.5, Lon: -88.02}, 500, 10)
	if err != nil || len(near) != 1 {
		t.Fatalf("radar = %v, %v", near, err)
	}
}
