package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
	"github.com/example/moto-dispatch/internal/zones"
)

type fakeSink struct {
	ch chan dispatch.Envelope
}

func newSink() *fakeSink { return &fakeSink{ch: make(chan dispatch.Envelope, 256)} }

func (f *fakeSink) Send(_ string, env dispatch.Envelope) error {
	select {
	case f.ch <- env:
	default:
	}
	return nil
}

func (f *fakeSink) Broadcast(models.SenderRole, dispatch.Envelope) int { return 0 }

func (f *fakeSink) wait(t *testing.T, match func(dispatch.Envelope) bool) dispatch.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-f.ch:
			if match(env) {
				return env
			}
		case <-deadline:
			t.Fatal("timed out waiting for admin push")
			return dispatch.Envelope{}
		}
	}
}

type fakeHolder struct {
	mu        sync.Mutex
	captured  []string
	cancelled []string
}

func (f *fakeHolder) Hold(context.Context, float64, string, string) (string, error) {
	return "pi_1", nil
}

func (f *fakeHolder) Capture(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeHolder) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

var square = []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}}

func newConsole(t *testing.T) (*Console, *storage.MemoryStore, *fakeSink, *fakeHolder) {
	t.Helper()
	store := storage.NewMemoryStore(0.10)
	t.Cleanup(func() { store.Close() })
	sink := newSink()
	cards := &fakeHolder{}
	c := NewConsole("a1", Config{Store: store, Cards: cards, Sink: sink})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(c.Close)
	return c, store, sink, cards
}

func TestCreateZoneDefaultsAndValidation(t *testing.T) {
	c, _, _, _ := newConsole(t)
	ctx := context.Background()

	z, err := c.CreateZone(ctx, ZoneInput{Name: "  Centro ", Ring: square})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if z.Name != "Centro" || z.BaseFare != DefaultBaseFare || z.CommissionPct != DefaultCommissionPct {
		t.Fatalf("unexpected zone %+v", z)
	}
	if len(z.Ring) != 5 || z.Ring[0] != z.Ring[4] {
		t.Fatalf("ring not closed: %v", z.Ring)
	}
	if got := c.Zones(); len(got) != 1 {
		t.Fatalf("expected cached zone, got %d", len(got))
	}

	cases := []ZoneInput{
		{Name: "", Ring: square},
		{Name: "x", Ring: square[:2]},
		{Name: "x", Ring: []models.Coord{square[0], square[1], square[0]}},
	}
	for _, in := range cases {
		if _, err := c.CreateZone(ctx, in); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("%+v: expected invalid input, got %v", in, err)
		}
	}

	if err := c.DeleteZone(ctx, z.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := c.Zones(); len(got) != 0 {
		t.Fatalf("zone still cached: %v", got)
	}
	if err := c.DeleteZone(ctx, z.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOccupancyFollowsPresence(t *testing.T) {
	c, store, sink, _ := newConsole(t)
	ctx := context.Background()
	if _, err := c.CreateZone(ctx, ZoneInput{Name: "Centro", Ring: square}); err != nil {
		t.Fatalf("create: %v", err)
	}

	store.SeedDriver("d1", "Ana", 50)
	if _, err := store.UpsertPresence(ctx, models.DriverPresence{
		DriverID: "d1",
		Loc:      &models.Coord{Lat: 0.5, Lon: 0.5},
		Status:   models.DriverAvailable,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.CreateTrip(ctx, &models.Trip{
		RiderID:     "r1",
		Origin:      models.Coord{Lat: 0.2, Lon: 0.2},
		Destination: models.Coord{Lat: 0.8, Lon: 0.8},
		Price:       25,
	}); err != nil {
		t.Fatalf("create trip: %v", err)
	}

	sink.wait(t, func(env dispatch.Envelope) bool {
		if env.Type != "occupancy" {
			return false
		}
		occ := env.Data.([]zones.Occupancy)
		return len(occ) == 1 && occ[0].Drivers == 1 && occ[0].Requests == 1
	})

	occ, err := c.Occupancy(ctx)
	if err != nil {
		t.Fatalf("occupancy: %v", err)
	}
	if occ[0].Name != "Centro" || occ[0].Drivers != 1 || occ[0].Requests != 1 {
		t.Fatalf("unexpected occupancy %+v", occ)
	}
}

func TestApproveCreditsAndCaptures(t *testing.T) {
	c, store, _, cards := newConsole(t)
	ctx := context.Background()
	store.SeedDriver("d1", "Ana", 10)

	r, err := store.CreateRecharge(ctx, &models.RechargeRequest{DriverID: "d1", Amount: 40, Reference: "pi_9", PaymentIntentID: "pi_9"})
	if err != nil {
		t.Fatalf("create recharge: %v", err)
	}
	pending, err := c.PendingRecharges(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	d, err := c.Approve(ctx, r.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if d.Balance == nil || *d.Balance != 50 || d.Recharge.Status != models.RechargeApproved {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(cards.captured) != 1 || cards.captured[0] != "pi_9" {
		t.Fatalf("hold not captured: %v", cards.captured)
	}

	if _, err := c.Approve(ctx, r.ID); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second approve: expected conflict, got %v", err)
	}
	p, _ := store.GetPresence(ctx, "d1")
	if p.Balance != 50 {
		t.Fatalf("balance credited twice: %v", p.Balance)
	}

	ledger, err := c.Ledger(ctx)
	if err != nil || len(ledger) != 1 {
		t.Fatalf("ledger = %v, %v", ledger, err)
	}
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ApprovedTotal != 40 {
		t.Fatalf("approved total = %v", st.ApprovedTotal)
	}
}

// unreachableOnce fails the first approval before it reaches the backend.
type unreachableOnce struct {
	*storage.MemoryStore
	failed bool
}

func (u *unreachableOnce) ApproveRecharge(ctx context.Context, id string) (*models.RechargeRequest, float64, error) {
	if !u.failed {
		u.failed = true
		return nil, 0, fmt.Errorf("dial tcp: %w", storage.ErrUnavailable)
	}
	return u.MemoryStore.ApproveRecharge(ctx, id)
}

func TestApproveFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0.10)
	t.Cleanup(func() { store.Close() })
	store.SeedDriver("d1", "Ana", 5)
	c := NewConsole("a1", Config{Store: &unreachableOnce{MemoryStore: store}, Sink: newSink()})

	r, _ := store.CreateRecharge(ctx, &models.RechargeRequest{DriverID: "d1", Amount: 40, Reference: "TX-7"})
	if _, err := c.Approve(ctx, r.ID); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("first approve: %v", err)
	}
	got, _ := store.GetRecharge(ctx, r.ID)
	p, _ := store.GetPresence(ctx, "d1")
	if got.Status != models.RechargePending || p.Balance != 5 {
		t.Fatalf("after failure: recharge %s, balance %v", got.Status, p.Balance)
	}

	d, err := c.Approve(ctx, r.ID)
	if err != nil || d.Balance == nil || *d.Balance != 45 {
		t.Fatalf("retry = %+v, %v", d, err)
	}
}

func TestRejectReleasesHold(t *testing.T) {
	c, store, _, cards := newConsole(t)
	ctx := context.Background()
	store.SeedDriver("d1", "Ana", 10)

	r, _ := store.CreateRecharge(ctx, &models.RechargeRequest{DriverID: "d1", Amount: 40, PaymentIntentID: "pi_7"})
	d, err := c.Reject(ctx, r.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if d.Balance != nil || d.Recharge.Status != models.RechargeRejected {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(cards.cancelled) != 1 || cards.cancelled[0] != "pi_7" {
		t.Fatalf("hold not released: %v", cards.cancelled)
	}
	p, _ := store.GetPresence(ctx, "d1")
	if p.Balance != 10 {
		t.Fatalf("rejected recharge moved balance: %v", p.Balance)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	c, store, _, _ := newConsole(t)
	ctx := context.Background()
	store.SeedDriver("d1", "Ana", 10)

	if err := c.Unblock(ctx, "d1"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("unblock active driver: expected conflict, got %v", err)
	}
	if err := c.Block(ctx, "d1"); err != nil {
		t.Fatalf("block: %v", err)
	}
	p, _ := store.GetPresence(ctx, "d1")
	if p.Status != models.DriverBlocked {
		t.Fatalf("status = %s", p.Status)
	}
	if err := c.Unblock(ctx, "d1"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	p, _ = store.GetPresence(ctx, "d1")
	if p.Status != models.DriverInactive {
		t.Fatalf("status = %s", p.Status)
	}
	if err := c.Block(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSOSIsPushedOnce(t *testing.T) {
	c, store, sink, _ := newConsole(t)
	ctx := context.Background()

	trip, _ := store.CreateTrip(ctx, &models.Trip{RiderID: "r1", Price: 25})
	if _, err := store.ClaimTrip(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.SetSOS(ctx, trip.ID); err != nil {
		t.Fatalf("sos: %v", err)
	}
	env := sink.wait(t, func(env dispatch.Envelope) bool { return env.Type == "sos" })
	if got := env.Data.(*models.Trip); got.ID != trip.ID || !got.SOS {
		t.Fatalf("unexpected sos payload %+v", got)
	}

	open, err := c.OpenSOS(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("open sos = %v, %v", open, err)
	}

	if _, err := store.UpdateTripStatus(ctx, trip.ID, []models.TripStatus{models.TripAccepted}, models.TripInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	store.SetSOS(ctx, trip.ID)
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case env := <-sink.ch:
			if env.Type == "sos" {
				t.Fatal("sos pushed twice for the same trip")
			}
		case <-deadline:
			return
		}
	}
}
