package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/moto-dispatch/internal/models"
)

func newTrip(t *testing.T, s *MemoryStore, price float64) *models.Trip {
	t.Helper()
	trip, err := s.CreateTrip(context.Background(), &models.Trip{
		RiderID:     "rider-1",
		Origin:      models.Coord{Lat: 14.08, Lon: -87.20},
		Destination: models.Coord{Lat: 14.10, Lon: -87.18},
		Price:       price,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return trip
}

func TestClaimTripSingleWinner(t *testing.T) {
	s := NewMemoryStore(0.10)
	trip := newTrip(t, s, 25)

	const drivers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < drivers; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimTrip(context.Background(), trip.ID, id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				winners = append(winners, got.DriverID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	stored, _ := s.GetTrip(context.Background(), trip.ID)
	if stored.DriverID != winners[0] || stored.Status != models.TripAccepted {
		t.Fatalf("stored trip = %+v, winner %s", stored, winners[0])
	}
}

func TestClaimTripNotSearching(t *testing.T) {
	s := NewMemoryStore(0.10)
	trip := newTrip(t, s, 25)
	if _, err := s.UpdateTripStatus(context.Background(), trip.ID, []models.TripStatus{models.TripSearching}, models.TripCancelled); err != nil {
		t.Fatal(err)
	}
	got, err := s.ClaimTrip(context.Background(), trip.ID, "d1")
	if err != nil || got != nil {
		t.Fatalf("claim on cancelled trip = %v, %v", got, err)
	}
	got, err = s.ClaimTrip(context.Background(), "missing", "d1")
	if err != nil || got != nil {
		t.Fatalf("claim on missing trip = %v, %v", got, err)
	}
}

func TestSettleTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	s.SeedDriver("d1", "Ana", 30)
	trip := newTrip(t, s, 25)

	if _, err := s.SettleTrip(ctx, trip.ID, "d1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("settling a searching trip: want ErrConflict, got %v", err)
	}
	if got, _ := s.ClaimTrip(ctx, trip.ID, "d1"); got == nil {
		t.Fatal("claim lost")
	}
	if _, err := s.UpdateTripStatus(ctx, trip.ID, []models.TripStatus{models.TripAccepted}, models.TripInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SettleTrip(ctx, trip.ID, "d2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("settling another driver's trip: want ErrConflict, got %v", err)
	}

	st, err := s.SettleTrip(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if st.Commission != 2.5 || st.Net != 22.5 || st.Balance != 27.5 {
		t.Fatalf("settlement = %+v", st)
	}
	stored, _ := s.GetTrip(ctx, trip.ID)
	if stored.Status != models.TripCompleted {
		t.Fatalf("status = %s", stored.Status)
	}
	if _, err := s.SettleTrip(ctx, trip.ID, "d1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second settle: want ErrConflict, got %v", err)
	}
}

func TestUpsertPresenceKeepsBalanceAndBlock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	s.SeedDriver("d1", "Ana", 50)

	loc := models.Coord{Lat: 1, Lon: 2}
	p, err := s.UpsertPresence(ctx, models.DriverPresence{DriverID: "d1", Loc: &loc, Status: models.DriverAvailable, Balance: 999})
	if err != nil {
		t.Fatal(err)
	}
	if p.Balance != 50 || p.Status != models.DriverAvailable || p.Loc == nil {
		t.Fatalf("presence = %+v", p)
	}

	if err := s.SetDriverStatus(ctx, "d1", models.DriverBlocked); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertPresence(ctx, models.DriverPresence{DriverID: "d1", Status: models.DriverAvailable}); !errors.Is(err, ErrConflict) {
		t.Fatalf("blocked driver going online: want ErrConflict, got %v", err)
	}
}

func TestResolveZone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	_, err := s.CreateZone(ctx, &models.Zone{Name: "centro", BaseFare: 20, CommissionPct: 10, Ring: []models.Coord{
		{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0},
	}})
	if err != nil {
		t.Fatal(err)
	}
	z, err := s.ResolveZone(ctx, models.Coord{Lat: 0.5, Lon: 0.5})
	if err != nil || z == nil || z.Name != "centro" {
		t.Fatalf("inside: %v, %v", z, err)
	}
	z, err = s.ResolveZone(ctx, models.Coord{Lat: 2, Lon: 2})
	if err != nil || z != nil {
		t.Fatalf("outside: %v, %v", z, err)
	}
}

func TestListTripsFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	first := newTrip(t, s, 20)
	second := newTrip(t, s, 30)
	if _, err := s.UpdateTripStatus(ctx, first.ID, []models.TripStatus{models.TripSearching}, models.TripCancelled); err != nil {
		t.Fatal(err)
	}

	all, _ := s.ListTrips(ctx, TripFilter{RiderID: "rider-1"})
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}
	open, _ := s.ListTrips(ctx, TripFilter{Statuses: []models.TripStatus{models.TripSearching}})
	if len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("status filter: %+v", open)
	}
	limited, _ := s.ListTrips(ctx, TripFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit: %d", len(limited))
	}
}

func TestDecideRechargeOnlyPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	s.SeedDriver("d1", "Ana", 0)
	r, err := s.CreateRecharge(ctx, &models.RechargeRequest{DriverID: "d1", Amount: 100, Reference: "TX-1"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.DecideRecharge(ctx, r.ID, models.RechargeApproved)
	if err != nil || got == nil || got.Status != models.RechargeApproved {
		t.Fatalf("approve: %v, %v", got, err)
	}
	got, err = s.DecideRecharge(ctx, r.ID, models.RechargeRejected)
	if err != nil || got != nil {
		t.Fatalf("second decision should not match: %v, %v", got, err)
	}
}

func TestClaimTripRepeatedByHolder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	trip := newTrip(t, s, 25)

	if got, _ := s.ClaimTrip(ctx, trip.ID, "d1"); got == nil {
		t.Fatal("first claim lost")
	}
	// the reply of the first claim never reached the driver; the retry must
	// not read as a lost race
	got, err := s.ClaimTrip(ctx, trip.ID, "d1")
	if err != nil || got == nil || got.DriverID != "d1" || got.Status != models.TripAccepted {
		t.Fatalf("repeated claim = %+v, %v", got, err)
	}
	if got, err := s.ClaimTrip(ctx, trip.ID, "d2"); err != nil || got != nil {
		t.Fatalf("other driver = %+v, %v", got, err)
	}
}

func TestSettleTripRoundsLikeTheLedger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	s.SeedDriver("d1", "Ana", 30)
	trip := newTrip(t, s, 21.15)
	s.ClaimTrip(ctx, trip.ID, "d1")
	s.UpdateTripStatus(ctx, trip.ID, []models.TripStatus{models.TripAccepted}, models.TripInProgress)

	st, err := s.SettleTrip(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Commission != 2.12 || st.Net != 19.03 || st.Balance != 27.88 {
		t.Fatalf("settlement = %+v", st)
	}
}

func TestBlockedDriverKeepsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	s.SeedDriver("d1", "Ana", 30)

	if err := s.SetDriverStatus(ctx, "d1", models.DriverBlocked); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDriverStatus(ctx, "d1", models.DriverOccupied); !errors.Is(err, ErrConflict) {
		t.Fatalf("occupied over blocked: %v", err)
	}
	if p, _ := s.GetPresence(ctx, "d1"); p.Status != models.DriverBlocked {
		t.Fatalf("status = %s", p.Status)
	}

	p, err := s.UnblockDriver(ctx, "d1")
	if err != nil || p == nil || p.Status != models.DriverInactive {
		t.Fatalf("unblock = %+v, %v", p, err)
	}
	if p, err := s.UnblockDriver(ctx, "d1"); err != nil || p != nil {
		t.Fatalf("unblocking an unblocked driver = %+v, %v", p, err)
	}
	if _, err := s.UnblockDriver(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown driver: %v", err)
	}
}

func TestApproveRechargeCreditsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0.10)
	s.SeedDriver("d1", "Ana", 5)
	r, _ := s.CreateRecharge(ctx, &models.RechargeRequest{DriverID: "d1", Amount: 40, Reference: "TX-2"})

	got, balance, err := s.ApproveRecharge(ctx, r.ID)
	if err != nil || got == nil || got.Status != models.RechargeApproved || balance != 45 {
		t.Fatalf("approve = %+v, %v, %v", got, balance, err)
	}
	got, balance, err = s.ApproveRecharge(ctx, r.ID)
	if err != nil || got != nil || balance != 0 {
		t.Fatalf("second approve = %+v, %v, %v", got, balance, err)
	}
	if p, _ := s.GetPresence(ctx, "d1"); p.Balance != 45 {
		t.Fatalf("balance = %v", p.Balance)
	}
}
