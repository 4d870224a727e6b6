package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
)

func TestFareRounding(t *testing.T) {
	cases := []struct {
		price, commission, net float64
	}{
		{25, 2.5, 22.5},
		{20, 2, 18},
		{33.33, 3.33, 30},
		{21.15, 2.12, 19.03},
		{1.45, 0.15, 1.3},
		{0.05, 0.01, 0.04},
	}
	for _, c := range cases {
		got := Fare(c.price, 0.10)
		if got.Commission != c.commission || got.Net != c.net {
			t.Errorf("Fare(%v) = %+v, want commission %v net %v", c.price, got, c.commission, c.net)
		}
	}
}

// TestFareMatchesDecimalLedger sweeps every price up to 1000.00 against
// exact decimal rounding, which is what the ledger's NUMERIC math does.
func TestFareMatchesDecimalLedger(t *testing.T) {
	rate, _ := new(big.Rat).SetString("0.10")
	half := big.NewRat(1, 2)
	for cents := int64(1); cents <= 100000; cents++ {
		c := new(big.Rat).Mul(big.NewRat(cents, 100), rate)
		c.Mul(c, big.NewRat(100, 1)).Add(c, half)
		want := new(big.Int).Quo(c.Num(), c.Denom()).Int64()

		got := Fare(float64(cents)/100, 0.10)
		if models.Cents(got.Commission) != want || models.Cents(got.Net) != cents-want {
			t.Fatalf("price %d cents: got %+v, want commission %d cents", cents, got, want)
		}
	}
}

func collect() (func(Update), chan Update) {
	ch := make(chan Update, 32)
	return func(u Update) { ch <- u }, ch
}

func TestApplyOrdering(t *testing.T) {
	notify, updates := collect()
	tr := New(models.Trip{ID: "t1", Status: models.TripSearching, Price: 25}, Config{CommissionRate: 0.10, Notify: notify})

	if !tr.Apply(models.Trip{ID: "t1", Status: models.TripAccepted, DriverID: "d1", Price: 25}) {
		t.Fatal("accepted not applied")
	}
	if tr.Apply(models.Trip{ID: "t1", Status: models.TripAccepted, DriverID: "d1", Price: 25}) {
		t.Fatal("duplicate applied")
	}
	if tr.Apply(models.Trip{ID: "t1", Status: models.TripSearching, Price: 25}) {
		t.Fatal("backward move applied")
	}
	if tr.Apply(models.Trip{ID: "other", Status: models.TripCompleted}) {
		t.Fatal("foreign trip applied")
	}
	// forward skip: the backend is authoritative
	if !tr.Apply(models.Trip{ID: "t1", Status: models.TripCompleted, DriverID: "d1", Price: 25}) {
		t.Fatal("forward skip rejected")
	}
	if tr.Apply(models.Trip{ID: "t1", Status: models.TripCancelled, Price: 25}) {
		t.Fatal("terminal trip moved")
	}

	if u := <-updates; u.Trip.Status != models.TripAccepted || u.Previous != models.TripSearching {
		t.Fatalf("first update %+v", u)
	}
	u := <-updates
	if u.Trip.Status != models.TripCompleted || u.Fare.Commission != 2.5 || u.Fare.Net != 22.5 {
		t.Fatalf("completion update %+v", u)
	}
	select {
	case extra := <-updates:
		t.Fatalf("unexpected update %+v", extra)
	default:
	}
}

func TestTrackerFollowsFeedAndUnsubscribesOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0.10)
	defer store.Close()
	store.SeedDriver("d1", "Ana", 50)
	trip, err := store.CreateTrip(ctx, &models.Trip{RiderID: "r1", Price: 25})
	if err != nil {
		t.Fatal(err)
	}

	notify, updates := collect()
	tr := New(*trip, Config{Store: store, Feed: store, CommissionRate: 0.10, Notify: notify})
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}

	store.ClaimTrip(ctx, trip.ID, "d1")
	store.UpdateTripStatus(ctx, trip.ID, []models.TripStatus{models.TripAccepted}, models.TripInProgress)
	if _, err := store.SettleTrip(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	want := []models.TripStatus{models.TripAccepted, models.TripInProgress, models.TripCompleted}
	for _, s := range want {
		select {
		case u := <-updates:
			if u.Trip.Status != s {
				t.Fatalf("got %s, want %s", u.Trip.Status, s)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", s)
		}
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("tracker still subscribed after completion")
	}
	tr.Close()
	tr.Close()
}

func TestRaiseSOS(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0.10)
	defer store.Close()
	trip, _ := store.CreateTrip(ctx, &models.Trip{RiderID: "r1", Price: 25})

	tr := New(*trip, Config{Store: store, Feed: store, CommissionRate: 0.10})
	if err := tr.RaiseSOS(ctx); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("sos while searching: %v", err)
	}

	store.ClaimTrip(ctx, trip.ID, "d1")
	tr.Apply(models.Trip{ID: trip.ID, Status: models.TripAccepted, DriverID: "d1", Price: 25})
	if err := tr.RaiseSOS(ctx); err != nil {
		t.Fatal(err)
	}
	if !tr.Snapshot().SOS {
		t.Fatal("sos flag not mirrored")
	}
	stored, _ := store.GetTrip(ctx, trip.ID)
	if !stored.SOS {
		t.Fatal("sos not stored")
	}
	// a later row without the flag never clears it
	tr.Apply(models.Trip{ID: trip.ID, Status: models.TripInProgress, DriverID: "d1", Price: 25})
	if !tr.Snapshot().SOS {
		t.Fatal("sos cleared")
	}
}
