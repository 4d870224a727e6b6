package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
)

type failingStore struct {
	err      error
	statuses []models.DriverStatus
}

func (f *failingStore) ClaimTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	return nil, f.err
}

func (f *failingStore) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func seed(t *testing.T) (*storage.MemoryStore, *models.Trip) {
	t.Helper()
	s := storage.NewMemoryStore(0.10)
	s.SeedDriver("A", "Ana", 50)
	s.SeedDriver("B", "Beto", 50)
	trip, err := s.CreateTrip(context.Background(), &models.Trip{RiderID: "r1", Price: 25})
	if err != nil {
		t.Fatal(err)
	}
	return s, trip
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	s, trip := seed(t)
	p := New(s, zap.NewNop().Sugar())

	results := make(map[string]Result)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, d := range []string{"A", "B"} {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Claim(context.Background(), trip.ID, d)
			if err != nil {
				t.Errorf("claim %s: %v", d, err)
				return
			}
			mu.Lock()
			results[d] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	won, lost := 0, 0
	var winner string
	for d, r := range results {
		switch r.Outcome {
		case Won:
			won++
			winner = d
		case Lost:
			lost++
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("want one Won and one Lost, got %+v", results)
	}
	stored, _ := s.GetTrip(context.Background(), trip.ID)
	if stored.DriverID != winner || stored.Status != models.TripAccepted {
		t.Fatalf("stored trip %+v, winner %s", stored, winner)
	}
	p1, _ := s.GetPresence(context.Background(), winner)
	if p1.Status != models.DriverOccupied {
		t.Fatalf("winner status = %s", p1.Status)
	}
}

func TestClaimAfterCancelIsLost(t *testing.T) {
	s, trip := seed(t)
	if _, err := s.UpdateTripStatus(context.Background(), trip.ID, []models.TripStatus{models.TripSearching}, models.TripCancelled); err != nil {
		t.Fatal(err)
	}
	res, err := New(s, zap.NewNop().Sugar()).Claim(context.Background(), trip.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Lost || res.Trip != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestTransportFailureIsNotLost(t *testing.T) {
	f := &failingStore{err: fmt.Errorf("claim trip: %w: connection reset", storage.ErrUnavailable)}
	res, err := New(f, zap.NewNop().Sugar()).Claim(context.Background(), "t1", "A")
	if !errors.Is(err, ErrClaimUnknown) {
		t.Fatalf("want ErrClaimUnknown, got %v", err)
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("cause lost from %v", err)
	}
	if res.Outcome != Unknown || res.Trip != nil {
		t.Fatalf("result = %+v", res)
	}
	if len(f.statuses) != 0 {
		t.Fatalf("driver status touched: %v", f.statuses)
	}
}

func TestBackendFaultIsNotUnknown(t *testing.T) {
	f := &failingStore{err: errors.New("syntax error")}
	_, err := New(f, zap.NewNop().Sugar()).Claim(context.Background(), "t1", "A")
	if err == nil || errors.Is(err, ErrClaimUnknown) {
		t.Fatalf("err = %v", err)
	}
}

// lostReply applies the first claim and then reports a transport failure,
// as when the response is lost on the way back.
type lostReply struct {
	*storage.MemoryStore
	dropped bool
}

func (l *lostReply) ClaimTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := l.MemoryStore.ClaimTrip(ctx, tripID, driverID)
	if err == nil && !l.dropped {
		l.dropped = true
		return nil, fmt.Errorf("read reply: %w", storage.ErrUnavailable)
	}
	return t, err
}

func TestRetryAfterLostReplyIsWon(t *testing.T) {
	s, trip := seed(t)
	p := New(&lostReply{MemoryStore: s}, zap.NewNop().Sugar())

	if _, err := p.Claim(context.Background(), trip.ID, "A"); !errors.Is(err, ErrClaimUnknown) {
		t.Fatalf("first claim: %v", err)
	}
	res, err := p.Claim(context.Background(), trip.ID, "A")
	if err != nil || res.Outcome != Won || res.Trip == nil || res.Trip.DriverID != "A" {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	res, err = p.Claim(context.Background(), trip.ID, "B")
	if err != nil || res.Outcome != Lost {
		t.Fatalf("other driver = %+v, %v", res, err)
	}
}

func TestClaimDoesNotUnblock(t *testing.T) {
	s, trip := seed(t)
	ctx := context.Background()
	s.SetDriverStatus(ctx, "A", models.DriverBlocked)
	p := New(s, zap.NewNop().Sugar())

	if res, err := p.Claim(ctx, trip.ID, "A"); err != nil || res.Outcome != Won {
		t.Fatalf("claim = %+v, %v", res, err)
	}
	if d, _ := s.GetPresence(ctx, "A"); d.Status != models.DriverBlocked {
		t.Fatalf("status after claim = %s", d.Status)
	}
}
