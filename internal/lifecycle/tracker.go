// Package lifecycle mirrors one trip's server-side status from change
// notifications.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/storage"
)

type Store interface {
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	SetSOS(ctx context.Context, tripID string) (*models.Trip, error)
}

type Source interface {
	Subscribe(ctx context.Context, f storage.Filter) (*storage.Subscription, error)
}

// Update is delivered for every change the tracker accepts.
type Update struct {
	Trip     models.Trip       `json:"trip"`
	Previous models.TripStatus `json:"previous"`
	Fare     Breakdown         `json:"fare"`
}

type Config struct {
	Store          Store
	Feed           Source
	CommissionRate float64
	// Notify is called in notification order and must not call Apply.
	Notify func(Update)
	Log    *zap.SugaredLogger
}

type Tracker struct {
	cfg Config

	// applyMu orders Apply calls and their notifications; mu guards trip.
	applyMu sync.Mutex
	mu      sync.Mutex
	trip    models.Trip

	sub       *storage.Subscription
	closeOnce sync.Once
	done      chan struct{}
}

func New(trip models.Trip, cfg Config) *Tracker {
	if cfg.Notify == nil {
		cfg.Notify = func(Update) {}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Tracker{cfg: cfg, trip: trip, done: make(chan struct{})}
}

func rank(s models.TripStatus) int {
	switch s {
	case models.TripSearching:
		return 0
	case models.TripAccepted:
		return 1
	case models.TripInProgress:
		return 2
	case models.TripCompleted, models.TripCancelled:
		return 3
	}
	return -1
}

// Start subscribes to the trip's changes, then re-reads the row so nothing
// that happened before the subscription was live is missed.
func (t *Tracker) Start(ctx context.Context) error {
	id := t.Snapshot().ID
	sub, err := t.cfg.Feed.Subscribe(ctx, storage.Filter{
		Table: storage.TableTrips,
		Ops:   []storage.Op{storage.OpUpdate},
		Field: "id",
		Value: id,
	})
	if err != nil {
		close(t.done)
		return fmt.Errorf("subscribe trip %s: %w", id, err)
	}
	t.sub = sub
	go t.loop()

	current, err := t.cfg.Store.GetTrip(ctx, id)
	if err != nil {
		t.Close()
		return err
	}
	t.Apply(*current)
	return nil
}

func (t *Tracker) loop() {
	defer close(t.done)
	for ev := range t.sub.C {
		if ev.Trip != nil {
			t.Apply(*ev.Trip)
		}
	}
}

// Apply folds an authoritative row into the local mirror. Duplicates and
// backward moves are ignored; forward skips are taken as-is. It reports
// whether anything changed.
func (t *Tracker) Apply(next models.Trip) bool {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	t.mu.Lock()
	cur := t.trip
	if next.ID != cur.ID || cur.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	nr, cr := rank(next.Status), rank(cur.Status)
	if nr < 0 || nr < cr {
		t.mu.Unlock()
		t.cfg.Log.Debugw("stale trip notification", "trip_id", cur.ID, "have", cur.Status, "got", next.Status)
		return false
	}
	sosRaised := next.SOS && !cur.SOS
	ratingSet := next.Rating != nil && cur.Rating == nil
	if next.Status == cur.Status && !sosRaised && !ratingSet && next.DriverID == cur.DriverID {
		t.mu.Unlock()
		return false
	}
	merged := next
	// the SOS flag never clears
	merged.SOS = cur.SOS || next.SOS
	t.trip = merged
	terminal := merged.Status.Terminal()
	t.mu.Unlock()

	t.cfg.Notify(Update{Trip: merged, Previous: cur.Status, Fare: Fare(merged.Price, t.cfg.CommissionRate)})
	if terminal {
		t.Close()
	}
	return true
}

func (t *Tracker) Snapshot() models.Trip {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trip
}

func (t *Tracker) Fare() Breakdown {
	return Fare(t.Snapshot().Price, t.cfg.CommissionRate)
}

// RaiseSOS flags the trip for the admin consoles. Only an accepted or
// running trip can be flagged.
func (t *Tracker) RaiseSOS(ctx context.Context) error {
	cur := t.Snapshot()
	if cur.Status != models.TripAccepted && cur.Status != models.TripInProgress {
		return fmt.Errorf("sos on a %s trip: %w", cur.Status, models.ErrInvalidInput)
	}
	if cur.SOS {
		return nil
	}
	updated, err := t.cfg.Store.SetSOS(ctx, cur.ID)
	if err != nil {
		return err
	}
	t.Apply(*updated)
	return nil
}

// Close ends the subscription. It is safe to call more than once and from
// the notification path itself.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		if t.sub != nil {
			t.sub.Cancel()
		}
	})
}

// Done is closed when the tracker stops receiving notifications.
func (t *Tracker) Done() <-chan struct{} { return t.done }
