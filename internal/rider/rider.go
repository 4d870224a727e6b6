// Package rider holds the rider side of dispatch: quoting a destination,
// requesting and following a trip, and the actions a rider can take on it.
package rider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/alerts"
	"github.com/example/moto-dispatch/internal/chat"
	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/eta"
	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/lifecycle"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/observability"
	"github.com/example/moto-dispatch/internal/storage"
)

const (
	HistoryLimit  = 20
	DefaultRadius = 3000.0
	nearbyLimit   = 20
)

type Store interface {
	lifecycle.Store
	chat.Store
	storage.Feed
	CreateTrip(ctx context.Context, t *models.Trip) (*models.Trip, error)
	ListTrips(ctx context.Context, f storage.TripFilter) ([]models.Trip, error)
	UpdateTripStatus(ctx context.Context, tripID string, from []models.TripStatus, to models.TripStatus) (*models.Trip, error)
	RateTrip(ctx context.Context, tripID string, rating int) (*models.Trip, error)
	ResolveZone(ctx context.Context, c models.Coord) (*models.Zone, error)
	GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
}

type Config struct {
	Store          Store
	Radar          geo.Radar
	ETA            *eta.Estimator
	Chat           *chat.Service
	Sink           dispatch.Sink
	Alerts         alerts.Publisher
	CommissionRate float64
	Log            *zap.SugaredLogger
}

// Service keeps one Session per connected rider.
type Service struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewService(cfg Config) *Service {
	if cfg.Alerts == nil {
		cfg.Alerts = alerts.Discard{}
	}
	if cfg.ETA == nil {
		cfg.ETA = &eta.Estimator{SpeedMpm: eta.DefaultSpeedMpm}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Chat == nil {
		cfg.Chat = chat.New(cfg.Store, cfg.Store, cfg.Log)
	}
	return &Service{cfg: cfg, sessions: make(map[string]*Session)}
}

// Session returns the rider's session, creating it on first use.
func (s *Service) Session(riderID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[riderID]; ok {
		return sess
	}
	sess := newSession(riderID, s.cfg)
	s.sessions[riderID] = sess
	return sess
}

// Drop closes and forgets the rider's session.
func (s *Service) Drop(riderID string) {
	s.mu.Lock()
	sess, ok := s.sessions[riderID]
	delete(s.sessions, riderID)
	s.mu.Unlock()
	if ok {
		sess.Close()
	}
}

func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// Quote is the answer to a destination pick. Outside coverage is not an
// error: Covered is false and a request cannot be made.
type Quote struct {
	Origin      models.Coord `json:"origin"`
	Destination models.Coord `json:"destination"`
	Covered     bool         `json:"covered"`
	ZoneID      string       `json:"zone_id,omitempty"`
	ZoneName    string       `json:"zone_name,omitempty"`
	MinFare     float64      `json:"min_fare"`
	ETA         *eta.Hint    `json:"eta,omitempty"`
}

type Request struct {
	Price float64 `json:"price"`
	Notes string  `json:"notes"`
}

type Session struct {
	riderID string
	cfg     Config
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	quote   *Quote
	tracker *lifecycle.Tracker
	chatSub *storage.Subscription
}

func newSession(riderID string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		riderID: riderID,
		cfg:     cfg,
		log:     cfg.Log.With("rider_id", riderID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func validCoord(c models.Coord) bool {
	return !math.IsNaN(c.Lat) && !math.IsNaN(c.Lon) && !math.IsInf(c.Lat, 0) && !math.IsInf(c.Lon, 0) &&
		c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Quote resolves the destination's zone and caches the result for the next
// RequestTrip.
func (s *Session) Quote(ctx context.Context, origin, dest models.Coord) (Quote, error) {
	if !validCoord(origin) || !validCoord(dest) {
		return Quote{}, fmt.Errorf("coordinates out of range: %w", models.ErrInvalidInput)
	}
	zone, err := s.cfg.Store.ResolveZone(ctx, dest)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Origin: origin, Destination: dest}
	if zone != nil {
		hint := s.cfg.ETA.Hint(ctx, origin, dest)
		q.Covered = true
		q.ZoneID = zone.ID
		q.ZoneName = zone.Name
		q.MinFare = zone.BaseFare
		q.ETA = &hint
	}
	s.mu.Lock()
	s.quote = &q
	s.mu.Unlock()
	return q, nil
}

func (s *Session) activeLocked() *lifecycle.Tracker {
	if s.tracker == nil || s.tracker.Snapshot().Status.Terminal() {
		return nil
	}
	return s.tracker
}

// RequestTrip creates a trip from the cached quote. Every check runs before
// the backend is contacted.
func (s *Session) RequestTrip(ctx context.Context, req Request) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeLocked() != nil {
		return nil, fmt.Errorf("a trip is already active: %w", models.ErrInvalidInput)
	}
	q := s.quote
	if q == nil {
		return nil, fmt.Errorf("pick a destination first: %w", models.ErrInvalidInput)
	}
	if !q.Covered {
		return nil, fmt.Errorf("destination outside coverage: %w", models.ErrInvalidInput)
	}
	if math.IsNaN(req.Price) || req.Price < q.MinFare {
		return nil, fmt.Errorf("price %.2f below the %s minimum of %.2f: %w", req.Price, q.ZoneName, q.MinFare, models.ErrInvalidInput)
	}

	trip, err := s.cfg.Store.CreateTrip(ctx, &models.Trip{
		RiderID:     s.riderID,
		Origin:      q.Origin,
		Destination: q.Destination,
		Price:       models.RoundCents(req.Price),
		Notes:       req.Notes,
		Status:      models.TripSearching,
	})
	if err != nil {
		s.log.Errorw("create trip", "err", err)
		return nil, err
	}
	observability.TripsCreated.Inc()
	s.log.Infow("trip requested", "trip_id", trip.ID, "price", trip.Price, "zone", q.ZoneName)
	s.quote = nil
	if err := s.followLocked(*trip); err != nil {
		s.log.Warnw("follow new trip", "trip_id", trip.ID, "err", err)
	}
	return trip, nil
}

// followLocked starts tracking trip and its chat, replacing any previous one.
func (s *Session) followLocked(trip models.Trip) error {
	s.stopLocked()
	tr := lifecycle.New(trip, lifecycle.Config{
		Store:          s.cfg.Store,
		Feed:           s.cfg.Store,
		CommissionRate: s.cfg.CommissionRate,
		Notify:         s.onUpdate,
		Log:            s.log,
	})
	s.tracker = tr
	if err := tr.Start(s.ctx); err != nil {
		return err
	}
	sub, err := s.cfg.Chat.Follow(s.ctx, trip.ID, func(m models.ChatMessage) {
		s.push("chat", m)
	})
	if err != nil {
		return err
	}
	s.chatSub = sub
	return nil
}

func (s *Session) stopLocked() {
	if s.tracker != nil {
		s.tracker.Close()
	}
	if s.chatSub != nil {
		s.chatSub.Cancel()
		s.chatSub = nil
	}
}

func (s *Session) onUpdate(u lifecycle.Update) {
	s.push("trip", u)
	if u.Trip.Status.Terminal() {
		s.log.Infow("trip finished", "trip_id", u.Trip.ID, "status", u.Trip.Status)
	}
}

func (s *Session) push(kind string, data any) {
	if s.cfg.Sink == nil {
		return
	}
	if err := s.cfg.Sink.Send(dispatch.Key(models.RoleRider, s.riderID), dispatch.Envelope{Type: kind, Data: data}); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		s.log.Debugw("push to rider", "type", kind, "err", err)
	}
}

// Trip returns the tracked trip, if any.
func (s *Session) Trip() (models.Trip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return models.Trip{}, false
	}
	return s.tracker.Snapshot(), true
}

// Resume picks up the rider's unfinished trip after a reconnect.
func (s *Session) Resume(ctx context.Context) (*models.Trip, error) {
	trips, err := s.cfg.Store.ListTrips(ctx, storage.TripFilter{
		RiderID:  s.riderID,
		Statuses: []models.TripStatus{models.TripSearching, models.TripAccepted, models.TripInProgress},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr := s.activeLocked(); tr != nil && tr.Snapshot().ID == trips[0].ID {
		t := tr.Snapshot()
		return &t, nil
	}
	if err := s.followLocked(trips[0]); err != nil {
		return nil, err
	}
	t := s.tracker.Snapshot()
	return &t, nil
}

func (s *Session) current() (*lifecycle.Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.activeLocked()
	if tr == nil {
		return nil, fmt.Errorf("no active trip: %w", models.ErrInvalidInput)
	}
	return tr, nil
}

// Cancel withdraws the active trip. Any non-terminal trip can be cancelled.
func (s *Session) Cancel(ctx context.Context) (*models.Trip, error) {
	tr, err := s.current()
	if err != nil {
		return nil, err
	}
	id := tr.Snapshot().ID
	updated, err := s.cfg.Store.UpdateTripStatus(ctx, id,
		[]models.TripStatus{models.TripSearching, models.TripAccepted, models.TripInProgress},
		models.TripCancelled)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("trip %s already finished: %w", id, storage.ErrConflict)
	}
	tr.Apply(*updated)
	s.log.Infow("trip cancelled by rider", "trip_id", id)
	return updated, nil
}

// Rate scores a completed trip of this rider from 1 to 5.
func (s *Session) Rate(ctx context.Context, tripID string, rating int) (*models.Trip, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating %d not in 1..5: %w", rating, models.ErrInvalidInput)
	}
	trip, err := s.cfg.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.RiderID != s.riderID {
		return nil, fmt.Errorf("trip %s: %w", tripID, storage.ErrNotFound)
	}
	if trip.Status != models.TripCompleted {
		return nil, fmt.Errorf("rate a %s trip: %w", trip.Status, models.ErrInvalidInput)
	}
	return s.cfg.Store.RateTrip(ctx, tripID, rating)
}

// SOS flags the running trip for the admins.
func (s *Session) SOS(ctx context.Context) (*models.Trip, error) {
	tr, err := s.current()
	if err != nil {
		return nil, err
	}
	if err := tr.RaiseSOS(ctx); err != nil {
		return nil, err
	}
	trip := tr.Snapshot()
	observability.SOSRaised.Inc()
	s.log.Warnw("sos raised", "trip_id", trip.ID, "driver_id", trip.DriverID)
	err = s.cfg.Alerts.Publish(ctx, alerts.Alert{
		Kind:     alerts.KindSOS,
		TripID:   trip.ID,
		RiderID:  s.riderID,
		DriverID: trip.DriverID,
		At:       time.Now().UTC(),
	})
	if err != nil {
		s.log.Errorw("publish sos alert", "trip_id", trip.ID, "err", err)
	}
	return &trip, nil
}

// ETA estimates the arrival of the assigned driver: to the pickup while the
// trip is accepted, to the destination once it is running.
func (s *Session) ETA(ctx context.Context) (eta.Hint, error) {
	tr, err := s.current()
	if err != nil {
		return eta.Hint{}, err
	}
	trip := tr.Snapshot()
	from, to := trip.Origin, trip.Destination
	switch trip.Status {
	case models.TripAccepted:
		to = trip.Origin
		p, err := s.cfg.Store.GetPresence(ctx, trip.DriverID)
		if err != nil {
			return eta.Hint{}, err
		}
		if p.Loc == nil {
			return eta.Hint{}, fmt.Errorf("driver position unknown: %w", storage.ErrNotFound)
		}
		from = *p.Loc
	case models.TripInProgress:
		if p, err := s.cfg.Store.GetPresence(ctx, trip.DriverID); err == nil && p.Loc != nil {
			from = *p.Loc
		}
	default:
		return eta.Hint{}, fmt.Errorf("no driver assigned yet: %w", models.ErrInvalidInput)
	}
	return s.cfg.ETA.Hint(ctx, from, to), nil
}

// Nearby lists available drivers around c for the rider's radar.
func (s *Session) Nearby(ctx context.Context, c models.Coord, radiusM float64) ([]models.DriverPresence, error) {
	if !validCoord(c) {
		return nil, fmt.Errorf("coordinates out of range: %w", models.ErrInvalidInput)
	}
	if radiusM <= 0 {
		radiusM = DefaultRadius
	}
	if s.cfg.Radar == nil {
		return nil, nil
	}
	return s.cfg.Radar.Nearby(ctx, c, radiusM, nearbyLimit)
}

// History lists the rider's past trips, newest first.
func (s *Session) History(ctx context.Context) ([]models.Trip, error) {
	return s.cfg.Store.ListTrips(ctx, storage.TripFilter{
		RiderID:  s.riderID,
		Statuses: []models.TripStatus{models.TripAccepted, models.TripInProgress, models.TripCompleted, models.TripCancelled},
		Limit:    HistoryLimit,
	})
}

func (s *Session) Messages(ctx context.Context) ([]models.ChatMessage, error) {
	tr, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.cfg.Chat.History(ctx, tr.Snapshot().ID)
}

func (s *Session) Say(ctx context.Context, text string) (*models.ChatMessage, error) {
	tr, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.cfg.Chat.Send(ctx, tr.Snapshot().ID, models.RoleRider, text)
}

// Close tears down every subscription of the session.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.cancel()
}
