// Package driver holds the driver side of dispatch: going online, publishing
// presence, receiving offers, claiming and running a trip.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/blob"
	"github.com/example/moto-dispatch/internal/chat"
	"github.com/example/moto-dispatch/internal/claim"
	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/ingest"
	"github.com/example/moto-dispatch/internal/lifecycle"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/observability"
	"github.com/example/moto-dispatch/internal/offer"
	"github.com/example/moto-dispatch/internal/storage"
)

const (
	DefaultMinBalance = 20.0
	DefaultHeartbeat  = 10 * time.Second
	HistoryLimit      = 50
	AvatarBucket      = "avatars"
	outboxSize        = 64
)

type Store interface {
	lifecycle.Store
	chat.Store
	claim.Store
	storage.Feed
	GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	ListTrips(ctx context.Context, f storage.TripFilter) ([]models.Trip, error)
	UpdateTripStatus(ctx context.Context, tripID string, from []models.TripStatus, to models.TripStatus) (*models.Trip, error)
	ResolveZone(ctx context.Context, c models.Coord) (*models.Zone, error)
	SettleTrip(ctx context.Context, tripID, driverID string) (storage.Settlement, error)
}

type Config struct {
	Store Store
	// Presence receives every position and status change of an online driver.
	Presence       ingest.Publisher
	Sink           dispatch.Sink
	Chat           *chat.Service
	Blobs          blob.Store
	MinBalance     float64
	CommissionRate float64
	OfferTimeout   time.Duration
	HeartbeatEvery time.Duration
	Clock          offer.Clock
	Now            func() time.Time
	Log            *zap.SugaredLogger
}

// Service keeps one Session per connected driver.
type Service struct {
	cfg    Config
	claims *claim.Protocol

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewService(cfg Config) *Service {
	if cfg.MinBalance <= 0 {
		cfg.MinBalance = DefaultMinBalance
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultHeartbeat
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Chat == nil {
		cfg.Chat = chat.New(cfg.Store, cfg.Store, cfg.Log)
	}
	return &Service{cfg: cfg, claims: claim.New(cfg.Store, cfg.Log), sessions: make(map[string]*Session)}
}

func (s *Service) Session(driverID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[driverID]; ok {
		return sess
	}
	sess := newSession(driverID, s.cfg, s.claims)
	s.sessions[driverID] = sess
	return sess
}

func (s *Service) Drop(driverID string) {
	s.mu.Lock()
	sess, ok := s.sessions[driverID]
	delete(s.sessions, driverID)
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

// Status is what the driver's screen shows.
type Status struct {
	DriverID string              `json:"driver_id"`
	Online   bool                `json:"online"`
	Presence models.DriverStatus `json:"presence"`
	Balance  float64             `json:"balance"`
	Zone     string              `json:"zone,omitempty"`
	Covered  bool                `json:"covered"`
	Trip     *models.Trip        `json:"trip,omitempty"`
}

type Session struct {
	driverID string
	cfg      Config
	claims   *claim.Protocol
	log      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	poke   chan struct{}
	outbox chan dispatch.Envelope

	mu          sync.Mutex
	online      bool
	onlineSince time.Time
	balance     float64
	loc         *models.Coord
	zone        *models.Zone
	tracker     *lifecycle.Tracker
	chatSub     *storage.Subscription
	watchSub    *storage.Subscription
	offers      *offer.Controller
	offerSub    *storage.Subscription
	pubCancel   context.CancelFunc
	pubDone     chan struct{}
}

func newSession(driverID string, cfg Config, claims *claim.Protocol) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		driverID: driverID,
		cfg:      cfg,
		claims:   claims,
		log:      cfg.Log.With("driver_id", driverID),
		ctx:      ctx,
		cancel:   cancel,
		poke:     make(chan struct{}, 1),
		outbox:   make(chan dispatch.Envelope, outboxSize),
	}
	go s.deliver()
	return s
}

// Open loads the driver's row, starts watching it and resumes an unfinished
// trip. It is called when the driver's screen connects.
func (s *Session) Open(ctx context.Context) (Status, error) {
	p, err := s.cfg.Store.GetPresence(ctx, s.driverID)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	s.balance = p.Balance
	if p.Loc != nil && s.loc == nil {
		loc := *p.Loc
		s.loc = &loc
	}
	needWatch := s.watchSub == nil
	s.mu.Unlock()

	if needWatch {
		sub, err := s.cfg.Store.Subscribe(s.ctx, storage.Filter{
			Table: storage.TableDrivers,
			Ops:   []storage.Op{storage.OpUpdate},
			Field: "driver_id",
			Value: s.driverID,
		})
		if err != nil {
			return Status{}, fmt.Errorf("watch driver %s: %w", s.driverID, err)
		}
		s.mu.Lock()
		s.watchSub = sub
		s.mu.Unlock()
		go s.watch(sub)
	}
	if _, err := s.Resume(ctx); err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		DriverID: s.driverID,
		Online:   s.online,
		Presence: s.presenceStatusLocked(),
		Balance:  s.balance,
	}
	if s.zone != nil {
		st.Zone = s.zone.Name
		st.Covered = true
	}
	if tr := s.activeLocked(); tr != nil {
		t := tr.Snapshot()
		st.Trip = &t
	}
	return st
}

func (s *Session) activeLocked() *lifecycle.Tracker {
	if s.tracker == nil || s.tracker.Snapshot().Status.Terminal() {
		return nil
	}
	return s.tracker
}

func (s *Session) presenceStatusLocked() models.DriverStatus {
	switch {
	case !s.online:
		return models.DriverInactive
	case s.activeLocked() != nil:
		return models.DriverOccupied
	default:
		return models.DriverAvailable
	}
}

func (s *Session) presence() models.DriverPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := models.DriverPresence{DriverID: s.driverID, Status: s.presenceStatusLocked()}
	if s.loc != nil {
		loc := *s.loc
		p.Loc = &loc
	}
	return p
}

func (s *Session) publish(ctx context.Context) error {
	p := s.presence()
	if err := s.cfg.Presence.PublishPresence(ctx, p); err != nil {
		s.log.Warnw("publish presence", "status", p.Status, "err", err)
		return err
	}
	return nil
}

func (s *Session) nudge() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// push queues a message for the driver's screen. It never waits on the
// socket: when the screen falls this far behind the message is dropped.
func (s *Session) push(kind string, data any) {
	if s.cfg.Sink == nil {
		return
	}
	select {
	case s.outbox <- dispatch.Envelope{Type: kind, Data: data}:
	default:
		s.log.Warnw("driver outbox full, push dropped", "type", kind)
	}
}

func (s *Session) deliver() {
	key := dispatch.Key(models.RoleDriver, s.driverID)
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.outbox:
			if err := s.cfg.Sink.Send(key, env); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
				s.log.Debugw("push to driver", "type", env.Type, "err", err)
			}
		}
	}
}

// GoOnline needs a balance of at least the minimum and an unblocked account.
func (s *Session) GoOnline(ctx context.Context) (Status, error) {
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if online {
		return s.Status(), nil
	}

	p, err := s.cfg.Store.GetPresence(ctx, s.driverID)
	if err != nil {
		return Status{}, err
	}
	if p.Status == models.DriverBlocked {
		return Status{}, fmt.Errorf("driver %s is blocked: %w", s.driverID, storage.ErrConflict)
	}
	if p.Balance < s.cfg.MinBalance {
		return Status{}, fmt.Errorf("balance %.2f below the %.2f minimum: %w", p.Balance, s.cfg.MinBalance, models.ErrInvalidInput)
	}

	s.mu.Lock()
	s.balance = p.Balance
	if err := s.startLocked(); err != nil {
		wait := s.stopLocked()
		s.mu.Unlock()
		wait()
		return Status{}, err
	}
	s.mu.Unlock()

	if err := s.publish(ctx); err != nil {
		s.mu.Lock()
		wait := s.stopLocked()
		s.mu.Unlock()
		wait()
		return Status{}, err
	}
	observability.DriversOnline.Inc()
	s.log.Infow("driver online", "balance", p.Balance)
	return s.Status(), nil
}

// startLocked begins presence publishing and offer delivery.
func (s *Session) startLocked() error {
	if s.online {
		return nil
	}
	s.online = true
	s.onlineSince = s.cfg.Now()

	pubCtx, pubCancel := context.WithCancel(s.ctx)
	s.pubCancel = pubCancel
	s.pubDone = make(chan struct{})
	go s.publishLoop(pubCtx, s.pubDone)

	sub, err := s.cfg.Store.Subscribe(s.ctx, storage.Filter{
		Table: storage.TableTrips,
		Ops:   []storage.Op{storage.OpInsert, storage.OpUpdate},
	})
	if err != nil {
		return fmt.Errorf("subscribe offers: %w", err)
	}
	s.offerSub = sub
	ctrl := offer.New(offer.Config{
		DriverID:  s.driverID,
		Claimer:   s.claims,
		Available: s.available,
		Notify:    s.onOffer,
		Timeout:   s.cfg.OfferTimeout,
		Clock:     s.cfg.Clock,
		Log:       s.log,
	})
	s.offers = ctrl
	trips := make(chan models.Trip)
	go func() {
		for ev := range sub.C {
			if ev.Trip == nil {
				continue
			}
			select {
			case trips <- *ev.Trip:
			case <-ctrl.Done():
				return
			}
		}
	}()
	go func() {
		if err := ctrl.Run(s.ctx, trips); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warnw("offer controller stopped", "err", err)
		}
	}()
	return nil
}

// stopLocked tears down publishing and offers. The returned func waits for
// the publisher and must be called without holding s.mu.
func (s *Session) stopLocked() func() {
	s.online = false
	if s.offerSub != nil {
		s.offerSub.Cancel()
		s.offerSub = nil
	}
	if s.offers != nil {
		s.offers.Close()
		s.offers = nil
	}
	done := s.pubDone
	if s.pubCancel != nil {
		s.pubCancel()
		s.pubCancel = nil
		s.pubDone = nil
	}
	return func() {
		if done != nil {
			<-done
		}
	}
}

func (s *Session) publishLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.poke:
		case <-t.C:
		}
		s.publish(ctx)
	}
}

// onOffer runs on the controller goroutine. A won trip is followed before
// the controller looks at the next notification.
func (s *Session) onOffer(ev offer.Event) {
	s.push("offer", ev)
	if ev.Kind == offer.KindWon && ev.Trip != nil {
		s.adopt(*ev.Trip)
	}
}

// adopt follows a trip the driver now holds. It is a no-op when that trip is
// already followed, since a win can be reported by the claim reply and by
// the trip feed.
func (s *Session) adopt(trip models.Trip) {
	s.mu.Lock()
	if tr := s.activeLocked(); tr != nil && tr.Snapshot().ID == trip.ID {
		s.mu.Unlock()
		return
	}
	err := s.followLocked(trip)
	s.mu.Unlock()
	if err != nil {
		s.log.Warnw("follow claimed trip", "trip_id", trip.ID, "err", err)
	}
	s.nudge()
}

func (s *Session) available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online && s.activeLocked() == nil
}

// GoOffline stops offers and publishing and marks the driver inactive. It is
// refused while a trip is running.
func (s *Session) GoOffline(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.activeLocked() != nil {
		s.mu.Unlock()
		return Status{}, fmt.Errorf("finish the current trip first: %w", models.ErrInvalidInput)
	}
	s.mu.Unlock()
	if err := s.goOffline(ctx, "driver"); err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

func (s *Session) goOffline(ctx context.Context, reason string) error {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return nil
	}
	wait := s.stopLocked()
	s.mu.Unlock()
	wait()

	observability.DriversOnline.Dec()
	s.log.Infow("driver offline", "reason", reason)
	s.push("offline", map[string]string{"reason": reason})
	return s.publish(ctx)
}

// watch follows the driver's own row. A balance under the minimum or a block
// takes an idle driver offline.
func (s *Session) watch(sub *storage.Subscription) {
	for ev := range sub.C {
		if ev.Driver == nil {
			continue
		}
		s.mu.Lock()
		changed := s.balance != ev.Driver.Balance
		s.balance = ev.Driver.Balance
		idle := s.online && s.activeLocked() == nil
		s.mu.Unlock()

		if changed {
			s.push("balance", map[string]float64{"balance": ev.Driver.Balance})
		}
		reason := ""
		switch {
		case ev.Driver.Status == models.DriverBlocked:
			reason = "blocked"
		case ev.Driver.Balance < s.cfg.MinBalance:
			reason = "low_balance"
		}
		if idle && reason != "" {
			if err := s.goOffline(s.ctx, reason); err != nil {
				s.log.Warnw("auto offline", "reason", reason, "err", err)
			}
		}
	}
}

// Position is the answer to a position report.
type Position struct {
	Zone    string `json:"zone,omitempty"`
	Covered bool   `json:"covered"`
}

// UpdatePosition records the driver's position, detects the zone under it
// and, while online, publishes the new presence.
func (s *Session) UpdatePosition(ctx context.Context, c models.Coord) (Position, error) {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return Position{}, fmt.Errorf("coordinates out of range: %w", models.ErrInvalidInput)
	}
	zone, err := s.cfg.Store.ResolveZone(ctx, c)
	if err != nil {
		// keep the last known zone; the position itself is still good
		s.log.Warnw("detect zone", "err", err)
	}
	s.mu.Lock()
	s.loc = &c
	if err == nil {
		s.zone = zone
	}
	online := s.online
	pos := Position{}
	if s.zone != nil {
		pos.Zone = s.zone.Name
		pos.Covered = true
	}
	s.mu.Unlock()
	if online {
		s.nudge()
	}
	return pos, nil
}

// Accept claims the offered trip. Won starts following it; Lost is a result,
// not an error; an unknown outcome leaves the offer up for a retry.
func (s *Session) Accept(ctx context.Context) (claim.Result, error) {
	s.mu.Lock()
	ctrl := s.offers
	busy := s.activeLocked() != nil
	s.mu.Unlock()
	if ctrl == nil {
		return claim.Result{}, fmt.Errorf("driver is offline: %w", models.ErrInvalidInput)
	}
	if busy {
		return claim.Result{}, fmt.Errorf("finish the current trip first: %w", models.ErrInvalidInput)
	}
	res, err := ctrl.Accept(ctx)
	if err != nil {
		if errors.Is(err, offer.ErrNoOffer) || errors.Is(err, offer.ErrClosed) {
			return res, fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
		}
		return res, err
	}
	if res.Outcome == claim.Won && res.Trip != nil {
		s.adopt(*res.Trip)
	}
	return res, nil
}

func (s *Session) Reject() error {
	s.mu.Lock()
	ctrl := s.offers
	s.mu.Unlock()
	if ctrl == nil {
		return fmt.Errorf("driver is offline: %w", models.ErrInvalidInput)
	}
	if err := ctrl.Reject(); err != nil {
		return fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
	}
	return nil
}

func (s *Session) followLocked(trip models.Trip) error {
	s.unfollowLocked()
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
	sub, err := s.cfg.Chat.Follow(s.ctx, trip.ID, func(m models.ChatMessage) { s.push("chat", m) })
	if err != nil {
		return err
	}
	s.chatSub = sub
	return nil
}

func (s *Session) unfollowLocked() {
	if s.tracker != nil {
		s.tracker.Close()
	}
	if s.chatSub != nil {
		s.chatSub.Cancel()
		s.chatSub = nil
	}
}

// onUpdate runs on the tracker goroutine and must not take s.mu.
func (s *Session) onUpdate(u lifecycle.Update) {
	s.push("trip", u)
	if u.Trip.Status.Terminal() {
		s.nudge()
	}
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

// Progress is the result of advancing the trip.
type Progress struct {
	Trip        models.Trip         `json:"trip"`
	Settlement  *storage.Settlement `json:"settlement,omitempty"`
	WentOffline bool                `json:"went_offline"`
}

// Advance starts an accepted trip, or finishes a running one by settling the
// commission against the driver's balance.
func (s *Session) Advance(ctx context.Context) (Progress, error) {
	tr, err := s.current()
	if err != nil {
		return Progress{}, err
	}
	trip := tr.Snapshot()
	switch trip.Status {
	case models.TripAccepted:
		updated, err := s.cfg.Store.UpdateTripStatus(ctx, trip.ID, []models.TripStatus{models.TripAccepted}, models.TripInProgress)
		if err != nil {
			return Progress{}, err
		}
		if updated == nil {
			return Progress{}, fmt.Errorf("trip %s changed meanwhile: %w", trip.ID, storage.ErrConflict)
		}
		tr.Apply(*updated)
		s.log.Infow("trip started", "trip_id", trip.ID)
		return Progress{Trip: tr.Snapshot()}, nil

	case models.TripInProgress:
		st, err := s.cfg.Store.SettleTrip(ctx, trip.ID, s.driverID)
		if err != nil {
			s.log.Errorw("settle trip", "trip_id", trip.ID, "err", err)
			return Progress{}, err
		}
		observability.TripsSettled.Inc()
		if fresh, err := s.cfg.Store.GetTrip(ctx, trip.ID); err == nil {
			tr.Apply(*fresh)
		} else {
			s.log.Warnw("reload settled trip", "trip_id", trip.ID, "err", err)
		}
		s.log.Infow("trip settled", "trip_id", trip.ID, "price", st.Price, "commission", st.Commission, "balance", st.Balance)

		s.mu.Lock()
		s.balance = st.Balance
		s.mu.Unlock()
		p := Progress{Trip: tr.Snapshot(), Settlement: &st}
		if st.Balance < s.cfg.MinBalance {
			p.WentOffline = true
			if err := s.goOffline(ctx, "low_balance"); err != nil {
				s.log.Warnw("offline after settle", "err", err)
			}
		} else {
			s.publish(ctx)
		}
		return p, nil
	}
	return Progress{}, fmt.Errorf("cannot advance a %s trip: %w", trip.Status, models.ErrInvalidInput)
}

// Cancel drops the accepted or running trip and makes the driver available.
func (s *Session) Cancel(ctx context.Context) (*models.Trip, error) {
	tr, err := s.current()
	if err != nil {
		return nil, err
	}
	id := tr.Snapshot().ID
	updated, err := s.cfg.Store.UpdateTripStatus(ctx, id,
		[]models.TripStatus{models.TripAccepted, models.TripInProgress}, models.TripCancelled)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("trip %s already finished: %w", id, storage.ErrConflict)
	}
	tr.Apply(*updated)
	s.log.Infow("trip cancelled by driver", "trip_id", id)
	s.publish(ctx)
	return updated, nil
}

// Resume follows an accepted or running trip after a reconnect and puts the
// driver back online for it.
func (s *Session) Resume(ctx context.Context) (*models.Trip, error) {
	trips, err := s.cfg.Store.ListTrips(ctx, storage.TripFilter{
		DriverID: s.driverID,
		Statuses: []models.TripStatus{models.TripAccepted, models.TripInProgress},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	if tr := s.activeLocked(); tr != nil && tr.Snapshot().ID == trips[0].ID {
		s.mu.Unlock()
		t := trips[0]
		return &t, nil
	}
	if err := s.followLocked(trips[0]); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	wasOnline := s.online
	if err := s.startLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	t := s.tracker.Snapshot()
	s.mu.Unlock()
	if !wasOnline {
		observability.DriversOnline.Inc()
	}
	s.publish(ctx)
	s.log.Infow("trip resumed", "trip_id", t.ID, "status", t.Status)
	return &t, nil
}

// Summary covers the driver's completed trips of the current day.
type Summary struct {
	Trips       int     `json:"trips"`
	Gross       float64 `json:"gross"`
	Net         float64 `json:"net"`
	Average     float64 `json:"average"`
	ActiveHours float64 `json:"active_hours"`
}

func (s *Session) DailySummary(ctx context.Context) (Summary, error) {
	now := s.cfg.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	trips, err := s.cfg.Store.ListTrips(ctx, storage.TripFilter{
		DriverID: s.driverID,
		Statuses: []models.TripStatus{models.TripCompleted},
		Since:    start,
		Until:    start.AddDate(0, 0, 1),
	})
	if err != nil {
		return Summary{}, err
	}
	var (
		sum        Summary
		gross, net int64
	)
	for _, t := range trips {
		f := lifecycle.Fare(t.Price, s.cfg.CommissionRate)
		sum.Trips++
		gross += models.Cents(f.Price)
		net += models.Cents(f.Net)
	}
	sum.Gross = models.FromCents(gross)
	sum.Net = models.FromCents(net)
	if sum.Trips > 0 {
		sum.Average = models.RoundCents(sum.Gross / float64(sum.Trips))
	}
	s.mu.Lock()
	if s.online {
		sum.ActiveHours = math.Round(now.Sub(s.onlineSince).Hours()*10) / 10
	}
	s.mu.Unlock()
	return sum, nil
}

type Earning struct {
	Trip models.Trip         `json:"trip"`
	Fare lifecycle.Breakdown `json:"fare"`
}

type Earnings struct {
	Trips []Earning `json:"trips"`
	Total float64   `json:"total"`
}

// History lists completed trips with what the driver kept from each.
func (s *Session) History(ctx context.Context) (Earnings, error) {
	trips, err := s.cfg.Store.ListTrips(ctx, storage.TripFilter{
		DriverID: s.driverID,
		Statuses: []models.TripStatus{models.TripCompleted},
		Limit:    HistoryLimit,
	})
	if err != nil {
		return Earnings{}, err
	}
	out := Earnings{Trips: make([]Earning, 0, len(trips))}
	var total int64
	for _, t := range trips {
		f := lifecycle.Fare(t.Price, s.cfg.CommissionRate)
		out.Trips = append(out.Trips, Earning{Trip: t, Fare: f})
		total += models.Cents(f.Net)
	}
	out.Total = models.FromCents(total)
	return out, nil
}

// UploadPhoto stores the driver's profile picture and returns its URL.
func (s *Session) UploadPhoto(ctx context.Context, contentType string, size int64, r io.Reader) (string, error) {
	if err := blob.CheckImage(contentType, size); err != nil {
		return "", err
	}
	if s.cfg.Blobs == nil {
		return "", errors.New("blob storage not configured")
	}
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return s.cfg.Blobs.Upload(ctx, AvatarBucket, s.driverID+ext, io.LimitReader(r, blob.MaxImageBytes+1))
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
	return s.cfg.Chat.Send(ctx, tr.Snapshot().ID, models.RoleDriver, text)
}

// Close runs when the driver's screen goes away. An idle online driver is
// marked inactive; a driver mid-trip keeps the trip for Resume.
func (s *Session) Close() {
	s.mu.Lock()
	wasOnline := s.online
	idle := s.activeLocked() == nil
	wait := s.stopLocked()
	s.unfollowLocked()
	if s.watchSub != nil {
		s.watchSub.Cancel()
		s.watchSub = nil
	}
	s.mu.Unlock()
	wait()

	if wasOnline {
		observability.DriversOnline.Dec()
		if idle {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.publish(ctx)
			cancel()
		}
	}
	s.cancel()
}
