// Package offer runs the per-driver trip offer countdown. A controller holds
// at most one offer; notifications that arrive while it is busy are dropped.
// After a win it holds the assigned trip until the feed shows it finished.
package offer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/claim"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/observability"
)

const (
	DefaultTimeout = 30 * time.Second
	UrgentAt       = 10 * time.Second
	tickEvery      = time.Second
)

var (
	ErrNoOffer = errors.New("no offer to act on")
	ErrClosed  = errors.New("offer controller closed")
)

type Kind string

const (
	KindShown      Kind = "shown"
	KindTick       Kind = "tick"
	KindAccepted   Kind = "accepted"
	KindRejected   Kind = "rejected"
	KindExpired    Kind = "expired"
	KindWithdrawn  Kind = "withdrawn"
	KindWon        Kind = "won"
	KindLost       Kind = "lost"
	KindClaimError Kind = "claim_error"
)

type Event struct {
	Kind       Kind          `json:"kind"`
	TripID     string        `json:"trip_id"`
	Remaining  time.Duration `json:"-"`
	RemainingS int           `json:"remaining_s"`
	Urgent     bool          `json:"urgent"`
	Trip      *models.Trip  `json:"trip,omitempty"`
	Err       string        `json:"error,omitempty"`
}

type Claimer interface {
	Claim(ctx context.Context, tripID, driverID string) (claim.Result, error)
}

type Config struct {
	DriverID string
	Claimer  Claimer
	// Available reports whether the driver is online with no active trip.
	Available func() bool
	// Notify receives every state change from the controller goroutine and
	// must not block.
	Notify  func(Event)
	Timeout time.Duration
	Clock   Clock
	Log     *zap.SugaredLogger
}

type state int

const (
	idle state = iota
	shown
	claiming
	holding
)

type command struct {
	accept  chan acceptReply
	reject  chan error
	resolve *resolution
}

type acceptReply struct {
	trip *models.Trip
	err  error
}

type resolution struct {
	tripID string
	result claim.Result
	err    error
}

type Controller struct {
	cfg Config

	cmds chan command
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	runOnce   sync.Once

	// owned by the Run goroutine
	state    state
	current  *models.Trip
	deadline time.Time
	// frozen while a claim is in flight
	remaining time.Duration
	ticker    Ticker
}

func New(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Event) {}
	}
	if cfg.Available == nil {
		cfg.Available = func() bool { return true }
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Controller{
		cfg:  cfg,
		cmds: make(chan command),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run multiplexes trip notifications, user commands and countdown ticks
// until ctx ends or Close is called. It must be called once.
func (c *Controller) Run(ctx context.Context, trips <-chan models.Trip) error {
	err := ErrClosed
	c.runOnce.Do(func() { err = c.run(ctx, trips) })
	return err
}

func (c *Controller) run(ctx context.Context, trips <-chan models.Trip) error {
	defer close(c.done)
	defer c.stopTicker()
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}
		select {
		case <-ctx.Done():
			c.discard("context_done")
			return ctx.Err()
		case <-c.quit:
			c.discard("closed")
			return nil
		case t, ok := <-trips:
			if !ok {
				trips = nil
				continue
			}
			c.onTrip(t)
		case cmd := <-c.cmds:
			c.onCommand(cmd)
		case <-tick:
			c.onTick()
		}
	}
}

// Close stops the countdown and ends Run. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Accept stops the countdown and claims the offered trip. On a transport
// failure the offer is restored with its remaining time so the driver can
// retry.
func (c *Controller) Accept(ctx context.Context) (claim.Result, error) {
	reply := make(chan acceptReply, 1)
	if err := c.send(ctx, command{accept: reply}); err != nil {
		return claim.Result{}, err
	}
	var r acceptReply
	select {
	case r = <-reply:
	case <-c.done:
		return claim.Result{}, ErrClosed
	}
	if r.err != nil {
		return claim.Result{}, r.err
	}

	res, err := c.cfg.Claimer.Claim(ctx, r.trip.ID, c.cfg.DriverID)
	// the claim outcome stands even if the controller closed meanwhile
	_ = c.send(context.Background(), command{resolve: &resolution{tripID: r.trip.ID, result: res, err: err}})
	return res, err
}

// Reject dismisses the current offer without touching the trip.
func (c *Controller) Reject() error {
	reply := make(chan error, 1)
	if err := c.send(context.Background(), command{reject: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) onTrip(t models.Trip) {
	if c.current != nil && t.ID == c.current.ID {
		switch {
		case c.state == holding:
			if t.Status.Terminal() {
				c.reset()
			}
		case t.DriverID == c.cfg.DriverID && (t.Status == models.TripAccepted || t.Status == models.TripInProgress):
			// the claim went through even if its reply has not arrived
			trip := t
			c.win(&trip)
		case c.state == shown && t.Status != models.TripSearching:
			c.stopTicker()
			c.reset()
			observability.OffersTotal.WithLabelValues(string(KindWithdrawn)).Inc()
			c.emit(Event{Kind: KindWithdrawn, TripID: t.ID})
		}
		return
	}
	if t.Status != models.TripSearching {
		return
	}
	if c.state == holding && c.cfg.Available() {
		// the held trip ended without the feed saying so
		c.reset()
	}
	if c.state != idle || !c.cfg.Available() {
		observability.OffersDropped.Inc()
		c.cfg.Log.Debugw("offer dropped", "driver_id", c.cfg.DriverID, "trip_id", t.ID)
		return
	}
	trip := t
	c.current = &trip
	c.state = shown
	c.deadline = c.cfg.Clock.Now().Add(c.cfg.Timeout)
	c.ticker = c.cfg.Clock.NewTicker(tickEvery)
	left := c.left()
	c.emit(Event{Kind: KindShown, TripID: t.ID, Remaining: left, Urgent: left <= UrgentAt, Trip: &trip})
}

// left is the time to the deadline, rounded up to whole seconds.
func (c *Controller) left() time.Duration {
	d := c.deadline.Sub(c.cfg.Clock.Now())
	if d <= 0 {
		return 0
	}
	return (d + tickEvery - 1) / tickEvery * tickEvery
}

func (c *Controller) onTick() {
	if c.state != shown {
		c.stopTicker()
		return
	}
	left := c.left()
	if left <= 0 {
		c.expire()
		return
	}
	c.emit(Event{Kind: KindTick, TripID: c.current.ID, Remaining: left, Urgent: left <= UrgentAt})
}

func (c *Controller) expire() {
	id := c.current.ID
	c.stopTicker()
	c.reset()
	observability.OffersTotal.WithLabelValues(string(KindExpired)).Inc()
	c.emit(Event{Kind: KindExpired, TripID: id})
}

// win stops any countdown and holds the trip as the driver's own.
func (c *Controller) win(t *models.Trip) {
	c.stopTicker()
	c.state = holding
	c.current = t
	c.remaining = 0
	observability.OffersTotal.WithLabelValues(string(KindWon)).Inc()
	c.emit(Event{Kind: KindWon, TripID: t.ID, Trip: t})
}

func (c *Controller) onCommand(cmd command) {
	switch {
	case cmd.accept != nil:
		if c.state != shown {
			cmd.accept <- acceptReply{err: ErrNoOffer}
			return
		}
		left := c.left()
		if left <= 0 {
			c.expire()
			cmd.accept <- acceptReply{err: ErrNoOffer}
			return
		}
		c.stopTicker()
		c.state = claiming
		c.remaining = left
		observability.OffersTotal.WithLabelValues(string(KindAccepted)).Inc()
		c.emit(Event{Kind: KindAccepted, TripID: c.current.ID, Remaining: left})
		trip := *c.current
		cmd.accept <- acceptReply{trip: &trip}

	case cmd.reject != nil:
		if c.state != shown {
			cmd.reject <- ErrNoOffer
			return
		}
		id := c.current.ID
		c.stopTicker()
		c.reset()
		observability.OffersTotal.WithLabelValues(string(KindRejected)).Inc()
		c.emit(Event{Kind: KindRejected, TripID: id})
		cmd.reject <- nil

	case cmd.resolve != nil:
		r := cmd.resolve
		if c.state != claiming || c.current == nil || c.current.ID != r.tripID {
			return
		}
		if r.err != nil {
			if errors.Is(r.err, claim.ErrClaimUnknown) && c.remaining > 0 {
				c.state = shown
				c.deadline = c.cfg.Clock.Now().Add(c.remaining)
				c.ticker = c.cfg.Clock.NewTicker(tickEvery)
				c.emit(Event{Kind: KindClaimError, TripID: r.tripID, Remaining: c.remaining, Urgent: c.remaining <= UrgentAt, Err: r.err.Error()})
				return
			}
			c.reset()
			c.emit(Event{Kind: KindClaimError, TripID: r.tripID, Err: r.err.Error()})
			return
		}
		if r.result.Outcome == claim.Won {
			t := r.result.Trip
			if t == nil {
				t = c.current
			}
			c.win(t)
			return
		}
		c.reset()
		observability.OffersTotal.WithLabelValues(string(KindLost)).Inc()
		c.emit(Event{Kind: KindLost, TripID: r.tripID})
	}
}

func (c *Controller) discard(reason string) {
	if c.state == shown {
		observability.OffersTotal.WithLabelValues(reason).Inc()
	}
	c.reset()
}

func (c *Controller) reset() {
	c.state = idle
	c.current = nil
	c.deadline = time.Time{}
	c.remaining = 0
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) emit(ev Event) {
	ev.RemainingS = int(ev.Remaining / time.Second)
	c.cfg.Notify(ev)
}
