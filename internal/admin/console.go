// Package admin is the operations console: service zones and their live
// occupancy, driver balance top-ups, blocking drivers and SOS alerts.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/payments"
	"github.com/example/moto-dispatch/internal/storage"
	"github.com/example/moto-dispatch/internal/zones"
)

const (
	DefaultBaseFare      = 20.0
	DefaultCommissionPct = 10.0
	LedgerLimit          = 50
)

type Store interface {
	storage.ZoneStore
	storage.Feed
	ListPresences(ctx context.Context, f storage.PresenceFilter) ([]models.DriverPresence, error)
	SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	ListTrips(ctx context.Context, f storage.TripFilter) ([]models.Trip, error)
	ListRecharges(ctx context.Context, f storage.RechargeFilter) ([]models.RechargeRequest, error)
	UnblockDriver(ctx context.Context, driverID string) (*models.DriverPresence, error)
	DecideRecharge(ctx context.Context, id string, status models.RechargeStatus) (*models.RechargeRequest, error)
	ApproveRecharge(ctx context.Context, id string) (*models.RechargeRequest, float64, error)
}

type Config struct {
	Store Store
	Cards payments.Holder
	Sink  dispatch.Sink
	Log   *zap.SugaredLogger
}

// Console is one admin's screen. Open loads the zones and starts the live
// feeds; Close stops them.
type Console struct {
	adminID string
	cfg     Config
	log     *zap.SugaredLogger
	agg     *zones.Aggregator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsole(adminID string, cfg Config) *Console {
	if cfg.Cards == nil {
		cfg.Cards = payments.Disabled{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Console{
		adminID: adminID,
		cfg:     cfg,
		log:     cfg.Log.With("admin_id", adminID),
		agg:     zones.NewAggregator(),
	}
}

func (c *Console) push(kind string, data any) {
	if c.cfg.Sink == nil {
		return
	}
	if err := c.cfg.Sink.Send(dispatch.Key(models.RoleAdmin, c.adminID), dispatch.Envelope{Type: kind, Data: data}); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		c.log.Debugw("push to admin", "type", kind, "err", err)
	}
}

// Open caches the zones and follows zone, presence, trip and SOS changes.
// Occupancy is recounted on every presence or trip change without
// refetching the polygons.
func (c *Console) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	if err := c.reloadZones(ctx); err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	filters := []storage.Filter{
		{Table: storage.TableZones},
		{Table: storage.TableDrivers},
		{Table: storage.TableTrips, Ops: []storage.Op{storage.OpInsert, storage.OpUpdate}},
		{Table: storage.TableTrips, Ops: []storage.Op{storage.OpUpdate}, Field: "sos", Value: "true"},
	}
	subs := make([]*storage.Subscription, 0, len(filters))
	for _, f := range filters {
		sub, err := c.cfg.Store.Subscribe(lctx, f)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", f.Table, err)
		}
		subs = append(subs, sub)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(lctx, subs[0], subs[1], subs[2], subs[3], c.done)
	return nil
}

func (c *Console) loop(ctx context.Context, zoneSub, driverSub, tripSub, sosSub *storage.Subscription, done chan struct{}) {
	defer close(done)
	seenSOS := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-zoneSub.C:
			if !ok {
				return
			}
			if err := c.reloadZones(ctx); err != nil {
				c.log.Warnw("reload zones", "err", err)
				continue
			}
			c.push("zones", c.agg.Zones())
			c.refresh(ctx)
		case ev, ok := <-driverSub.C:
			if !ok {
				return
			}
			c.push("driver", ev.Driver)
			c.refresh(ctx)
		case _, ok := <-tripSub.C:
			if !ok {
				return
			}
			c.refresh(ctx)
		case ev, ok := <-sosSub.C:
			if !ok {
				return
			}
			if ev.Trip == nil || seenSOS[ev.Trip.ID] {
				continue
			}
			seenSOS[ev.Trip.ID] = true
			c.log.Warnw("sos alert", "trip_id", ev.Trip.ID, "driver_id", ev.Trip.DriverID)
			c.push("sos", ev.Trip)
		}
	}
}

func (c *Console) reloadZones(ctx context.Context) error {
	zs, err := c.cfg.Store.ListZones(ctx)
	if err != nil {
		return err
	}
	c.agg.SetZones(zs)
	return nil
}

func (c *Console) refresh(ctx context.Context) {
	occ, err := c.Occupancy(ctx)
	if err != nil {
		c.log.Warnw("recount occupancy", "err", err)
		return
	}
	c.push("occupancy", occ)
}

// Close stops the live feeds. Safe to call more than once.
func (c *Console) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Occupancy counts online drivers and open requests per cached zone.
func (c *Console) Occupancy(ctx context.Context) ([]zones.Occupancy, error) {
	drivers, err := c.cfg.Store.ListPresences(ctx, storage.PresenceFilter{
		Statuses: []models.DriverStatus{models.DriverAvailable, models.DriverOccupied},
	})
	if err != nil {
		return nil, err
	}
	requests, err := c.cfg.Store.ListTrips(ctx, storage.TripFilter{Statuses: []models.TripStatus{models.TripSearching}})
	if err != nil {
		return nil, err
	}
	return c.agg.Compute(drivers, requests), nil
}

func (c *Console) Zones() []models.Zone { return c.agg.Zones() }

// ZoneInput is a zone drawn on the map.
type ZoneInput struct {
	Name          string         `json:"name"`
	Ring          []models.Coord `json:"ring"`
	BaseFare      float64        `json:"base_fare"`
	CommissionPct float64        `json:"commission_pct"`
}

// CreateZone validates the polygon, closes its ring and saves it. Missing
// fares default to 20 and 10 %.
func (c *Console) CreateZone(ctx context.Context, in ZoneInput) (*models.Zone, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("zone name required: %w", models.ErrInvalidInput)
	}
	if !geo.ValidRing(geo.OpenRing(in.Ring)) {
		return nil, fmt.Errorf("zone %q needs at least 3 distinct vertices: %w", name, models.ErrInvalidInput)
	}
	z := &models.Zone{
		Name:          name,
		BaseFare:      in.BaseFare,
		CommissionPct: in.CommissionPct,
		Ring:          geo.ClosedRing(in.Ring),
	}
	if z.BaseFare <= 0 {
		z.BaseFare = DefaultBaseFare
	}
	if z.CommissionPct <= 0 {
		z.CommissionPct = DefaultCommissionPct
	}
	created, err := c.cfg.Store.CreateZone(ctx, z)
	if err != nil {
		return nil, err
	}
	c.log.Infow("zone created", "zone_id", created.ID, "name", created.Name, "base_fare", created.BaseFare)
	if err := c.reloadZones(ctx); err != nil {
		c.log.Warnw("reload zones", "err", err)
	}
	return created, nil
}

func (c *Console) DeleteZone(ctx context.Context, id string) error {
	if err := c.cfg.Store.DeleteZone(ctx, id); err != nil {
		return err
	}
	c.log.Infow("zone deleted", "zone_id", id)
	if err := c.reloadZones(ctx); err != nil {
		c.log.Warnw("reload zones", "err", err)
	}
	return nil
}

func (c *Console) PendingRecharges(ctx context.Context) ([]models.RechargeRequest, error) {
	return c.cfg.Store.ListRecharges(ctx, storage.RechargeFilter{Status: models.RechargePending})
}

// Ledger lists the latest decided recharges.
func (c *Console) Ledger(ctx context.Context) ([]models.RechargeRequest, error) {
	return c.cfg.Store.ListRecharges(ctx, storage.RechargeFilter{NotStatus: models.RechargePending, Limit: LedgerLimit})
}

// Decision is the outcome of approving or rejecting a recharge.
type Decision struct {
	Recharge models.RechargeRequest `json:"recharge"`
	Balance  *float64               `json:"balance,omitempty"`
}

// Approve credits the driver and captures the card hold, if any. Only a
// pending request can be decided; approval and credit land together or not
// at all, so a failed call can be retried.
func (c *Console) Approve(ctx context.Context, id string) (Decision, error) {
	r, balance, err := c.cfg.Store.ApproveRecharge(ctx, id)
	if err != nil {
		c.log.Errorw("approve recharge", "recharge_id", id, "err", err)
		return Decision{}, err
	}
	if r == nil {
		return Decision{}, fmt.Errorf("recharge %s is not pending: %w", id, storage.ErrConflict)
	}
	if r.PaymentIntentID != "" {
		if err := c.cfg.Cards.Capture(ctx, r.PaymentIntentID); err != nil {
			c.log.Errorw("capture card hold", "recharge_id", id, "payment_intent", r.PaymentIntentID, "err", err)
		}
	}
	c.log.Infow("recharge approved", "recharge_id", id, "driver_id", r.DriverID, "amount", r.Amount, "balance", balance)
	return Decision{Recharge: *r, Balance: &balance}, nil
}

// Reject declines a pending request and releases its card hold.
func (c *Console) Reject(ctx context.Context, id string) (Decision, error) {
	r, err := c.cfg.Store.DecideRecharge(ctx, id, models.RechargeRejected)
	if err != nil {
		return Decision{}, err
	}
	if r == nil {
		return Decision{}, fmt.Errorf("recharge %s is not pending: %w", id, storage.ErrConflict)
	}
	if r.PaymentIntentID != "" {
		if err := c.cfg.Cards.Cancel(ctx, r.PaymentIntentID); err != nil {
			c.log.Errorw("release card hold", "recharge_id", id, "payment_intent", r.PaymentIntentID, "err", err)
		}
	}
	c.log.Infow("recharge rejected", "recharge_id", id, "driver_id", r.DriverID)
	return Decision{Recharge: *r}, nil
}

func (c *Console) Drivers(ctx context.Context) ([]models.DriverPresence, error) {
	return c.cfg.Store.ListPresences(ctx, storage.PresenceFilter{})
}

// Block takes the driver off the fleet; their session goes offline when it
// sees the change.
func (c *Console) Block(ctx context.Context, driverID string) error {
	if err := c.cfg.Store.SetDriverStatus(ctx, driverID, models.DriverBlocked); err != nil {
		return err
	}
	c.log.Warnw("driver blocked", "driver_id", driverID)
	return nil
}

// Unblock lets a blocked driver go online again.
func (c *Console) Unblock(ctx context.Context, driverID string) error {
	p, err := c.cfg.Store.UnblockDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("driver %s is not blocked: %w", driverID, storage.ErrConflict)
	}
	c.log.Infow("driver unblocked", "driver_id", driverID)
	return nil
}

type Stats struct {
	AvailableDrivers int     `json:"available_drivers"`
	Zones            int     `json:"zones"`
	ApprovedTotal    float64 `json:"approved_total"`
	OpenSOS          int     `json:"open_sos"`
}

func (c *Console) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	drivers, err := c.cfg.Store.ListPresences(ctx, storage.PresenceFilter{Statuses: []models.DriverStatus{models.DriverAvailable}})
	if err != nil {
		return st, err
	}
	st.AvailableDrivers = len(drivers)
	zs, err := c.cfg.Store.ListZones(ctx)
	if err != nil {
		return st, err
	}
	st.Zones = len(zs)
	approved, err := c.cfg.Store.ListRecharges(ctx, storage.RechargeFilter{Status: models.RechargeApproved})
	if err != nil {
		return st, err
	}
	var total int64
	for _, r := range approved {
		total += models.Cents(r.Amount)
	}
	st.ApprovedTotal = models.FromCents(total)
	sos, err := c.OpenSOS(ctx)
	if err != nil {
		return st, err
	}
	st.OpenSOS = len(sos)
	return st, nil
}

// OpenSOS lists unfinished trips whose rider raised an SOS.
func (c *Console) OpenSOS(ctx context.Context) ([]models.Trip, error) {
	trips, err := c.cfg.Store.ListTrips(ctx, storage.TripFilter{
		Statuses: []models.TripStatus{models.TripAccepted, models.TripInProgress},
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Trip, 0)
	for _, t := range trips {
		if t.SOS {
			out = append(out, t)
		}
	}
	return out, nil
}
