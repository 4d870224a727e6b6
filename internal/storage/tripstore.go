package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/models"
)

// MemoryStore is a process-local Backend. A single mutex gives every write,
// including ClaimTrip and SettleTrip, the same atomicity the database
// procedures provide.
type MemoryStore struct {
	mu        sync.RWMutex
	trips     map[string]*models.Trip
	drivers   map[string]*models.DriverPresence
	zones     []models.Zone
	messages  map[string][]models.ChatMessage
	recharges map[string]*models.RechargeRequest

	broker         *Broker
	commissionRate float64
	now            func() time.Time
}

func NewMemoryStore(commissionRate float64) *MemoryStore {
	return &MemoryStore{
		trips:          make(map[string]*models.Trip),
		drivers:        make(map[string]*models.DriverPresence),
		messages:       make(map[string][]models.ChatMessage),
		recharges:      make(map[string]*models.RechargeRequest),
		broker:         NewBroker(),
		commissionRate: commissionRate,
		now:            time.Now,
	}
}

var _ Backend = (*MemoryStore)(nil)

func (m *MemoryStore) Close() error {
	m.broker.Close()
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	return m.broker.Subscribe(ctx, f)
}

// SeedDriver registers a driver row with an opening balance.
func (m *MemoryStore) SeedDriver(driverID, name string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driverID] = &models.DriverPresence{DriverID: driverID, Name: name, Status: models.DriverInactive, Balance: balance, UpdatedAt: m.now()}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = models.TripSearching
	}
	cp.RequestedAt = m.now()
	cp.UpdatedAt = cp.RequestedAt
	m.trips[cp.ID] = &cp
	m.publishTrip(OpInsert, &cp)
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTrips(_ context.Context, f TripFilter) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if f.RiderID != "" && t.RiderID != f.RiderID {
			continue
		}
		if f.DriverID != "" && t.DriverID != f.DriverID {
			continue
		}
		if len(f.Statuses) > 0 && !hasTripStatus(f.Statuses, t.Status) {
			continue
		}
		if !f.Since.IsZero() && t.RequestedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !t.RequestedAt.Before(f.Until) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimTrip(_ context.Context, tripID, driverID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if ok && t.Status == models.TripAccepted && t.DriverID == driverID {
		cp := *t
		return &cp, nil
	}
	if !ok || t.Status != models.TripSearching || t.DriverID != "" {
		return nil, nil
	}
	t.DriverID = driverID
	t.Status = models.TripAccepted
	t.UpdatedAt = m.now()
	m.publishTrip(OpUpdate, t)
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTripStatus(_ context.Context, tripID string, from []models.TripStatus, to models.TripStatus) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || !hasTripStatus(from, t.Status) {
		return nil, nil
	}
	t.Status = to
	t.UpdatedAt = m.now()
	m.publishTrip(OpUpdate, t)
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetSOS(_ context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	if t.Status != models.TripAccepted && t.Status != models.TripInProgress {
		return nil, fmt.Errorf("sos on %s trip: %w", t.Status, ErrConflict)
	}
	t.SOS = true
	t.UpdatedAt = m.now()
	m.publishTrip(OpUpdate, t)
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) RateTrip(_ context.Context, tripID string, rating int) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	if t.Status != models.TripCompleted {
		return nil, fmt.Errorf("rating a %s trip: %w", t.Status, ErrConflict)
	}
	r := rating
	t.Rating = &r
	t.UpdatedAt = m.now()
	m.publishTrip(OpUpdate, t)
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetPresence(_ context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	return copyPresence(p), nil
}

func (m *MemoryStore) ListPresences(_ context.Context, f PresenceFilter) ([]models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(m.drivers))
	for _, p := range m.drivers {
		if len(f.Statuses) > 0 && !hasDriverStatus(f.Statuses, p.Status) {
			continue
		}
		out = append(out, *copyPresence(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *MemoryStore) UpsertPresence(_ context.Context, p models.DriverPresence) (*models.DriverPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[p.DriverID]
	op := OpUpdate
	if !ok {
		cur = &models.DriverPresence{DriverID: p.DriverID}
		m.drivers[p.DriverID] = cur
		op = OpInsert
	}
	if cur.Status == models.DriverBlocked && p.Status != models.DriverBlocked {
		return nil, fmt.Errorf("driver %s is blocked: %w", p.DriverID, ErrConflict)
	}
	if p.Loc != nil {
		loc := *p.Loc
		cur.Loc = &loc
	}
	if p.Status != "" {
		cur.Status = p.Status
	}
	if p.Name != "" {
		cur.Name = p.Name
	}
	cur.UpdatedAt = m.now()
	m.publishDriver(op, cur)
	return copyPresence(cur), nil
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, driverID string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	if cur.Status == models.DriverBlocked && status != models.DriverBlocked {
		return fmt.Errorf("driver %s is blocked: %w", driverID, ErrConflict)
	}
	cur.Status = status
	cur.UpdatedAt = m.now()
	m.publishDriver(OpUpdate, cur)
	return nil
}

func (m *MemoryStore) UnblockDriver(_ context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[driverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	if cur.Status != models.DriverBlocked {
		return nil, nil
	}
	cur.Status = models.DriverInactive
	cur.UpdatedAt = m.now()
	m.publishDriver(OpUpdate, cur)
	return copyPresence(cur), nil
}

func (m *MemoryStore) CreateZone(_ context.Context, z *models.Zone) (*models.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *z
	cp.Ring = append([]models.Coord(nil), z.Ring...)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	m.zones = append(m.zones, cp)
	ev := cp
	m.broker.Publish(Event{Table: TableZones, Op: OpInsert, Zone: &ev})
	out := cp
	return &out, nil
}

func (m *MemoryStore) DeleteZone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, z := range m.zones {
		if z.ID == id {
			m.zones = append(m.zones[:i], m.zones[i+1:]...)
			ev := z
			m.broker.Publish(Event{Table: TableZones, Op: OpDelete, Zone: &ev})
			return nil
		}
	}
	return fmt.Errorf("zone %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListZones(_ context.Context) ([]models.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Zone, len(m.zones))
	copy(out, m.zones)
	return out, nil
}

// ResolveZone returns the first zone, in creation order, containing c.
func (m *MemoryStore) ResolveZone(_ context.Context, c models.Coord) (*models.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, z := range m.zones {
		if geo.PointInPolygon(c, z.Ring) {
			cp := z
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[msg.TripID]; !ok {
		return nil, fmt.Errorf("trip %s: %w", msg.TripID, ErrNotFound)
	}
	cp := *msg
	cp.ID = uuid.NewString()
	cp.CreatedAt = m.now()
	m.messages[cp.TripID] = append(m.messages[cp.TripID], cp)
	ev := cp
	m.broker.Publish(Event{Table: TableMessages, Op: OpInsert, Message: &ev})
	return &cp, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, tripID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ChatMessage, len(m.messages[tripID]))
	copy(out, m.messages[tripID])
	return out, nil
}

func (m *MemoryStore) CreateRecharge(_ context.Context, r *models.RechargeRequest) (*models.RechargeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.ID = uuid.NewString()
	cp.Status = models.RechargePending
	cp.CreatedAt = m.now()
	m.recharges[cp.ID] = &cp
	ev := cp
	m.broker.Publish(Event{Table: TableRecharges, Op: OpInsert, Recharge: &ev})
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetRecharge(_ context.Context, id string) (*models.RechargeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recharges[id]
	if !ok {
		return nil, fmt.Errorf("recharge %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRecharges(_ context.Context, f RechargeFilter) ([]models.RechargeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RechargeRequest, 0)
	for _, r := range m.recharges {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.NotStatus != "" && r.Status == f.NotStatus {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DecideRecharge(_ context.Context, id string, status models.RechargeStatus) (*models.RechargeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recharges[id]
	if !ok || r.Status != models.RechargePending {
		return nil, nil
	}
	r.Status = status
	ev := *r
	m.broker.Publish(Event{Table: TableRecharges, Op: OpUpdate, Recharge: &ev})
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SettleTrip(_ context.Context, tripID, driverID string) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return Settlement{}, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	if t.DriverID != driverID || t.Status != models.TripInProgress {
		return Settlement{}, fmt.Errorf("settle %s trip for %s: %w", t.Status, driverID, ErrConflict)
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return Settlement{}, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	commission, net := models.Commission(t.Price, m.commissionRate)
	t.Status = models.TripCompleted
	t.UpdatedAt = m.now()
	d.Balance = models.FromCents(models.Cents(d.Balance) - models.Cents(commission))
	d.UpdatedAt = t.UpdatedAt
	m.publishTrip(OpUpdate, t)
	m.publishDriver(OpUpdate, d)
	return Settlement{
		TripID:     tripID,
		Price:      t.Price,
		Commission: commission,
		Net:        net,
		Balance:    d.Balance,
	}, nil
}

func (m *MemoryStore) CreditBalance(_ context.Context, driverID string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(driverID, amount)
}

func (m *MemoryStore) creditLocked(driverID string, amount float64) (float64, error) {
	d, ok := m.drivers[driverID]
	if !ok {
		return 0, fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	d.Balance = models.FromCents(models.Cents(d.Balance) + models.Cents(amount))
	d.UpdatedAt = m.now()
	m.publishDriver(OpUpdate, d)
	return d.Balance, nil
}

func (m *MemoryStore) ApproveRecharge(_ context.Context, id string) (*models.RechargeRequest, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recharges[id]
	if !ok || r.Status != models.RechargePending {
		return nil, 0, nil
	}
	balance, err := m.creditLocked(r.DriverID, r.Amount)
	if err != nil {
		return nil, 0, err
	}
	r.Status = models.RechargeApproved
	ev := *r
	m.broker.Publish(Event{Table: TableRecharges, Op: OpUpdate, Recharge: &ev})
	cp := *r
	return &cp, balance, nil
}

func (m *MemoryStore) publishTrip(op Op, t *models.Trip) {
	cp := *t
	m.broker.Publish(Event{Table: TableTrips, Op: op, Trip: &cp})
}

func (m *MemoryStore) publishDriver(op Op, p *models.DriverPresence) {
	m.broker.Publish(Event{Table: TableDrivers, Op: op, Driver: copyPresence(p)})
}

func copyPresence(p *models.DriverPresence) *models.DriverPresence {
	cp := *p
	if p.Loc != nil {
		loc := *p.Loc
		cp.Loc = &loc
	}
	return &cp
}

func hasTripStatus(set []models.TripStatus, s models.TripStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func hasDriverStatus(set []models.DriverStatus, s models.DriverStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
