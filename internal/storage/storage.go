package storage

import (
	"context"
	"time"

	"github.com/example/moto-dispatch/internal/models"
)

// TripFilter narrows ListTrips. Results are newest first.
type TripFilter struct {
	RiderID  string
	DriverID string
	Statuses []models.TripStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}

// TripStore persists rides. ClaimTrip and UpdateTripStatus are conditional
// updates: they return (nil, nil) when the row no longer matches. ClaimTrip
// also returns the row when the same driver already holds it accepted.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) (*models.Trip, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	ListTrips(ctx context.Context, f TripFilter) ([]models.Trip, error)
	ClaimTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	UpdateTripStatus(ctx context.Context, tripID string, from []models.TripStatus, to models.TripStatus) (*models.Trip, error)
	SetSOS(ctx context.Context, tripID string) (*models.Trip, error)
	RateTrip(ctx context.Context, tripID string, rating int) (*models.Trip, error)
}

type PresenceFilter struct {
	Statuses []models.DriverStatus
}

// PresenceStore holds one row per driver. UpsertPresence writes position and
// status and never touches the balance, which only the ledger moves.
type PresenceStore interface {
	GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	ListPresences(ctx context.Context, f PresenceFilter) ([]models.DriverPresence, error)
	UpsertPresence(ctx context.Context, p models.DriverPresence) (*models.DriverPresence, error)
	// SetDriverStatus refuses to move a blocked driver to any other status.
	SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	// UnblockDriver moves a blocked driver to inactive; (nil, nil) when the
	// driver was not blocked.
	UnblockDriver(ctx context.Context, driverID string) (*models.DriverPresence, error)
}

// ZoneStore manages service zones. ResolveZone returns (nil, nil) when the
// point is outside every zone.
type ZoneStore interface {
	CreateZone(ctx context.Context, z *models.Zone) (*models.Zone, error)
	DeleteZone(ctx context.Context, id string) error
	ListZones(ctx context.Context) ([]models.Zone, error)
	ResolveZone(ctx context.Context, c models.Coord) (*models.Zone, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, m *models.ChatMessage) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, tripID string) ([]models.ChatMessage, error)
}

type RechargeFilter struct {
	Status    models.RechargeStatus
	NotStatus models.RechargeStatus
	DriverID  string
	Limit     int
}

// RechargeStore tracks balance top-up requests. DecideRecharge only moves a
// pending request and returns (nil, nil) otherwise.
type RechargeStore interface {
	CreateRecharge(ctx context.Context, r *models.RechargeRequest) (*models.RechargeRequest, error)
	GetRecharge(ctx context.Context, id string) (*models.RechargeRequest, error)
	ListRecharges(ctx context.Context, f RechargeFilter) ([]models.RechargeRequest, error)
	DecideRecharge(ctx context.Context, id string, status models.RechargeStatus) (*models.RechargeRequest, error)
}

// Settlement is the backend's authoritative result of completing a trip.
type Settlement struct {
	TripID     string  `json:"trip_id"`
	Price      float64 `json:"price"`
	Commission float64 `json:"commission"`
	Net        float64 `json:"net"`
	Balance    float64 `json:"balance"`
}

// Ledger runs the atomic balance procedures.
type Ledger interface {
	SettleTrip(ctx context.Context, tripID, driverID string) (Settlement, error)
	CreditBalance(ctx context.Context, driverID string, amount float64) (float64, error)
	// ApproveRecharge marks a pending request approved and credits it in one
	// step. It returns (nil, 0, nil) when the request is not pending.
	ApproveRecharge(ctx context.Context, id string) (*models.RechargeRequest, float64, error)
}

type Feed interface {
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

// Backend is the remote data service every session talks to.
type Backend interface {
	TripStore
	PresenceStore
	ZoneStore
	MessageStore
	RechargeStore
	Ledger
	Feed
	Close() error
}
