package models

import (
	"errors"
	"time"
)

// ErrInvalidInput marks requests rejected locally before any backend call.
// Callers wrap it with the violated constraint.
var ErrInvalidInput = errors.New("invalid input")

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type TripStatus string

const (
	TripSearching  TripStatus = "searching"
	TripAccepted   TripStatus = "accepted"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Active reports whether the trip still occupies its rider or driver.
func (s TripStatus) Active() bool {
	return s == TripSearching || s == TripAccepted || s == TripInProgress
}

type Trip struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	DriverID    string     `json:"driver_id,omitempty"`
	Origin      Coord      `json:"origin"`
	Destination Coord      `json:"destination"`
	Price       float64    `json:"price"`
	Notes       string     `json:"notes,omitempty"`
	Status      TripStatus `json:"status"`
	SOS         bool       `json:"sos"`
	Rating      *int       `json:"rating,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverOccupied  DriverStatus = "occupied"
	DriverInactive  DriverStatus = "inactive"
	DriverBlocked   DriverStatus = "blocked"
)

// DriverPresence is written only by the driver it describes.
type DriverPresence struct {
	DriverID  string       `json:"driver_id"`
	Name      string       `json:"name,omitempty"`
	Loc       *Coord       `json:"loc,omitempty"`
	Status    DriverStatus `json:"status"`
	Balance   float64      `json:"balance"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Zone struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	BaseFare      float64 `json:"base_fare"`
	CommissionPct float64 `json:"commission_pct"`
	Ring          []Coord `json:"ring"`
}

type SenderRole string

const (
	RoleRider  SenderRole = "rider"
	RoleDriver SenderRole = "driver"
	RoleAdmin  SenderRole = "admin"
)

type ChatMessage struct {
	ID         string     `json:"id"`
	TripID     string     `json:"trip_id"`
	SenderRole SenderRole `json:"sender_role"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"created_at"`
}

type RechargeStatus string

const (
	RechargePending  RechargeStatus = "pending"
	RechargeApproved RechargeStatus = "approved"
	RechargeRejected RechargeStatus = "rejected"
)

type RechargeRequest struct {
	ID              string         `json:"id"`
	DriverID        string         `json:"driver_id"`
	Amount          float64        `json:"amount"`
	Reference       string         `json:"reference"`
	ProofURL        string         `json:"proof_url,omitempty"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty"`
	Status          RechargeStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}
