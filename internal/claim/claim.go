// Package claim resolves the race between drivers accepting the same trip.
// The backend applies a conditional update that only matches a trip still
// searching, so exactly one concurrent claimer wins.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/observability"
	"github.com/example/moto-dispatch/internal/storage"
)

// ErrClaimUnknown means the claim request did not get a definite answer.
// The trip may or may not be ours; the caller offers a manual retry.
var ErrClaimUnknown = errors.New("claim outcome unknown")

type Outcome int

// The zero Outcome is Unknown so an errored Result never reads as Lost.
const (
	Unknown Outcome = iota
	Won
	Lost
)

func (o Outcome) String() string {
	switch o {
	case Won:
		return "won"
	case Lost:
		return "lost"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Trip    *models.Trip
}

type Store interface {
	ClaimTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error
}

type Protocol struct {
	store Store
	log   *zap.SugaredLogger
}

func New(store Store, log *zap.SugaredLogger) *Protocol {
	return &Protocol{store: store, log: log}
}

// Claim tries to assign tripID to driverID. A lost race is a Result, not an
// error. Transport failures return ErrClaimUnknown and never a Result.
func (p *Protocol) Claim(ctx context.Context, tripID, driverID string) (Result, error) {
	start := time.Now()
	trip, err := p.store.ClaimTrip(ctx, tripID, driverID)
	observability.ClaimLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			observability.ClaimsTotal.WithLabelValues("unknown").Inc()
			p.log.Warnw("claim outcome unknown", "trip_id", tripID, "driver_id", driverID, "err", err)
			return Result{}, fmt.Errorf("%w: %w", ErrClaimUnknown, err)
		}
		observability.ClaimsTotal.WithLabelValues("error").Inc()
		p.log.Errorw("claim failed", "trip_id", tripID, "driver_id", driverID, "err", err)
		return Result{}, fmt.Errorf("claim trip %s: %w", tripID, err)
	}

	if trip == nil || trip.DriverID != driverID {
		observability.ClaimsTotal.WithLabelValues("lost").Inc()
		p.log.Infow("claim lost", "trip_id", tripID, "driver_id", driverID)
		return Result{Outcome: Lost}, nil
	}

	observability.ClaimsTotal.WithLabelValues("won").Inc()
	p.log.Infow("claim won", "trip_id", tripID, "driver_id", driverID)
	// the assignment already stands; a failed status write only delays the
	// occupied flag until the next presence publish
	if err := p.store.SetDriverStatus(ctx, driverID, models.DriverOccupied); err != nil {
		p.log.Warnw("mark driver occupied", "driver_id", driverID, "err", err)
	}
	return Result{Outcome: Won, Trip: trip}, nil
}
