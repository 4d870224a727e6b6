package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/geo"
	"github.com/example/moto-dispatch/internal/models"
)

// Publisher is how a driver session emits its presence. In production that
// is the Kafka stream; without brokers the Applier is used directly.
type Publisher interface {
	PublishPresence(ctx context.Context, p models.DriverPresence) error
}

type PresenceWriter interface {
	UpsertPresence(ctx context.Context, p models.DriverPresence) (*models.DriverPresence, error)
}

// Applier writes a presence to the backend, then mirrors the stored row
// into the radar index. Each step is retried with doubling backoff.
type Applier struct {
	Store    PresenceWriter
	Radar    geo.Radar
	Attempts int
	Backoff  time.Duration
	Log      *zap.SugaredLogger
}

var _ Publisher = (*Applier)(nil)

func (a *Applier) PublishPresence(ctx context.Context, p models.DriverPresence) error {
	return a.Apply(ctx, p)
}

func (a *Applier) Apply(ctx context.Context, p models.DriverPresence) error {
	stored := p
	err := withRetry(ctx, a.attempts(), a.Backoff, func() error {
		got, err := a.Store.UpsertPresence(ctx, p)
		if err != nil {
			return err
		}
		stored = *got
		return nil
	})
	if err != nil {
		return err
	}
	if a.Radar == nil {
		return nil
	}
	return withRetry(ctx, a.attempts(), a.Backoff, func() error {
		return a.Radar.Upsert(ctx, stored)
	})
}

func (a *Applier) attempts() int {
	if a.Attempts <= 0 {
		return 3
	}
	return a.Attempts
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
