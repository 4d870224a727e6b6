package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
)

// NotifyChannel is the LISTEN channel the change triggers notify on.
const NotifyChannel = "dispatch_changes"

type notifyPayload struct {
	Table Table  `json:"table"`
	Op    Op     `json:"op"`
	ID    string `json:"id"`
}

// PGFeed turns trigger notifications into Events. Payloads carry only the
// row key; the current row is read back before publishing, so a subscriber
// may observe a state newer than the one that fired the notification.
type PGFeed struct {
	dsn    string
	store  *PostgresStore
	broker *Broker
	log    *zap.SugaredLogger
	// load reads the row a notification points at; loadRow by default.
	load func(notifyPayload) (Event, error)

	start    sync.Once
	startErr error
	listener *pq.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewPGFeed(dsn string, store *PostgresStore, log *zap.SugaredLogger) *PGFeed {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f := &PGFeed{dsn: dsn, store: store, broker: NewBroker(), log: log, stop: make(chan struct{})}
	f.load = f.loadRow
	return f
}

func (f *PGFeed) Subscribe(ctx context.Context, flt Filter) (*Subscription, error) {
	f.start.Do(func() {
		f.listener = pq.NewListener(f.dsn, time.Second, 30*time.Second, nil)
		if err := f.listener.Listen(NotifyChannel); err != nil {
			f.listener.Close()
			f.startErr = classify("listen", err)
			return
		}
		f.wg.Add(1)
		go f.loop()
	})
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.broker.Subscribe(ctx, flt)
}

func (f *PGFeed) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			f.handle(n)
		case <-time.After(90 * time.Second):
			go f.listener.Ping()
		}
	}
}

// handle publishes the row behind one notification. Every notification it
// cannot turn into an Event is logged, since subscribers never see it.
func (f *PGFeed) handle(n *pq.Notification) {
	// nil after a reconnect; notifications sent meanwhile are gone
	if n == nil {
		f.log.Warnw("change feed reconnected, notifications may have been missed", "channel", NotifyChannel)
		return
	}
	var p notifyPayload
	if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
		f.log.Warnw("change notification dropped", "reason", "bad_payload", "payload", n.Extra, "err", err)
		return
	}
	ev, err := f.load(p)
	if err != nil {
		f.log.Warnw("change notification dropped", "reason", "load", "table", p.Table, "op", p.Op, "id", p.ID, "err", err)
		return
	}
	f.broker.Publish(ev)
}

func (f *PGFeed) loadRow(p notifyPayload) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := Event{Table: p.Table, Op: p.Op}
	var err error
	switch p.Table {
	case TableTrips:
		ev.Trip, err = f.store.GetTrip(ctx, p.ID)
	case TableDrivers:
		ev.Driver, err = f.store.GetPresence(ctx, p.ID)
	case TableMessages:
		ev.Message, err = f.store.getMessage(ctx, p.ID)
	case TableRecharges:
		ev.Recharge, err = f.store.GetRecharge(ctx, p.ID)
	case TableZones:
		if p.Op == OpDelete {
			ev.Zone = &models.Zone{ID: p.ID}
			break
		}
		ev.Zone, err = f.store.getZone(ctx, p.ID)
	default:
		return Event{}, fmt.Errorf("unknown table %q", p.Table)
	}
	return ev, err
}

func (f *PGFeed) Close() {
	select {
	case <-f.stop:
		return
	default:
	}
	close(f.stop)
	f.wg.Wait()
	if f.listener != nil {
		f.listener.Close()
	}
	f.broker.Close()
}
