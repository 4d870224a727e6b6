package storage

import (
	"context"
	"strconv"
	"sync"

	"github.com/example/moto-dispatch/internal/models"
)

type Table string

const (
	TableTrips     Table = "trips"
	TableDrivers   Table = "drivers"
	TableZones     Table = "zones"
	TableMessages  Table = "messages"
	TableRecharges Table = "recharges"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one row change. Exactly one of the row pointers is set, matching Table.
type Event struct {
	Table    Table                   `json:"table"`
	Op       Op                      `json:"op"`
	Trip     *models.Trip            `json:"trip,omitempty"`
	Driver   *models.DriverPresence  `json:"driver,omitempty"`
	Zone     *models.Zone            `json:"zone,omitempty"`
	Message  *models.ChatMessage     `json:"message,omitempty"`
	Recharge *models.RechargeRequest `json:"recharge,omitempty"`
}

// Filter selects events on one table, optionally restricted to some
// operations and to rows whose Field equals Value.
// Supported fields: id, status, driver_id, trip_id, sos.
type Filter struct {
	Table Table
	Ops   []Op
	Field string
	Value string
}

func (f Filter) Match(ev Event) bool {
	if ev.Table != f.Table {
		return false
	}
	if len(f.Ops) > 0 {
		ok := false
		for _, op := range f.Ops {
			if op == ev.Op {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Field == "" {
		return true
	}
	v, ok := fieldValue(ev, f.Field)
	return ok && v == f.Value
}

func fieldValue(ev Event, field string) (string, bool) {
	switch {
	case ev.Trip != nil:
		switch field {
		case "id":
			return ev.Trip.ID, true
		case "status":
			return string(ev.Trip.Status), true
		case "driver_id":
			return ev.Trip.DriverID, true
		case "sos":
			return strconv.FormatBool(ev.Trip.SOS), true
		}
	case ev.Driver != nil:
		switch field {
		case "id", "driver_id":
			return ev.Driver.DriverID, true
		case "status":
			return string(ev.Driver.Status), true
		}
	case ev.Message != nil:
		switch field {
		case "id":
			return ev.Message.ID, true
		case "trip_id":
			return ev.Message.TripID, true
		}
	case ev.Recharge != nil:
		switch field {
		case "id":
			return ev.Recharge.ID, true
		case "status":
			return string(ev.Recharge.Status), true
		case "driver_id":
			return ev.Recharge.DriverID, true
		}
	case ev.Zone != nil:
		if field == "id" {
			return ev.Zone.ID, true
		}
	}
	return "", false
}

// Subscription delivers matching events on C, in publish order, until
// Cancel is called or the subscribing context ends. C is closed afterwards.
type Subscription struct {
	C <-chan Event

	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broker fans events out to subscribers. Publish never blocks: each
// subscriber owns a queue drained by its own goroutine, which keeps per
// subscription ordering without letting a slow reader stall writers.
type Broker struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscriber
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*subscriber)}
}

type subscriber struct {
	filter Filter
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

func (s *subscriber) close() {
	s.closed.Do(func() { close(s.done) })
}

func (b *Broker) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan Event)
	s := &subscriber{filter: f, wake: make(chan struct{}, 1), done: make(chan struct{})}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	sub := &Subscription{C: out, cancel: stop}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-s.done:
		}
	}()
	go s.pump(out)
	return sub, nil
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		s.mu.Lock()
		s.queue = append(s.queue, ev)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Close cancels every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) pump(out chan<- Event) {
	defer close(out)
	for {
		s.mu.Lock()
		var ev Event
		has := len(s.queue) > 0
		if has {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !has {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case out <- ev:
		case <-s.done:
			return
		}
	}
}
