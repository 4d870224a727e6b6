// Package alerts fans SOS and recharge notices out to every admin console
// through a RabbitMQ fanout exchange.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Kind string

const (
	KindSOS      Kind = "sos"
	KindRecharge Kind = "recharge"
)

type Alert struct {
	Kind     Kind      `json:"kind"`
	TripID   string    `json:"trip_id,omitempty"`
	RiderID  string    `json:"rider_id,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	Amount   float64   `json:"amount,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func Dial(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		Type:         string(a.Kind),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Discard drops alerts when no broker is configured; admin consoles still
// receive them over their sockets.
type Discard struct{}

func (Discard) Publish(context.Context, Alert) error { return nil }
