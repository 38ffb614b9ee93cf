// Package audit publishes every committed seat event to a RabbitMQ topic
// exchange for downstream consumers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/config"
	"github.com/DoyleJ11/seat-sync/internal/engine"
	"github.com/DoyleJ11/seat-sync/internal/logger"
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Record struct {
	TripID     int64     `json:"tripId"`
	Type       string    `json:"type"`
	Reason     string    `json:"reason"`
	SeatID     int64     `json:"seatId"`
	SeatNumber string    `json:"seatNumber,omitempty"`
	HolderID   string    `json:"holderId,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
	At         time.Time `json:"at"`
}

type Publisher struct {
	ch       Channel
	conn     io.Closer
	exchange string
	log      *zap.Logger
}

// Dial connects to the broker and declares the exchange.
func Dial(cfg config.AuditConfig, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := New(ch, cfg.Exchange, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func New(ch Channel, exchange string, log *zap.Logger) (*Publisher, error) {
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, log: logger.Or(log).Named("audit")}, nil
}

// Observe implements room.Observer. Failures are logged, never returned.
func (p *Publisher) Observe(ctx context.Context, events []engine.Event) {
	for _, ev := range events {
		if err := p.Publish(ctx, ev); err != nil {
			p.log.Warn("audit publish failed",
				zap.Int64("trip_id", ev.TripID),
				zap.Int64("seat_id", ev.Lock.SeatID),
				zap.Error(err),
			)
		}
	}
}

func (p *Publisher) Publish(ctx context.Context, ev engine.Event) error {
	rec := Record{
		TripID: ev.TripID,
		Type:   string(ev.Type),
		Reason: string(ev.Reason),
		SeatID: ev.Lock.SeatID,
		At:     ev.At.UTC(),
	}
	if ev.Type == engine.EvtSeatLocked {
		rec.SeatNumber = ev.Lock.SeatNumber
		rec.HolderID = ev.Lock.HolderID
		rec.ExpiresAt = ev.Lock.ExpiresAt.UTC()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(ctx,
		p.exchange,     // exchange
		RoutingKey(ev), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    rec.At,
			Body:         body,
		},
	)
}

// RoutingKey is trip.<id>.seat_locked or trip.<id>.seat_unlocked.
func RoutingKey(ev engine.Event) string {
	kind := "seat_unlocked"
	if ev.Type == engine.EvtSeatLocked {
		kind = "seat_locked"
	}
	return fmt.Sprintf("trip.%d.%s", ev.TripID, kind)
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
