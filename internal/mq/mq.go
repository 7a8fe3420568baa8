// Package mq publishes engine events to a RabbitMQ topic exchange.
package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/outbox"
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends outbox events to a durable topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// Dial connects to RabbitMQ and declares the exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("mq: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mq: open channel: %w", err)
	}
	p, err := newPublisher(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) (*Publisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("mq: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected reports whether the underlying connection is still open.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Publish sends one event. The outbox id is the message id so consumers can
// drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, ev models.OutboxEvent) error {
	err := p.ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatUint(uint64(ev.ID), 10),
		Timestamp:    time.Now().UTC(),
		Type:         ev.RoutingKey,
		Body:         []byte(ev.Payload),
	})
	if err != nil {
		return fmt.Errorf("mq: publish %s: %w", ev.RoutingKey, err)
	}
	return nil
}

// Handler adapts the publisher to the outbox.
func (p *Publisher) Handler() outbox.Handler {
	return outbox.HandlerFunc(func(ctx context.Context, ev models.OutboxEvent, _ outbox.Envelope) error {
		return p.Publish(ctx, ev)
	})
}
