package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const eventTransactionCreated = "transaction.created"

// eventPublisher announces committed changes to other services.
type eventPublisher interface {
	PublishTransactionCreated(ctx context.Context, t Transaction) error
	Close() error
}

// noopPublisher is used when no broker is configured.
type noopPublisher struct{}

func (noopPublisher) PublishTransactionCreated(context.Context, Transaction) error { return nil }
func (noopPublisher) Close() error                                               { return nil }

// TransactionEvent is the body of every published message
type TransactionEvent struct {
	Event       string      `json:"event"`
	Transaction Transaction `json:"transaction"`
	Timestamp   time.Time   `json:"timestamp"`
}

func newTransactionEvent(event string, t Transaction, now time.Time) TransactionEvent {
	return TransactionEvent{Event: event, Transaction: t, Timestamp: now.UTC()}
}

// ToJSON converts the event to JSON bytes
func (e TransactionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// amqpPublisher publishes events to a durable topic exchange, using the event
// name as routing key.
type amqpPublisher struct {
	mu           sync.Mutex
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
}

func newAMQPPublisher(url, exchangeName string) (*amqpPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &amqpPublisher{conn: conn, channel: channel, exchangeName: exchangeName}, nil
}

func (p *amqpPublisher) PublishTransactionCreated(ctx context.Context, t Transaction) error {
	body, err := newTransactionEvent(eventTransactionCreated, t, time.Now()).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchangeName,          // exchange
		eventTransactionCreated, // routing key
		false,                   // mandatory
		false,                   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	slog.DebugContext(ctx, "Published transaction event",
		"event", eventTransactionCreated,
		"id", t.ID,
		"exchange", p.exchangeName)
	return nil
}

func (p *amqpPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
