// Package events publishes session lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/models"
)

// Routing keys on the session exchange.
const (
	KeyStarted   = "session.started"
	KeyProgress  = "session.progress"
	KeyCompleted = "session.completed"
	KeyFailed    = "session.failed"
)

// Event is the JSON body of every published message.
type Event struct {
	Type    string                 `json:"type"`
	Session models.SessionSnapshot `json:"session"`
	SentAt  time.Time              `json:"sent_at"`
}

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher emits session events on a topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	progress bool
}

// Dial connects to RabbitMQ and declares the exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"exchange": exchange,
	}).Info("RabbitMQ publisher initialized")

	p := NewPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

// NewPublisher publishes on an already opened channel.
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange}
}

// WithProgress enables session.progress messages, which are off by default.
func (p *Publisher) WithProgress(enabled bool) *Publisher {
	p.progress = enabled
	return p
}

func (p *Publisher) SessionStarted(ctx context.Context, s models.SessionSnapshot) error {
	return p.publish(ctx, KeyStarted, s)
}

func (p *Publisher) SessionProgress(ctx context.Context, s models.SessionSnapshot) error {
	if !p.progress {
		return nil
	}
	return p.publish(ctx, KeyProgress, s)
}

func (p *Publisher) SessionFinished(ctx context.Context, s models.SessionSnapshot) error {
	key := KeyCompleted
	if s.Status == models.StatusFailed {
		key = KeyFailed
	}
	return p.publish(ctx, key, s)
}

func (p *Publisher) publish(ctx context.Context, key string, s models.SessionSnapshot) error {
	body, err := json.Marshal(Event{Type: key, Session: s, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	err = p.ch.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    s.ID + "." + key,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// Close releases the channel and, when dialed, the connection.
func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
