// Package broker holds the RabbitMQ plumbing shared by the AMQP mailer and
// the AMQP audit sink.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublish wraps broker publish failures.
var ErrPublish = errors.New("amqp publish failed")

// Publisher is the subset of *amqp.Channel used to publish messages.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Conn owns a connection and a channel with a declared durable queue.
type Conn struct {
	conn    *amqp.Connection
	Channel *amqp.Channel
	Queue   string
}

// Dial connects to url, opens a channel and declares queue as durable.
func Dial(url, queue string) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare %q: %w", queue, err)
	}
	return &Conn{conn: conn, Channel: ch, Queue: queue}, nil
}

// Close closes the channel and the connection.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	chErr := c.Channel.Close()
	connErr := c.conn.Close()
	return errors.Join(chErr, connErr)
}

// PublishJSON marshals v and publishes it as a persistent message to the
// default exchange, routed to queue.
func PublishJSON(ctx context.Context, pub Publisher, queue, messageType string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	err = pub.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         messageType,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}
