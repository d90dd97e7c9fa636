package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/pkg/models"
)

const (
	PublishedQueueName = "video_published"
	ExchangeName       = "vidrelay"
)

// Emitter publishes relay lifecycle events to the message broker.
type Emitter struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new event emitter
func New(cfg config.EventsConfig) (*Emitter, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = channel.QueueDeclare(
		PublishedQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		PublishedQueueName,
		PublishedQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Emitter{
		conn:    conn,
		channel: channel,
	}, nil
}

// Close closes the broker connection
func (e *Emitter) Close() error {
	if e.channel != nil {
		e.channel.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// PublishVideoEvent announces a successfully republished video.
func (e *Emitter) PublishVideoEvent(ctx context.Context, evt *models.PublishedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = e.channel.PublishWithContext(ctx,
		ExchangeName,
		PublishedQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
