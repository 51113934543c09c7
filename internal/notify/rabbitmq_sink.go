package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aditya/tow-dispatch/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSink publishes each event to a topic exchange with the event type
// as routing key, so consumers bind to "job.accepted", "job.*" and so on.
type RabbitMQSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func NewRabbitMQSink(url, exchange string, logger *slog.Logger) (*RabbitMQSink, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("RabbitMQ notification sink ready", slog.String("exchange", exchange))
	return &RabbitMQSink{conn: conn, channel: channel, exchange: exchange, logger: logger}, nil
}

func (s *RabbitMQSink) Name() string { return "rabbitmq" }

func (s *RabbitMQSink) Send(ctx context.Context, evt events.JobEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.channel.PublishWithContext(
		ctx,
		s.exchange, // exchange
		evt.Type,   // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.JobID + ":" + evt.Status,
			Timestamp:    evt.OccurredAt,
		},
	)
}

func (s *RabbitMQSink) Close() error {
	if err := s.channel.Close(); err != nil {
		s.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
	}
	return s.conn.Close()
}
