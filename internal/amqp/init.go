package amqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"your.org/wa-tenant-sessions/internal/config"
	ilog "your.org/wa-tenant-sessions/internal/log"
)

// InitExchange declares the outgoing exchange and queue plus the events
// exchange.  It is safe to call multiple times as declarations are
// idempotent.
func InitExchange(cfg *config.Config) error {
	if cfg.AMQPURL == "" {
		ilog.Infof("AMQP URL is empty; skipping exchange initialization")
		return nil
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := declareOutgoing(ch, cfg); err != nil {
		return err
	}
	if cfg.AMQPEventsExchange != "" {
		if err := ch.ExchangeDeclare(cfg.AMQPEventsExchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare events exchange: %w", err)
		}
	}
	return nil
}

func declareOutgoing(ch *amqp.Channel, cfg *config.Config) error {
	if err := ch.ExchangeDeclare(
		cfg.AMQPExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if cfg.AMQPQueue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(
		cfg.AMQPQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(
		cfg.AMQPQueue,
		cfg.AMQPBinding,
		cfg.AMQPExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}
