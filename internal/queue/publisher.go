package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher sends events to RabbitMQ.  Each publish dials its own
// connection, so a broker outage never wedges a long-lived channel; errors
// are logged and returned so callers can choose to ignore them.
type Publisher struct {
	url string
	log zerolog.Logger
}

// NewPublisher returns a Publisher for the broker at url.
func NewPublisher(url string, log zerolog.Logger) *Publisher {
	return &Publisher{url: url, log: log.With().Str("component", "publisher").Logger()}
}

// PublishDocumentGenerated publishes ev to the ticket.document.generated
// queue.
func (p *Publisher) PublishDocumentGenerated(ctx context.Context, ev DocumentGeneratedEvent) error {
	return p.publish(ctx, DocumentGeneratedQueue, ev)
}

// PublishTicketIssued publishes ev to the ticket.issued queue.
func (p *Publisher) PublishTicketIssued(ctx context.Context, ev TicketIssuedEvent) error {
	return p.publish(ctx, TicketIssuedQueue, ev)
}

func (p *Publisher) publish(ctx context.Context, queue string, event interface{}) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Warn().Err(err).Msg("rabbitmq: dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn().Err(err).Msg("rabbitmq: channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		p.log.Warn().Err(err).Str("queue", queue).Msg("rabbitmq: queue declare failed")
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		pub,
	); err != nil {
		p.log.Warn().Err(err).Str("queue", queue).Msg("rabbitmq: publish failed")
		return err
	}
	return nil
}
