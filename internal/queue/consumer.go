package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// IssuedHandler processes one ticket.issued event.
type IssuedHandler func(ctx context.Context, ev TicketIssuedEvent) error

// ConsumerConfig tunes StartIssuedConsumer.
type ConsumerConfig struct {
	URL      string
	Prefetch int // unacknowledged deliveries per consumer; defaults to 8

	// Retryable reports whether a handler error is transient.  Such
	// messages are requeued after RequeueDelay; all others are dropped.
	// Nil treats every error as permanent.
	Retryable    func(error) bool
	RequeueDelay time.Duration // defaults to 2s
}

// StartIssuedConsumer connects to RabbitMQ, declares the ticket.issued
// queue (durable) and hands each message to handle.  It runs a reconnect
// loop with exponential backoff and returns only once ctx is cancelled.
// A message whose handler fails with a retryable error is requeued after
// a delay; any other failure is rejected and logged at error level.
func StartIssuedConsumer(ctx context.Context, cfg ConsumerConfig, handle IssuedHandler, log zerolog.Logger) error {
	log = log.With().Str("component", "issued-consumer").Logger()
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 2 * time.Second
	}

	backoff := time.Second
	for {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("failed to dial broker")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, cfg, handle, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, cfg ConsumerConfig, handle IssuedHandler, log zerolog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		log.Warn().Err(err).Msg("set QoS failed")
	}
	if _, err := ch.QueueDeclare(TicketIssuedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(TicketIssuedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	log.Info().Str("queue", TicketIssuedQueue).Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			ev, err := decodeIssued(d.Body)
			if err != nil {
				log.Error().Err(err).Msg("malformed message dropped")
				_ = d.Nack(false, false)
				continue
			}
			err = handle(ctx, ev)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case requeue(err, cfg.Retryable):
				log.Warn().Err(err).Str("ticket_id", ev.TicketID).Dur("delay", cfg.RequeueDelay).Msg("handle message failed; requeueing")
				// Hold the message back so a saturated pool is not hit again at once.
				waited := sleep(ctx, cfg.RequeueDelay)
				_ = d.Nack(false, true)
				if !waited {
					return ctx.Err()
				}
			default:
				log.Error().Err(err).Str("ticket_id", ev.TicketID).Msg("handle message failed; dropped")
				_ = d.Nack(false, false)
			}
		}
	}
}

func requeue(err error, retryable func(error) bool) bool {
	return retryable != nil && retryable(err)
}

func decodeIssued(body []byte) (TicketIssuedEvent, error) {
	var ev TicketIssuedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal: %w", err)
	}
	ev.TicketID = strings.TrimSpace(ev.TicketID)
	if ev.TicketID == "" {
		return ev, errors.New("ticket_id is required")
	}
	return ev, nil
}
