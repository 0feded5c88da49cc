package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel carrying ticket ids.
const DefaultChannel = "ticketdoc:generated"

// Redis fans generation signals out to every service process through a
// Redis pub/sub channel.  Subscriptions are served by an embedded Local
// notifier fed from the channel.
type Redis struct {
	rdb     *redis.Client
	channel string
	local   *Local
	log     zerolog.Logger
}

// NewRedis returns a Redis notifier.  Call Run to start receiving.
func NewRedis(rdb *redis.Client, channel string, log zerolog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{rdb: rdb, channel: channel, local: NewLocal(), log: log}
}

// Subscribe implements Notifier.
func (r *Redis) Subscribe(ticketID string) (<-chan struct{}, func()) {
	return r.local.Subscribe(ticketID)
}

// Publish wakes local subscribers immediately and broadcasts ticketID to
// the other processes.
func (r *Redis) Publish(ctx context.Context, ticketID string) error {
	r.local.Publish(ctx, ticketID)
	return r.rdb.Publish(ctx, r.channel, ticketID).Err()
}

// Run receives signals until ctx is cancelled, resubscribing after
// connection failures.
func (r *Redis) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		ps := r.rdb.Subscribe(ctx, r.channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Dur("retry_in", backoff).Msg("notify: subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		r.log.Info().Str("channel", r.channel).Msg("notify: subscribed")
		r.receive(ctx, ps)
		ps.Close()
	}
}

func (r *Redis) receive(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.local.Publish(ctx, msg.Payload)
		}
	}
}
