package syncbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/config"
)

// RedisChannel fans envelopes out over Redis PubSub so tabs of one attempt
// stay in sync even when their connections land on different server
// instances. Malformed messages are dropped and logged, never fatal.
type RedisChannel struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisChannel creates a Redis-backed broadcast channel.
func NewRedisChannel(rdb *redis.Client, log zerolog.Logger) *RedisChannel {
	return &RedisChannel{
		rdb: rdb,
		log: log.With().Str("component", "syncbus").Logger(),
	}
}

// Publish sends env on the attempt's PubSub channel. Publish failures are
// returned for logging but the caller is expected to carry on; the fallback
// clock keeps every tab correct without the bus.
func (c *RedisChannel) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, config.CacheKey.AttemptChannel(env.AttemptID), raw).Err()
}

// Subscribe listens on the attempt's PubSub channel and forwards every
// well-formed envelope not sent by tabID to h.
func (c *RedisChannel) Subscribe(attemptID, tabID string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := c.rdb.Subscribe(ctx, config.CacheKey.AttemptChannel(attemptID))

	// Force the subscription to be established before returning so a
	// request-state published right after Subscribe is not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				c.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Dropping malformed envelope")
				continue
			}
			if env.TabID == tabID {
				continue
			}
			h(env)
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}
