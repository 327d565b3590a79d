// Package bus carries topic broadcasts between relay processes over Redis
// pub/sub so that sessions of one topic can be spread across instances.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/grouprelay/internal/metrics"
)

// Deliverer hands a payload to the sessions of a topic in this process.
type Deliverer interface {
	Broadcast(key string, payload []byte) int
}

// RedisDispatcher publishes topic payloads to Redis and delivers everything
// received on its channel pattern to the local registry, including its own
// publications.
type RedisDispatcher struct {
	client *redis.Client
	prefix string
	local  Deliverer
	log    zerolog.Logger
}

// NewRedisDispatcher connects to redisURL and verifies the connection.
func NewRedisDispatcher(ctx context.Context, redisURL, prefix string, local Deliverer, log zerolog.Logger) (*RedisDispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisDispatcher(client, prefix, local, log), nil
}

func newRedisDispatcher(client *redis.Client, prefix string, local Deliverer, log zerolog.Logger) *RedisDispatcher {
	return &RedisDispatcher{
		client: client,
		prefix: prefix,
		local:  local,
		log:    log.With().Str("component", "bus").Logger(),
	}
}

// channel returns the Redis channel of a topic key.
func (d *RedisDispatcher) channel(key string) string {
	return d.prefix + key
}

// key returns the topic key of a Redis channel, or false if the channel is
// not one of ours.
func (d *RedisDispatcher) key(channel string) (string, bool) {
	key, ok := strings.CutPrefix(channel, d.prefix)
	return key, ok && key != ""
}

// Publish implements server.Dispatcher.
func (d *RedisDispatcher) Publish(ctx context.Context, key string, payload []byte) error {
	if err := d.client.Publish(ctx, d.channel(key), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Run subscribes to every topic channel and delivers incoming payloads
// locally until ctx is done.
func (d *RedisDispatcher) Run(ctx context.Context) error {
	sub := d.client.PSubscribe(ctx, d.prefix+"*")
	defer func() {
		if err := sub.Close(); err != nil {
			d.log.Debug().Err(err).Msg("close subscription")
		}
	}()

	// Wait for the subscription to be confirmed so nothing published after
	// Run starts is missed.
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	d.log.Info().Str("pattern", d.prefix+"*").Msg("subscribed to topic channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			d.deliver(msg)
		}
	}
}

func (d *RedisDispatcher) deliver(msg *redis.Message) {
	key, ok := d.key(msg.Channel)
	if !ok {
		d.log.Warn().Str("channel", msg.Channel).Msg("ignoring message on unexpected channel")
		metrics.EventsDropped.WithLabelValues("bus_channel").Inc()
		return
	}

	n := d.local.Broadcast(key, []byte(msg.Payload))
	d.log.Debug().Str("topic", key).Int("delivered", n).Msg("bus message delivered")
}

// Close releases the Redis client.
func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}
