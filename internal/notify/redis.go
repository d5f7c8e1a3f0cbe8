package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisAnnouncer publishes events with PUBLISH on <prefix>/<channel>.
type RedisAnnouncer struct {
	client *redis.Client
	prefix string
}

// NewRedisAnnouncer creates an announcer for the Redis server at addr.
func NewRedisAnnouncer(addr, prefix string) (*RedisAnnouncer, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisAnnouncer{client: client, prefix: prefix}, nil
}

// Channel returns the Redis channel an event channel maps to.
func (a *RedisAnnouncer) Channel(channel string) string {
	if a.prefix == "" {
		return channel
	}
	return a.prefix + "/" + channel
}

// Announce publishes the event as JSON.
func (a *RedisAnnouncer) Announce(ctx context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	if err := a.client.Publish(ctx, a.Channel(ev.Channel), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the mapped channels.
func (a *RedisAnnouncer) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	mapped := make([]string, len(channels))
	for i, c := range channels {
		mapped[i] = a.Channel(c)
	}
	return a.client.Subscribe(ctx, mapped...)
}

// Close releases the client.
func (a *RedisAnnouncer) Close() error {
	return a.client.Close()
}
