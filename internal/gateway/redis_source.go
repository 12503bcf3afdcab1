package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

const defaultRedisChannel = "chatsync:events"

// RedisSource reads push frames from a Redis pub/sub channel. Frames
// published while no subscriber is attached are lost, so the daemon resyncs
// snapshots on every connect.
type RedisSource struct {
	client *redis.Client
	pubsub *redis.PubSub
	owned  bool
}

// RedisDialer subscribes to channel on the server named by rawURL.
func RedisDialer(rawURL, channel string) (chatsync.Dialer, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel = strings.TrimSpace(channel); channel == "" {
		channel = defaultRedisChannel
	}
	return func(ctx context.Context) (chatsync.EventSource, error) {
		client := redis.NewClient(opts)
		src, err := SubscribeRedis(ctx, client, channel)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		src.owned = true
		return src, nil
	}, nil
}

// SubscribeRedis attaches to channel on an existing client. The caller keeps
// ownership of client.
func SubscribeRedis(ctx context.Context, client *redis.Client, channel string) (*RedisSource, error) {
	pubsub := client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed so dial errors
	// surface here instead of on the first Next.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &RedisSource{client: client, pubsub: pubsub}, nil
}

func (s *RedisSource) Next(ctx context.Context) ([]byte, error) {
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Payload == "" {
			continue
		}
		return []byte(msg.Payload), nil
	}
}

func (s *RedisSource) Close() error {
	err := s.pubsub.Close()
	if s.owned {
		if closeErr := s.client.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// PublishEvent encodes ev and publishes it on channel.
func PublishEvent(ctx context.Context, client *redis.Client, channel string, ev chatsync.Event) error {
	frame, err := chatsync.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if channel = strings.TrimSpace(channel); channel == "" {
		channel = defaultRedisChannel
	}
	return client.Publish(ctx, channel, frame).Err()
}
