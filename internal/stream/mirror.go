// Package stream mirrors realtime events to a Redis pub/sub channel.
//
// The mirror lets external consumers (dashboards, CLIs) tail the event
// stream without holding a WebSocket connection. It is write-only and
// best-effort: publish failures are logged at debug and never propagate.
// In-process state stays in memory; nothing here is persistence.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel broadcast payloads go to.
const DefaultChannel = "agentmon:events"

// Mirror publishes broadcast payloads to Redis.
type Mirror struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(redisURL, channel string, logger *slog.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Mirror{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "event_mirror"),
	}, nil
}

// Publish sends one already-serialized broadcast payload. Implements
// hub.Tap.
func (m *Mirror) Publish(event string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		m.logger.Debug("event mirror publish failed", "event", event, "error", err)
	}
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
