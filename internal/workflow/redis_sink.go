package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/conduit/model"
)

const defaultEventHistory = 500

// RedisEventSink publishes events as JSON on a Redis pub/sub channel and
// keeps the most recent ones in a capped list at "<channel>:recent".
type RedisEventSink struct {
	client  redis.Cmdable
	channel string
	history int64
}

// NewRedisEventSink creates a sink publishing on channel. A non-positive
// history keeps the default of 500 recent events.
func NewRedisEventSink(client redis.Cmdable, channel string, history int) *RedisEventSink {
	if history <= 0 {
		history = defaultEventHistory
	}
	return &RedisEventSink{client: client, channel: channel, history: int64(history)}
}

// Publish sends evt to subscribers and records it in the recent list.
func (s *RedisEventSink) Publish(ctx context.Context, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel, data)
	pipe.LPush(ctx, s.recentKey(), data)
	pipe.LTrim(ctx, s.recentKey(), 0, s.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %q: %w", s.channel, err)
	}
	return nil
}

// Recent returns up to n of the most recently published events, newest first.
func (s *RedisEventSink) Recent(ctx context.Context, n int) ([]model.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.recentKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", s.recentKey(), err)
	}

	events := make([]model.Event, 0, len(raw))
	for _, r := range raw {
		var evt model.Event
		if err := json.Unmarshal([]byte(r), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// HealthCheck pings Redis.
func (s *RedisEventSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisEventSink) recentKey() string {
	return s.channel + ":recent"
}
