package store

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// DefaultResultsChannel is where finished matches are announced.
const DefaultResultsChannel = "arena:matches"

// recentLimit bounds the recent-results list kept next to the channel.
const recentLimit = 100

// RedisPublisher publishes stored matches on a pub/sub channel and keeps a
// capped list of the latest ones for late subscribers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher parses url and returns a publisher. It does not dial.
func NewRedisPublisher(url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "parse redis url")
	}
	return NewRedisPublisherFromClient(redis.NewClient(opts), channel), nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultResultsChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends rec as JSON and records it in the recent list.
func (p *RedisPublisher) Publish(ctx context.Context, rec MatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "encode match")
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, p.recentKey(), data)
	pipe.LTrim(ctx, p.recentKey(), 0, recentLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "publish match %d", rec.ID)
	}
	return nil
}

// Recent returns up to n of the latest published matches, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, n int) ([]MatchRecord, error) {
	if n <= 0 || n > recentLimit {
		n = recentLimit
	}
	raw, err := p.client.LRange(ctx, p.recentKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "read recent matches")
	}

	out := make([]MatchRecord, 0, len(raw))
	for _, item := range raw {
		var rec MatchRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) recentKey() string {
	return p.channel + ":recent"
}
