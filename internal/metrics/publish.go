package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher mirrors a Snapshot to a Redis pub/sub channel on every flush,
// so an external dashboard can subscribe without polling log files.
// Adapted from the teacher's queue/redis/queue.go connection/URL-parsing
// pattern (ParseURL + NewClient + Ping on construction); this is a
// publish-only sibling of that package's queue, not a queue itself.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher connects to redisURL and verifies it with a Ping, publishing
// every snapshot to channel thereafter.
func NewPublisher(ctx context.Context, redisURL, channel string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("metrics: parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("metrics: connecting to redis: %w", err)
	}

	return &Publisher{client: client, channel: channel}, nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish serializes snap as JSON and publishes it to the configured
// channel. Publish errors are non-fatal to the pipeline: the progress
// channel is a convenience, never load-bearing for the run's outcome.
func (p *Publisher) Publish(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("metrics: marshaling snapshot: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}
