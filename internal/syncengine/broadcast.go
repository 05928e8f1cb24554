package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/ops"
)

// Broadcaster fans newly-ingested events out to a redis pub/sub channel so
// external consumers can see live events without the core depending on who
// is listening.
type Broadcaster struct {
	client  *redis.Client
	channel string
	logger  *ops.Logger
}

// NewBroadcaster connects to cfg.URL and returns a Broadcaster publishing
// to cfg.Channel, or (nil, nil) if broadcasting is disabled in config.
func NewBroadcaster(cfg config.RedisConfig, logger *ops.Logger) (*Broadcaster, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("syncengine: parse redis url: %w", err)
	}
	return &Broadcaster{client: redis.NewClient(opts), channel: cfg.Channel, logger: logger}, nil
}

// Close releases the underlying redis connection.
func (b *Broadcaster) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Publish fans event out to the configured channel. Publish failures are
// logged, not propagated — a slow or unavailable broadcast consumer must
// never stall event ingestion.
func (b *Broadcaster) Publish(ctx context.Context, event *nostr.Event) {
	if b == nil || b.client == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("failed to marshal event for broadcast", "event_id", event.ID, "error", err)
		}
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		if b.logger != nil {
			b.logger.Warn("failed to publish event to broadcast channel", "event_id", event.ID, "channel", b.channel, "error", err)
		}
	}
}
