package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher is satisfied by storage.RedisClient.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisBus publishes events as JSON on a pub/sub channel.
type RedisBus struct {
	publisher Publisher
	channel   string
}

func NewRedisBus(publisher Publisher, channel string) *RedisBus {
	return &RedisBus{publisher: publisher, channel: channel}
}

func (r *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if err := r.publisher.Publish(ctx, r.channel, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	return nil
}
