// Package bus provides type-keyed pub/sub and correlated request/response messaging.
package bus

import (
	"context"

	"github.com/pulsegrid/relink/internal/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers messages to interested subscribers and resolves correlated responses.
type Bus interface {
	Publish(ctx context.Context, msg schema.Message) error
	Subscribe(ctx context.Context, typ schema.MessageType) (SubscriptionID, <-chan schema.Message, error)
	Unsubscribe(id SubscriptionID)
	Request(ctx context.Context, req schema.Request) (schema.Response, error)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	return c
}
