// ABOUTME: Short-TTL key-value store for push-and-forget message distribution.
// ABOUTME: Messages are upserted under their subject and watched by the receiving runtime.

package bus

import (
	"context"
	"fmt"

	"github.com/2389/runtime-gateway/internal/message"
)

// EphemeralBucket is the default bucket name for ephemeral messages.
const EphemeralBucket = "runtime-ephemeral"

// Ephemeral distributes the latest value of a subject.
type Ephemeral struct {
	kv       *KV
	registry *message.Registry
}

// NewEphemeral wraps kv.
func NewEphemeral(kv *KV, registry *message.Registry) *Ephemeral {
	return &Ephemeral{kv: kv, registry: registry}
}

// Start acquires the underlying bucket for consumer.
func (e *Ephemeral) Start(ctx context.Context, consumer string) error {
	return e.kv.Start(ctx, consumer)
}

// Stop releases the underlying bucket for consumer.
func (e *Ephemeral) Stop(ctx context.Context, consumer string) error {
	return e.kv.Stop(ctx, consumer)
}

// PublishEphemeral upserts msg under its subject.
func (e *Ephemeral) PublishEphemeral(ctx context.Context, msg *message.Message) error {
	if msg.Subject == "" {
		return fmt.Errorf("%w: %s has no subject", message.ErrProtocol, msg.Kind)
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return e.kv.Put(ctx, msg.Subject, data)
}

// ObserveEphemeral yields the current and every later message stored under
// subject until it is deleted or ctx ends.
func (e *Ephemeral) ObserveEphemeral(ctx context.Context, subject string) (<-chan *message.Message, error) {
	entries, err := e.kv.Watch(ctx, subject)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for entry := range entries {
			select {
			case out <- e.registry.Decode(entry.Value):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
