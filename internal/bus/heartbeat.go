// ABOUTME: Heartbeat liveness tracker built on a TTL'd key-value bucket.
// ABOUTME: Observe ends quietly on timeout or deletion; each value resets the timer.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/runtime-gateway/internal/message"
)

// HeartbeatBucket is the default bucket name for heartbeats.
const HeartbeatBucket = "runtime-heartbeat"

// Heartbeats tracks liveness keyed by RID.
type Heartbeats struct {
	kv       *KV
	registry *message.Registry
	logger   *slog.Logger
}

// NewHeartbeats wraps kv. The observe window equals the bucket TTL.
func NewHeartbeats(kv *KV, registry *message.Registry, logger *slog.Logger) *Heartbeats {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeats{
		kv:       kv,
		registry: registry,
		logger:   logger.With("component", "heartbeats"),
	}
}

// Start acquires the underlying bucket for consumer.
func (h *Heartbeats) Start(ctx context.Context, consumer string) error {
	return h.kv.Start(ctx, consumer)
}

// Stop releases the underlying bucket for consumer.
func (h *Heartbeats) Stop(ctx context.Context, consumer string) error {
	return h.kv.Stop(ctx, consumer)
}

// TTL returns the liveness window.
func (h *Heartbeats) TTL() time.Duration {
	return h.kv.TTL()
}

// Heartbeat creates or refreshes the key for id.
func (h *Heartbeats) Heartbeat(ctx context.Context, id string, hb *message.Heartbeat) error {
	if hb == nil {
		hb = &message.Heartbeat{RID: id}
	}
	if hb.RID == "" {
		hb.RID = id
	}
	if hb.SentAt == 0 {
		hb.SentAt = time.Now().UnixMilli()
	}
	msg, err := message.New(hb)
	if err != nil {
		return err
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return h.kv.Put(ctx, id, data)
}

// Keys lists the ids with a live heartbeat.
func (h *Heartbeats) Keys(ctx context.Context) ([]string, error) {
	return h.kv.Keys(ctx)
}

// Kill force-expires id. Observers end exactly as they would on timeout.
func (h *Heartbeats) Kill(ctx context.Context, id string) error {
	return h.kv.Delete(ctx, id)
}

// Observe yields each heartbeat received for id. The channel closes without
// error when no value arrives within the TTL, when the key is deleted, or
// when ctx ends.
func (h *Heartbeats) Observe(ctx context.Context, id string) (<-chan *message.Heartbeat, error) {
	ctx, cancel := context.WithCancel(ctx)
	entries, err := h.kv.Watch(ctx, id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("observing heartbeat %s: %w", id, err)
	}

	ttl := h.kv.TTL()
	out := make(chan *message.Heartbeat)
	go func() {
		defer close(out)
		defer cancel()

		timer := time.NewTimer(ttl)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				h.logger.Debug("heartbeat window elapsed", "id", id, "ttl", ttl)
				return
			case entry, ok := <-entries:
				if !ok {
					h.logger.Debug("heartbeat key removed", "id", id)
					return
				}
				timer.Reset(ttl)

				hb, ok := h.registry.Decode(entry.Value).Data.(*message.Heartbeat)
				if !ok {
					h.logger.Warn("ignoring malformed heartbeat", "id", id)
					continue
				}
				select {
				case out <- hb:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
