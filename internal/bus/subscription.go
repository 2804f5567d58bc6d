// ABOUTME: Cancellable subscription yielding decoded messages on a channel.
// ABOUTME: Stop unsubscribes at the server and closes the channel before returning.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/2389/runtime-gateway/internal/message"
)

// subscriptionBuffer bounds messages queued between the server and decoding.
const subscriptionBuffer = 256

// Subscription delivers decoded messages for one subject pattern.
type Subscription struct {
	subject string
	msgs    chan *message.Message
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func newSubscription(
	ctx context.Context,
	nc *nats.Conn,
	subject string,
	registry *message.Registry,
	replier message.Replier,
	logger *slog.Logger,
) (*Subscription, error) {
	raw := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := nc.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// The server must know about the interest before Subscribe returns.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription to %s: %w", subject, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		subject: subject,
		msgs:    make(chan *message.Message),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.msgs)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				logger.Debug("unsubscribe failed", "subject", subject, "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-raw:
				decoded := registry.Decode(m.Data)
				if m.Reply != "" && decoded.Undecodable() {
					// No handler can answer a request it cannot read.
					if err := replier.Reply(ctx, m.Reply, decoded); err != nil {
						logger.Warn("failed to answer undecodable request", "subject", m.Subject, "error", err)
					}
				}
				if decoded.Subject == "" {
					decoded.Subject = m.Subject
				}
				if m.Reply != "" && !decoded.Undecodable() {
					decoded.AttachReply(m.Reply, replier)
				}
				select {
				case s.msgs <- decoded:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return s, nil
}

// Subject returns the subscribed pattern.
func (s *Subscription) Subject() string {
	return s.subject
}

// C returns the message channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan *message.Message {
	return s.msgs
}

// Stop ends the subscription and waits for the delivery goroutine to exit.
// It is safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}
