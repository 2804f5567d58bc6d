// ABOUTME: In-memory change notifier fanning table-level change signals out to observers
// ABOUTME: Signals coalesce: a subscriber that has not drained its channel gets one pending signal

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Change topics, one per table
const (
	TopicWorkspaces   = "workspaces"
	TopicRuntimes     = "runtimes"
	TopicMCPServers   = "mcp_servers"
	TopicMCPTools     = "mcp_tools"
	TopicRuntimeTools = "runtime_tools"
)

// Notifier provides in-memory pub/sub for store changes.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // subID -> subscriber
	closed      bool
	logger      *slog.Logger
}

type subscriber struct {
	topics map[string]bool
	ch     chan struct{}
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers for changes on any of topics. The returned channel
// is closed when ctx is cancelled or the notifier is closed.
func (n *Notifier) Subscribe(ctx context.Context, topics ...string) (<-chan struct{}, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan struct{}, 1),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	n.subscribers[subID] = sub
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish signals every subscriber of any of topics. Never blocks.
func (n *Notifier) Publish(topics ...string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subscribers {
		if !sub.matches(topics) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
			// A signal is already pending.
		}
	}
}

func (s *subscriber) matches(topics []string) bool {
	for _, t := range topics {
		if s.topics[t] {
			return true
		}
	}
	return false
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subscribers[subID]
	if !ok {
		return
	}
	delete(n.subscribers, subID)
	close(sub.ch)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, sub := range n.subscribers {
		close(sub.ch)
		delete(n.subscribers, id)
	}
	n.closed = true
	n.logger.Debug("notifier closed")
}
