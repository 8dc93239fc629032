package analytics

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosslabs/pulse/pkg/observability"
)

// Update is one real-time notification delivered to subscribers of a
// user's activity feed.
type Update struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Update types published by the collector.
const (
	UpdateNewEvent       = "new_event"
	UpdateSessionStarted = "session_started"
	UpdateSessionEnded   = "session_ended"
	UpdateNewMetric      = "new_metric"
	UpdateServiceUsage   = "service_usage"
)

// Subscription is one live feed for a single user's updates. Close it
// through Notifier.Unsubscribe.
type Subscription struct {
	ID     string
	UserID string
	C      <-chan Update

	ch chan Update
}

// Notifier fans out per-user updates to in-process subscribers.
// Delivery is best effort: a subscriber whose channel is full misses
// the update instead of blocking the publisher.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription

	buffer  int
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewNotifier creates a notifier with the given per-subscriber channel
// buffer.
func NewNotifier(buffer int, logger *observability.Logger, metrics *observability.Metrics) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{
		subscribers: make(map[string]map[string]*Subscription),
		buffer:      buffer,
		logger:      logger,
		metrics:     metrics,
	}
}

// Subscribe registers a new subscriber for one user's updates.
func (n *Notifier) Subscribe(userID string) *Subscription {
	ch := make(chan Update, n.buffer)
	sub := &Subscription{
		ID:     uuid.New().String(),
		UserID: userID,
		C:      ch,
		ch:     ch,
	}

	n.mu.Lock()
	if n.subscribers[userID] == nil {
		n.subscribers[userID] = make(map[string]*Subscription)
	}
	n.subscribers[userID][sub.ID] = sub
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.NotifierSubscribers.Inc()
	}
	n.logger.WithFields(map[string]interface{}{
		"user_id":       userID,
		"subscriber_id": sub.ID,
	}).Debug("Subscriber added")

	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// with an already-removed subscription.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	n.mu.Lock()
	subs, ok := n.subscribers[sub.UserID]
	if ok {
		if _, ok = subs[sub.ID]; ok {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(n.subscribers, sub.UserID)
			}
			// Closed under the write lock; Publish sends under the read
			// lock and so can never see a closed channel.
			close(sub.ch)
		}
	}
	n.mu.Unlock()

	if !ok {
		return
	}

	if n.metrics != nil {
		n.metrics.NotifierSubscribers.Dec()
	}
}

// Publish delivers an update to every current subscriber of the user.
// With no subscribers it is a no-op. Publish never blocks: every send is
// non-blocking, so the read lock is held only briefly.
func (n *Notifier) Publish(userID string, updateType string, data interface{}) {
	update := Update{
		Type:      updateType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subscribers[userID] {
		select {
		case sub.ch <- update:
			if n.metrics != nil {
				n.metrics.NotifierDeliveriesTotal.Inc()
			}
		default:
			if n.metrics != nil {
				n.metrics.NotifierDroppedTotal.Inc()
			}
			n.logger.WithFields(map[string]interface{}{
				"user_id":       userID,
				"subscriber_id": sub.ID,
				"update_type":   updateType,
			}).Warn("Subscriber buffer full, update dropped")
		}
	}
}

// SubscriberCount returns the number of live subscribers for a user.
func (n *Notifier) SubscriberCount(userID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[userID])
}
