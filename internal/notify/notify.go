// Package notify carries "the messages collection changed" signals from the
// places that mutate messages to the thread sessions that must refetch.
package notify

import (
	"context"
	"sync"
	"time"
)

// Kind classifies a change.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
	// KindOverflow replaces changes a slow subscriber could not buffer. It
	// names no message and matches every thread.
	KindOverflow Kind = "overflow"
)

// Change describes a mutation of one message.
type Change struct {
	Kind       Kind      `json:"kind"`
	MessageID  string    `json:"message_id,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RoutingKey is the topic used for the change on the event bus.
func (c Change) RoutingKey() string {
	return "messages." + string(c.Kind)
}

// Touches reports whether the change may concern the conversation of a and
// b. Changes that do not name their pair touch everything.
func (c Change) Touches(a, b string) bool {
	if c.SenderID == "" || c.ReceiverID == "" {
		return true
	}
	return (c.SenderID == a && c.ReceiverID == b) || (c.SenderID == b && c.ReceiverID == a)
}

// Publisher announces changes.
type Publisher interface {
	PublishChange(ctx context.Context, change Change) error
}

// Subscriber hands out change streams. The returned func cancels the
// subscription and closes the channel.
type Subscriber interface {
	Subscribe() (<-chan Change, func())
}

// Broker fans changes out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full has its oldest pending change
// replaced by an overflow marker.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Change
	nextID uint64
	buffer int
}

// NewBroker creates a broker whose subscriptions buffer up to buffer changes.
func NewBroker(buffer int) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{subs: make(map[uint64]chan Change), buffer: buffer}
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers change to every subscriber and returns how many there were.
func (b *Broker) Publish(change Change) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- change:
			continue
		default:
		}
		// full: drop the oldest pending change and leave a marker that
		// forces a refetch regardless of scope.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- Change{Kind: KindOverflow, OccurredAt: change.OccurredAt}:
		default:
		}
	}
	return len(b.subs)
}

// PublishChange lets the broker act as a local Publisher.
func (b *Broker) PublishChange(ctx context.Context, change Change) error {
	b.Publish(change)
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
