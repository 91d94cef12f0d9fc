package storage

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ChangeEvent is one committed change, delivered to every subscriber. Each
// subscriber receives its own copy; mutating it does not affect others.
type ChangeEvent struct {
	Sequence   uint64 `json:"seq"`
	DocID      string `json:"id"`
	RevID      string `json:"rev"`
	Deleted    bool   `json:"deleted,omitempty"`
	WinningRev string `json:"-"`
	External   bool   `json:"-"` // arrived via a puller rather than a local edit
}

// Broker fans committed changes out to subscribers: _changes feeds, pusher
// inboxes and the events bridge. Delivery is non-blocking; while a
// subscriber's buffer is full, new notifications are dropped for it. The
// _changes feeds re-read from their own sequence on each wakeup.
type Broker struct {
	nextID atomic.Uint64
	subs   *xsync.MapOf[uint64, chan ChangeEvent]
	closed atomic.Bool
}

// Subscription is a registered change listener. Cancel detaches it from the
// broker and closes the channel.
type Subscription struct {
	C      <-chan ChangeEvent
	id     uint64
	broker *Broker
}

const subscriberBuffer = 64

func NewBroker() *Broker {
	return &Broker{
		subs: xsync.NewMapOf[uint64, chan ChangeEvent](),
	}
}

// Subscribe registers a new listener.
func (b *Broker) Subscribe() *Subscription {
	ch := make(chan ChangeEvent, subscriberBuffer)
	id := b.nextID.Add(1)
	if b.closed.Load() {
		close(ch)
		return &Subscription{C: ch, id: id, broker: b}
	}
	b.subs.Store(id, ch)
	return &Subscription{C: ch, id: id, broker: b}
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if ch, ok := s.broker.subs.LoadAndDelete(s.id); ok {
		close(ch)
	}
}

// SubscriberCount reports how many listeners are attached.
func (b *Broker) SubscriberCount() int {
	return b.subs.Size()
}

// Notify delivers a change to all current subscribers.
func (b *Broker) Notify(evt ChangeEvent) {
	b.subs.Range(func(_ uint64, ch chan ChangeEvent) bool {
		select {
		case ch <- evt:
		default:
		}
		return true
	})
}

// Close detaches every subscriber.
func (b *Broker) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.subs.Range(func(id uint64, ch chan ChangeEvent) bool {
		if _, ok := b.subs.LoadAndDelete(id); ok {
			close(ch)
		}
		return true
	})
}
