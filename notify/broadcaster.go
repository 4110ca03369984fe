package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/telemetry"
)

// Event names carried on the wire
const (
	EventUpdate           = "update"
	EventServerRestarting = "server-restarting"
)

// DefaultBufferSize is the per-subscription queue used when none is configured.
const DefaultBufferSize = 64

// Update is the payload of an update event. User names the subscriber the
// message is addressed to.
type Update struct {
	SyncMessage string `json:"syncMessage"`
	User        string `json:"user"`
}

// Event is one named frame published to every subscription of a channel.
type Event struct {
	Name   string
	Update *Update
}

// Subscription represents a single attached stream.
type Subscription struct {
	id         uint64
	user       string
	ch         chan Event
	closed     atomic.Bool
	overflowed atomic.Bool
	hub        *Broadcaster
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// User returns the subscriber the stream belongs to.
func (s *Subscription) User() string {
	return s.user
}

// Overflowed reports whether the subscription was closed because its queue filled up.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// close closes the subscription channel if not already closed.
func (s *Subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Broadcaster is a thread-safe publish/subscribe point for one channel.
// Each subscription has a bounded queue; a full queue either drops the frame
// or disconnects the subscription depending on the overflow policy.
type Broadcaster struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*Subscription
	nextID        atomic.Uint64
	bufferSize    int
	policy        cfg.OverflowPolicy
	closed        bool
}

// NewBroadcaster creates a broadcaster with the given queue size and overflow policy.
func NewBroadcaster(bufferSize int, policy cfg.OverflowPolicy) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if policy == "" {
		policy = cfg.OverflowDisconnect
	}
	return &Broadcaster{
		subscriptions: make(map[uint64]*Subscription),
		bufferSize:    bufferSize,
		policy:        policy,
	}
}

// Publish sends the event to every subscription (non-blocking).
func (b *Broadcaster) Publish(ev Event) {
	var overflowed []uint64

	b.mu.RLock()
	for id, sub := range b.subscriptions {
		select {
		case sub.ch <- ev:
		default:
			telemetry.FramesDroppedTotal.With(string(b.policy)).Inc()
			if b.policy == cfg.OverflowDisconnect {
				sub.overflowed.Store(true)
				overflowed = append(overflowed, id)
			}
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		b.unsubscribe(id)
	}
}

// Subscribe attaches a new stream for user. Subscribing to a closed
// broadcaster returns an already-closed subscription.
func (b *Broadcaster) Subscribe(user string) *Subscription {
	sub := &Subscription{
		id:   b.nextID.Add(1),
		user: user,
		ch:   make(chan Event, b.bufferSize),
		hub:  b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// CloseUser ends every subscription that belongs to user.
func (b *Broadcaster) CloseUser(user string) int {
	b.mu.Lock()
	var removed []*Subscription
	for id, sub := range b.subscriptions {
		if sub.user == user {
			delete(b.subscriptions, id)
			removed = append(removed, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range removed {
		sub.close()
	}
	return len(removed)
}

// Close ends all subscriptions and rejects new ones. It is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Len returns the number of attached subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscriptions[id]
	if ok {
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}
