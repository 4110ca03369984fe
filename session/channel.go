package session

import (
	"sort"
	"sync"

	"github.com/maxpert/syncrelay/merge"
	"github.com/maxpert/syncrelay/notify"
)

// Kind tags the channel variant
type Kind int

const (
	// KindPresence channels only track membership
	KindPresence Kind = iota
	// KindSharedDocument channels also hold the authoritative document
	KindSharedDocument
)

func (k Kind) String() string {
	if k == KindSharedDocument {
		return "shared-document"
	}
	return "presence"
}

// Key identifies a channel
type Key struct {
	Type       string
	Identifier string
}

// Channel is the fan-out unit for one (type, identifier). It exists exactly
// while its subscriber set is non-empty.
type Channel struct {
	key         Key
	kind        Kind
	queryKey    string
	broadcaster *notify.Broadcaster

	mu          sync.Mutex
	subscribers map[string]uint64 // user -> join epoch
	joins       uint64
	doc         *merge.Document // nil for presence channels
	evicted     bool
}

// Key returns the channel identity
func (c *Channel) Key() Key {
	return c.key
}

// Kind returns the channel variant
func (c *Channel) Kind() Kind {
	return c.kind
}

// QueryKey returns the load context the channel was created with
func (c *Channel) QueryKey() string {
	return c.queryKey
}

// Broadcaster returns the channel's publish/subscribe point
func (c *Channel) Broadcaster() *notify.Broadcaster {
	return c.broadcaster
}

// Document returns the current document snapshot, or nil for presence channels
func (c *Channel) Document() *merge.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Subscribers returns the sorted subscriber ids
func (c *Channel) Subscribers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.subscribers))
	for u := range c.subscribers {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Members returns each subscriber's join epoch. A user who leaves and joins
// again gets a new epoch.
func (c *Channel) Members() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := make(map[string]uint64, len(c.subscribers))
	for u, epoch := range c.subscribers {
		members[u] = epoch
	}
	return members
}

// Has reports whether user is subscribed
func (c *Channel) Has(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribers[user]
	return ok
}

// Len returns the number of subscribers
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Evicted reports whether the channel has been destroyed
func (c *Channel) Evicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}
