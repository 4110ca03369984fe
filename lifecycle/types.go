// Package lifecycle publishes channel lifecycle events (creation, eviction,
// joins and leaves) to an external sink such as NATS JetStream or Kafka.
package lifecycle

// EventType names a lifecycle transition
type EventType string

const (
	ChannelCreated   EventType = "channel_created"
	ChannelEvicted   EventType = "channel_evicted"
	SubscriberJoined EventType = "subscriber_joined"
	SubscriberLeft   EventType = "subscriber_left"
)

// Event is a single lifecycle transition
type Event struct {
	ID          uint64    `msgpack:"id"` // hlc.Timestamp ID, assigned on Emit
	Type        EventType `msgpack:"type"`
	ChannelType string    `msgpack:"channel_type"`
	Identifier  string    `msgpack:"identifier"`
	User        string    `msgpack:"user,omitempty"`
	Subscribers int       `msgpack:"subscribers"` // Count after the transition
	InstanceID  string    `msgpack:"instance"`
	Timestamp   int64     `msgpack:"ts"` // unix ms
}

// Emitter accepts lifecycle events. Implementations must not block.
type Emitter interface {
	Emit(ev Event)
}

// Sink represents a destination for lifecycle events (e.g., Kafka, NATS, log)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if events for the channel type should be published
	Match(channelType string) bool
}

// NoopEmitter discards every event
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
