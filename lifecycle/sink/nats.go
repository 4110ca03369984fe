package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/lifecycle"
)

func init() {
	lifecycle.RegisterSink("nats", func(config cfg.LifecycleConfiguration) (lifecycle.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Topic)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing.
// One stream captures every subject under the configured topic prefix.
type NatsSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	ready  bool
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url, topicPrefix string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, prefix: topicPrefix}, nil
}

// Publish sends a message to NATS JetStream
// topic: JetStream subject (e.g., "syncrelay.lifecycle.channel_created")
// key: Message key (stored as header for routing)
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Publish is only called from the publisher goroutine
	if !n.ready {
		streamName := sanitizeStreamName(n.prefix)
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{n.prefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.ready = true
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream name
// JetStream stream names can't contain ".", "*" or ">"
func sanitizeStreamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}
