package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/lifecycle"
)

const (
	DefaultKafkaWriteTimeout = 10 * time.Second

	// Kafka message headers set on every lifecycle event
	HeaderEventType   = "event_type"
	HeaderChannelType = "channel_type"
)

func init() {
	lifecycle.RegisterSink("kafka", func(config cfg.LifecycleConfiguration) (lifecycle.Sink, error) {
		return NewKafkaSink(KafkaConfigFromLifecycle(config, cfg.Config.InstanceID))
	})
}

// KafkaSink writes lifecycle events to one topic per event type. Messages are
// keyed by channel so every event of a channel lands on the same partition
// and stays in order.
type KafkaSink struct {
	writer       *kafka.Writer
	writeTimeout time.Duration
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	ClientID         string // Identifies this relay instance to the brokers
	WriteTimeout     time.Duration
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// KafkaConfigFromLifecycle builds the sink config from the [lifecycle] section
func KafkaConfigFromLifecycle(c cfg.LifecycleConfiguration, instanceID string) KafkaConfig {
	clientID := "syncrelay"
	if instanceID != "" {
		clientID += "-" + instanceID
	}
	return KafkaConfig{
		Brokers:          c.Brokers,
		ClientID:         clientID,
		WriteTimeout:     DefaultKafkaWriteTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Balancer: &kafka.Hash{},
		// The publisher hands over one event at a time and waits for it, so
		// a larger batch would only wait out BatchTimeout
		BatchSize:              1,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
		Transport:              &kafka.Transport{ClientID: config.ClientID},
	}

	return &KafkaSink{writer: writer, writeTimeout: config.WriteTimeout}, nil
}

// kafkaMessage builds the message for a lifecycle event published on
// "<prefix>.<event type>" under key "<channel type>/<identifier>"
func kafkaMessage(topic, key string, value []byte) kafka.Message {
	eventType := topic[strings.LastIndexByte(topic, '.')+1:]
	channelType, _, _ := strings.Cut(key, "/")

	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(eventType)},
			{Key: HeaderChannelType, Value: []byte(channelType)},
		},
	}
}

// Publish writes one event. Retries are owned by the lifecycle publisher.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.writeTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafkaMessage(topic, key, value))
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
