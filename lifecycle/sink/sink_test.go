package sink

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/encoding"
	"github.com/maxpert/syncrelay/lifecycle"
)

// Compile-time interface verification
var (
	_ lifecycle.Sink = (*KafkaSink)(nil)
	_ lifecycle.Sink = (*NatsSink)(nil)
	_ lifecycle.Sink = (*LogSink)(nil)
	_ lifecycle.Sink = (*RecordingSink)(nil)
)

func TestRegisteredSinks(t *testing.T) {
	for _, name := range []string{"nats", "kafka", "log"} {
		if !lifecycle.HasSink(name) {
			t.Errorf("expected sink %q to be registered", name)
		}
	}
}

func TestKafkaConfigFromLifecycle(t *testing.T) {
	config := KafkaConfigFromLifecycle(cfg.LifecycleConfiguration{Brokers: []string{"localhost:9092"}}, "relay-7")

	if config.ClientID != "syncrelay-relay-7" {
		t.Errorf("expected instance client id, got %q", config.ClientID)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if config.WriteTimeout != DefaultKafkaWriteTimeout {
		t.Errorf("expected default write timeout, got %v", config.WriteTimeout)
	}

	if got := KafkaConfigFromLifecycle(cfg.LifecycleConfiguration{}, "").ClientID; got != "syncrelay" {
		t.Errorf("expected bare client id, got %q", got)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, ClientID: "syncrelay-test"})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 1 {
		t.Errorf("expected unbatched writes, got batch size %d", sink.writer.BatchSize)
	}
	if sink.writeTimeout != DefaultKafkaWriteTimeout {
		t.Errorf("expected default write timeout, got %v", sink.writeTimeout)
	}
	if _, ok := sink.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", sink.writer.Balancer)
	}
	transport, ok := sink.writer.Transport.(*kafka.Transport)
	if !ok || transport.ClientID != "syncrelay-test" {
		t.Errorf("expected transport with client id, got %#v", sink.writer.Transport)
	}
}

func TestKafkaMessage(t *testing.T) {
	msg := kafkaMessage("syncrelay.lifecycle.channel_evicted", "shared-doc/doc1", []byte("v"))

	if msg.Topic != "syncrelay.lifecycle.channel_evicted" || string(msg.Key) != "shared-doc/doc1" {
		t.Fatalf("unexpected routing: topic=%s key=%s", msg.Topic, msg.Key)
	}

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderEventType] != "channel_evicted" {
		t.Errorf("expected event type header, got %q", headers[HeaderEventType])
	}
	if headers[HeaderChannelType] != "shared-doc" {
		t.Errorf("expected channel type header, got %q", headers[HeaderChannelType])
	}
}

func TestNewKafkaSink_NoBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Fatal("expected error for missing brokers")
	}
}

func TestKafkaSink_CloseNilWriter(t *testing.T) {
	k := &KafkaSink{}
	if err := k.Close(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestSanitizeStreamName(t *testing.T) {
	tests := map[string]string{
		"syncrelay.lifecycle": "syncrelay_lifecycle",
		"plain":               "plain",
		"a.*.>":               "a___",
	}
	for in, want := range tests {
		if got := sanitizeStreamName(in); got != want {
			t.Errorf("sanitizeStreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogSink(t *testing.T) {
	data, err := encoding.Marshal(&lifecycle.Event{Type: lifecycle.ChannelCreated, ChannelType: "shared-doc", Identifier: "doc1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s := &LogSink{}
	if err := s.Publish("syncrelay.lifecycle.channel_created", "shared-doc/doc1", data); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.Publish("t", "k", []byte{0xc1}); err == nil {
		t.Error("expected error for undecodable payload")
	}
}

func TestRecordingSink_ThroughPublisher(t *testing.T) {
	rec := &RecordingSink{}
	rec.FailNext(2)

	filter, err := lifecycle.NewGlobFilter(nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	p, err := lifecycle.NewPublisher(lifecycle.PublisherConfig{
		Sink:         rec,
		Filter:       filter,
		Topic:        "syncrelay.lifecycle",
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
		MaxRetries:   5,
	})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}

	p.Emit(lifecycle.Event{Type: lifecycle.ChannelCreated, ChannelType: "shared-doc", Identifier: "doc1"})
	p.Emit(lifecycle.Event{Type: lifecycle.SubscriberJoined, ChannelType: "shared-doc", Identifier: "doc1", User: "alice"})
	p.Start()

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.Events()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Stop()

	events := rec.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events after retries, got %d", len(events))
	}
	if events[0].Topic != "syncrelay.lifecycle.channel_created" || events[0].Key != "shared-doc/doc1" {
		t.Errorf("unexpected routing: %+v", events[0])
	}
	if events[1].Event.User != "alice" || events[1].Event.ID <= events[0].Event.ID {
		t.Errorf("expected ordered join event for alice, got %+v", events[1].Event)
	}
	if !rec.Closed() {
		t.Error("expected publisher to close the sink")
	}
}

func TestRecordingSink_RejectsUndecodable(t *testing.T) {
	rec := &RecordingSink{}
	if err := rec.Publish("t", "k", []byte{0xc1}); err == nil {
		t.Error("expected decode error")
	}
	if len(rec.Events()) != 0 {
		t.Error("expected nothing recorded")
	}
}
