package sink

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/encoding"
	"github.com/maxpert/syncrelay/lifecycle"
)

func init() {
	lifecycle.RegisterSink("log", func(cfg.LifecycleConfiguration) (lifecycle.Sink, error) {
		return &LogSink{}, nil
	})
}

// LogSink writes lifecycle events to the process log
type LogSink struct{}

func (l *LogSink) Publish(topic, key string, value []byte) error {
	var ev lifecycle.Event
	if err := encoding.Unmarshal(value, &ev); err != nil {
		return err
	}

	log.Info().
		Str("topic", topic).
		Str("key", key).
		Str("channel_type", ev.ChannelType).
		Str("identifier", ev.Identifier).
		Str("user", ev.User).
		Int("subscribers", ev.Subscribers).
		Msg("Lifecycle event")
	return nil
}

func (l *LogSink) Close() error {
	return nil
}
