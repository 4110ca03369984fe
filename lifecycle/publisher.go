package lifecycle

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/syncrelay/cfg"
	"github.com/maxpert/syncrelay/encoding"
	"github.com/maxpert/syncrelay/hlc"
	"github.com/maxpert/syncrelay/telemetry"
)

const (
	// Default number of events buffered between the registry and the sink
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 10
)

// PublisherConfig configures the lifecycle publisher
type PublisherConfig struct {
	Sink            Sink
	Filter          Filter
	Topic           string // e.g. "syncrelay.lifecycle"; event type is appended
	QueueSize       int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
	Clock           *hlc.Clock // Orders event IDs; defaults to instance 0
}

// Publisher queues lifecycle events and publishes them from one goroutine.
// Emit never blocks; events are dropped when the queue is full.
type Publisher struct {
	config      PublisherConfig
	queue       chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewPublisher creates a new lifecycle publisher
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	// Set defaults
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Clock == nil {
		config.Clock = hlc.NewClock(0)
	}

	return &Publisher{
		config: config,
		queue:  make(chan Event, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// NewPublisherFromConfig builds the sink, filter and publisher from the [lifecycle] section
func NewPublisherFromConfig(c cfg.LifecycleConfiguration) (*Publisher, error) {
	snk, err := createSink(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(c.FilterTypes)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	p, err := NewPublisher(PublisherConfig{
		Sink:            snk,
		Filter:          filter,
		Topic:           c.Topic,
		QueueSize:       c.QueueSize,
		RetryInitial:    time.Duration(c.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(c.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: c.RetryMultiplier,
		MaxRetries:      c.MaxRetries,
		Clock:           hlc.NewClock(instanceOrdinal(cfg.Config.InstanceID)),
	})
	if err != nil {
		snk.Close()
		return nil, err
	}

	log.Info().
		Str("sink", c.Sink).
		Str("topic", c.Topic).
		Msg("Lifecycle publisher initialized")

	return p, nil
}

// instanceOrdinal folds an instance ID string into the clock's instance bits
func instanceOrdinal(instanceID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(instanceID))
	return h.Sum64()
}

// Emit queues an event (non-blocking)
func (p *Publisher) Emit(ev Event) {
	if !p.config.Filter.Match(ev.ChannelType) {
		telemetry.LifecycleEventsTotal.With("filtered").Inc()
		return
	}
	if ev.ID == 0 {
		ts := p.config.Clock.Now()
		ev.ID = ts.ID()
		if ev.Timestamp == 0 {
			ev.Timestamp = ts.WallMS
		}
	}

	select {
	case p.queue <- ev:
		telemetry.LifecycleQueueDepth.Inc()
	default:
		telemetry.LifecycleEventsTotal.With("dropped").Inc()
		log.Warn().
			Str("type", string(ev.Type)).
			Str("identifier", ev.Identifier).
			Msg("Lifecycle queue full, dropping event")
	}
}

// Start starts the publishing goroutine
func (p *Publisher) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return // Already running
	}

	p.running.Store(true)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.publishLoop()
}

// Stop flushes queued events with a single attempt each, then closes the sink
func (p *Publisher) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return // Not running
	}

	close(p.stopCh)
	<-p.doneCh
	p.running.Store(false)

	if err := p.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close lifecycle sink")
	}

	log.Info().Msg("Lifecycle publisher stopped")
}

func (p *Publisher) publishLoop() {
	defer close(p.doneCh)

	for {
		select {
		case ev := <-p.queue:
			telemetry.LifecycleQueueDepth.Dec()
			p.process(ev, true)
		case <-p.stopCh:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case ev := <-p.queue:
			telemetry.LifecycleQueueDepth.Dec()
			p.process(ev, false)
		default:
			return
		}
	}
}

func (p *Publisher) process(ev Event, retry bool) {
	data, err := encoding.Marshal(&ev)
	if err != nil {
		telemetry.LifecycleEventsTotal.With("failed").Inc()
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to encode lifecycle event")
		return
	}

	topic := p.buildTopic(ev.Type)
	key := ev.ChannelType + "/" + ev.Identifier

	if retry {
		err = p.publishWithRetry(topic, key, data)
	} else {
		err = p.config.Sink.Publish(topic, key, data)
	}
	if err != nil {
		telemetry.LifecycleEventsTotal.With("failed").Inc()
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to publish lifecycle event")
		return
	}

	telemetry.LifecycleEventsTotal.With("published").Inc()
}

// buildTopic builds the topic name for an event
func (p *Publisher) buildTopic(t EventType) string {
	return fmt.Sprintf("%s.%s", p.config.Topic, t)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or publisher stopped
func (p *Publisher) publishWithRetry(topic, key string, data []byte) error {
	delay := p.config.RetryInitial
	attempts := 0

	for {
		err := p.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= p.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", p.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish lifecycle event, retrying")

		// Sleep with stop check
		if !p.sleep(delay) {
			return fmt.Errorf("publisher stopped during retry: %w", err)
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
		if delay > p.config.RetryMax {
			delay = p.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (p *Publisher) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
