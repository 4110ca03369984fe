package telemetry

import (
	"sync"
	"time"
)

// StatsProvider interface for components that report live channel counts
type StatsProvider interface {
	ChannelCounts() map[string]int
	SubscriberCount() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	seen     map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	counts := mc.provider.ChannelCounts()
	for typ, n := range counts {
		ChannelsActive.With(typ).Set(float64(n))
		mc.seen[typ] = struct{}{}
	}

	// Types that disappeared since the last sample go back to zero
	for typ := range mc.seen {
		if _, ok := counts[typ]; !ok {
			ChannelsActive.With(typ).Set(0)
		}
	}

	SubscribersActive.Set(float64(mc.provider.SubscriberCount()))
}
